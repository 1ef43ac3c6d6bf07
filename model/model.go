// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package model defines the inference interface consumed by the polishing
// pipeline and a counts-based reference model.
package model

import (
	"fmt"
	"math"
	"strings"

	"github.com/grailbio/polish/pileup"
	"github.com/grailbio/polish/tensor"
	"gonum.org/v1/gonum/mat"
)

// Model maps a stacked feature batch [B, L, F] to per-position class scores
// [B, L, C].  Replicas hands one instance to several runner goroutines, and
// the inference driver serializes calls per runner (not per instance), so
// Predict must be safe for concurrent use.
type Model interface {
	Predict(b tensor.Batch) (tensor.Batch, error)
}

// Replicas places one model instance per inference runner.  Only the "cpu"
// device is supported; the in-memory model is shared across inferThreads
// runners (weights behind shared ownership).
func Replicas(m Model, device string, inferThreads int) ([]Model, error) {
	if (device != "") && (strings.ToLower(device) != "cpu") {
		return nil, fmt.Errorf("model.Replicas: unsupported device %q (only cpu is available)", device)
	}
	if inferThreads < 1 {
		inferThreads = 1
	}
	ret := make([]Model, inferThreads)
	for i := range ret {
		ret[i] = m
	}
	return ret, nil
}

// Counts is a reference model over counts features: the probability of each
// label is the fraction of reads supporting it, folded across strands and
// datatypes.  It stands in when no trained weights are supplied and anchors
// the end-to-end tests.
type Counts struct {
	// NumDtypes matches the encoder's datatype block count.
	NumDtypes int
	// Labels is the decode alphabet; class 0 is the deletion label.
	Labels string
}

// NewCounts returns a Counts model for the haploid *ACGT label scheme.
func NewCounts(numDtypes int) *Counts {
	if numDtypes < 1 {
		numDtypes = 1
	}
	return &Counts{NumDtypes: numDtypes, Labels: "*ACGT"}
}

// Predict implements Model.  The returned scores are log-probabilities, so a
// softmax downstream recovers the per-class fractions.
func (m *Counts) Predict(b tensor.Batch) (tensor.Batch, error) {
	rows, cols := b.Data.Dims()
	if cols != m.NumDtypes*pileup.FeatsPerDtype {
		return tensor.Batch{}, fmt.Errorf("model.Counts: batch has %d features, want %d", cols, m.NumDtypes*pileup.FeatsPerDtype)
	}
	nClass := len(m.Labels)
	out := mat.NewDense(rows, nClass, nil)
	class := make([]float64, nClass)
	for i := 0; i < rows; i++ {
		total := 0.0
		for c := range class {
			class[c] = 0
		}
		for d := 0; d < m.NumDtypes; d++ {
			base := d * pileup.FeatsPerDtype
			for strand := 0; strand < 2; strand++ {
				lo := base + strand*(pileup.NumBases+1)
				for k := 0; k <= pileup.NumBases; k++ {
					v := b.Data.At(i, lo+k)
					if k == pileup.NumBases {
						class[0] += v // deletion label
					} else {
						class[k+1] += v
					}
					total += v
				}
			}
		}
		if total <= 0 {
			// No evidence: flat scores decode to the deletion label with the
			// floor quality.
			for c := range class {
				out.Set(i, c, 0)
			}
			continue
		}
		for c := range class {
			out.Set(i, c, math.Log(class[c]/total+1e-10))
		}
	}
	return tensor.Batch{B: b.B, L: b.L, Data: out}, nil
}
