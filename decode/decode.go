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

// Package decode turns model logits into called bases and Phred+33
// qualities under a label scheme.
package decode

import (
	"fmt"

	"github.com/grailbio/polish/tensor"
)

// HaploidLabels is the haploid label scheme; class 0 is the deletion column.
const HaploidLabels = "*ACGT"

// Default quality caps for the consensus and variant paths.
const (
	ConsensusQCap = 40
	VariantQCap   = 70
)

// Result is a decoded sample: one base and one quality character per pileup
// column.  Deletion columns keep their '*'; they are stripped at output time
// by the stitcher.
type Result struct {
	Seq  []byte
	Qual []byte
}

// Decoder is pure and stateless.
type Decoder struct {
	Labels string
	QCap   float64
}

// NewDecoder returns a decoder for the given label scheme.
func NewDecoder(labels string, qCap float64) (*Decoder, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("decode.NewDecoder: empty label scheme")
	}
	return &Decoder{Labels: labels, QCap: qCap}, nil
}

// DecodeBatch decodes a [B, L, C] logits batch into B results.
func (d *Decoder) DecodeBatch(logits tensor.Batch) ([]Result, error) {
	_, c := logits.Data.Dims()
	if c != len(d.Labels) {
		return nil, fmt.Errorf("decode.DecodeBatch: logits have %d classes for %d labels", c, len(d.Labels))
	}
	idx := tensor.ArgmaxRows(logits.Data)
	probs := tensor.SoftmaxRows(logits.Data)
	chosen := tensor.GatherRows(probs, idx)

	ret := make([]Result, logits.B)
	for b := 0; b < logits.B; b++ {
		seq := make([]byte, logits.L)
		qual := make([]byte, logits.L)
		for i := 0; i < logits.L; i++ {
			row := b*logits.L + i
			seq[i] = d.Labels[idx[row]]
			qual[i] = byte(tensor.Phred(1-chosen[row], d.QCap)) + 33
		}
		ret[b] = Result{Seq: seq, Qual: qual}
	}
	return ret, nil
}
