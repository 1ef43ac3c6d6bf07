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

// Package pileup builds per-column count features from aligned reads and
// reshapes them into fixed-length samples for inference.
//
// A column is addressed by a (major, minor) position pair: major is a 0-based
// draft coordinate and minor is the insertion offset after that draft base
// (0 for a non-insertion column).  Pairs are ordered lexicographically.
package pileup

import (
	"fmt"

	"github.com/grailbio/polish/tensor"
	"gonum.org/v1/gonum/mat"
)

// Sample is a contiguous slice of pileup columns for one draft sequence.
// Features has one row per column; Major, Minor and Depth run parallel to the
// rows.  Samples are immutable after emission: surgery and trimming produce
// new samples.
type Sample struct {
	Features *mat.Dense
	Major    []int64
	Minor    []int64
	Depth    []float64
	SeqID    int
	RegionID int
}

// Len returns the number of columns.
func (s *Sample) Len() int { return len(s.Major) }

// Empty reports whether the sample has no columns.
func (s *Sample) Empty() bool { return len(s.Major) == 0 }

// Start returns the first major position, or -1 for an empty sample.
func (s *Sample) Start() int64 {
	if s.Empty() {
		return -1
	}
	return s.Major[0]
}

// End returns 1 + the last major position, or -1 for an empty sample.
func (s *Sample) End() int64 {
	if s.Empty() {
		return -1
	}
	return s.Major[len(s.Major)-1] + 1
}

// Position returns the (major, minor) pair of column i, or (-1, -1) when out
// of range.
func (s *Sample) Position(i int) (int64, int64) {
	if (i < 0) || (i >= len(s.Major)) {
		return -1, -1
	}
	return s.Major[i], s.Minor[i]
}

// LastPosition returns the (major, minor) pair of the final column.
func (s *Sample) LastPosition() (int64, int64) {
	return s.Position(len(s.Major) - 1)
}

// Slice copies columns [i, j) into a new sample.
func (s *Sample) Slice(i, j int) Sample {
	return Sample{
		Features: tensor.SliceRows(s.Features, i, j),
		Major:    append([]int64(nil), s.Major[i:j]...),
		Minor:    append([]int64(nil), s.Minor[i:j]...),
		Depth:    append([]float64(nil), s.Depth[i:j]...),
		SeqID:    s.SeqID,
		RegionID: s.RegionID,
	}
}

// String returns a debug string for s.
func (s *Sample) String() string {
	startMaj, startMin := s.Position(0)
	endMaj, endMin := s.LastPosition()
	return fmt.Sprintf("seq_id=%d region_id=%d len=%d start=(%d,%d) end=(%d,%d)",
		s.SeqID, s.RegionID, s.Len(), startMaj, startMin, endMaj, endMin)
}

// Validate checks the sample invariants: parallel vectors of equal length,
// non-decreasing major positions, minor positions that restart at 0 on every
// new major and increase by 1 within one, and a non-insertion first column.
// A violation indicates a bug upstream.
func (s *Sample) Validate() error {
	n := len(s.Major)
	if (len(s.Minor) != n) || (len(s.Depth) != n) {
		return fmt.Errorf("pileup.Validate: mismatched vector lengths: major=%d, minor=%d, depth=%d",
			len(s.Major), len(s.Minor), len(s.Depth))
	}
	if s.Features != nil {
		r, _ := s.Features.Dims()
		if r != n {
			return fmt.Errorf("pileup.Validate: features have %d rows for %d positions", r, n)
		}
	} else if n != 0 {
		return fmt.Errorf("pileup.Validate: nil features for %d positions", n)
	}
	if n == 0 {
		return nil
	}
	if s.Minor[0] != 0 {
		return fmt.Errorf("pileup.Validate: sample starts on an insertion column (minor=%d)", s.Minor[0])
	}
	for i := 1; i < n; i++ {
		switch {
		case s.Major[i] < s.Major[i-1]:
			return fmt.Errorf("pileup.Validate: major positions decrease at column %d (%d -> %d)", i, s.Major[i-1], s.Major[i])
		case s.Major[i] == s.Major[i-1]:
			if s.Minor[i] != s.Minor[i-1]+1 {
				return fmt.Errorf("pileup.Validate: minor positions not consecutive at column %d (%d -> %d)", i, s.Minor[i-1], s.Minor[i])
			}
		default:
			if s.Minor[i] != 0 {
				return fmt.Errorf("pileup.Validate: new major position %d starts at minor %d", s.Major[i], s.Minor[i])
			}
		}
	}
	return nil
}

// ComparePos lexicographically compares two (major, minor) pairs.
func ComparePos(aMaj, aMin, bMaj, bMin int64) int {
	switch {
	case aMaj < bMaj:
		return -1
	case aMaj > bMaj:
		return 1
	case aMin < bMin:
		return -1
	case aMin > bMin:
		return 1
	}
	return 0
}
