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

package pileup

import (
	"fmt"

	"github.com/grailbio/polish/tensor"
	"gonum.org/v1/gonum/mat"
)

// Sample surgery: sub-window samples sharing a BAM region are split at
// coverage discontinuities, merged back to BAM-region granularity, and
// re-split into fixed-length overlapping chunks sized for inference.

// SplitOnDiscontinuities cuts the sample before every column whose major
// position jumps by more than 1.  Fragments keep the parent's SeqID and
// RegionID.
func SplitOnDiscontinuities(s Sample) []Sample {
	if s.Empty() {
		return nil
	}
	var gaps []int
	for i := 1; i < len(s.Major); i++ {
		if s.Major[i]-s.Major[i-1] > 1 {
			gaps = append(gaps, i)
		}
	}
	if len(gaps) == 0 {
		return []Sample{s}
	}
	var ret []Sample
	start := 0
	for _, i := range gaps {
		ret = append(ret, s.Slice(start, i))
		start = i
	}
	if start < len(s.Major) {
		ret = append(ret, s.Slice(start, len(s.Major)))
	}
	return ret
}

// MergeAdjacent concatenates runs of fragments that share SeqID and RegionID
// and touch exactly (next.Start == prev.End).  Empty fragments are dropped.
// A run of one is moved, not copied.
func MergeAdjacent(samples []Sample) ([]Sample, error) {
	var ret []Sample
	var buf []Sample
	lastEnd := int64(-1)

	flush := func() error {
		switch len(buf) {
		case 0:
			return nil
		case 1:
			ret = append(ret, buf[0])
		default:
			features := make([]*mat.Dense, len(buf))
			n := 0
			for i := range buf {
				features[i] = buf[i].Features
				n += buf[i].Len()
			}
			cat, err := tensor.CatRows(features...)
			if err != nil {
				return fmt.Errorf("pileup.MergeAdjacent: %v", err)
			}
			merged := Sample{
				Features: cat,
				Major:    make([]int64, 0, n),
				Minor:    make([]int64, 0, n),
				Depth:    make([]float64, 0, n),
				SeqID:    buf[0].SeqID,
				RegionID: buf[0].RegionID,
			}
			for i := range buf {
				merged.Major = append(merged.Major, buf[i].Major...)
				merged.Minor = append(merged.Minor, buf[i].Minor...)
				merged.Depth = append(merged.Depth, buf[i].Depth...)
			}
			ret = append(ret, merged)
		}
		buf = buf[:0]
		return nil
	}

	for _, s := range samples {
		if s.Empty() {
			continue
		}
		if (len(buf) == 0) ||
			((s.SeqID == buf[0].SeqID) && (s.RegionID == buf[0].RegionID) && (s.Start()-lastEnd == 0)) {
			lastEnd = s.End()
			buf = append(buf, s)
			continue
		}
		if err := flush(); err != nil {
			return nil, err
		}
		lastEnd = s.End()
		buf = append(buf, s)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return ret, nil
}

// SplitToLength slides a chunkLen window stepping by chunkLen-chunkOverlap
// over each sample.  A trailing remainder shorter than chunkLen is emitted as
// one final chunk anchored at len-chunkLen, deliberately accepting a large
// overlap with the previous chunk so that a short tail is never emitted.
// Samples already at or below chunkLen pass through unchanged.
func SplitToLength(samples []Sample, chunkLen, chunkOverlap int) ([]Sample, error) {
	if (chunkOverlap < 0) || (chunkOverlap > chunkLen) {
		return nil, fmt.Errorf("pileup.SplitToLength: invalid chunk overlap: chunk_len=%d, chunk_overlap=%d", chunkLen, chunkOverlap)
	}
	ret := make([]Sample, 0, len(samples))
	for _, s := range samples {
		n := s.Len()
		if n <= chunkLen {
			ret = append(ret, s)
			continue
		}
		step := chunkLen - chunkOverlap
		end := 0
		for start := 0; start < n-chunkLen+1; start += step {
			end = start + chunkLen
			ret = append(ret, s.Slice(start, end))
		}
		if end < n {
			ret = append(ret, s.Slice(n-chunkLen, n))
		}
	}
	return ret, nil
}
