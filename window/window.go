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

// Package window plans the genomic tiling used by the polishing pipeline.
// Each draft sequence is first split into large, overlapping BAM regions;
// each BAM region is then split into non-overlapping sub-windows that are
// small enough to pileup-encode independently.
package window

import (
	"fmt"
)

// DraftLen names one draft sequence and its length.
type DraftLen struct {
	Name   string
	Length int64
}

// Window is a half-open interval [Start, End) on one draft sequence.
//
// RegionID identifies the parent BAM region when the window is a sub-window
// (-1 for top-level BAM regions).  [StartNoOverlap, EndNoOverlap) is the
// portion of the window not shared with the preceding window; trimming
// samples to these bounds prevents double-counting across BAM regions.
type Window struct {
	SeqID          int
	SeqLength      int64
	Start          int64
	End            int64
	RegionID       int
	StartNoOverlap int64
	EndNoOverlap   int64
}

// String returns a debug string for w.
func (w Window) String() string {
	return fmt.Sprintf("seq_id=%d:%d-%d(region=%d)", w.SeqID, w.Start, w.End, w.RegionID)
}

// Create linearly tiles [seqStart, seqEnd) with windows of windowLen bases
// stepping by windowLen-overlap.  The windows for one sequence are sorted by
// Start, and each window overlaps or touches its successor.
func Create(seqID int, seqStart, seqEnd, seqLen int64, windowLen, overlap int64, regionID int) ([]Window, error) {
	if overlap >= windowLen {
		return nil, fmt.Errorf("window.Create: overlap must be smaller than the window length: window_len=%d, overlap=%d", windowLen, overlap)
	}
	if (seqStart < 0) || (seqEnd > seqLen) || (seqStart >= seqEnd) {
		return nil, fmt.Errorf("window.Create: invalid interval [%d, %d) for sequence of length %d", seqStart, seqEnd, seqLen)
	}

	var ret []Window
	for start := seqStart; start < seqEnd; start += windowLen - overlap {
		end := min64(seqEnd, start+windowLen)
		startNoOverlap := start
		if start != seqStart {
			startNoOverlap = min64(start+overlap, seqEnd)
		}
		ret = append(ret, Window{
			SeqID:          seqID,
			SeqLength:      seqLen,
			Start:          start,
			End:            end,
			RegionID:       regionID,
			StartNoOverlap: startNoOverlap,
			EndNoOverlap:   end,
		})
		if end == seqEnd {
			break
		}
	}
	return ret, nil
}

// CreateBAMRegions produces the top-level BAM regions for a set of draft
// sequences.  If region is nonempty, only that portion of the named draft is
// tiled; otherwise every draft is tiled end to end.
func CreateBAMRegions(draftLens []DraftLen, bamChunk, overlap int64, region string) ([]Window, error) {
	if region == "" {
		var windows []Window
		for seqID, d := range draftLens {
			w, err := Create(seqID, 0, d.Length, d.Length, bamChunk, overlap, -1)
			if err != nil {
				return nil, err
			}
			windows = append(windows, w...)
		}
		return windows, nil
	}

	name, start, end, err := ParseRegion(region)
	if err != nil {
		return nil, err
	}
	seqID := -1
	var seqLen int64
	for i, d := range draftLens {
		if d.Name == name {
			seqID = i
			seqLen = d.Length
			break
		}
	}
	if seqID < 0 {
		return nil, fmt.Errorf("window.CreateBAMRegions: region sequence %q not found in the draft", name)
	}
	if start < 0 {
		start = 0
	}
	if (end <= 0) || (end > seqLen) {
		end = seqLen
	}
	return Create(seqID, start, end, seqLen, bamChunk, overlap, -1)
}

// Subdivide splits each BAM region into sub-windows of subchunk bases with no
// overlap.  It returns the flattened sub-window list together with one
// [start, end) interval into that list per BAM region, preserving region
// order.
func Subdivide(bamRegions []Window, subchunk int64) ([]Window, []Interval, error) {
	var windows []Window
	var intervals []Interval
	for regionID, bw := range bamRegions {
		sub, err := Create(bw.SeqID, bw.Start, bw.End, bw.SeqLength, subchunk, 0, regionID)
		if err != nil {
			return nil, nil, err
		}
		if len(sub) == 0 {
			continue
		}
		intervals = append(intervals, Interval{Start: len(windows), End: len(windows) + len(sub)})
		windows = append(windows, sub...)
	}
	return windows, intervals, nil
}

// Interval is a half-open [Start, End) index range.
type Interval struct {
	Start int
	End   int
}

// Length returns the number of indices covered by the interval.
func (iv Interval) Length() int { return iv.End - iv.Start }

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
