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

// Package trim computes per-sample splice intervals so that adjacent,
// overlapping samples contribute each draft column exactly once when
// stitched.
package trim

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/polish/pileup"
)

// Relationship classifies how two samples on the same ordering axis relate.
type Relationship int

const (
	DifferentRef Relationship = iota
	ForwardOverlap
	ReverseOverlap
	ForwardAbutted
	ReverseAbutted
	ForwardGapped
	ReverseGapped
	S2WithinS1
	S1WithinS2
	Unknown
)

// String returns the relationship name.
func (r Relationship) String() string {
	switch r {
	case DifferentRef:
		return "DifferentRef"
	case ForwardOverlap:
		return "ForwardOverlap"
	case ReverseOverlap:
		return "ReverseOverlap"
	case ForwardAbutted:
		return "ForwardAbutted"
	case ReverseAbutted:
		return "ReverseAbutted"
	case ForwardGapped:
		return "ForwardGapped"
	case ReverseGapped:
		return "ReverseGapped"
	case S2WithinS1:
		return "S2WithinS1"
	case S1WithinS2:
		return "S1WithinS2"
	}
	return "Unknown"
}

// Info is the splice window of one sample: columns [Start, End) contribute to
// the consensus.  Heuristic marks a cut point found by the fallback scan;
// LastInContig marks the last sample of a sequence and the first sample after
// a coverage gap.
type Info struct {
	Start        int
	End          int
	Heuristic    bool
	LastInContig bool
}

// Region restricts trims to draft columns in [Start, End) on SeqID.
type Region struct {
	SeqID int
	Start int64
	End   int64
}

// RelativePosition classifies the relation between two samples.  The pair is
// internally ordered by (start position, descending length), and the reverse
// variants are reported when that ordering swaps the arguments.
func RelativePosition(s1, s2 *pileup.Sample) Relationship {
	if s1.SeqID != s2.SeqID {
		return DifferentRef
	}

	ordered := true
	a, b := s1, s2
	aMaj, aMin := a.Position(0)
	bMaj, bMin := b.Position(0)
	c := pileup.ComparePos(aMaj, aMin, bMaj, bMin)
	if (c > 0) || ((c == 0) && (a.Len() < b.Len())) {
		a, b = b, a
		ordered = false
	}

	aEndMaj, aEndMin := a.LastPosition()
	bStartMaj, bStartMin := b.Position(0)
	bEndMaj, bEndMin := b.LastPosition()
	aStartMaj, aStartMin := a.Position(0)

	switch {
	case (pileup.ComparePos(bStartMaj, bStartMin, aStartMaj, aStartMin) >= 0) &&
		(pileup.ComparePos(bEndMaj, bEndMin, aEndMaj, aEndMin) <= 0):
		if ordered {
			return S2WithinS1
		}
		return S1WithinS2
	case ((bStartMaj == aEndMaj+1) && (bStartMin == 0)) ||
		((bStartMaj == aEndMaj) && (bStartMin == aEndMin+1)):
		if ordered {
			return ForwardAbutted
		}
		return ReverseAbutted
	case (bStartMaj < aEndMaj) || ((bStartMaj == aEndMaj) && (bStartMin < aEndMin+1)):
		if ordered {
			return ForwardOverlap
		}
		return ReverseOverlap
	case (bStartMaj > aEndMaj+1) || ((bStartMaj > aEndMaj) && (bStartMin > 0)) ||
		((bStartMaj == aEndMaj) && (bStartMin > aEndMin+1)):
		if ordered {
			return ForwardGapped
		}
		return ReverseGapped
	}
	return Unknown
}

const uniqMaj = 3

// OverlapIndices finds the cut points for a ForwardOverlap (or
// ForwardAbutted) pair: s1 contributes columns [0, end1) and s2 contributes
// [start2, len(s2)).  When the overlapping minor structures match, the cut is
// the overlap midpoint; otherwise a heuristic looks for a draft position near
// the middle whose insertion streaks agree in both samples.  If no such point
// exists, s1 is cut at the overlap start and s2 keeps the whole overlap, so
// no column is emitted twice.
func OverlapIndices(s1, s2 *pileup.Sample) (end1, start2 int, heuristic bool, err error) {
	rel := RelativePosition(s1, s2)
	if rel == ForwardAbutted {
		return s1.Len(), 0, false, nil
	}
	if rel != ForwardOverlap {
		return 0, 0, false, fmt.Errorf("trim.OverlapIndices: cannot overlap samples, relationship is %v", rel)
	}

	s2StartMaj, s2StartMin := s2.Position(0)
	s1EndMaj, s1EndMin := s1.LastPosition()

	// ovlStart1 is the last index in s1 at or before s2's start; ovlEnd2 is
	// the first index in s2 after s1's end.
	ovlStart1 := s1.Len() - 1
	for i := 0; i < s1.Len(); i++ {
		if pileup.ComparePos(s2StartMaj, s2StartMin, s1.Major[i], s1.Minor[i]) < 0 {
			ovlStart1 = i - 1
			break
		}
	}
	ovlEnd2 := s2.Len()
	for i := 0; i < s2.Len(); i++ {
		if pileup.ComparePos(s1EndMaj, s1EndMin, s2.Major[i], s2.Minor[i]) <= 0 {
			ovlEnd2 = i + 1
			break
		}
	}
	if ovlStart1 < 0 {
		return 0, 0, false, fmt.Errorf("trim.OverlapIndices: samples overlap but no cut coordinates found")
	}

	if minorsEqual(s1.Minor[ovlStart1:], s2.Minor[:ovlEnd2]) {
		// Matching insertion structure: split at the midpoint.
		overlapLen := ovlEnd2
		pad1 := overlapLen / 2
		pad2 := overlapLen - pad1
		return ovlStart1 + pad1, ovlEnd2 - pad2, false, nil
	}

	// Structurally different overlaps arise when chunking changed the read
	// set between the two samples.  Scan outward from the midpoint (by draft
	// coordinate) for a position whose run of equal majors has the same
	// length in both samples.
	if (countUnique(s1.Major[ovlStart1:]) > uniqMaj) && (countUnique(s2.Major[:ovlEnd2]) > uniqMaj) {
		start := s1.Major[ovlStart1]
		end := s1.Major[s1.Len()-1]
		mid := start + (end-start)/2
		for offset := int64(1); (mid+offset <= end) || (mid-offset >= start); offset++ {
			for _, test := range []int64{offset, -offset} {
				left := lowerBound(s1.Major, mid+test)
				right := lowerBound(s2.Major, mid+test)
				if (left == s1.Len()) || (right == s2.Len()) {
					continue
				}
				if streak(s1.Major, left) == streak(s2.Major, right) {
					return left, right, true, nil
				}
			}
		}
	}

	// No viable junction: give the whole overlap to s2.
	log.Printf("trim.OverlapIndices: warning: no overlap junction found, assigning the full overlap to the later sample")
	return ovlStart1, 0, true, nil
}

// Samples computes splice windows for an ordered sample list (sorted by
// (SeqID, start position)).  When region is non-nil, trims are additionally
// clipped to draft columns inside it; samples falling entirely outside get
// Info{-1, -1}.
func Samples(samples []*pileup.Sample, region *Region) ([]Info, error) {
	ret := make([]Info, len(samples))
	if len(samples) == 0 {
		return ret, nil
	}

	ret[0] = Info{Start: 0, End: samples[0].Len()}
	idx1 := 0
	for i := 1; i < len(samples); i++ {
		s1 := samples[idx1]
		s2 := samples[i]
		ret[i] = Info{Start: 0, End: s2.Len()}

		rel := RelativePosition(s1, s2)
		switch rel {
		case S2WithinS1:
			// The earlier, longer sample already covers s2 entirely.
			ret[i] = Info{Start: 0, End: 0}
			continue
		case ForwardGapped:
			ret[i].LastInContig = true
		case DifferentRef:
			ret[idx1].LastInContig = true
		default:
			end1, start2, heuristic, err := OverlapIndices(s1, s2)
			if err != nil {
				return nil, fmt.Errorf("trim.Samples: unhandled overlap whilst stitching chunks: %v", err)
			}
			if (end1 < 0) || (start2 < 0) {
				return nil, fmt.Errorf("trim.Samples: negative trim coordinates (end1=%d, start2=%d)", end1, start2)
			}
			ret[idx1].End = end1
			ret[i].Start = start2
			ret[i].Heuristic = heuristic
		}
		idx1 = i
	}
	if last := &ret[len(ret)-1]; (last.Start != 0) || (last.End != 0) || (len(samples) == 1) {
		last.End = samples[len(samples)-1].Len()
		last.LastInContig = true
	} else {
		// The final sample was contained in its predecessor; the anchor
		// sample closes the contig instead.
		ret[idx1].LastInContig = true
	}

	if region != nil {
		clipToRegion(samples, ret, region)
	}
	return ret, nil
}

// clipToRegion constrains each trim to columns whose major position lies in
// [region.Start, region.End).  Clipping to the full draft range is a no-op.
func clipToRegion(samples []*pileup.Sample, trims []Info, region *Region) {
	for i, s := range samples {
		t := &trims[i]
		if (t.Start < 0) || (s.SeqID != region.SeqID) {
			continue
		}
		start, end := t.Start, t.End
		for (start < end) && (s.Major[start] < region.Start) {
			start++
		}
		for (end > start) && (s.Major[end-1] >= region.End) {
			end--
		}
		if start >= end {
			t.Start, t.End = -1, -1
			continue
		}
		t.Start, t.End = start, end
	}
}

// SortByPosition orders sample indices by (SeqID, start position), the order
// Samples expects.
func SortByPosition(samples []*pileup.Sample) []int {
	order := make([]int, len(samples))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		sa, sb := samples[order[a]], samples[order[b]]
		if sa.SeqID != sb.SeqID {
			return sa.SeqID < sb.SeqID
		}
		aMaj, aMin := sa.Position(0)
		bMaj, bMin := sb.Position(0)
		return pileup.ComparePos(aMaj, aMin, bMaj, bMin) < 0
	})
	return order
}

func minorsEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func countUnique(a []int64) int {
	if len(a) == 0 {
		return 0
	}
	prev := a[0]
	n := 1
	for _, v := range a[1:] {
		if v != prev {
			prev = v
			n++
		}
	}
	return n
}

// streak counts consecutive elements equal to a[start].
func streak(a []int64, start int) int {
	if start >= len(a) {
		return 0
	}
	n := 1
	for i := start + 1; i < len(a); i++ {
		if a[i] != a[start] {
			break
		}
		n++
	}
	return n
}

// lowerBound returns the first index whose value is >= target.
func lowerBound(a []int64, target int64) int {
	return sort.Search(len(a), func(i int) bool { return a[i] >= target })
}
