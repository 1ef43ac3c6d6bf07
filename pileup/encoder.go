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

	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/polish/align"
	"gonum.org/v1/gonum/mat"
)

// NormaliseType selects how raw counts are scaled into features.
type NormaliseType int

const (
	// NormaliseTotal divides every count by the column depth.
	NormaliseTotal NormaliseType = iota
	// NormaliseFwdRev divides each (datatype, strand) count group by the
	// column depth.
	NormaliseFwdRev
	// NormaliseNone emits raw counts.
	NormaliseNone
)

// Per-datatype feature layout: forward {A,C,G,T,del} then reverse
// {a,c,g,t,del}.
const (
	NumBases      = 4
	featPerStrand = NumBases + 1
	// FeatsPerDtype is the number of feature columns contributed by one
	// datatype.
	FeatsPerDtype = 2 * featPerStrand
)

// baseEnumTable maps the ASCII bases produced by sam.Seq.Expand to
// A=0/C=1/G=2/T=3, with 4 as the catch-all.
var baseEnumTable = func() [256]byte {
	var t [256]byte
	for i := range t {
		t[i] = NumBases
	}
	t['A'], t['a'] = 0, 0
	t['C'], t['c'] = 1, 1
	t['G'], t['g'] = 2, 2
	t['T'], t['t'] = 3, 3
	return t
}()

// EncoderOpts configures a CountsFeatureEncoder.
type EncoderOpts struct {
	Normalise NormaliseType
	// Dtypes names the read groups that stratify counts into separate
	// feature blocks.  Reads whose RG matches Dtypes[i] land in block i+1;
	// everything else lands in block 0.  Empty means a single block.
	Dtypes []string
	// Reads with a FLAG bit intersecting this value are skipped.
	FlagExclude int
	// Reads with MAPQ below MinMapQ are skipped.
	MinMapQ int
	// TagName/TagValue filter reads on an integer aux tag.  TagKeepMissing
	// retains reads that lack the tag entirely.
	TagName        string
	TagValue       int
	TagKeepMissing bool
	// ReadGroup restricts the pileup to reads with a matching RG tag.
	ReadGroup string
	// SymIndels makes coverage at insertion columns equal coverage at their
	// anchor base by filling the deletion counts.
	SymIndels bool
}

// DefaultEncoderOpts exclude secondary, supplementary, duplicate and QC-fail
// reads.
var DefaultEncoderOpts = EncoderOpts{
	FlagExclude: 0xf00,
	MinMapQ:     1,
}

// CountsFeatureEncoder turns an aligned region into a counts-feature Sample.
type CountsFeatureEncoder struct {
	opts      EncoderOpts
	numDtypes int
	tag       sam.Tag
	rgTag     sam.Tag
}

// NewCountsFeatureEncoder validates opts and returns an encoder.
func NewCountsFeatureEncoder(opts EncoderOpts) (*CountsFeatureEncoder, error) {
	if (opts.TagName != "") && (len(opts.TagName) != 2) {
		return nil, fmt.Errorf("pileup.NewCountsFeatureEncoder: tag name must be two characters, got %q", opts.TagName)
	}
	e := &CountsFeatureEncoder{
		opts:      opts,
		numDtypes: len(opts.Dtypes) + 1,
		rgTag:     sam.NewTag("RG"),
	}
	if len(opts.Dtypes) == 0 {
		e.numDtypes = 1
	}
	if opts.TagName != "" {
		e.tag = sam.NewTag(opts.TagName)
	}
	return e, nil
}

// NumFeatures returns the width F of the feature matrix.
func (e *CountsFeatureEncoder) NumFeatures() int { return e.numDtypes * FeatsPerDtype }

func featIndex(dtype int, reverse bool, base byte) int {
	idx := dtype * FeatsPerDtype
	if reverse {
		idx += featPerStrand
	}
	return idx + int(base)
}

func delIndex(dtype int, reverse bool) int {
	return featIndex(dtype, reverse, NumBases)
}

// readAln is the subset of a sam.Record the two counting passes need.
type readAln struct {
	pos   int64
	cigar sam.Cigar
	seq   []byte
	rev   bool
	dtype int
}

// EncodeRegion builds the pileup Sample for [start, end) on refName.  A
// region with no overlapping reads yields an empty sample; callers treat
// empties as coverage holes.
func (e *CountsFeatureEncoder) EncodeRegion(src align.Source, refName string, start, end int64, seqID, regionID int) (Sample, error) {
	empty := Sample{SeqID: seqID, RegionID: regionID}
	if start >= end {
		return empty, fmt.Errorf("pileup.EncodeRegion: invalid region [%d, %d)", start, end)
	}

	iter, err := src.Iter(refName, start, end)
	if err != nil {
		return empty, err
	}
	var reads []readAln
	for iter.Scan() {
		rec := iter.Record()
		if keep, dtype := e.filter(rec); keep {
			reads = append(reads, readAln{
				pos:   int64(rec.Pos),
				cigar: rec.Cigar,
				seq:   rec.Seq.Expand(),
				rev:   rec.Flags&sam.Reverse != 0,
				dtype: dtype,
			})
		}
	}
	if err = iter.Close(); err != nil {
		return empty, err
	}
	if len(reads) == 0 {
		log.Printf("pileup.EncodeRegion: warning: no reads overlap %s:%d-%d", refName, start+1, end)
		return empty, nil
	}

	// First pass: find covered majors and the longest insertion after each.
	span := int(end - start)
	covered := make([]bool, span)
	insLen := make([]int, span)
	for _, r := range reads {
		posInRef := r.pos
		for _, co := range r.cigar {
			n := int64(co.Len())
			switch co.Type() {
			case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch, sam.CigarDeletion, sam.CigarSkipped:
				for p := maxInt64(posInRef, start); p < minInt64(posInRef+n, end); p++ {
					covered[p-start] = true
				}
				posInRef += n
			case sam.CigarInsertion:
				if a := posInRef - 1; (a >= start) && (a < end) {
					if int(n) > insLen[a-start] {
						insLen[a-start] = int(n)
					}
				}
			}
		}
	}

	// Column layout: every covered major contributes one minor-0 column
	// followed by its insertion columns.
	colBase := make([]int, span)
	nCols := 0
	for i := 0; i < span; i++ {
		if !covered[i] {
			colBase[i] = -1
			continue
		}
		colBase[i] = nCols
		nCols += 1 + insLen[i]
	}
	if nCols == 0 {
		log.Printf("pileup.EncodeRegion: warning: no covered columns in %s:%d-%d", refName, start+1, end)
		return empty, nil
	}

	major := make([]int64, 0, nCols)
	minor := make([]int64, 0, nCols)
	for i := 0; i < span; i++ {
		if !covered[i] {
			continue
		}
		for k := 0; k <= insLen[i]; k++ {
			major = append(major, start+int64(i))
			minor = append(minor, int64(k))
		}
	}

	// Second pass: accumulate the counts.
	counts := mat.NewDense(nCols, e.NumFeatures(), nil)
	bump := func(col, feat int) {
		counts.Set(col, feat, counts.At(col, feat)+1)
	}
	for _, r := range reads {
		posInRef := r.pos
		posInRead := int64(0)
		for _, co := range r.cigar {
			n := int64(co.Len())
			switch co.Type() {
			case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
				for k := int64(0); k < n; k++ {
					p := posInRef + k
					if (p < start) || (p >= end) {
						continue
					}
					if base := baseEnumTable[r.seq[posInRead+k]]; base < NumBases {
						bump(colBase[p-start], featIndex(r.dtype, r.rev, base))
					}
				}
				posInRef += n
				posInRead += n
			case sam.CigarDeletion, sam.CigarSkipped:
				for k := int64(0); k < n; k++ {
					if p := posInRef + k; (p >= start) && (p < end) {
						bump(colBase[p-start], delIndex(r.dtype, r.rev))
					}
				}
				posInRef += n
			case sam.CigarInsertion:
				// Insertions anchor on the preceding draft base; an anchor
				// outside the region (or never covered) drops the insertion.
				if a := posInRef - 1; (a >= start) && (a < end) && (colBase[a-start] >= 0) {
					for k := int64(0); k < n; k++ {
						if base := baseEnumTable[r.seq[posInRead+k]]; base < NumBases {
							bump(colBase[a-start]+1+int(k), featIndex(r.dtype, r.rev, base))
						}
					}
				}
				posInRead += n
			case sam.CigarSoftClipped:
				posInRead += n
			case sam.CigarHardClipped, sam.CigarPadded:
				// do nothing
			default:
				return empty, fmt.Errorf("pileup.EncodeRegion: unexpected CIGAR op %v", co)
			}
		}
	}

	return e.countsToFeatures(counts, major, minor, seqID, regionID)
}

// countsToFeatures derives depth, applies the symmetric-indel fill-in and
// normalisation, and assembles the Sample.
func (e *CountsFeatureEncoder) countsToFeatures(counts *mat.Dense, major, minor []int64, seqID, regionID int) (Sample, error) {
	nCols, nFeats := counts.Dims()

	// anchor[i] is the index of the most recent minor==0 column.
	anchor := make([]int, nCols)
	last := -1
	for i := 0; i < nCols; i++ {
		if minor[i] == 0 {
			last = i
		}
		anchor[i] = last
	}

	depth := make([]float64, nCols)
	for i := 0; i < nCols; i++ {
		sum := 0.0
		for j := 0; j < nFeats; j++ {
			sum += counts.At(i, j)
		}
		depth[i] = sum
	}
	// Insertion columns inherit the depth of their anchor base.
	for i := 0; i < nCols; i++ {
		if minor[i] > 0 {
			depth[i] = depth[anchor[i]]
		}
	}

	if e.opts.SymIndels {
		for dtype := 0; dtype < e.numDtypes; dtype++ {
			for _, rev := range []bool{false, true} {
				lo := featIndex(dtype, rev, 0)
				dtDepth := make([]float64, nCols)
				for i := 0; i < nCols; i++ {
					for j := lo; j < lo+featPerStrand; j++ {
						dtDepth[i] += counts.At(i, j)
					}
				}
				del := delIndex(dtype, rev)
				for i := 0; i < nCols; i++ {
					if minor[i] > 0 {
						counts.Set(i, del, dtDepth[anchor[i]]-dtDepth[i])
					}
				}
			}
		}
	}

	features := counts
	switch e.opts.Normalise {
	case NormaliseTotal:
		for i := 0; i < nCols; i++ {
			d := depth[i]
			if d < 1 {
				d = 1
			}
			for j := 0; j < nFeats; j++ {
				features.Set(i, j, features.At(i, j)/d)
			}
		}
	case NormaliseFwdRev:
		for dtype := 0; dtype < e.numDtypes; dtype++ {
			for _, rev := range []bool{false, true} {
				lo := featIndex(dtype, rev, 0)
				for i := 0; i < nCols; i++ {
					d := depth[i]
					if d < 1 {
						d = 1
					}
					for j := lo; j < lo+featPerStrand; j++ {
						features.Set(i, j, features.At(i, j)/d)
					}
				}
			}
		}
	case NormaliseNone:
		// raw counts
	default:
		return Sample{}, fmt.Errorf("pileup.countsToFeatures: unknown normalisation %v", e.opts.Normalise)
	}

	s := Sample{
		Features: features,
		Major:    major,
		Minor:    minor,
		Depth:    depth,
		SeqID:    seqID,
		RegionID: regionID,
	}
	if err := s.Validate(); err != nil {
		return Sample{}, err
	}
	return s, nil
}

// filter applies the flag, MAPQ, tag and read-group filters, returning the
// datatype block of an accepted read.
func (e *CountsFeatureEncoder) filter(rec *sam.Record) (bool, int) {
	if (e.opts.FlagExclude&int(rec.Flags) != 0) || (int(rec.MapQ) < e.opts.MinMapQ) || (len(rec.Cigar) == 0) {
		return false, 0
	}
	if e.opts.TagName != "" {
		aux := rec.AuxFields.Get(e.tag)
		if aux == nil {
			if !e.opts.TagKeepMissing {
				return false, 0
			}
		} else if v, ok := auxInt(aux); !ok || (v != e.opts.TagValue) {
			return false, 0
		}
	}
	var readGroup string
	if aux := rec.AuxFields.Get(e.rgTag); aux != nil {
		if s, ok := aux.Value().(string); ok {
			readGroup = s
		}
	}
	if (e.opts.ReadGroup != "") && (readGroup != e.opts.ReadGroup) {
		return false, 0
	}
	for i, dt := range e.opts.Dtypes {
		if readGroup == dt {
			return true, i + 1
		}
	}
	return true, 0
}

func auxInt(aux sam.Aux) (int, bool) {
	switch v := aux.Value().(type) {
	case int8:
		return int(v), true
	case uint8:
		return int(v), true
	case int16:
		return int(v), true
	case uint16:
		return int(v), true
	case int32:
		return int(v), true
	case uint32:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
