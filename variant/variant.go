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

// Package variant calls variants from decoded samples relative to the draft.
package variant

import (
	"fmt"
	"sort"

	"github.com/grailbio/polish/decode"
	"github.com/grailbio/polish/pileup"
	"github.com/grailbio/polish/tensor"
	"github.com/grailbio/polish/trim"
	"github.com/grailbio/polish/window"
	"gonum.org/v1/gonum/mat"
)

// CallingSample pairs one sample with its inference output.
type CallingSample struct {
	Sample pileup.Sample
	Logits *mat.Dense // one row per pileup column
}

// Record is one called variant.  Pos is the 0-based draft coordinate of the
// run's anchor column; Ref and Alt are draft and predicted bases with gaps
// removed.
type Record struct {
	SeqID  int
	Pos    int64
	Ref    string
	Alt    string
	Filter string
	Qual   float64
}

// Opts are the variant-calling tunables.
type Opts struct {
	// AmbigRef keeps variants whose reference segment contains symbols
	// outside the label alphabet.
	AmbigRef bool
}

// extractDraftWithGaps copies the draft bases for the sample's columns,
// writing '*' at insertion columns.
func extractDraftWithGaps(draft string, major, minor []int64) []byte {
	ret := make([]byte, len(major))
	for i := range major {
		if minor[i] == 0 {
			ret[i] = draft[major[i]]
		} else {
			ret[i] = '*'
		}
	}
	return ret
}

func sliceCallingSample(vc CallingSample, start, end int) (CallingSample, error) {
	n := vc.Sample.Len()
	if r, _ := vc.Logits.Dims(); r != n {
		return CallingSample{}, fmt.Errorf("variant.sliceCallingSample: logits have %d rows for %d columns", r, n)
	}
	if (start < 0) || (start >= end) || (end > n) {
		return CallingSample{}, fmt.Errorf("variant.sliceCallingSample: index [%d, %d) out of range for %d columns", start, end, n)
	}
	return CallingSample{
		Sample: vc.Sample.Slice(start, end),
		Logits: tensor.SliceRows(vc.Logits, start, end),
	}, nil
}

// contiguous reports whether b starts at the column position immediately
// following a's last column.
func contiguous(a, b *pileup.Sample) bool {
	aMaj, aMin := a.LastPosition()
	bMaj, bMin := b.Position(0)
	return ((bMaj == aMaj+1) && (bMin == 0)) || ((bMaj == aMaj) && (bMin == aMin+1))
}

// mergeCallingSamples concatenates runs of contiguous samples.
func mergeCallingSamples(vcSamples []CallingSample) ([]CallingSample, error) {
	if len(vcSamples) == 0 {
		return nil, nil
	}
	ret := []CallingSample{vcSamples[0]}
	for i := 1; i < len(vcSamples); i++ {
		last := &ret[len(ret)-1]
		if !contiguous(&last.Sample, &vcSamples[i].Sample) {
			ret = append(ret, vcSamples[i])
			continue
		}
		features, err := tensor.CatRows(last.Sample.Features, vcSamples[i].Sample.Features)
		if err != nil {
			return nil, err
		}
		logits, err := tensor.CatRows(last.Logits, vcSamples[i].Logits)
		if err != nil {
			return nil, err
		}
		last.Sample = pileup.Sample{
			Features: features,
			Major:    append(append([]int64(nil), last.Sample.Major...), vcSamples[i].Sample.Major...),
			Minor:    append(append([]int64(nil), last.Sample.Minor...), vcSamples[i].Sample.Minor...),
			Depth:    append(append([]float64(nil), last.Sample.Depth...), vcSamples[i].Sample.Depth...),
			SeqID:    last.Sample.SeqID,
			RegionID: last.Sample.RegionID,
		}
		last.Logits = logits
	}
	return ret, nil
}

// joinSamples restructures the samples of one draft so that emitted samples
// begin on a non-variant anchor where possible: a sample whose columns all
// differ from the draft is deferred and merged with its successor; otherwise
// it is split at its last non-variant minor-0 column.  The columns before
// that column are flushed with the queue; the remainder, which starts with
// the non-variant column itself, is queued.
func joinSamples(vcSamples []CallingSample, draft string, dec *decode.Decoder) ([]CallingSample, error) {
	var ret []CallingSample
	var queue []CallingSample

	flushQueue := func() error {
		if len(queue) == 0 {
			return nil
		}
		merged, err := mergeCallingSamples(queue)
		if err != nil {
			return err
		}
		ret = append(ret, merged...)
		queue = nil
		return nil
	}

	for i := range vcSamples {
		vc := vcSamples[i]
		n := vc.Sample.Len()
		if r, _ := vc.Logits.Dims(); r != n {
			return nil, fmt.Errorf("variant.joinSamples: logits have %d rows for %d columns", r, n)
		}

		pred, err := decodeOne(dec, vc.Logits)
		if err != nil {
			return nil, err
		}
		ref := extractDraftWithGaps(draft, vc.Sample.Major, vc.Sample.Minor)

		// A shared gap counts as a difference: it marks a column with no
		// support for the draft base on either side.
		isDiff := func(j int) bool {
			return (pred[j] != ref[j]) || ((pred[j] == '*') && (ref[j] == '*'))
		}

		allDiff := true
		for j := 0; j < n; j++ {
			if !isDiff(j) {
				allDiff = false
				break
			}
		}
		if allDiff {
			queue = append(queue, vc)
			continue
		}

		lastNonVar := 0
		for j := n - 1; j >= 0; j-- {
			if (vc.Sample.Minor[j] == 0) && !isDiff(j) {
				lastNonVar = j
				break
			}
		}

		if lastNonVar > 0 {
			left, err := sliceCallingSample(vc, 0, lastNonVar)
			if err != nil {
				return nil, err
			}
			queue = append(queue, left)
		}
		if err := flushQueue(); err != nil {
			return nil, err
		}
		right, err := sliceCallingSample(vc, lastNonVar, n)
		if err != nil {
			return nil, err
		}
		queue = []CallingSample{right}
	}
	if err := flushQueue(); err != nil {
		return nil, err
	}
	return ret, nil
}

// variantColumns marks candidate columns.  A minor-0 column is a candidate
// when prediction and reference differ; if any column of an insert run is a
// candidate, the whole run is marked.
func variantColumns(minor []int64, ref, pred []byte) []bool {
	n := len(pred)
	ret := make([]bool, n)
	if n == 0 {
		return ret
	}
	insertLen := 0
	isVar := ref[0] != pred[0] // samples begin on a major column
	ret[0] = isVar
	for i := 1; i < n; i++ {
		if minor[i] == 0 {
			if isVar {
				for j := i - insertLen; j < i; j++ {
					ret[j] = true
				}
			}
			isVar = ref[i] != pred[i]
			ret[i] = isVar
			insertLen = 0
		} else {
			insertLen++
			isVar = isVar || (ref[i] != pred[i])
		}
	}
	if isVar {
		for j := n - insertLen; j < n; j++ {
			ret[j] = true
		}
	}
	return ret
}

type boolRun struct {
	start int
	end   int
	value bool
}

func runLengthEncode(mask []bool) []boolRun {
	var runs []boolRun
	for i := 0; i < len(mask); {
		j := i + 1
		for (j < len(mask)) && (mask[j] == mask[i]) {
			j++
		}
		runs = append(runs, boolRun{start: i, end: j, value: mask[i]})
		i = j
	}
	return runs
}

func removeGaps(seq []byte) string {
	ret := make([]byte, 0, len(seq))
	for _, c := range seq {
		if c != '*' {
			ret = append(ret, c)
		}
	}
	return string(ret)
}

// seqQuality sums the capped Phred score of the given sequence's class
// probabilities over a run.  substituteN scores 'N' reference bases as the
// gap label.
func seqQuality(labels string, probs *mat.Dense, offset int, seq []byte, substituteN bool) float64 {
	lookup := make(map[byte]int, len(labels))
	for i := 0; i < len(labels); i++ {
		lookup[labels[i]] = i
	}
	sum := 0.0
	for i, c := range seq {
		if substituteN && (c == 'N') {
			c = '*'
		}
		cls, ok := lookup[c]
		if !ok {
			continue
		}
		sum += tensor.Phred(1-probs.At(offset+i, cls), decode.VariantQCap)
	}
	return sum
}

// decodeOne decodes a single sample's logits into its base string.
func decodeOne(dec *decode.Decoder, logits *mat.Dense) ([]byte, error) {
	r, _ := logits.Dims()
	results, err := dec.DecodeBatch(tensor.Batch{B: 1, L: r, Data: logits})
	if err != nil {
		return nil, err
	}
	return results[0].Seq, nil
}

// DecodeVariants emits the variant records of one joined sample.
func DecodeVariants(dec *decode.Decoder, vc CallingSample, draft string, opts Opts) ([]Record, error) {
	if vc.Sample.Empty() {
		return nil, nil
	}
	if vc.Sample.Minor[0] != 0 {
		return nil, fmt.Errorf("variant.DecodeVariants: sample must not begin on an insertion: %s", vc.Sample.String())
	}

	pred, err := decodeOne(dec, vc.Logits)
	if err != nil {
		return nil, err
	}
	ref := extractDraftWithGaps(draft, vc.Sample.Major, vc.Sample.Minor)
	probs := tensor.SoftmaxRows(vc.Logits)

	isVariant := variantColumns(vc.Sample.Minor, ref, pred)

	inAlphabet := func(seq string) bool {
		for i := 0; i < len(seq); i++ {
			found := false
			for j := 0; j < len(dec.Labels); j++ {
				if seq[i] == dec.Labels[j] {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}

	var variants []Record
	for _, run := range runLengthEncode(isVariant) {
		if !run.value {
			continue
		}
		refSeg := removeGaps(ref[run.start:run.end])
		altSeg := removeGaps(pred[run.start:run.end])

		// A deletion followed by an insertion can cancel out to a
		// non-variant.
		if refSeg == altSeg {
			continue
		}
		if !opts.AmbigRef && !inAlphabet(refSeg) {
			continue
		}

		refQV := seqQuality(dec.Labels, probs, run.start, ref[run.start:run.end], true)
		altQV := seqQuality(dec.Labels, probs, run.start, pred[run.start:run.end], false)
		qual := altQV - refQV

		pos := vc.Sample.Major[run.start]
		if vc.Sample.Minor[run.start] != 0 {
			// The run starts on an insert: prepend the anchor draft base.
			refSeg = string(draft[pos]) + refSeg
			altSeg = string(draft[pos]) + altSeg
		} else if ((refSeg == "") || (altSeg == "")) && (pos > 0) {
			// A pure indel has an empty REF or ALT, which VCF cannot
			// represent: anchor it on the previous draft base and report
			// the anchor's position, so REF always starts at Pos.
			pos--
			refSeg = string(draft[pos]) + refSeg
			altSeg = string(draft[pos]) + altSeg
		}
		variants = append(variants, Record{
			SeqID:  vc.Sample.SeqID,
			Pos:    pos,
			Ref:    refSeg,
			Alt:    altSeg,
			Filter: "PASS",
			Qual:   qual,
		})
	}
	return variants, nil
}

// Call groups the calling samples by draft sequence, trims overlaps, rejoins
// on non-variant anchors and emits the variant records for every draft in
// draftLens.  fetchDraft returns the full draft sequence by name.
func Call(vcInput []CallingSample, draftLens []window.DraftLen, fetchDraft func(name string) (string, error), dec *decode.Decoder, opts Opts) ([]Record, error) {
	groups := make([][]int, len(draftLens))
	for i := range vcInput {
		seqID := vcInput[i].Sample.SeqID
		if (seqID < 0) || vcInput[i].Sample.Empty() {
			continue
		}
		if seqID >= len(groups) {
			return nil, fmt.Errorf("variant.Call: sample seq_id %d out of bounds for %d drafts", seqID, len(draftLens))
		}
		groups[seqID] = append(groups[seqID], i)
	}

	var all []Record
	for seqID, group := range groups {
		if len(group) == 0 {
			continue
		}
		sort.SliceStable(group, func(a, b int) bool {
			sa, sb := &vcInput[group[a]].Sample, &vcInput[group[b]].Sample
			aMaj, aMin := sa.Position(0)
			bMaj, bMin := sb.Position(0)
			return pileup.ComparePos(aMaj, aMin, bMaj, bMin) < 0
		})

		draft, err := fetchDraft(draftLens[seqID].Name)
		if err != nil {
			return nil, err
		}

		samples := make([]*pileup.Sample, len(group))
		for i, id := range group {
			samples[i] = &vcInput[id].Sample
		}
		trims, err := trim.Samples(samples, nil)
		if err != nil {
			return nil, err
		}

		var trimmed []CallingSample
		for i, id := range group {
			t := trims[i]
			if (t.Start < 0) || (t.Start >= t.End) {
				continue
			}
			vc, err := sliceCallingSample(vcInput[id], t.Start, t.End)
			if err != nil {
				return nil, err
			}
			trimmed = append(trimmed, vc)
		}

		joined, err := joinSamples(trimmed, draft, dec)
		if err != nil {
			return nil, err
		}
		for _, vc := range joined {
			recs, err := DecodeVariants(dec, vc, draft, opts)
			if err != nil {
				return nil, err
			}
			all = append(all, recs...)
		}
	}
	return all, nil
}
