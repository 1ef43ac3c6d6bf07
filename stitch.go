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

package polish

import (
	"fmt"

	"github.com/grailbio/polish/decode"
	"github.com/grailbio/polish/pileup"
	"github.com/grailbio/polish/trim"
)

// Consensus is a polished sequence with per-base qualities.  Seq and Qual
// have identical length; '*' deletion columns are stripped by
// removeDeletions before output.
type Consensus struct {
	Name string
	Seq  []byte
	Qual []byte
}

// gapQual is the sentinel quality for bases copied from the draft.
const gapQual = '!'

// stitchSequence splices the trimmed, decoded samples of one draft into a
// consensus.  order lists the sample indices for this draft sorted by start
// position.  Coverage gaps are filled from the draft (or fillChar) with
// gapQual qualities when fillGaps is set.
func stitchSequence(draft string, samples []pileup.Sample, trims []trim.Info, results []decode.Result, order []int, fillGaps bool, fillChar *byte) (Consensus, error) {
	if len(samples) != len(trims) {
		return Consensus{}, fmt.Errorf("polish.stitchSequence: %d samples but %d trims", len(samples), len(trims))
	}

	fill := func(n int64) []byte {
		ret := make([]byte, n)
		for i := range ret {
			ret[i] = *fillChar
		}
		return ret
	}

	var cons Consensus
	if len(order) == 0 {
		if !fillGaps {
			return cons, nil
		}
		if fillChar != nil {
			cons.Seq = fill(int64(len(draft)))
		} else {
			cons.Seq = append(cons.Seq, draft...)
		}
		cons.Qual = appendQuals(cons.Qual, int64(len(draft)))
		return cons, nil
	}

	// lastEnd is the inclusive draft coordinate of the last emitted base.
	lastEnd := int64(-1)
	for _, idx := range order {
		t := trims[idx]
		if (t.Start < 0) || (t.Start >= t.End) {
			continue
		}
		s := &samples[idx]
		r := results[idx]
		if (t.End > s.Len()) || (len(r.Seq) != s.Len()) || (len(r.Qual) != s.Len()) {
			return Consensus{}, fmt.Errorf("polish.stitchSequence: trim [%d, %d) out of bounds for sample of %d columns (decoded %d)",
				t.Start, t.End, s.Len(), len(r.Seq))
		}

		startPos := s.Major[t.Start]
		if fillGaps && (startPos > lastEnd+1) {
			if fillChar != nil {
				cons.Seq = append(cons.Seq, fill(startPos-lastEnd-1)...)
			} else {
				cons.Seq = append(cons.Seq, draft[lastEnd+1:startPos]...)
			}
			cons.Qual = appendQuals(cons.Qual, startPos-lastEnd-1)
		}

		cons.Seq = append(cons.Seq, r.Seq[t.Start:t.End]...)
		cons.Qual = append(cons.Qual, r.Qual[t.Start:t.End]...)
		lastEnd = s.Major[s.Len()-1]
	}

	if fillGaps && (lastEnd+1 < int64(len(draft))) {
		if fillChar != nil {
			cons.Seq = append(cons.Seq, fill(int64(len(draft))-lastEnd-1)...)
		} else {
			cons.Seq = append(cons.Seq, draft[lastEnd+1:]...)
		}
		cons.Qual = appendQuals(cons.Qual, int64(len(draft))-lastEnd-1)
	}
	return cons, nil
}

func appendQuals(qual []byte, n int64) []byte {
	for i := int64(0); i < n; i++ {
		qual = append(qual, gapQual)
	}
	return qual
}

// removeDeletions strips '*' columns from the consensus together with their
// quality characters, in place.
func removeDeletions(cons *Consensus) error {
	if len(cons.Seq) != len(cons.Qual) {
		return fmt.Errorf("polish.removeDeletions: sequence and quality length mismatch: %d != %d", len(cons.Seq), len(cons.Qual))
	}
	n := 0
	for i := 0; i < len(cons.Seq); i++ {
		if cons.Seq[i] == '*' {
			continue
		}
		cons.Seq[n] = cons.Seq[i]
		cons.Qual[n] = cons.Qual[i]
		n++
	}
	cons.Seq = cons.Seq[:n]
	cons.Qual = cons.Qual[:n]
	return nil
}
