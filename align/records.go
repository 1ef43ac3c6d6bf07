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

package align

import (
	"sort"

	"github.com/grailbio/hts/sam"
)

// Records is an in-memory Source over a fixed record set, used by tests and
// by callers that already hold decoded alignments.  Records are kept sorted
// by (reference, position).
type Records struct {
	refs []*sam.Reference
	recs []*sam.Record
}

// NewRecords builds a Source over recs against the given references.
func NewRecords(refs []*sam.Reference, recs []*sam.Record) *Records {
	sorted := append([]*sam.Record(nil), recs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Ref.ID() != sorted[j].Ref.ID() {
			return sorted[i].Ref.ID() < sorted[j].Ref.ID()
		}
		return sorted[i].Pos < sorted[j].Pos
	})
	return &Records{refs: refs, recs: sorted}
}

// Refs implements Source.Refs.
func (s *Records) Refs() []*sam.Reference { return s.refs }

// Iter implements Source.Iter.
func (s *Records) Iter(refName string, start, end int64) (Iterator, error) {
	var hits []*sam.Record
	for _, rec := range s.recs {
		if rec.Ref.Name() != refName {
			continue
		}
		if (int64(rec.Pos) < end) && (int64(rec.End()) > start) {
			hits = append(hits, rec)
		}
	}
	return &sliceIterator{recs: hits}, nil
}

// Close implements Source.Close.
func (s *Records) Close() error { return nil }

type sliceIterator struct {
	recs []*sam.Record
	pos  int
}

func (it *sliceIterator) Scan() bool {
	if it.pos >= len(it.recs) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Record() *sam.Record { return it.recs[it.pos-1] }

func (it *sliceIterator) Close() error { return nil }
