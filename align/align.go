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

// Package align provides random access to a coordinate-sorted, indexed
// alignment file.  A Source is not thread-safe; the pileup encoder opens one
// Source per worker.
package align

import (
	"fmt"
	"os"

	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"v.io/x/lib/vlog"
)

// Iterator yields the records of one region query.
type Iterator interface {
	// Scan advances to the next record, returning false at the end of the
	// region.
	Scan() bool
	// Record returns the current record.  Valid until the next Scan.
	Record() *sam.Record
	// Close releases the iterator and reports any read error.
	Close() error
}

// Source is a handle on an alignment file that supports region queries.
type Source interface {
	// Iter returns an iterator over records whose alignment overlaps
	// [start, end) on the named reference.
	Iter(refName string, start, end int64) (Iterator, error)
	// Refs returns the references named in the file header, in header order.
	Refs() []*sam.Reference
	Close() error
}

// IndexedBAM is a Source backed by a BAM file and its .bai index.
type IndexedBAM struct {
	f    *os.File
	r    *bam.Reader
	idx  *bam.Index
	refs map[string]*sam.Reference
}

// NewIndexedBAM opens path and its index (indexPath, or path+".bai" when
// empty).
func NewIndexedBAM(path, indexPath string) (*IndexedBAM, error) {
	if indexPath == "" {
		indexPath = path + ".bai"
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := bam.NewReader(f, 1)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	idxIn, err := os.Open(indexPath)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	idx, err := bam.ReadIndex(idxIn)
	if e := idxIn.Close(); e != nil && err == nil {
		err = e
	}
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	refs := make(map[string]*sam.Reference)
	for _, ref := range r.Header().Refs() {
		refs[ref.Name()] = ref
	}
	vlog.VI(1).Infof("align: opened %s with %d references", path, len(refs))
	return &IndexedBAM{f: f, r: r, idx: idx, refs: refs}, nil
}

// Refs implements Source.Refs.
func (b *IndexedBAM) Refs() []*sam.Reference {
	return b.r.Header().Refs()
}

// Iter implements Source.Iter.
func (b *IndexedBAM) Iter(refName string, start, end int64) (Iterator, error) {
	ref, ok := b.refs[refName]
	if !ok {
		return nil, fmt.Errorf("align.Iter: reference %q not in BAM header", refName)
	}
	chunks, err := b.idx.Chunks(ref, int(start), int(end))
	if err != nil {
		// The hts index reports an error for regions with no reads; treat it
		// as an empty iterator so the caller sees a coverage gap.
		vlog.VI(2).Infof("align: no chunks for %s:%d-%d: %v", refName, start, end, err)
		return &bamIterator{}, nil
	}
	it, err := bam.NewIterator(b.r, chunks)
	if err != nil {
		return nil, err
	}
	return &bamIterator{it: it, start: start, end: end}, nil
}

// Close implements Source.Close.
func (b *IndexedBAM) Close() error {
	err := b.r.Close()
	if e := b.f.Close(); e != nil && err == nil {
		err = e
	}
	return err
}

type bamIterator struct {
	it    *bam.Iterator
	rec   *sam.Record
	start int64
	end   int64
}

func (it *bamIterator) Scan() bool {
	if it.it == nil {
		return false
	}
	for it.it.Next() {
		rec := it.it.Record()
		// The index returns all records in overlapping bins; keep only those
		// whose alignment actually intersects the query.
		if (int64(rec.Pos) < it.end) && (int64(rec.End()) > it.start) {
			it.rec = rec
			return true
		}
	}
	return false
}

func (it *bamIterator) Record() *sam.Record { return it.rec }

func (it *bamIterator) Close() error {
	if it.it == nil {
		return nil
	}
	return it.it.Close()
}
