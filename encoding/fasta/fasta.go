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

// Package fasta gives the polisher random access to draft sequences stored
// in (optionally faidx-indexed) FASTA files.  Sequence names are the stretch
// of characters after '>' up to the first space.
package fasta

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Index files consist of one tab-separated line per sequence: "<sequence
// name>\t<length>\t<byte offset>\t<bases per line>\t<bytes per line>".
var indexRegExp = regexp.MustCompile(`(\S+)\t(\d+)\t(\d+)\t(\d+)\t(\d+)`)

// Fasta is a set of named draft sequences.
type Fasta interface {
	// Get returns the bases of the named sequence over the 0-based half-open
	// interval [start, end).  Get is thread-safe.
	Get(seqName string, start, end uint64) (string, error)

	// Len returns the length of the named sequence.
	Len(seqName string) (uint64, error)

	// SeqNames returns all sequence names in file order.
	SeqNames() []string
}

type inMemory struct {
	seqs     map[string]string
	seqNames []string
}

// New reads all FASTA data from r into memory.
func New(r io.Reader) (Fasta, error) {
	f := &inMemory{seqs: make(map[string]string)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, 1024*1024*256)
	var seqName string
	var seq strings.Builder
	flush := func() error {
		if seq.Len() == 0 {
			return nil
		}
		if seqName == "" {
			return errors.Errorf("malformed FASTA data")
		}
		f.seqs[seqName] = seq.String()
		f.seqNames = append(f.seqNames, seqName)
		seq.Reset()
		return nil
	}
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		if line[0] == '>' {
			if err := flush(); err != nil {
				return nil, err
			}
			seqName = strings.Split(line[1:], " ")[0]
		} else {
			seq.WriteString(line)
		}
	}
	if scanner.Err() != nil {
		return nil, errors.Wrap(scanner.Err(), "couldn't read FASTA data")
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return f, nil
}

// Get implements Fasta.Get().
func (f *inMemory) Get(seqName string, start, end uint64) (string, error) {
	s, ok := f.seqs[seqName]
	if !ok {
		return "", errors.Errorf("sequence not found: %s", seqName)
	}
	if end <= start || end > uint64(len(s)) {
		return "", errors.Errorf("invalid query range %d - %d for sequence %s with length %d",
			start, end, seqName, len(s))
	}
	return s[start:end], nil
}

// Len implements Fasta.Len().
func (f *inMemory) Len(seqName string) (uint64, error) {
	s, ok := f.seqs[seqName]
	if !ok {
		return 0, errors.Errorf("sequence not found: %s", seqName)
	}
	return uint64(len(s)), nil
}

// SeqNames implements Fasta.SeqNames().
func (f *inMemory) SeqNames() []string {
	return f.seqNames
}

type indexEntry struct {
	length    uint64
	offset    uint64
	lineBase  uint64
	lineWidth uint64
}

type indexed struct {
	seqs     map[string]indexEntry
	seqNames []string
	reader   io.ReadSeeker
	buf      []byte
	mutex    sync.Mutex
}

// NewIndexed returns a Fasta that performs random lookups through the faidx
// index without loading the sequence data into memory.
func NewIndexed(fa io.ReadSeeker, index io.Reader) (Fasta, error) {
	f := &indexed{seqs: make(map[string]indexEntry), reader: fa}
	scanner := bufio.NewScanner(index)
	for scanner.Scan() {
		matches := indexRegExp.FindStringSubmatch(scanner.Text())
		if len(matches) != 6 {
			return nil, fmt.Errorf("invalid index line: %s", scanner.Text())
		}
		ent := indexEntry{}
		ent.length, _ = strconv.ParseUint(matches[2], 10, 64)
		ent.offset, _ = strconv.ParseUint(matches[3], 10, 64)
		ent.lineBase, _ = strconv.ParseUint(matches[4], 10, 64)
		ent.lineWidth, _ = strconv.ParseUint(matches[5], 10, 64)
		if (ent.lineBase == 0) || (ent.lineWidth < ent.lineBase) {
			return nil, fmt.Errorf("invalid line geometry in index line: %s", scanner.Text())
		}
		f.seqs[matches[1]] = ent
		f.seqNames = append(f.seqNames, matches[1])
	}
	if scanner.Err() != nil {
		return nil, errors.Wrap(scanner.Err(), "couldn't read FASTA index")
	}
	return f, nil
}

// Len implements Fasta.Len().
func (f *indexed) Len(seqName string) (uint64, error) {
	ent, ok := f.seqs[seqName]
	if !ok {
		return 0, fmt.Errorf("sequence not found in index: %s", seqName)
	}
	return ent.length, nil
}

// Get implements Fasta.Get().
func (f *indexed) Get(seqName string, start, end uint64) (string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	ent, ok := f.seqs[seqName]
	if !ok {
		return "", fmt.Errorf("sequence not found in index: %s", seqName)
	}
	if (end <= start) || (end > ent.length) {
		return "", fmt.Errorf("invalid query range %d - %d for sequence %s with length %d",
			start, end, seqName, ent.length)
	}

	// Byte offset of the first requested base, accounting for newlines.
	charsPerNewline := ent.lineWidth - ent.lineBase
	offset := ent.offset + start + charsPerNewline*(start/ent.lineBase)

	firstLineBases := ent.lineBase - (start % ent.lineBase)
	newlinesToRead := uint64(0)
	if end-start > firstLineBases {
		newlinesToRead = 1 + (end-start-firstLineBases)/ent.lineBase
	}
	span := end - start + newlinesToRead*charsPerNewline

	if _, err := f.reader.Seek(int64(offset), io.SeekStart); err != nil {
		return "", err
	}
	if uint64(cap(f.buf)) < span {
		f.buf = make([]byte, span)
	}
	f.buf = f.buf[:span]
	if _, err := io.ReadFull(f.reader, f.buf); err != nil {
		return "", errors.Wrap(err, "unexpected end of FASTA data (bad index?)")
	}

	ret := make([]byte, 0, end-start)
	linePos := (offset - ent.offset) % ent.lineWidth
	for _, c := range f.buf {
		if linePos < ent.lineBase {
			ret = append(ret, c)
		}
		linePos++
		if linePos == ent.lineWidth {
			linePos = 0
		}
	}
	return string(ret), nil
}

// SeqNames implements Fasta.SeqNames().
func (f *indexed) SeqNames() []string {
	return f.seqNames
}
