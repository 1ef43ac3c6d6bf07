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
	"io"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/syncqueue"
	"github.com/grailbio/polish/decode"
	"github.com/grailbio/polish/encoding/fasta"
	"github.com/grailbio/polish/pileup"
	"github.com/grailbio/polish/trim"
	"github.com/grailbio/polish/window"
)

// writeBatchConsensus stitches every draft of one batch and writes the
// results in draft order.  Stitching runs on one goroutine per draft; an
// ordered queue reorders the finished sequences for the single writer.
func writeBatchConsensus(out io.Writer, fa fasta.Fasta, batchLens []window.DraftLen,
	samples []pileup.Sample, trims []trim.Info, results []decode.Result,
	opts *Opts, fillChar *byte) error {

	// Group sample indices by draft and sort each group by start position.
	groups := make([][]int, len(batchLens))
	for i := range samples {
		if samples[i].Empty() {
			continue
		}
		groups[samples[i].SeqID] = append(groups[samples[i].SeqID], i)
	}
	for _, group := range groups {
		sort.SliceStable(group, func(a, b int) bool {
			sa, sb := &samples[group[a]], &samples[group[b]]
			aMaj, aMin := sa.Position(0)
			bMaj, bMin := sb.Position(0)
			return pileup.ComparePos(aMaj, aMin, bMaj, bMin) < 0
		})
	}

	queue := syncqueue.NewOrderedQueue(len(batchLens) + 1)
	var err errors.Once
	var wg sync.WaitGroup
	for seqID := range batchLens {
		wg.Add(1)
		go func(seqID int) {
			defer wg.Done()
			name := batchLens[seqID].Name
			draft, e := fa.Get(name, 0, uint64(batchLens[seqID].Length))
			if e != nil {
				err.Set(e)
				_ = queue.Insert(seqID, Consensus{})
				return
			}
			cons, e := stitchSequence(draft, samples, trims, results, groups[seqID], opts.FillGaps, fillChar)
			if e != nil {
				err.Set(e)
				_ = queue.Insert(seqID, Consensus{})
				return
			}
			cons.Name = name
			if e = removeDeletions(&cons); e != nil {
				err.Set(e)
			}
			err.Set(queue.Insert(seqID, cons))
		}(seqID)
	}
	go func() {
		wg.Wait()
		_ = queue.Close(nil)
	}()

	for {
		entry, ok, e := queue.Next()
		if e != nil {
			err.Set(e)
			break
		}
		if !ok {
			break
		}
		if err.Err() != nil {
			continue // drain
		}
		if e := writeConsensus(out, entry.(Consensus), opts.Qualities); e != nil {
			err.Set(e)
		}
	}
	return err.Err()
}

// writeConsensus writes one polished sequence as FASTA, or FASTQ when
// qualities are requested.  Empty sequences are suppressed.
func writeConsensus(out io.Writer, cons Consensus, qualities bool) error {
	if len(cons.Seq) == 0 {
		return nil
	}
	var err error
	if qualities {
		_, err = fmt.Fprintf(out, "@%s\n%s\n+\n%s\n", cons.Name, cons.Seq, cons.Qual)
	} else {
		_, err = fmt.Fprintf(out, ">%s\n%s\n", cons.Name, cons.Seq)
	}
	return err
}
