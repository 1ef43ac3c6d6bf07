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

// Package infer runs pileup samples through a model on a bounded-queue
// pipeline: a producer batches samples, one runner per model replica
// predicts, and decoder workers convert logits to bases and qualities.
package infer

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/polish/align"
	"github.com/grailbio/polish/decode"
	"github.com/grailbio/polish/model"
	"github.com/grailbio/polish/pileup"
	"github.com/grailbio/polish/tensor"
	"github.com/grailbio/polish/trim"
	"github.com/grailbio/polish/window"
	"gonum.org/v1/gonum/mat"
)

// Opts are the inference-driver tunables.
type Opts struct {
	// Threads sizes the CPU worker pools (encoding, surgery, decoding).
	Threads int
	// BatchSize bounds the number of regular samples stacked per Predict.
	BatchSize int
	// WindowLen is the fixed sample length; samples of exactly this length
	// are stackable, shorter ones are predicted one at a time.
	WindowLen int
	// WindowOverlap is the overlap between neighboring fixed-length samples.
	WindowOverlap int
	// BamSubchunk is the sub-window size used for parallel pileup encoding.
	BamSubchunk int64
	// KeepLogits retains per-sample class probabilities for variant calling.
	KeepLogits bool
}

// CreateSamples encodes every BAM region into inference-ready samples:
// sub-windows are pileup-encoded in parallel, then per BAM region the
// surgeon splits on coverage gaps, merges contiguous fragments and re-splits
// to WindowLen, and trims are computed against the region's non-overlapping
// bounds so neighboring BAM regions splice without double-counting.
//
// Each encoder worker owns one alignment source; sources must contain at
// least one handle and handles must not be shared across workers.
func CreateSamples(enc *pileup.CountsFeatureEncoder, sources []align.Source, draftLens []window.DraftLen, bamRegions []window.Window, opts Opts) ([]pileup.Sample, []trim.Info, error) {
	if len(sources) == 0 {
		return nil, nil, fmt.Errorf("infer.CreateSamples: no alignment sources")
	}
	windows, intervals, err := window.Subdivide(bamRegions, opts.BamSubchunk)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("infer.CreateSamples: encoding %d sub-windows from %d BAM regions", len(windows), len(bamRegions))

	encoded := make([]pileup.Sample, len(windows))
	parallelism := minInt(len(sources), len(windows))
	if parallelism == 0 {
		return nil, nil, nil
	}
	err = traverse.Each(parallelism, func(jobIdx int) error {
		startIdx := (jobIdx * len(windows)) / parallelism
		endIdx := ((jobIdx + 1) * len(windows)) / parallelism
		src := sources[jobIdx]
		for i := startIdx; i < endIdx; i++ {
			w := windows[i]
			s, e := enc.EncodeRegion(src, draftLens[w.SeqID].Name, w.Start, w.End, w.SeqID, w.RegionID)
			if e != nil {
				return e
			}
			encoded[i] = s
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	regionSamples := make([][]pileup.Sample, len(intervals))
	regionTrims := make([][]trim.Info, len(intervals))
	err = traverse.Each(len(intervals), func(i int) error {
		iv := intervals[i]
		var local []pileup.Sample
		for _, s := range encoded[iv.Start:iv.End] {
			local = append(local, pileup.SplitOnDiscontinuities(s)...)
		}
		local, e := pileup.MergeAdjacent(local)
		if e != nil {
			return e
		}
		if local, e = pileup.SplitToLength(local, opts.WindowLen, opts.WindowOverlap); e != nil {
			return e
		}
		if len(local) == 0 {
			// Every sub-window of this BAM region was a coverage hole.
			return nil
		}
		ptrs := make([]*pileup.Sample, len(local))
		for j := range local {
			ptrs[j] = &local[j]
		}
		reg := bamRegions[local[0].RegionID]
		trims, e := trim.Samples(ptrs, &trim.Region{
			SeqID: reg.SeqID,
			Start: reg.StartNoOverlap,
			End:   reg.EndNoOverlap,
		})
		if e != nil {
			return e
		}
		regionSamples[i] = local
		regionTrims[i] = trims
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var samples []pileup.Sample
	var trims []trim.Info
	for i := range regionSamples {
		samples = append(samples, regionSamples[i]...)
		trims = append(trims, regionTrims[i]...)
	}
	log.Printf("infer.CreateSamples: produced %d samples", len(samples))
	return samples, trims, nil
}

// inferBatch indexes the samples of one Predict call.
type inferBatch struct {
	ids []int
}

// decodeBatch carries one predicted batch to the decoder stage.
type decodeBatch struct {
	ids    []int
	logits tensor.Batch
}

// Run pushes the samples through the replicas and returns one decoded result
// per sample, plus per-sample logits when Opts.KeepLogits is set.
//
// Messages are unordered across the queues; every batch carries its global
// sample ids so results land by index.  An error in any stage closes the
// queues, the remaining stages drain, and the error is returned: no partial
// results are kept.
func Run(samples []pileup.Sample, replicas []model.Model, dec *decode.Decoder, opts Opts) ([]decode.Result, []*mat.Dense, error) {
	if len(replicas) == 0 {
		return nil, nil, fmt.Errorf("infer.Run: no model replicas initialized, cannot run inference")
	}
	results := make([]decode.Result, len(samples))
	var logits []*mat.Dense
	if opts.KeepLogits {
		logits = make([]*mat.Dense, len(samples))
	}

	var err errors.Once
	chInfer := make(chan inferBatch, 2*len(replicas))
	chDecode := make(chan decodeBatch, 2*len(replicas))

	// Producer: regular samples are batched up to BatchSize, remainders go
	// one at a time (they cannot be stacked).
	go func() {
		defer close(chInfer)
		var regular []int
		flush := func() {
			if len(regular) > 0 {
				chInfer <- inferBatch{ids: regular}
				regular = nil
			}
		}
		for id := range samples {
			if err.Err() != nil {
				return
			}
			if samples[id].Empty() {
				continue
			}
			if samples[id].Len() != opts.WindowLen {
				chInfer <- inferBatch{ids: []int{id}}
				continue
			}
			regular = append(regular, id)
			if len(regular) == opts.BatchSize {
				flush()
			}
		}
		flush()
	}()

	// One runner per replica.
	var runnerWG sync.WaitGroup
	mutexes := make([]sync.Mutex, len(replicas))
	for r := range replicas {
		runnerWG.Add(1)
		go func(r int) {
			defer runnerWG.Done()
			for b := range chInfer {
				if err.Err() != nil {
					continue // drain
				}
				feats := make([]*mat.Dense, len(b.ids))
				for i, id := range b.ids {
					feats[i] = samples[id].Features
				}
				batch, e := tensor.Stack(feats)
				if e != nil {
					err.Set(e)
					continue
				}
				mutexes[r].Lock()
				out, e := replicas[r].Predict(batch)
				mutexes[r].Unlock()
				if e != nil {
					err.Set(fmt.Errorf("infer.Run: model predict failed: %v", e))
					continue
				}
				chDecode <- decodeBatch{ids: b.ids, logits: out}
			}
		}(r)
	}
	go func() {
		runnerWG.Wait()
		close(chDecode)
	}()

	// Decoder workers write disjoint result indices; the only coordination
	// is the final wait.
	var decodeWG sync.WaitGroup
	for w := 0; w < maxInt(1, opts.Threads); w++ {
		decodeWG.Add(1)
		go func() {
			defer decodeWG.Done()
			for d := range chDecode {
				if err.Err() != nil {
					continue // drain
				}
				decoded, e := dec.DecodeBatch(d.logits)
				if e != nil {
					err.Set(e)
					continue
				}
				for k, id := range d.ids {
					results[id] = decoded[k]
					if logits != nil {
						logits[id] = tensor.SliceRows(d.logits.Data, k*d.logits.L, (k+1)*d.logits.L)
					}
				}
			}
		}()
	}
	decodeWG.Wait()

	if e := err.Err(); e != nil {
		return nil, nil, e
	}
	return results, logits, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
