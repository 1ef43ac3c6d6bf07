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

// Package polish produces a polished consensus (and optionally variant
// records) for a draft assembly from a coordinate-sorted, indexed alignment
// of reads against that draft.
//
// The work proceeds in draft batches bounded by DraftBatchSize: each batch's
// drafts are tiled into BAM regions and sub-windows, pileup-encoded in
// parallel, pushed through the inference pipeline, and stitched into
// consensus sequences before the next batch begins.
package polish

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/polish/align"
	"github.com/grailbio/polish/decode"
	"github.com/grailbio/polish/encoding/fasta"
	"github.com/grailbio/polish/infer"
	"github.com/grailbio/polish/model"
	"github.com/grailbio/polish/pileup"
	"github.com/grailbio/polish/trim"
	"github.com/grailbio/polish/variant"
	"github.com/grailbio/polish/window"
)

// Opts are the polishing tunables.
type Opts struct {
	// Commandline options.
	WindowLen      int
	WindowOverlap  int
	BamChunk       int64
	BamSubchunk    int64
	BatchSize      int
	DraftBatchSize int64
	Threads        int
	InferThreads   int
	Device         string
	FullPrecision  bool
	Region         string
	BamIndexPath   string
	MinMapQ        int
	TagName        string
	TagValue       int
	TagKeepMissing bool
	ReadGroup      string
	Qualities      bool
	FillGaps       bool
	FillChar       string
	AmbigRef       bool
}

// DefaultOpts match the tool defaults.
var DefaultOpts = Opts{
	WindowLen:      10000,
	WindowOverlap:  1000,
	BamChunk:       1000000,
	BamSubchunk:    100000,
	BatchSize:      128,
	DraftBatchSize: 200000000,
	Threads:        0,
	InferThreads:   1,
	Device:         "cpu",
	MinMapQ:        1,
	TagValue:       -1,
	FillGaps:       true,
}

func validateOpts(opts *Opts) error {
	if opts.WindowOverlap >= opts.WindowLen {
		return fmt.Errorf("polish: window overlap must be smaller than the window length: window_len=%d, window_overlap=%d", opts.WindowLen, opts.WindowOverlap)
	}
	if (opts.BamChunk <= 0) || (opts.BamSubchunk <= 0) || (opts.BamSubchunk > opts.BamChunk) {
		return fmt.Errorf("polish: invalid BAM chunking: bam_chunk=%d, bam_subchunk=%d", opts.BamChunk, opts.BamSubchunk)
	}
	if opts.BatchSize <= 0 {
		return fmt.Errorf("polish: batch size should be > 0, given %d", opts.BatchSize)
	}
	if opts.DraftBatchSize <= 0 {
		return fmt.Errorf("polish: draft batch size should be > 0, given %d", opts.DraftBatchSize)
	}
	if len(opts.FillChar) > 1 {
		return fmt.Errorf("polish: fill char must be a single character, given %q", opts.FillChar)
	}
	if opts.Threads <= 0 {
		opts.Threads = runtime.NumCPU()
	}
	if opts.InferThreads <= 0 {
		opts.InferThreads = 1
	}
	return nil
}

// Polish runs the full pipeline: consensus is written to out, and variant
// records to vcfOut when non-nil.
func Polish(ctx context.Context, bamPath, draftPath string, m model.Model, out, vcfOut io.Writer, rawOpts *Opts) (err error) {
	opts := *rawOpts
	if err = validateOpts(&opts); err != nil {
		return err
	}

	fa, faClose, err := openDraft(ctx, draftPath)
	if err != nil {
		return err
	}
	defer func() {
		if e := faClose(); e != nil && err == nil {
			err = e
		}
	}()

	var draftLens []window.DraftLen
	for _, name := range fa.SeqNames() {
		n, e := fa.Len(name)
		if e != nil {
			return e
		}
		draftLens = append(draftLens, window.DraftLen{Name: name, Length: int64(n)})
	}
	if len(draftLens) == 0 {
		return fmt.Errorf("polish.Polish: no sequences found in draft %s", draftPath)
	}
	if opts.Region != "" {
		name, _, _, e := window.ParseRegion(opts.Region)
		if e != nil {
			return e
		}
		found := false
		for _, d := range draftLens {
			if d.Name == name {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("polish.Polish: region sequence %q not in the draft", name)
		}
	}

	encoder, err := pileup.NewCountsFeatureEncoder(pileup.EncoderOpts{
		Normalise:      pileup.NormaliseTotal,
		FlagExclude:    pileup.DefaultEncoderOpts.FlagExclude,
		MinMapQ:        opts.MinMapQ,
		TagName:        opts.TagName,
		TagValue:       opts.TagValue,
		TagKeepMissing: opts.TagKeepMissing,
		ReadGroup:      opts.ReadGroup,
		SymIndels:      true,
	})
	if err != nil {
		return err
	}

	replicas, err := model.Replicas(m, opts.Device, opts.InferThreads)
	if err != nil {
		return err
	}
	decoder, err := decode.NewDecoder(decode.HaploidLabels, decode.ConsensusQCap)
	if err != nil {
		return err
	}
	variantDecoder, err := decode.NewDecoder(decode.HaploidLabels, decode.VariantQCap)
	if err != nil {
		return err
	}

	// One alignment handle per encoder worker; the handles are not
	// thread-safe.
	sources := make([]align.Source, 0, opts.Threads)
	defer func() {
		for _, src := range sources {
			if e := src.Close(); e != nil && err == nil {
				err = e
			}
		}
	}()
	for i := 0; i < opts.Threads; i++ {
		src, e := align.NewIndexedBAM(bamPath, opts.BamIndexPath)
		if e != nil {
			return e
		}
		sources = append(sources, src)
	}

	inferOpts := infer.Opts{
		Threads:       opts.Threads,
		BatchSize:     opts.BatchSize,
		WindowLen:     opts.WindowLen,
		WindowOverlap: opts.WindowOverlap,
		BamSubchunk:   opts.BamSubchunk,
		KeepLogits:    vcfOut != nil,
	}
	var fillChar *byte
	if opts.FillChar != "" {
		c := opts.FillChar[0]
		fillChar = &c
	}

	var allVariants []variant.Record
	batches := createBatches(draftLens, opts.DraftBatchSize)
	for _, batch := range batches {
		var e error
		batchLens := draftLens[batch.Start:batch.End]
		log.Printf("polish.Polish: processing draft sequences %d-%d/%d", batch.Start, batch.End, len(draftLens))

		// With an explicit region, only the batch holding its sequence is
		// tiled; drafts without samples are emitted verbatim at stitch time.
		var bamRegions []window.Window
		if (opts.Region == "") || (regionForBatch(opts.Region, batchLens) != "") {
			bamRegions, e = window.CreateBAMRegions(batchLens, opts.BamChunk, int64(opts.WindowOverlap), opts.Region)
			if e != nil {
				return e
			}
		}

		var samples []pileup.Sample
		var trims []trim.Info
		if len(bamRegions) > 0 {
			if samples, trims, e = infer.CreateSamples(encoder, sources, batchLens, bamRegions, inferOpts); e != nil {
				return e
			}
		}
		results, logits, e := infer.Run(samples, replicas, decoder, inferOpts)
		if e != nil {
			return e
		}

		if e = writeBatchConsensus(out, fa, batchLens, samples, trims, results, &opts, fillChar); e != nil {
			return e
		}

		if vcfOut != nil {
			vcInput := make([]variant.CallingSample, 0, len(samples))
			for i := range samples {
				if logits[i] == nil {
					continue
				}
				vcInput = append(vcInput, variant.CallingSample{Sample: samples[i], Logits: logits[i]})
			}
			recs, e := variant.Call(vcInput, batchLens, func(name string) (string, error) {
				n, e2 := fa.Len(name)
				if e2 != nil {
					return "", e2
				}
				return fa.Get(name, 0, n)
			}, variantDecoder, variant.Opts{AmbigRef: opts.AmbigRef})
			if e != nil {
				return e
			}
			for _, r := range recs {
				r.SeqID += batch.Start
				allVariants = append(allVariants, r)
			}
		}
	}

	if vcfOut != nil {
		if err = variant.WriteVCF(vcfOut, draftLens, allVariants); err != nil {
			return err
		}
	}
	log.Printf("polish.Polish: done")
	return nil
}

// regionForBatch returns region when its sequence is one of batchLens, and ""
// otherwise (including when region is empty or does not parse).
func regionForBatch(region string, batchLens []window.DraftLen) string {
	if region == "" {
		return ""
	}
	name, _, _, err := window.ParseRegion(region)
	if err != nil {
		return ""
	}
	for _, d := range batchLens {
		if d.Name == name {
			return region
		}
	}
	return ""
}

// openDraft prefers faidx-indexed random access; without a .fai the whole
// draft is loaded into memory instead.
func openDraft(ctx context.Context, draftPath string) (fa fasta.Fasta, closer func() error, err error) {
	if idx, err := os.Open(draftPath + ".fai"); err == nil {
		f, err := os.Open(draftPath)
		if err != nil {
			_ = idx.Close()
			return nil, nil, err
		}
		fa, err := fasta.NewIndexed(f, idx)
		if e := idx.Close(); e != nil && err == nil {
			err = e
		}
		if err != nil {
			_ = f.Close()
			return nil, nil, err
		}
		return fa, f.Close, nil
	}

	log.Printf("polish.openDraft: no .fai index next to %s, loading the draft into memory", draftPath)
	infile, err := file.Open(ctx, draftPath)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if e := infile.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	reader, _ := compress.NewReader(infile.Reader(ctx))
	fa, err = fasta.New(reader)
	if e := reader.Close(); e != nil && err == nil {
		err = e
	}
	if err != nil {
		return nil, nil, err
	}
	return fa, func() error { return nil }, nil
}
