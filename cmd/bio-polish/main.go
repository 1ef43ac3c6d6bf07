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
package main

/*
bio-polish computes a polished consensus (FASTA/FASTQ) and optional variant
records for a draft assembly, given a coordinate-sorted, indexed BAM of reads
aligned against that draft.
*/

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/polish"
	"github.com/grailbio/polish/model"
	"github.com/klauspost/compress/gzip"
)

var (
	outPath        = flag.String("o", "", "Output path for the consensus; stdout when empty. A .gz suffix enables gzip compression")
	vcfPath        = flag.String("vcf", "", "Also emit variant records relative to the draft to this path")
	qualities      = flag.Bool("q", false, "Write FASTQ with per-base qualities instead of FASTA")
	region         = flag.String("region", polish.DefaultOpts.Region, "Restrict polishing to <contig>[:<1-based first pos>[-<last pos>]]")
	bamIndexPath   = flag.String("index", polish.DefaultOpts.BamIndexPath, "Input BAM index path. Defaults to bampath + .bai")
	windowLen      = flag.Int("window-len", polish.DefaultOpts.WindowLen, "Length of the sample windows used for inference")
	windowOverlap  = flag.Int("window-overlap", polish.DefaultOpts.WindowOverlap, "Overlap between neighboring sample windows")
	bamChunk       = flag.Int64("bam-chunk", polish.DefaultOpts.BamChunk, "Size of the draft regions processed as one unit")
	bamSubchunk    = flag.Int64("bam-subchunk", polish.DefaultOpts.BamSubchunk, "Size of the sub-windows pileup-encoded in parallel")
	batchSize      = flag.Int("batch-size", polish.DefaultOpts.BatchSize, "Number of samples stacked per inference call")
	draftBatchSize = flag.Int64("draft-batch-size", polish.DefaultOpts.DraftBatchSize, "Upper bound on the summed draft length processed per batch")
	threads        = flag.Int("threads", 0, "Number of CPU worker threads; 0 = runtime.NumCPU()")
	inferThreads   = flag.Int("infer-threads", polish.DefaultOpts.InferThreads, "Number of inference runners")
	device         = flag.String("device", polish.DefaultOpts.Device, "Inference device (only 'cpu' is available)")
	fullPrecision  = flag.Bool("full-precision", false, "Disable half-precision inference (no-op on cpu)")
	minMapq        = flag.Int("min-mapq", polish.DefaultOpts.MinMapQ, "Reads with MAPQ below this level are skipped")
	tagName        = flag.String("tag-name", "", "Two-letter integer aux tag to filter reads on")
	tagValue       = flag.Int("tag-value", polish.DefaultOpts.TagValue, "Required value of -tag-name")
	tagKeepMissing = flag.Bool("tag-keep-missing", false, "Keep reads that lack -tag-name entirely")
	readGroup      = flag.String("read-group", "", "Restrict the pileup to this read group")
	noFillGaps     = flag.Bool("no-fill-gaps", false, "Do not fill coverage gaps from the draft")
	fillChar       = flag.String("fill-char", "", "Use this character instead of draft bases when filling gaps")
	ambigRef       = flag.Bool("ambig-ref", false, "Keep variants whose reference segment contains non-ACGT symbols")
)

func bioPolishUsage() {
	fmt.Printf("Usage: %s [OPTIONS] bampath draftpath\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func openOutput(path string) (io.Writer, func() error, error) {
	if path == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	if strings.HasSuffix(path, ".gz") {
		zw := gzip.NewWriter(f)
		return zw, func() error {
			if e := zw.Close(); e != nil {
				_ = f.Close()
				return e
			}
			return f.Close()
		}, nil
	}
	return f, f.Close, nil
}

func main() {
	flag.Usage = bioPolishUsage
	shutdown := grail.Init()
	defer shutdown()

	allArgs := flag.Args()
	nPositionalArgs := flag.NArg()
	positionalArgs := allArgs[len(allArgs)-nPositionalArgs:]
	if nPositionalArgs != 2 {
		log.Fatalf("Expected exactly two positional arguments (bampath and draftpath); please check flag syntax: '%s'", strings.Join(positionalArgs, " "))
	}
	ctx := vcontext.Background()

	opts := polish.Opts{
		WindowLen:      *windowLen,
		WindowOverlap:  *windowOverlap,
		BamChunk:       *bamChunk,
		BamSubchunk:    *bamSubchunk,
		BatchSize:      *batchSize,
		DraftBatchSize: *draftBatchSize,
		Threads:        *threads,
		InferThreads:   *inferThreads,
		Device:         *device,
		FullPrecision:  *fullPrecision,
		Region:         *region,
		BamIndexPath:   *bamIndexPath,
		MinMapQ:        *minMapq,
		TagName:        *tagName,
		TagValue:       *tagValue,
		TagKeepMissing: *tagKeepMissing,
		ReadGroup:      *readGroup,
		Qualities:      *qualities,
		FillGaps:       !*noFillGaps,
		FillChar:       *fillChar,
		AmbigRef:       *ambigRef,
	}

	out, closeOut, err := openOutput(*outPath)
	if err != nil {
		log.Fatalf("Failed to open output: %v", err)
	}
	var vcfOut io.Writer
	closeVCF := func() error { return nil }
	if *vcfPath != "" {
		vcfOut, closeVCF, err = openOutput(*vcfPath)
		if err != nil {
			log.Fatalf("Failed to open VCF output: %v", err)
		}
	}

	m := model.NewCounts(1)
	if err := polish.Polish(ctx, positionalArgs[0], positionalArgs[1], m, out, vcfOut, &opts); err != nil {
		log.Panicf("%v", err)
	}
	if err := closeOut(); err != nil {
		log.Panicf("%v", err)
	}
	if err := closeVCF(); err != nil {
		log.Panicf("%v", err)
	}
	log.Debug.Printf("exiting")
}
