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

package infer

import (
	"fmt"
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/polish/align"
	"github.com/grailbio/polish/decode"
	"github.com/grailbio/polish/model"
	"github.com/grailbio/polish/pileup"
	"github.com/grailbio/polish/tensor"
	"github.com/grailbio/polish/window"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRead(ref *sam.Reference, pos int, seq string) *sam.Record {
	qual := make([]byte, len(seq))
	for i := range qual {
		qual[i] = 30
	}
	return &sam.Record{
		Name:  "r",
		Ref:   ref,
		Pos:   pos,
		MapQ:  60,
		Cigar: sam.Cigar{sam.NewCigarOp(sam.CigarMatch, len(seq))},
		Seq:   sam.NewSeq([]byte(seq)),
		Qual:  qual,
	}
}

func testSetup(t *testing.T, draft string, reads []*sam.Record) (*pileup.CountsFeatureEncoder, []align.Source, []window.DraftLen, []window.Window) {
	ref, err := sam.NewReference("s1", "", "", len(draft), nil, nil)
	require.NoError(t, err)
	for _, r := range reads {
		r.Ref = ref
	}
	src := align.NewRecords([]*sam.Reference{ref}, reads)
	enc, err := pileup.NewCountsFeatureEncoder(pileup.EncoderOpts{
		Normalise:   pileup.NormaliseTotal,
		FlagExclude: 0xf00,
		MinMapQ:     10,
		SymIndels:   true,
	})
	require.NoError(t, err)
	draftLens := []window.DraftLen{{Name: "s1", Length: int64(len(draft))}}
	regions, err := window.CreateBAMRegions(draftLens, 100, 2, "")
	require.NoError(t, err)
	return enc, []align.Source{src}, draftLens, regions
}

func TestCreateSamples(t *testing.T) {
	draft := "ACGTACGTACGTACGT"
	var reads []*sam.Record
	for i := 0; i < 5; i++ {
		reads = append(reads, newRead(nil, 0, draft))
	}
	enc, sources, draftLens, regions := testSetup(t, draft, reads)

	opts := Opts{Threads: 2, BatchSize: 4, WindowLen: 8, WindowOverlap: 2, BamSubchunk: 8}
	samples, trims, err := CreateSamples(enc, sources, draftLens, regions, opts)
	require.NoError(t, err)
	require.Equal(t, len(samples), len(trims))
	require.NotEmpty(t, samples)

	// The 16-column draft with full coverage yields fixed-length samples.
	for i := range samples {
		assert.True(t, samples[i].Len() <= 8)
		require.NoError(t, samples[i].Validate())
	}
	// The trims cover every draft coordinate exactly once.
	seen := map[int64]int{}
	for i, tr := range trims {
		if tr.Start < 0 {
			continue
		}
		for _, maj := range samples[i].Major[tr.Start:tr.End] {
			seen[maj]++
		}
	}
	assert.Len(t, seen, 16)
	for maj, n := range seen {
		assert.Equal(t, 1, n, "major %d", maj)
	}
}

func TestCreateSamplesCoverageHole(t *testing.T) {
	draft := "ACGTACGT"
	reads := []*sam.Record{newRead(nil, 0, "ACGT"), newRead(nil, 0, "ACGT")}
	enc, sources, draftLens, regions := testSetup(t, draft, reads)

	opts := Opts{Threads: 1, BatchSize: 4, WindowLen: 8, WindowOverlap: 2, BamSubchunk: 8}
	samples, _, err := CreateSamples(enc, sources, draftLens, regions, opts)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, []int64{0, 1, 2, 3}, samples[0].Major)
}

func TestRunPipeline(t *testing.T) {
	draft := "ACGTACGTACGTACGT"
	var reads []*sam.Record
	for i := 0; i < 6; i++ {
		reads = append(reads, newRead(nil, 0, draft))
	}
	enc, sources, draftLens, regions := testSetup(t, draft, reads)
	opts := Opts{Threads: 2, BatchSize: 2, WindowLen: 8, WindowOverlap: 2, BamSubchunk: 8, KeepLogits: true}

	samples, _, err := CreateSamples(enc, sources, draftLens, regions, opts)
	require.NoError(t, err)

	replicas, err := model.Replicas(model.NewCounts(1), "cpu", 2)
	require.NoError(t, err)
	dec, err := decode.NewDecoder(decode.HaploidLabels, decode.ConsensusQCap)
	require.NoError(t, err)

	results, logits, err := Run(samples, replicas, dec, opts)
	require.NoError(t, err)
	require.Len(t, results, len(samples))
	require.Len(t, logits, len(samples))

	// Length agreement after decode, and the exact-match reads reproduce
	// the draft bases.
	for i := range samples {
		require.Equal(t, samples[i].Len(), len(results[i].Seq))
		require.Equal(t, samples[i].Len(), len(results[i].Qual))
		r, _ := logits[i].Dims()
		assert.Equal(t, samples[i].Len(), r)
		for j, maj := range samples[i].Major {
			assert.Equal(t, draft[maj], results[i].Seq[j])
			assert.True(t, results[i].Qual[j] > '!')
		}
	}
}

type failingModel struct{}

func (failingModel) Predict(tensor.Batch) (tensor.Batch, error) {
	return tensor.Batch{}, fmt.Errorf("device out of memory")
}

func TestRunPropagatesModelError(t *testing.T) {
	draft := "ACGTACGTACGTACGT"
	var reads []*sam.Record
	for i := 0; i < 3; i++ {
		reads = append(reads, newRead(nil, 0, draft))
	}
	enc, sources, draftLens, regions := testSetup(t, draft, reads)
	opts := Opts{Threads: 2, BatchSize: 2, WindowLen: 8, WindowOverlap: 2, BamSubchunk: 8}

	samples, _, err := CreateSamples(enc, sources, draftLens, regions, opts)
	require.NoError(t, err)

	dec, err := decode.NewDecoder(decode.HaploidLabels, decode.ConsensusQCap)
	require.NoError(t, err)
	_, _, err = Run(samples, []model.Model{failingModel{}}, dec, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of memory")
}

func TestRunNoReplicas(t *testing.T) {
	dec, err := decode.NewDecoder(decode.HaploidLabels, decode.ConsensusQCap)
	require.NoError(t, err)
	_, _, err = Run(nil, nil, dec, Opts{WindowLen: 8})
	assert.Error(t, err)
}
