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
	"bytes"
	"strings"
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/polish/align"
	"github.com/grailbio/polish/decode"
	"github.com/grailbio/polish/encoding/fasta"
	"github.com/grailbio/polish/infer"
	"github.com/grailbio/polish/model"
	"github.com/grailbio/polish/pileup"
	"github.com/grailbio/polish/variant"
	"github.com/grailbio/polish/window"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRead(ref *sam.Reference, pos int, cig sam.Cigar, seq string) *sam.Record {
	qual := make([]byte, len(seq))
	for i := range qual {
		qual[i] = 30
	}
	return &sam.Record{
		Name:  "r",
		Ref:   ref,
		Pos:   pos,
		MapQ:  60,
		Cigar: cig,
		Seq:   sam.NewSeq([]byte(seq)),
		Qual:  qual,
	}
}

func match(n int) sam.Cigar { return sam.Cigar{sam.NewCigarOp(sam.CigarMatch, n)} }

// runScenario drives the full pipeline over an in-memory draft and read set
// with the small end-to-end geometry: window_len=8, window_overlap=2,
// bam_chunk=100, bam_subchunk=8.
func runScenario(t *testing.T, draft string, reads []*sam.Record) (seq, qual string, variants []variant.Record) {
	ref, err := sam.NewReference("s1", "", "", len(draft), nil, nil)
	require.NoError(t, err)
	for _, r := range reads {
		r.Ref = ref
	}
	src := align.NewRecords([]*sam.Reference{ref}, reads)

	fa, err := fasta.New(strings.NewReader(">s1\n" + draft + "\n"))
	require.NoError(t, err)
	draftLens := []window.DraftLen{{Name: "s1", Length: int64(len(draft))}}

	enc, err := pileup.NewCountsFeatureEncoder(pileup.EncoderOpts{
		Normalise:   pileup.NormaliseTotal,
		FlagExclude: 0xf00,
		MinMapQ:     10,
		SymIndels:   true,
	})
	require.NoError(t, err)

	inferOpts := infer.Opts{
		Threads:       2,
		BatchSize:     128,
		WindowLen:     8,
		WindowOverlap: 2,
		BamSubchunk:   8,
		KeepLogits:    true,
	}
	regions, err := window.CreateBAMRegions(draftLens, 100, 2, "")
	require.NoError(t, err)

	samples, trims, err := infer.CreateSamples(enc, []align.Source{src}, draftLens, regions, inferOpts)
	require.NoError(t, err)

	replicas, err := model.Replicas(model.NewCounts(1), "cpu", 1)
	require.NoError(t, err)
	dec, err := decode.NewDecoder(decode.HaploidLabels, decode.ConsensusQCap)
	require.NoError(t, err)
	results, logits, err := infer.Run(samples, replicas, dec, inferOpts)
	require.NoError(t, err)

	var out bytes.Buffer
	opts := DefaultOpts
	opts.Qualities = true
	require.NoError(t, writeBatchConsensus(&out, fa, draftLens, samples, trims, results, &opts, nil))

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, "@s1", lines[0])
	require.Equal(t, len(lines[1]), len(lines[3]))

	vcInput := make([]variant.CallingSample, 0, len(samples))
	for i := range samples {
		if logits[i] == nil {
			continue
		}
		vcInput = append(vcInput, variant.CallingSample{Sample: samples[i], Logits: logits[i]})
	}
	variantDec, err := decode.NewDecoder(decode.HaploidLabels, decode.VariantQCap)
	require.NoError(t, err)
	variants, err = variant.Call(vcInput, draftLens, func(string) (string, error) { return draft, nil }, variantDec, variant.Opts{})
	require.NoError(t, err)

	return lines[1], lines[3], variants
}

func repeatReads(ref *sam.Reference, n, pos int, cig sam.Cigar, seq string) []*sam.Record {
	var ret []*sam.Record
	for i := 0; i < n; i++ {
		ret = append(ret, newRead(ref, pos, cig, seq))
	}
	return ret
}

func TestScenarioEmptyBAM(t *testing.T) {
	seq, qual, variants := runScenario(t, "ACGTACGT", nil)
	assert.Equal(t, "ACGTACGT", seq)
	assert.Equal(t, "!!!!!!!!", qual)
	assert.Empty(t, variants)
}

func TestScenarioExactMatch(t *testing.T) {
	seq, qual, variants := runScenario(t, "ACGTACGT", repeatReads(nil, 20, 0, match(8), "ACGTACGT"))
	assert.Equal(t, "ACGTACGT", seq)
	for _, q := range qual {
		assert.True(t, q > '!')
	}
	assert.Empty(t, variants)
}

func TestScenarioSNV(t *testing.T) {
	seq, _, variants := runScenario(t, "ACGTACGT", repeatReads(nil, 20, 0, match(8), "ACCTACGT"))
	assert.Equal(t, "ACCTACGT", seq)
	require.Len(t, variants, 1)
	assert.Equal(t, int64(2), variants[0].Pos)
	assert.Equal(t, "G", variants[0].Ref)
	assert.Equal(t, "C", variants[0].Alt)
	assert.True(t, variants[0].Qual > 0)
}

func TestScenarioInsertion(t *testing.T) {
	cig := sam.Cigar{
		sam.NewCigarOp(sam.CigarMatch, 4),
		sam.NewCigarOp(sam.CigarInsertion, 1),
		sam.NewCigarOp(sam.CigarMatch, 4),
	}
	seq, _, variants := runScenario(t, "ACGTACGT", repeatReads(nil, 20, 0, cig, "ACGTTACGT"))
	assert.Equal(t, "ACGTTACGT", seq)
	require.Len(t, variants, 1)
	assert.Equal(t, int64(3), variants[0].Pos)
	assert.Equal(t, "T", variants[0].Ref)
	assert.Equal(t, "TT", variants[0].Alt)
}

func TestScenarioDeletion(t *testing.T) {
	cig := sam.Cigar{
		sam.NewCigarOp(sam.CigarMatch, 3),
		sam.NewCigarOp(sam.CigarDeletion, 1),
		sam.NewCigarOp(sam.CigarMatch, 4),
	}
	seq, _, variants := runScenario(t, "ACGTACGT", repeatReads(nil, 20, 0, cig, "ACGACGT"))
	assert.Equal(t, "ACGACGT", seq)
	require.Len(t, variants, 1)
	assert.Equal(t, int64(2), variants[0].Pos)
	assert.Equal(t, "GT", variants[0].Ref)
	assert.Equal(t, "G", variants[0].Alt)
}

func TestScenarioCoverageHole(t *testing.T) {
	seq, qual, variants := runScenario(t, "ACGTACGT", repeatReads(nil, 20, 0, match(4), "ACGT"))
	assert.Equal(t, "ACGTACGT", seq)
	// Polished bases carry decoder qualities; the hole is filled from the
	// draft with sentinel qualities.
	for _, q := range qual[:4] {
		assert.True(t, q > '!')
	}
	assert.Equal(t, "!!!!", qual[4:])
	assert.Empty(t, variants)
}

func TestCreateBatches(t *testing.T) {
	lens := []window.DraftLen{
		{Name: "a", Length: 50},
		{Name: "b", Length: 60},
		{Name: "c", Length: 10},
	}
	batches := createBatches(lens, 100)
	require.Len(t, batches, 2)
	assert.Equal(t, window.Interval{Start: 0, End: 1}, batches[0])
	assert.Equal(t, window.Interval{Start: 1, End: 3}, batches[1])

	batches = createBatches(lens, 1000)
	require.Len(t, batches, 1)
	assert.Equal(t, window.Interval{Start: 0, End: 3}, batches[0])
}

func TestStitchFillChar(t *testing.T) {
	fa, err := fasta.New(strings.NewReader(">s1\nACGTACGT\n"))
	require.NoError(t, err)
	opts := DefaultOpts
	opts.Qualities = true
	fill := byte('N')
	var out bytes.Buffer
	require.NoError(t, writeBatchConsensus(&out, fa, []window.DraftLen{{Name: "s1", Length: 8}}, nil, nil, nil, &opts, &fill))
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	assert.Equal(t, "NNNNNNNN", lines[1])
	assert.Equal(t, "!!!!!!!!", lines[3])
}

func TestRemoveDeletions(t *testing.T) {
	cons := Consensus{Seq: []byte("AC*GT*"), Qual: []byte("IIJKL!")}
	require.NoError(t, removeDeletions(&cons))
	assert.Equal(t, "ACGT", string(cons.Seq))
	assert.Equal(t, "IIKL", string(cons.Qual))

	bad := Consensus{Seq: []byte("AC"), Qual: []byte("I")}
	assert.Error(t, removeDeletions(&bad))
}
