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

package fasta

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFasta = ">seq1 a draft contig\nACGTAC\nGAGGAC\nGCG\n>seq2\nACGT\n"

// faidx geometry for testFasta: 6 bases per line, 7 bytes per line.
const testIndex = "seq1\t15\t21\t6\t7\nseq2\t4\t45\t4\t5\n"

func TestInMemory(t *testing.T) {
	fa, err := New(strings.NewReader(testFasta))
	require.NoError(t, err)
	assert.Equal(t, []string{"seq1", "seq2"}, fa.SeqNames())

	n, err := fa.Len("seq1")
	require.NoError(t, err)
	assert.Equal(t, uint64(15), n)

	got, err := fa.Get("seq1", 0, 15)
	require.NoError(t, err)
	assert.Equal(t, "ACGTACGAGGACGCG", got)

	got, err = fa.Get("seq1", 4, 8)
	require.NoError(t, err)
	assert.Equal(t, "ACGA", got)

	_, err = fa.Get("seq1", 8, 4)
	assert.Error(t, err)
	_, err = fa.Get("seq1", 0, 16)
	assert.Error(t, err)
	_, err = fa.Get("missing", 0, 1)
	assert.Error(t, err)
}

func TestIndexed(t *testing.T) {
	// The index byte offsets refer to positions within testFasta itself.
	require.Equal(t, byte('A'), testFasta[21])
	require.Equal(t, byte('A'), testFasta[45])

	fa, err := NewIndexed(strings.NewReader(testFasta), strings.NewReader(testIndex))
	require.NoError(t, err)
	assert.Equal(t, []string{"seq1", "seq2"}, fa.SeqNames())

	got, err := fa.Get("seq1", 0, 15)
	require.NoError(t, err)
	assert.Equal(t, "ACGTACGAGGACGCG", got)

	// Reads spanning line breaks.
	got, err = fa.Get("seq1", 4, 13)
	require.NoError(t, err)
	assert.Equal(t, "ACGAGGACG", got)

	got, err = fa.Get("seq2", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, "CG", got)

	_, err = fa.Get("seq1", 10, 10)
	assert.Error(t, err)
	_, err = fa.Get("seq3", 0, 1)
	assert.Error(t, err)
}

func TestIndexedBadIndex(t *testing.T) {
	_, err := NewIndexed(strings.NewReader(testFasta), strings.NewReader("no tabs here"))
	assert.Error(t, err)
}
