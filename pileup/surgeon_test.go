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

package pileup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// makeSample builds a sample whose feature rows encode their own column
// index, so content preservation is checkable after surgery.
func makeSample(seqID, regionID int, major, minor []int64) Sample {
	features := mat.NewDense(len(major), 2, nil)
	depth := make([]float64, len(major))
	for i := range major {
		features.Set(i, 0, float64(major[i]))
		features.Set(i, 1, float64(minor[i]))
		depth[i] = 1
	}
	return Sample{Features: features, Major: major, Minor: minor, Depth: depth, SeqID: seqID, RegionID: regionID}
}

func TestSplitOnDiscontinuities(t *testing.T) {
	s := makeSample(0, 0, []int64{0, 1, 2, 5, 6, 9}, []int64{0, 0, 0, 0, 0, 0})
	got := SplitOnDiscontinuities(s)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{0, 1, 2}, got[0].Major)
	assert.Equal(t, []int64{5, 6}, got[1].Major)
	assert.Equal(t, []int64{9}, got[2].Major)
	for _, f := range got {
		assert.Equal(t, s.SeqID, f.SeqID)
		assert.Equal(t, s.RegionID, f.RegionID)
	}

	contiguous := makeSample(0, 0, []int64{3, 3, 4}, []int64{0, 1, 0})
	got = SplitOnDiscontinuities(contiguous)
	require.Len(t, got, 1)
	assert.Equal(t, contiguous.Major, got[0].Major)
}

func TestMergeAdjacent(t *testing.T) {
	a := makeSample(0, 1, []int64{0, 1}, []int64{0, 0})
	b := makeSample(0, 1, []int64{2, 2, 3}, []int64{0, 1, 0})
	c := makeSample(0, 1, []int64{7, 8}, []int64{0, 0}) // gapped: stays separate
	d := makeSample(1, 1, []int64{9}, []int64{0})       // different draft

	got, err := MergeAdjacent([]Sample{a, b, c, d})
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Surgery preserves positions: concat(merge(fragments)) == concat(fragments).
	assert.Equal(t, []int64{0, 1, 2, 2, 3}, got[0].Major)
	assert.Equal(t, []int64{0, 0, 0, 1, 0}, got[0].Minor)
	for i := range got[0].Major {
		assert.Equal(t, float64(got[0].Major[i]), got[0].Features.At(i, 0))
		assert.Equal(t, float64(got[0].Minor[i]), got[0].Features.At(i, 1))
	}
	assert.Equal(t, []int64{7, 8}, got[1].Major)
	assert.Equal(t, []int64{9}, got[2].Major)
	require.NoError(t, got[0].Validate())
}

func TestMergeAdjacentSingleIsMove(t *testing.T) {
	a := makeSample(0, 0, []int64{0, 1}, []int64{0, 0})
	got, err := MergeAdjacent([]Sample{a})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Features == a.Features)
}

func TestSplitToLength(t *testing.T) {
	major := make([]int64, 10)
	minor := make([]int64, 10)
	for i := range major {
		major[i] = int64(i)
	}
	s := makeSample(0, 0, major, minor)

	got, err := SplitToLength([]Sample{s}, 4, 1)
	require.NoError(t, err)
	// Step 3: chunks [0,4), [3,7), [6,10).
	require.Len(t, got, 3)
	assert.Equal(t, []int64{0, 1, 2, 3}, got[0].Major)
	assert.Equal(t, []int64{3, 4, 5, 6}, got[1].Major)
	assert.Equal(t, []int64{6, 7, 8, 9}, got[2].Major)

	// A trailing remainder is re-anchored at len-chunkLen rather than being
	// emitted short.
	got, err = SplitToLength([]Sample{s}, 4, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{0, 1, 2, 3}, got[0].Major)
	assert.Equal(t, []int64{4, 5, 6, 7}, got[1].Major)
	assert.Equal(t, []int64{6, 7, 8, 9}, got[2].Major)

	// Samples at or below the chunk length pass through unchanged.
	short := makeSample(0, 0, []int64{0, 1}, []int64{0, 0})
	got, err = SplitToLength([]Sample{short}, 4, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, short.Major, got[0].Major)

	_, err = SplitToLength([]Sample{s}, 4, 5)
	assert.Error(t, err)
}

func TestSliceIsIndependent(t *testing.T) {
	s := makeSample(0, 0, []int64{0, 1, 2}, []int64{0, 0, 0})
	sl := s.Slice(1, 3)
	sl.Features.Set(0, 0, 42)
	sl.Major[0] = 42
	assert.Equal(t, 1.0, s.Features.At(1, 0))
	assert.Equal(t, int64(1), s.Major[1])
}

func TestValidate(t *testing.T) {
	good := makeSample(0, 0, []int64{0, 1, 1, 2}, []int64{0, 0, 1, 0})
	require.NoError(t, good.Validate())

	startsOnInsert := makeSample(0, 0, []int64{1, 2}, []int64{1, 0})
	assert.Error(t, startsOnInsert.Validate())

	decreasing := makeSample(0, 0, []int64{2, 1}, []int64{0, 0})
	assert.Error(t, decreasing.Validate())

	badMinor := makeSample(0, 0, []int64{1, 1}, []int64{0, 2})
	assert.Error(t, badMinor.Validate())

	mismatched := good
	mismatched.Depth = mismatched.Depth[:2]
	assert.Error(t, mismatched.Validate())
}
