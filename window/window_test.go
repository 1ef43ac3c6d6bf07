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

package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate(t *testing.T) {
	tests := []struct {
		name      string
		start     int64
		end       int64
		windowLen int64
		overlap   int64
		want      []Window
	}{
		{
			name: "single window covers short sequence",
			start: 0, end: 8, windowLen: 100, overlap: 10,
			want: []Window{
				{SeqID: 0, SeqLength: 8, Start: 0, End: 8, RegionID: -1, StartNoOverlap: 0, EndNoOverlap: 8},
			},
		},
		{
			name: "exact tiling without overlap",
			start: 0, end: 20, windowLen: 10, overlap: 0,
			want: []Window{
				{SeqID: 0, SeqLength: 20, Start: 0, End: 10, RegionID: -1, StartNoOverlap: 0, EndNoOverlap: 10},
				{SeqID: 0, SeqLength: 20, Start: 10, End: 20, RegionID: -1, StartNoOverlap: 10, EndNoOverlap: 20},
			},
		},
		{
			name: "overlapping tiling",
			start: 0, end: 25, windowLen: 10, overlap: 2,
			want: []Window{
				{SeqID: 0, SeqLength: 25, Start: 0, End: 10, RegionID: -1, StartNoOverlap: 0, EndNoOverlap: 10},
				{SeqID: 0, SeqLength: 25, Start: 8, End: 18, RegionID: -1, StartNoOverlap: 10, EndNoOverlap: 18},
				{SeqID: 0, SeqLength: 25, Start: 16, End: 25, RegionID: -1, StartNoOverlap: 18, EndNoOverlap: 25},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Create(0, tt.start, tt.end, tt.end, tt.windowLen, tt.overlap, -1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// Adjacent windows must overlap or touch.
			for i := 1; i < len(got); i++ {
				assert.True(t, got[i].Start-got[i-1].End <= 0)
				assert.True(t, got[i].Start > got[i-1].Start)
			}
		})
	}
}

func TestCreateInvalidWindowing(t *testing.T) {
	_, err := Create(0, 0, 100, 100, 10, 10, -1)
	assert.Error(t, err)
	_, err = Create(0, 0, 100, 100, 10, 20, -1)
	assert.Error(t, err)
}

func TestCreateBAMRegions(t *testing.T) {
	draftLens := []DraftLen{{Name: "s1", Length: 30}, {Name: "s2", Length: 5}}
	regions, err := CreateBAMRegions(draftLens, 20, 5, "")
	require.NoError(t, err)
	require.Len(t, regions, 3)
	assert.Equal(t, 0, regions[0].SeqID)
	assert.Equal(t, 0, regions[1].SeqID)
	assert.Equal(t, 1, regions[2].SeqID)
	assert.Equal(t, int64(15), regions[1].Start)

	regions, err = CreateBAMRegions(draftLens, 20, 5, "s2")
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, 1, regions[0].SeqID)
	assert.Equal(t, int64(0), regions[0].Start)
	assert.Equal(t, int64(5), regions[0].End)

	_, err = CreateBAMRegions(draftLens, 20, 5, "missing")
	assert.Error(t, err)
}

func TestSubdivide(t *testing.T) {
	draftLens := []DraftLen{{Name: "s1", Length: 30}}
	regions, err := CreateBAMRegions(draftLens, 20, 5, "")
	require.NoError(t, err)

	windows, intervals, err := Subdivide(regions, 8)
	require.NoError(t, err)
	require.Len(t, intervals, len(regions))
	for regionID, iv := range intervals {
		for _, w := range windows[iv.Start:iv.End] {
			assert.Equal(t, regionID, w.RegionID)
			assert.True(t, w.Start >= regions[regionID].Start)
			assert.True(t, w.End <= regions[regionID].End)
		}
		// Sub-windows tile the BAM region exactly.
		assert.Equal(t, regions[regionID].Start, windows[iv.Start].Start)
		assert.Equal(t, regions[regionID].End, windows[iv.End-1].End)
		for i := iv.Start + 1; i < iv.End; i++ {
			assert.Equal(t, windows[i-1].End, windows[i].Start)
		}
	}
}

func TestParseRegion(t *testing.T) {
	tests := []struct {
		region    string
		wantName  string
		wantStart int64
		wantEnd   int64
		wantErr   bool
	}{
		{region: "chr1", wantName: "chr1", wantStart: -1, wantEnd: -1},
		{region: "chr1:100", wantName: "chr1", wantStart: 99, wantEnd: -1},
		{region: "chr1:100-200", wantName: "chr1", wantStart: 99, wantEnd: 200},
		{region: "chr1:", wantName: "chr1", wantStart: -1, wantEnd: -1},
		{region: "", wantErr: true},
		{region: ":100-200", wantErr: true},
		{region: "chr1:0-10", wantErr: true},
		{region: "chr1:200-100", wantErr: true},
		{region: "chr1:x-y", wantErr: true},
	}
	for _, tt := range tests {
		name, start, end, err := ParseRegion(tt.region)
		if tt.wantErr {
			assert.Error(t, err, "region %q", tt.region)
			continue
		}
		require.NoError(t, err, "region %q", tt.region)
		assert.Equal(t, tt.wantName, name)
		assert.Equal(t, tt.wantStart, start)
		assert.Equal(t, tt.wantEnd, end)
	}
}
