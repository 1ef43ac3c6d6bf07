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
	"fmt"
	"strconv"
	"strings"
)

// ParseRegion parses a region string of one of the forms
//
//	[contig ID]:[1-based first pos]-[last pos]
//	[contig ID]:[1-based pos]
//	[contig ID]
//
// returning the contig ID and 0-based half-open interval boundaries.  start
// and end are -1 when the corresponding bound is unrestricted.
func ParseRegion(region string) (name string, start, end int64, err error) {
	if len(region) == 0 {
		err = fmt.Errorf("window.ParseRegion: empty region string")
		return
	}
	colonPos := strings.IndexByte(region, ':')
	if colonPos == -1 {
		return region, -1, -1, nil
	}
	if colonPos == 0 {
		err = fmt.Errorf("window.ParseRegion: empty contig ID")
		return
	}
	name = region[:colonPos]
	rangeStr := region[colonPos+1:]
	if rangeStr == "" {
		return name, -1, -1, nil
	}
	dashPos := strings.IndexByte(rangeStr, '-')
	if dashPos == -1 {
		var pos1 int64
		if pos1, err = strconv.ParseInt(rangeStr, 10, 64); err != nil {
			return
		}
		if pos1 <= 0 {
			err = fmt.Errorf("window.ParseRegion: position %v in region string out of range", rangeStr)
			return
		}
		return name, pos1 - 1, -1, nil
	}
	start1Str := rangeStr[:dashPos]
	endStr := rangeStr[dashPos+1:]
	start = -1
	if start1Str != "" {
		var start1 int64
		if start1, err = strconv.ParseInt(start1Str, 10, 64); err != nil {
			return
		}
		if start1 <= 0 {
			err = fmt.Errorf("window.ParseRegion: position %v in region string out of range", start1Str)
			return
		}
		start = start1 - 1
	}
	end = -1
	if endStr != "" {
		if end, err = strconv.ParseInt(endStr, 10, 64); err != nil {
			return
		}
		if end <= start {
			err = fmt.Errorf("window.ParseRegion: invalid range string %v", rangeStr)
			return
		}
	}
	return name, start, end, nil
}
