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
	"github.com/grailbio/polish/window"
)

// createBatches groups consecutive drafts so that each group's summed length
// stays at or under batchSize; a single draft longer than batchSize forms a
// batch of its own.  The batch loop is strictly sequential: one batch's
// consensus is emitted before the next begins, bounding peak memory.
func createBatches(draftLens []window.DraftLen, batchSize int64) []window.Interval {
	var ret []window.Interval
	iv := window.Interval{}
	sum := int64(0)
	for _, d := range draftLens {
		if (iv.End > iv.Start) && (sum+d.Length > batchSize) {
			ret = append(ret, iv)
			iv.Start = iv.End
			sum = 0
		}
		sum += d.Length
		iv.End++
	}
	if iv.End > iv.Start {
		ret = append(ret, iv)
	}
	return ret
}
