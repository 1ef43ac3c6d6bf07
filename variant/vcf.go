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

package variant

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/exascience/elprep/v5/utils"
	"github.com/exascience/elprep/v5/vcf"
	"github.com/grailbio/polish/window"
)

var gqSymbol = utils.Intern("GQ")

// vcfHeader builds the VCF v4.3 header for the draft set: one contig line
// per draft plus the GT/GQ format declarations and a single sample column.
func vcfHeader(draftLens []window.DraftLen) *vcf.Header {
	hdr := vcf.NewHeader()
	for _, d := range draftLens {
		hdr.Meta["contig"] = append(hdr.Meta["contig"], &vcf.MetaInformation{
			ID:     utils.Intern(d.Name),
			Fields: utils.StringMap{"length": strconv.FormatInt(d.Length, 10)},
		})
	}
	hdr.Formats = []*vcf.FormatInformation{
		{ID: vcf.GT, Number: 1, Type: vcf.String, Description: "Genotype"},
		{ID: gqSymbol, Number: 1, Type: vcf.Float, Description: "Genotype quality"},
	}
	hdr.Columns = append(append([]string(nil), vcf.DefaultHeaderColumns...), "FORMAT", "SAMPLE")
	return hdr
}

// toVCF converts a Record to its VCF representation.  POS is 1-based in the
// user-facing output.
func toVCF(r Record, draftLens []window.DraftLen) (vcf.Variant, error) {
	if (r.SeqID < 0) || (r.SeqID >= len(draftLens)) {
		return vcf.Variant{}, fmt.Errorf("variant.toVCF: seq_id %d out of bounds", r.SeqID)
	}
	return vcf.Variant{
		Chrom:          draftLens[r.SeqID].Name,
		Pos:            int32(r.Pos + 1),
		Ref:            r.Ref,
		Alt:            []string{r.Alt},
		Qual:           r.Qual,
		Filter:         []utils.Symbol{utils.Intern(r.Filter)},
		GenotypeFormat: []utils.Symbol{vcf.GT, gqSymbol},
		GenotypeData: []vcf.Genotype{{
			Phased: false,
			GT:     []int32{1},
			Data: utils.SmallMap{
				{Key: vcf.GT, Value: "1"},
				{Key: gqSymbol, Value: r.Qual},
			},
		}},
	}, nil
}

// WriteVCF writes the header and records to w.
func WriteVCF(w io.Writer, draftLens []window.DraftLen, records []Record) error {
	out := bufio.NewWriter(w)
	vcfHeader(draftLens).Format(out)
	var buf []byte
	for _, r := range records {
		v, err := toVCF(r, draftLens)
		if err != nil {
			return err
		}
		buf = v.Format(buf[:0])
		if _, err := out.Write(buf); err != nil {
			return err
		}
	}
	return out.Flush()
}
