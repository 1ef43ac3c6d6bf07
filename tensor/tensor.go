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

// Package tensor wraps the small set of dense-matrix operations the polishing
// pipeline needs (row slicing, row concatenation, batching, argmax, softmax,
// gather) on top of gonum.  All math is float64 on the CPU.
package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Batch is B equal-length matrices stacked along the row axis: the rows of
// sample b occupy Data rows [b*L, (b+1)*L).
type Batch struct {
	B    int
	L    int
	Data *mat.Dense
}

// Sample returns a copy-free view of the b'th stacked matrix.
func (b Batch) Sample(i int) mat.Matrix {
	_, c := b.Data.Dims()
	return b.Data.Slice(i*b.L, (i+1)*b.L, 0, c)
}

// Stack stacks equal-shaped matrices into a Batch.
func Stack(ms []*mat.Dense) (Batch, error) {
	if len(ms) == 0 {
		return Batch{}, fmt.Errorf("tensor.Stack: empty input")
	}
	r0, c0 := ms[0].Dims()
	for i, m := range ms {
		r, c := m.Dims()
		if (r != r0) || (c != c0) {
			return Batch{}, fmt.Errorf("tensor.Stack: matrix %d has shape (%d, %d), want (%d, %d)", i, r, c, r0, c0)
		}
	}
	out := mat.NewDense(len(ms)*r0, c0, nil)
	for i, m := range ms {
		for r := 0; r < r0; r++ {
			out.SetRow(i*r0+r, m.RawRowView(r))
		}
	}
	return Batch{B: len(ms), L: r0, Data: out}, nil
}

// CatRows concatenates matrices with equal column counts along the row axis.
// A single input is returned as-is (a move, not a copy).
func CatRows(ms ...*mat.Dense) (*mat.Dense, error) {
	if len(ms) == 0 {
		return nil, fmt.Errorf("tensor.CatRows: empty input")
	}
	if len(ms) == 1 {
		return ms[0], nil
	}
	_, c0 := ms[0].Dims()
	total := 0
	for i, m := range ms {
		r, c := m.Dims()
		if c != c0 {
			return nil, fmt.Errorf("tensor.CatRows: matrix %d has %d columns, want %d", i, c, c0)
		}
		total += r
	}
	out := mat.NewDense(total, c0, nil)
	row := 0
	for _, m := range ms {
		r, _ := m.Dims()
		for i := 0; i < r; i++ {
			out.SetRow(row, m.RawRowView(i))
			row++
		}
	}
	return out, nil
}

// SliceRows copies rows [i, j) of m into a fresh matrix.  The copy keeps
// emitted samples independent of their parents.
func SliceRows(m *mat.Dense, i, j int) *mat.Dense {
	_, c := m.Dims()
	return mat.DenseCopyOf(m.Slice(i, j, 0, c))
}

// ArgmaxRows returns the column index of the maximum value in each row.
func ArgmaxRows(m mat.Matrix) []int {
	r, c := m.Dims()
	ret := make([]int, r)
	row := make([]float64, c)
	for i := 0; i < r; i++ {
		mat.Row(row, i, m)
		ret[i] = floats.MaxIdx(row)
	}
	return ret
}

// SoftmaxRows applies a numerically stable softmax to each row of m and
// returns the result as a new matrix.
func SoftmaxRows(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	row := make([]float64, c)
	for i := 0; i < r; i++ {
		mat.Row(row, i, m)
		maxv := floats.Max(row)
		sum := 0.0
		for j, v := range row {
			row[j] = math.Exp(v - maxv)
			sum += row[j]
		}
		for j := range row {
			row[j] /= sum
		}
		out.SetRow(i, row)
	}
	return out
}

// GatherRows picks one value per row: out[i] = m[i, idx[i]].
func GatherRows(m mat.Matrix, idx []int) []float64 {
	r, _ := m.Dims()
	ret := make([]float64, r)
	for i := 0; i < r; i++ {
		ret[i] = m.At(i, idx[i])
	}
	return ret
}

// Phred converts an error probability to a capped Phred-scale quality.  The
// error is clamped below at the probability corresponding to the cap, so the
// result lies in [0, cap].
func Phred(err, cap float64) float64 {
	err = math.Max(err, math.Pow(10, -cap/10))
	if err > 1 {
		err = 1
	}
	q := -10 * math.Log10(err)
	return math.Min(q, cap)
}
