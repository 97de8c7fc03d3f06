// Copyright (C) 2021 The emkit authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package emd holds the normalized dataset model shared by all format
// readers, the EMD writer and the analysis code. Axes are C ordered,
// so Shape[len(Shape)-1] is the fastest varying (x) axis.
package emd

import (
	"fmt"
)

// Dim is the calibration of one dataset axis.
type Dim struct {
	Coords []float64 // coordinate of each sample along this axis
	Name   string
	Units  string
}

// LinearDim builds an axis of n samples calibrated as offset + i*delta.
func LinearDim(n int, offset, delta float64, name, units string) Dim {
	coords := make([]float64, n)
	for i := range coords {
		coords[i] = offset + float64(i)*delta
	}
	return Dim{Coords: coords, Name: name, Units: units}
}

// Dataset is an n-dimensional array with per-axis calibrations and
// free-form metadata. Data is the flat element slice of type DType,
// row major, with len equal to the product of Shape.
type Dataset struct {
	Name  string
	DType DType
	Shape []int
	Data  any
	Dims  []Dim
	Meta  Metadata
}

// NewDataset allocates a zeroed dataset with linear unit calibrations.
func NewDataset(name string, dtype DType, shape ...int) *Dataset {
	n := 1
	for _, s := range shape {
		n *= s
	}
	dims := make([]Dim, len(shape))
	for i, s := range shape {
		dims[i] = LinearDim(s, 0, 1, fmt.Sprintf("dim%d", i+1), "")
	}
	return &Dataset{
		Name:  name,
		DType: dtype,
		Shape: append([]int(nil), shape...),
		Data:  dtype.MakeSlice(n),
		Dims:  dims,
		Meta:  Metadata{},
	}
}

// Len returns the total number of elements.
func (d *Dataset) Len() int {
	n := 1
	for _, s := range d.Shape {
		n *= s
	}
	return n
}

// Validate checks the structural invariants: shape/dims agreement and
// data slice length.
func (d *Dataset) Validate() error {
	if len(d.Dims) != len(d.Shape) {
		return fmt.Errorf("dataset %q: %d dims for %d axes", d.Name, len(d.Dims), len(d.Shape))
	}
	for i, dim := range d.Dims {
		if dim.Coords != nil && len(dim.Coords) != d.Shape[i] {
			return fmt.Errorf("dataset %q: axis %d has %d coords, shape is %d", d.Name, i, len(dim.Coords), d.Shape[i])
		}
	}
	if n := dataLen(d.Data); n != d.Len() {
		return fmt.Errorf("dataset %q: %d elements for shape %v", d.Name, n, d.Shape)
	}
	return nil
}

func dataLen(data any) int {
	switch v := data.(type) {
	case []uint8:
		return len(v)
	case []int8:
		return len(v)
	case []uint16:
		return len(v)
	case []int16:
		return len(v)
	case []uint32:
		return len(v)
	case []int32:
		return len(v)
	case []uint64:
		return len(v)
	case []int64:
		return len(v)
	case []float32:
		return len(v)
	case []float64:
		return len(v)
	case []complex64:
		return len(v)
	case []complex128:
		return len(v)
	}
	return -1
}

// Float64s converts the whole dataset to float64. Complex data yields
// the real part. The returned slice is freshly allocated except for
// Float64 data, which is returned as is.
func (d *Dataset) Float64s() []float64 {
	if v, ok := d.Data.([]float64); ok {
		return v
	}
	out := make([]float64, d.Len())
	copyFloat64s(out, d.Data)
	return out
}

func copyFloat64s(out []float64, data any) {
	switch v := data.(type) {
	case []uint8:
		for i, x := range v {
			out[i] = float64(x)
		}
	case []int8:
		for i, x := range v {
			out[i] = float64(x)
		}
	case []uint16:
		for i, x := range v {
			out[i] = float64(x)
		}
	case []int16:
		for i, x := range v {
			out[i] = float64(x)
		}
	case []uint32:
		for i, x := range v {
			out[i] = float64(x)
		}
	case []int32:
		for i, x := range v {
			out[i] = float64(x)
		}
	case []uint64:
		for i, x := range v {
			out[i] = float64(x)
		}
	case []int64:
		for i, x := range v {
			out[i] = float64(x)
		}
	case []float32:
		for i, x := range v {
			out[i] = float64(x)
		}
	case []float64:
		copy(out, v)
	case []complex64:
		for i, x := range v {
			out[i] = float64(real(x))
		}
	case []complex128:
		for i, x := range v {
			out[i] = real(x)
		}
	}
}

// Frame returns plane z of a 3-D stack (or the whole image for 2-D
// data) converted to float64. The last two axes are rows and columns.
func (d *Dataset) Frame(z int) ([]float64, error) {
	nd := len(d.Shape)
	if nd < 2 {
		return nil, fmt.Errorf("dataset %q: need at least 2 axes, have %d", d.Name, nd)
	}
	h, w := d.Shape[nd-2], d.Shape[nd-1]
	planes := d.Len() / (h * w)
	if z < 0 || z >= planes {
		return nil, fmt.Errorf("dataset %q: frame %d out of range [0,%d)", d.Name, z, planes)
	}
	all := d.Float64s()
	out := make([]float64, h*w)
	copy(out, all[z*h*w:(z+1)*h*w])
	return out, nil
}

// At returns the element at the given index vector as float64.
func (d *Dataset) At(ix ...int) float64 {
	if len(ix) != len(d.Shape) {
		panic(fmt.Sprintf("dataset %q: %d indices for %d axes", d.Name, len(ix), len(d.Shape)))
	}
	off := 0
	for i, x := range ix {
		off = off*d.Shape[i] + x
	}
	tmp := [1]float64{}
	switch v := d.Data.(type) {
	case []uint8:
		tmp[0] = float64(v[off])
	case []int8:
		tmp[0] = float64(v[off])
	case []uint16:
		tmp[0] = float64(v[off])
	case []int16:
		tmp[0] = float64(v[off])
	case []uint32:
		tmp[0] = float64(v[off])
	case []int32:
		tmp[0] = float64(v[off])
	case []uint64:
		tmp[0] = float64(v[off])
	case []int64:
		tmp[0] = float64(v[off])
	case []float32:
		tmp[0] = float64(v[off])
	case []float64:
		tmp[0] = v[off]
	case []complex64:
		tmp[0] = float64(real(v[off]))
	case []complex128:
		tmp[0] = real(v[off])
	}
	return tmp[0]
}

// PixelSize returns the calibration delta of the last two axes, or
// (1,1) if the axes carry no calibration.
func (d *Dataset) PixelSize() (dy, dx float64) {
	dy, dx = 1, 1
	nd := len(d.Dims)
	if nd >= 2 {
		if c := d.Dims[nd-2].Coords; len(c) >= 2 {
			dy = c[1] - c[0]
		}
		if c := d.Dims[nd-1].Coords; len(c) >= 2 {
			dx = c[1] - c[0]
		}
	}
	return dy, dx
}
