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

package emio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"gonum.org/v1/hdf5"

	"github.com/emtools/emkit/internal/emd"
)

// Thermo Fisher Velox files: HDF5 with image stacks under
// /Data/Image/<uuid>/Data, stored (rows, cols, frames), plus a sibling
// Metadata byte matrix whose columns are NUL-padded JSON documents.
// Velox schemas drift between versions, so metadata parsing is
// tolerant throughout: anything missing degrades to uncalibrated axes.

type veloxEntry struct {
	group string // /Data/Image/<uuid>
	h, w  int
	depth int // frames
}

// VeloxReader reads Velox EMD image files.
type VeloxReader struct {
	f       *hdf5.File
	entries []veloxEntry
}

// OpenVelox opens a Velox file and indexes its image groups.
func OpenVelox(path string) (*VeloxReader, error) {
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, err
	}
	img, err := f.OpenGroup("Data/Image")
	if err != nil {
		f.Close()
		return nil, corruptf("Velox", 0, "no /Data/Image group: %v", err)
	}
	defer img.Close()

	r := &VeloxReader{f: f}
	n, err := img.NumObjects()
	if err != nil {
		f.Close()
		return nil, corruptf("Velox", 0, "listing images: %v", err)
	}
	for i := uint(0); i < n; i++ {
		name, err := img.ObjectNameByIndex(i)
		if err != nil {
			continue
		}
		group := "Data/Image/" + name
		g, err := f.OpenGroup(group)
		if err != nil {
			continue
		}
		d, err := g.OpenDataset("Data")
		if err != nil {
			g.Close()
			continue
		}
		space := d.Space()
		dims, _, err := space.SimpleExtentDims()
		space.Close()
		d.Close()
		g.Close()
		if err != nil || len(dims) != 3 {
			continue
		}
		r.entries = append(r.entries, veloxEntry{
			group: group,
			h:     int(dims[0]),
			w:     int(dims[1]),
			depth: int(dims[2]),
		})
	}
	if len(r.entries) == 0 {
		f.Close()
		return nil, corruptf("Velox", 0, "no image stacks found")
	}
	return r, nil
}

func (r *VeloxReader) Format() Format {
	return FormatVelox
}

func (r *VeloxReader) DatasetCount() int {
	return len(r.entries)
}

// Dataset reads image stack i, reordered to (frames, rows, cols).
// Single-frame stacks come back 2-D.
func (r *VeloxReader) Dataset(i int) (*emd.Dataset, error) {
	if i < 0 || i >= len(r.entries) {
		return nil, fmt.Errorf("Velox: dataset %d out of range [0,%d)", i, len(r.entries))
	}
	e := &r.entries[i]
	g, err := r.f.OpenGroup(e.group)
	if err != nil {
		return nil, corruptf("Velox", 0, "opening %s: %v", e.group, err)
	}
	defer g.Close()

	d, err := g.OpenDataset("Data")
	if err != nil {
		return nil, corruptf("Velox", 0, "%s has no Data: %v", e.group, err)
	}
	defer d.Close()

	dtype, err := guessDType(d)
	if err != nil {
		return nil, err
	}
	raw, err := readHDF5Array(d, dtype, []int{e.h, e.w, e.depth})
	if err != nil {
		return nil, err
	}
	data := transposeFramesLast(raw, dtype, e.h, e.w, e.depth)

	meta := r.readMetadata(&g.CommonFG)
	dy, dx, units := veloxPixelSize(meta)

	ds := &emd.Dataset{
		Name:  "image",
		DType: dtype,
		Shape: []int{e.depth, e.h, e.w},
		Data:  data,
		Dims: []emd.Dim{
			emd.LinearDim(e.depth, 0, 1, "frame", ""),
			emd.LinearDim(e.h, 0, dy, "y", units),
			emd.LinearDim(e.w, 0, dx, "x", units),
		},
		Meta: meta,
	}
	if e.depth == 1 {
		ds.Shape = ds.Shape[1:]
		ds.Dims = ds.Dims[1:]
	}
	return ds, nil
}

// Slice reads frame z of stack i with a hyperslab, so large series can
// be scanned frame by frame.
func (r *VeloxReader) Slice(i, z int) (*emd.Dataset, error) {
	if i < 0 || i >= len(r.entries) {
		return nil, fmt.Errorf("Velox: dataset %d out of range [0,%d)", i, len(r.entries))
	}
	e := &r.entries[i]
	if z < 0 || z >= e.depth {
		return nil, fmt.Errorf("Velox: frame %d out of range [0,%d)", z, e.depth)
	}
	g, err := r.f.OpenGroup(e.group)
	if err != nil {
		return nil, corruptf("Velox", 0, "opening %s: %v", e.group, err)
	}
	defer g.Close()
	d, err := g.OpenDataset("Data")
	if err != nil {
		return nil, corruptf("Velox", 0, "%s has no Data: %v", e.group, err)
	}
	defer d.Close()

	dtype, err := guessDType(d)
	if err != nil {
		return nil, err
	}
	filespace := d.Space()
	defer filespace.Close()
	if err := filespace.SelectHyperslab(
		[]uint{0, 0, uint(z)}, nil, []uint{uint(e.h), uint(e.w), 1}, nil); err != nil {
		return nil, corruptf("Velox", 0, "selecting frame %d: %v", z, err)
	}
	memspace, err := hdf5.CreateSimpleDataspace([]uint{uint(e.h), uint(e.w)}, nil)
	if err != nil {
		return nil, err
	}
	defer memspace.Close()
	data := dtype.MakeSlice(e.h * e.w)
	if err := d.ReadSubset(dataPtr(data), memspace, filespace); err != nil {
		return nil, corruptf("Velox", 0, "reading frame %d: %v", z, err)
	}

	meta := r.readMetadata(&g.CommonFG)
	dy, dx, units := veloxPixelSize(meta)
	return &emd.Dataset{
		Name:  "image",
		DType: dtype,
		Shape: []int{e.h, e.w},
		Data:  data,
		Dims: []emd.Dim{
			emd.LinearDim(e.h, 0, dy, "y", units),
			emd.LinearDim(e.w, 0, dx, "x", units),
		},
		Meta: meta,
	}, nil
}

func (r *VeloxReader) Close() error {
	return r.f.Close()
}

// readMetadata decodes the first JSON column of the Metadata matrix.
func (r *VeloxReader) readMetadata(g *hdf5.CommonFG) emd.Metadata {
	meta := emd.Metadata{}
	d, err := g.OpenDataset("Metadata")
	if err != nil {
		return meta
	}
	defer d.Close()
	space := d.Space()
	dims, _, err := space.SimpleExtentDims()
	space.Close()
	if err != nil || len(dims) == 0 {
		return meta
	}
	n := 1
	for _, u := range dims {
		n *= int(u)
	}
	raw := make([]uint8, n)
	if err := d.Read(&raw); err != nil {
		return meta
	}
	// column 0 of a (bytes, frames) matrix, or the whole buffer for
	// one-dimensional metadata
	var doc []byte
	if len(dims) == 2 {
		cols := int(dims[1])
		doc = make([]byte, dims[0])
		for i := range doc {
			doc[i] = raw[i*cols]
		}
	} else {
		doc = raw
	}
	if idx := bytes.IndexByte(doc, 0); idx >= 0 {
		doc = doc[:idx]
	}
	var parsed map[string]any
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return meta
	}
	meta.Merge(emd.Metadata(parsed))
	return meta
}

// veloxPixelSize pulls the BinaryResult pixel calibration out of the
// metadata, converted from meters to nanometers.
func veloxPixelSize(meta emd.Metadata) (dy, dx float64, units string) {
	dy, dx, units = 1, 1, ""
	get := func(path ...string) (float64, bool) {
		if v, ok := meta.Float(path...); ok {
			return v, true
		}
		if s, ok := meta.String(path...); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f, true
			}
		}
		return 0, false
	}
	if v, ok := get("BinaryResult", "PixelSize", "height"); ok && v > 0 {
		dy = v * 1e9
		units = "nm"
	}
	if v, ok := get("BinaryResult", "PixelSize", "width"); ok && v > 0 {
		dx = v * 1e9
		units = "nm"
	}
	return dy, dx, units
}

// transposeFramesLast reorders a (rows, cols, frames) buffer into
// (frames, rows, cols).
func transposeFramesLast(raw any, dtype emd.DType, h, w, depth int) any {
	if depth == 1 {
		return raw
	}
	out := dtype.MakeSlice(h * w * depth)
	switch src := raw.(type) {
	case []uint8:
		transposeT(src, out.([]uint8), h, w, depth)
	case []int8:
		transposeT(src, out.([]int8), h, w, depth)
	case []uint16:
		transposeT(src, out.([]uint16), h, w, depth)
	case []int16:
		transposeT(src, out.([]int16), h, w, depth)
	case []uint32:
		transposeT(src, out.([]uint32), h, w, depth)
	case []int32:
		transposeT(src, out.([]int32), h, w, depth)
	case []uint64:
		transposeT(src, out.([]uint64), h, w, depth)
	case []int64:
		transposeT(src, out.([]int64), h, w, depth)
	case []float32:
		transposeT(src, out.([]float32), h, w, depth)
	case []float64:
		transposeT(src, out.([]float64), h, w, depth)
	default:
		return raw
	}
	return out
}

func transposeT[T any](src, dst []T, h, w, depth int) {
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			base := (y*w + x) * depth
			for z := 0; z < depth; z++ {
				dst[z*h*w+y*w+x] = src[base+z]
			}
		}
	}
}
