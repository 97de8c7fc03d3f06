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
	"fmt"
	"strings"

	"gonum.org/v1/hdf5"

	"github.com/emtools/emkit/internal/emd"
)

// Berkeley EMD files: HDF5 containers where each dataset lives in its
// own group as a `data` array plus one `dimN` calibration vector per
// axis. Groups are recognized structurally (data + dim1 present), so
// files from other writers read fine even when the emd_group_type
// marker is missing.

// emdEntry locates one dataset group inside the file.
type emdEntry struct {
	path string // absolute group path
	name string
}

// EMDReader reads Berkeley EMD files.
type EMDReader struct {
	f       *hdf5.File
	entries []emdEntry
	meta    emd.Metadata
}

// detectHDF5 tells Berkeley EMD from Velox files, both HDF5.
func detectHDF5(path string) (Format, error) {
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return FormatUnknown, ErrUnsupportedFormat
	}
	defer f.Close()

	if g, err := f.OpenGroup("Data/Image"); err == nil {
		g.Close()
		return FormatVelox, nil
	}
	entries, _ := findEMDGroups(&f.CommonFG, "", 0)
	if len(entries) > 0 {
		return FormatEMD, nil
	}
	return FormatUnknown, ErrUnsupportedFormat
}

// findEMDGroups walks the group tree looking for groups that hold a
// `data` array next to a `dim1` vector.
func findEMDGroups(g *hdf5.CommonFG, path string, depth int) ([]emdEntry, error) {
	if depth > 6 {
		return nil, nil
	}
	var out []emdEntry
	n, err := g.NumObjects()
	if err != nil {
		return nil, err
	}
	for i := uint(0); i < n; i++ {
		name, err := g.ObjectNameByIndex(i)
		if err != nil {
			continue
		}
		child, err := g.OpenGroup(name)
		if err != nil {
			continue // not a group
		}
		childPath := path + "/" + name
		if hasDataset(&child.CommonFG, "data") && hasDataset(&child.CommonFG, "dim1") {
			out = append(out, emdEntry{path: childPath, name: name})
		} else {
			sub, err := findEMDGroups(&child.CommonFG, childPath, depth+1)
			if err == nil {
				out = append(out, sub...)
			}
		}
		child.Close()
	}
	return out, nil
}

func hasDataset(g *hdf5.CommonFG, name string) bool {
	d, err := g.OpenDataset(name)
	if err != nil {
		return false
	}
	d.Close()
	return true
}

// OpenEMD opens a Berkeley EMD file and indexes its dataset groups.
func OpenEMD(path string) (*EMDReader, error) {
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, err
	}
	entries, err := findEMDGroups(&f.CommonFG, "", 0)
	if err != nil {
		f.Close()
		return nil, corruptf("EMD", 0, "walking groups: %v", err)
	}
	if len(entries) == 0 {
		f.Close()
		return nil, corruptf("EMD", 0, "no EMD dataset groups found")
	}
	r := &EMDReader{f: f, entries: entries, meta: emd.Metadata{}}
	for _, group := range []string{"microscope", "sample", "user", "comments"} {
		if sub := readMetaGroup(&f.CommonFG, group); len(sub) > 0 {
			r.meta[group] = sub
		}
	}
	return r, nil
}

// readMetaGroup reads the scalar members of a metadata group.
func readMetaGroup(parent *hdf5.CommonFG, name string) emd.Metadata {
	g, err := parent.OpenGroup(name)
	if err != nil {
		return nil
	}
	defer g.Close()
	out := emd.Metadata{}
	n, err := g.NumObjects()
	if err != nil {
		return nil
	}
	for i := uint(0); i < n; i++ {
		key, err := g.ObjectNameByIndex(i)
		if err != nil {
			continue
		}
		d, err := g.OpenDataset(key)
		if err != nil {
			continue
		}
		var s string
		if err := d.Read(&s); err == nil {
			out[key] = s
		} else {
			var v float64
			if err := d.Read(&v); err == nil {
				out[key] = v
			}
		}
		d.Close()
	}
	return out
}

func (r *EMDReader) Format() Format {
	return FormatEMD
}

func (r *EMDReader) DatasetCount() int {
	return len(r.entries)
}

// Dataset reads EMD group i in full, including its dim vectors.
func (r *EMDReader) Dataset(i int) (*emd.Dataset, error) {
	if i < 0 || i >= len(r.entries) {
		return nil, fmt.Errorf("EMD: dataset %d out of range [0,%d)", i, len(r.entries))
	}
	entry := r.entries[i]
	g, err := r.f.OpenGroup(entry.path)
	if err != nil {
		return nil, corruptf("EMD", 0, "opening %s: %v", entry.path, err)
	}
	defer g.Close()

	dtype, shape, err := emdArrayInfo(&g.CommonFG)
	if err != nil {
		return nil, err
	}
	d, err := g.OpenDataset("data")
	if err != nil {
		return nil, corruptf("EMD", 0, "%s has no data array: %v", entry.path, err)
	}
	defer d.Close()
	data, err := readHDF5Array(d, dtype, shape)
	if err != nil {
		return nil, err
	}
	dims, err := readEMDDims(&g.CommonFG, shape)
	if err != nil {
		return nil, err
	}
	ds := &emd.Dataset{
		Name:  entry.name,
		DType: dtype,
		Shape: shape,
		Data:  data,
		Dims:  dims,
		Meta:  emd.Metadata{},
	}
	ds.Meta.Merge(r.meta)
	return ds, nil
}

// Slice reads one plane of EMD group i without loading the stack.
func (r *EMDReader) Slice(i, z int) (*emd.Dataset, error) {
	if i < 0 || i >= len(r.entries) {
		return nil, fmt.Errorf("EMD: dataset %d out of range [0,%d)", i, len(r.entries))
	}
	entry := r.entries[i]
	g, err := r.f.OpenGroup(entry.path)
	if err != nil {
		return nil, corruptf("EMD", 0, "opening %s: %v", entry.path, err)
	}
	defer g.Close()

	dtype, shape, err := emdArrayInfo(&g.CommonFG)
	if err != nil {
		return nil, err
	}
	nd := len(shape)
	if nd < 2 {
		return nil, fmt.Errorf("EMD: %s is 1-D, cannot slice", entry.path)
	}
	if nd == 2 {
		if z != 0 {
			return nil, fmt.Errorf("EMD: %s has no plane %d", entry.path, z)
		}
		return r.Dataset(i)
	}
	planes := 1
	for _, s := range shape[:nd-2] {
		planes *= s
	}
	if z < 0 || z >= planes {
		return nil, fmt.Errorf("EMD: plane %d out of range [0,%d)", z, planes)
	}
	h, w := shape[nd-2], shape[nd-1]

	// complex arrays carry a trailing float-pair axis on disk, which
	// does not map onto a plane hyperslab; read in full instead
	if dtype == emd.Complex64 || dtype == emd.Complex128 {
		full, err := r.Dataset(i)
		if err != nil {
			return nil, err
		}
		plane := dtype.MakeSlice(h * w)
		switch v := full.Data.(type) {
		case []complex64:
			copy(plane.([]complex64), v[z*h*w:(z+1)*h*w])
		case []complex128:
			copy(plane.([]complex128), v[z*h*w:(z+1)*h*w])
		}
		return &emd.Dataset{
			Name:  full.Name,
			DType: dtype,
			Shape: []int{h, w},
			Data:  plane,
			Dims:  full.Dims[nd-2:],
			Meta:  emd.Metadata{},
		}, nil
	}

	d, err := g.OpenDataset("data")
	if err != nil {
		return nil, corruptf("EMD", 0, "%s has no data array: %v", entry.path, err)
	}
	defer d.Close()

	offset := make([]uint, nd)
	count := make([]uint, nd)
	rem := z
	for ax := nd - 3; ax >= 0; ax-- {
		offset[ax] = uint(rem % shape[ax])
		rem /= shape[ax]
		count[ax] = 1
	}
	count[nd-2], count[nd-1] = uint(h), uint(w)

	filespace := d.Space()
	defer filespace.Close()
	if err := filespace.SelectHyperslab(offset, nil, count, nil); err != nil {
		return nil, corruptf("EMD", 0, "selecting plane %d of %s: %v", z, entry.path, err)
	}
	memspace, err := hdf5.CreateSimpleDataspace([]uint{uint(h), uint(w)}, nil)
	if err != nil {
		return nil, err
	}
	defer memspace.Close()

	data := dtype.MakeSlice(h * w)
	if err := d.ReadSubset(dataPtr(data), memspace, filespace); err != nil {
		return nil, corruptf("EMD", 0, "reading plane %d of %s: %v", z, entry.path, err)
	}
	dims, err := readEMDDims(&g.CommonFG, shape)
	if err != nil {
		return nil, err
	}
	return &emd.Dataset{
		Name:  entry.name,
		DType: dtype,
		Shape: []int{h, w},
		Data:  data,
		Dims:  dims[nd-2:],
		Meta:  emd.Metadata{},
	}, nil
}

func (r *EMDReader) Close() error {
	return r.f.Close()
}

// emdArrayInfo inspects the data array of an EMD group: element type
// (preferring the dtype marker our writer leaves) and shape.
func emdArrayInfo(g *hdf5.CommonFG) (emd.DType, []int, error) {
	d, err := g.OpenDataset("data")
	if err != nil {
		return 0, nil, corruptf("EMD", 0, "group has no data array: %v", err)
	}
	defer d.Close()

	space := d.Space()
	defer space.Close()
	udims, _, err := space.SimpleExtentDims()
	if err != nil {
		return 0, nil, corruptf("EMD", 0, "reading data extent: %v", err)
	}
	shape := make([]int, len(udims))
	for i, u := range udims {
		shape[i] = int(u)
	}

	if name, err := readStringAttr(d, "dtype"); err == nil {
		if dt, ok := dtypeByName(name); ok {
			// complex data is stored as float pairs on a trailing axis
			if (dt == emd.Complex64 || dt == emd.Complex128) &&
				len(shape) > 0 && shape[len(shape)-1] == 2 {
				shape = shape[:len(shape)-1]
			}
			return dt, shape, nil
		}
	}
	dt, err := guessDType(d)
	if err != nil {
		return 0, nil, err
	}
	return dt, shape, nil
}

func readStringAttr(d *hdf5.Dataset, name string) (string, error) {
	a, err := d.OpenAttribute(name)
	if err != nil {
		return "", err
	}
	defer a.Close()
	var s string
	if err := a.Read(&s, hdf5.T_GO_STRING); err != nil {
		return "", err
	}
	return s, nil
}

func dtypeByName(name string) (emd.DType, bool) {
	for _, dt := range []emd.DType{
		emd.Uint8, emd.Int8, emd.Uint16, emd.Int16, emd.Uint32, emd.Int32,
		emd.Uint64, emd.Int64, emd.Float32, emd.Float64, emd.Complex64, emd.Complex128,
	} {
		if dt.String() == name {
			return dt, true
		}
	}
	return 0, false
}

// guessDType maps an HDF5 type class and size onto our types. Foreign
// files without the dtype marker lose unsigned-ness on integers.
func guessDType(d *hdf5.Dataset) (emd.DType, error) {
	t, err := d.Datatype()
	if err != nil {
		return 0, corruptf("EMD", 0, "reading datatype: %v", err)
	}
	defer t.Close()
	switch t.Class() {
	case hdf5.T_FLOAT:
		if t.Size() == 4 {
			return emd.Float32, nil
		}
		return emd.Float64, nil
	case hdf5.T_INTEGER:
		switch t.Size() {
		case 1:
			return emd.Int8, nil
		case 2:
			return emd.Int16, nil
		case 4:
			return emd.Int32, nil
		default:
			return emd.Int64, nil
		}
	}
	return 0, fmt.Errorf("EMD element class %v: %w", t.Class(), ErrVersionUnsupported)
}

func readHDF5Array(d *hdf5.Dataset, dtype emd.DType, shape []int) (any, error) {
	n := 1
	for _, s := range shape {
		n *= s
	}
	switch dtype {
	case emd.Complex64:
		flat := make([]float32, 2*n)
		if err := d.Read(&flat); err != nil {
			return nil, corruptf("EMD", 0, "reading data array: %v", err)
		}
		data := make([]complex64, n)
		for i := range data {
			data[i] = complex(flat[2*i], flat[2*i+1])
		}
		return data, nil
	case emd.Complex128:
		flat := make([]float64, 2*n)
		if err := d.Read(&flat); err != nil {
			return nil, corruptf("EMD", 0, "reading data array: %v", err)
		}
		data := make([]complex128, n)
		for i := range data {
			data[i] = complex(flat[2*i], flat[2*i+1])
		}
		return data, nil
	}
	data := dtype.MakeSlice(n)
	if err := d.Read(dataPtr(data)); err != nil {
		return nil, corruptf("EMD", 0, "reading data array: %v", err)
	}
	return data, nil
}

// dataPtr returns a pointer to the flat slice for the hdf5 API.
func dataPtr(data any) any {
	switch v := data.(type) {
	case []uint8:
		return &v
	case []int8:
		return &v
	case []uint16:
		return &v
	case []int16:
		return &v
	case []uint32:
		return &v
	case []int32:
		return &v
	case []uint64:
		return &v
	case []int64:
		return &v
	case []float32:
		return &v
	case []float64:
		return &v
	case []complex64:
		return &v
	case []complex128:
		return &v
	}
	return &data
}

// readEMDDims loads the dimN vectors with their name/units attributes.
// Missing or short vectors degrade to linear pixel calibrations.
func readEMDDims(g *hdf5.CommonFG, shape []int) ([]emd.Dim, error) {
	dims := make([]emd.Dim, len(shape))
	for ax := range shape {
		dims[ax] = emd.LinearDim(shape[ax], 0, 1, fmt.Sprintf("dim%d", ax+1), "")
		d, err := g.OpenDataset(fmt.Sprintf("dim%d", ax+1))
		if err != nil {
			continue
		}
		coords := make([]float64, shape[ax])
		if err := d.Read(&coords); err == nil {
			dims[ax].Coords = coords
		}
		if name, err := readStringAttr(d, "name"); err == nil {
			dims[ax].Name = strings.Trim(name, "[]")
		}
		if units, err := readStringAttr(d, "units"); err == nil {
			dims[ax].Units = strings.Trim(units, "[]")
		}
		d.Close()
	}
	return dims, nil
}
