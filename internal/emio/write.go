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
	"os"

	"gonum.org/v1/hdf5"

	"github.com/emtools/emkit/internal/emd"
)

// WriteEMD writes datasets to a Berkeley EMD file. The file is built
// under a .partial name and moved into place with an atomic rename, so
// readers never observe a half-written file. Pixels keep their native
// element type: writing and reading back is bit identical.
func WriteEMD(path string, datasets ...*emd.Dataset) error {
	partial := path + ".partial"
	if err := writeEMDFile(partial, datasets); err != nil {
		os.Remove(partial)
		return &WriteError{Path: path, Err: err}
	}
	if err := os.Rename(partial, path); err != nil {
		return &WriteError{Path: path, Partial: partial, Err: err}
	}
	return nil
}

func writeEMDFile(path string, datasets []*emd.Dataset) error {
	f, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	if err != nil {
		return err
	}
	defer f.Close()

	root, err := f.CreateGroup("data")
	if err != nil {
		return err
	}
	defer root.Close()

	meta := emd.Metadata{}
	for i, ds := range datasets {
		if err := ds.Validate(); err != nil {
			return err
		}
		name := ds.Name
		if name == "" {
			name = fmt.Sprintf("dataset%03d", i)
		}
		if err := writeEMDGroup(&root.CommonFG, name, ds); err != nil {
			return fmt.Errorf("dataset %q: %w", name, err)
		}
		meta.Merge(ds.Meta)
	}

	for _, group := range []string{"microscope", "sample", "user", "comments"} {
		sub, _ := meta[group].(emd.Metadata)
		if err := writeMetaGroup(&f.CommonFG, group, sub); err != nil {
			return err
		}
	}
	return nil
}

// writeEMDGroup writes one emd_group_type=1 group: the data array, a
// dimN vector per axis, and the type markers.
func writeEMDGroup(parent *hdf5.CommonFG, name string, ds *emd.Dataset) error {
	g, err := parent.CreateGroup(name)
	if err != nil {
		return err
	}
	defer g.Close()

	dims := make([]uint, len(ds.Shape))
	for i, s := range ds.Shape {
		dims[i] = uint(s)
	}
	// complex data is stored as pairs of native floats with the real
	// element type recorded in the dtype marker
	storeType, storeDims := hdf5Type(ds.DType), dims
	if ds.DType == emd.Complex64 || ds.DType == emd.Complex128 {
		storeDims = append(append([]uint{}, dims...), 2)
	}
	space, err := hdf5.CreateSimpleDataspace(storeDims, nil)
	if err != nil {
		return err
	}
	defer space.Close()
	d, err := g.CreateDataset("data", storeType, space)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Write(writePtr(ds.Data)); err != nil {
		return err
	}
	if err := writeStringAttr(d, "dtype", ds.DType.String()); err != nil {
		return err
	}
	if err := writeIntAttr(d, "emd_group_type", 1); err != nil {
		return err
	}
	if err := writeIntAttr(d, "version_major", 0); err != nil {
		return err
	}
	if err := writeIntAttr(d, "version_minor", 2); err != nil {
		return err
	}

	for ax, dim := range ds.Dims {
		coords := dim.Coords
		if coords == nil {
			coords = emd.LinearDim(ds.Shape[ax], 0, 1, "", "").Coords
		}
		dspace, err := hdf5.CreateSimpleDataspace([]uint{uint(len(coords))}, nil)
		if err != nil {
			return err
		}
		dd, err := g.CreateDataset(fmt.Sprintf("dim%d", ax+1), hdf5.T_NATIVE_DOUBLE, dspace)
		if err != nil {
			dspace.Close()
			return err
		}
		if err := dd.Write(&coords); err != nil {
			dd.Close()
			dspace.Close()
			return err
		}
		if err := writeStringAttr(dd, "name", "["+dim.Name+"]"); err == nil {
			_ = writeStringAttr(dd, "units", "["+dim.Units+"]")
		}
		dd.Close()
		dspace.Close()
	}
	return nil
}

// writeMetaGroup writes metadata leaves as scalar members of a root
// group. The group is created even when empty, per the EMD layout.
func writeMetaGroup(parent *hdf5.CommonFG, name string, meta emd.Metadata) error {
	g, err := parent.CreateGroup(name)
	if err != nil {
		return err
	}
	defer g.Close()
	for key, v := range meta {
		switch val := v.(type) {
		case string:
			if err := writeStringScalar(&g.CommonFG, key, val); err != nil {
				return err
			}
		case float64:
			if err := writeFloatScalar(&g.CommonFG, key, val); err != nil {
				return err
			}
		case float32:
			if err := writeFloatScalar(&g.CommonFG, key, float64(val)); err != nil {
				return err
			}
		case int:
			if err := writeFloatScalar(&g.CommonFG, key, float64(val)); err != nil {
				return err
			}
		}
		// nested maps and slices are not persisted here
	}
	return nil
}

func writeStringScalar(g *hdf5.CommonFG, name, value string) error {
	space, err := hdf5.CreateDataspace(hdf5.S_SCALAR)
	if err != nil {
		return err
	}
	defer space.Close()
	d, err := g.CreateDataset(name, hdf5.T_GO_STRING, space)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Write(&value)
}

func writeFloatScalar(g *hdf5.CommonFG, name string, value float64) error {
	space, err := hdf5.CreateDataspace(hdf5.S_SCALAR)
	if err != nil {
		return err
	}
	defer space.Close()
	d, err := g.CreateDataset(name, hdf5.T_NATIVE_DOUBLE, space)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Write(&value)
}

func writeStringAttr(d *hdf5.Dataset, name, value string) error {
	space, err := hdf5.CreateDataspace(hdf5.S_SCALAR)
	if err != nil {
		return err
	}
	defer space.Close()
	a, err := d.CreateAttribute(name, hdf5.T_GO_STRING, space)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Write(&value, hdf5.T_GO_STRING)
}

func writeIntAttr(d *hdf5.Dataset, name string, value int32) error {
	space, err := hdf5.CreateDataspace(hdf5.S_SCALAR)
	if err != nil {
		return err
	}
	defer space.Close()
	a, err := d.CreateAttribute(name, hdf5.T_NATIVE_INT32, space)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Write(&value, hdf5.T_NATIVE_INT32)
}

// hdf5Type maps element types onto native HDF5 types. Complex types
// map to their float halves.
func hdf5Type(dt emd.DType) *hdf5.Datatype {
	switch dt {
	case emd.Uint8:
		return hdf5.T_NATIVE_UINT8
	case emd.Int8:
		return hdf5.T_NATIVE_INT8
	case emd.Uint16:
		return hdf5.T_NATIVE_UINT16
	case emd.Int16:
		return hdf5.T_NATIVE_INT16
	case emd.Uint32:
		return hdf5.T_NATIVE_UINT32
	case emd.Int32:
		return hdf5.T_NATIVE_INT32
	case emd.Uint64:
		return hdf5.T_NATIVE_UINT64
	case emd.Int64:
		return hdf5.T_NATIVE_INT64
	case emd.Float32, emd.Complex64:
		return hdf5.T_NATIVE_FLOAT
	case emd.Float64, emd.Complex128:
		return hdf5.T_NATIVE_DOUBLE
	}
	return hdf5.T_NATIVE_DOUBLE
}

// writePtr passes the flat slice to the hdf5 API. Complex slices are
// reinterpreted as float pairs.
func writePtr(data any) any {
	switch v := data.(type) {
	case []complex64:
		flat := make([]float32, 2*len(v))
		for i, c := range v {
			flat[2*i] = real(c)
			flat[2*i+1] = imag(c)
		}
		return &flat
	case []complex128:
		flat := make([]float64, 2*len(v))
		for i, c := range v {
			flat[2*i] = real(c)
			flat[2*i+1] = imag(c)
		}
		return &flat
	}
	return dataPtr(data)
}
