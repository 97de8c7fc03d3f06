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
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/emtools/emkit/internal/emd"
)

// MRC/CCP-EM volume files with the FEI extended header variant. The
// fixed header is 1024 bytes, little endian; the voxel grid is stored
// x fastest (Fortran order) and reported here in C order.

const (
	mrcHeaderSize   = 1024
	mrcFEIBlockSize = 128 // per-section FEI extended header stride
)

type mrcHeader struct {
	NX, NY, NZ int32
	Mode       int32
	Start      [3]int32
	Grid       [3]int32
	Cell       [3]float32 // cell size in Angstroms
	CellAngles [3]float32
	AxisOrder  [3]int32
	MinMaxMean [3]float32
	Extra      [32]int32 // extra[1] = FEI extended header bytes
}

// feiExtHeader is the per-section FEI metadata block (15 float32).
type feiExtHeader struct {
	ATilt, BTilt   float32
	XStage, YStage float32
	ZStage         float32
	XShift, YShift float32
	Defocus        float32
	ExpTime        float32
	MeanInt        float32
	TiltAxis       float32
	PixelSize      float32 // meters
	Magnification  float32
	Voltage        float32
	Reserved       float32
}

var mrcDTypes = map[int32]emd.DType{
	0: emd.Int8,
	1: emd.Int16,
	2: emd.Float32,
	6: emd.Uint16,
}

// MRCReader reads MRC volumes and tilt series.
type MRCReader struct {
	f          *os.File
	size       int64
	hdr        mrcHeader
	dtype      emd.DType
	dataOffset int64
	shape      []int      // C order [nz ny nx], nz axis dropped when 1
	voxel      [3]float64 // C order voxel size in nm
	fei        []feiExtHeader
}

// OpenMRC opens an MRC file and parses its fixed and FEI extended
// headers.
func OpenMRC(path string) (*MRCReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &MRCReader{f: f}
	if fi, err := f.Stat(); err == nil {
		r.size = fi.Size()
	}
	if err := r.parseHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *MRCReader) parseHeader() error {
	if r.size > 0 && r.size < mrcHeaderSize {
		return &TruncatedError{Format: "MRC", Need: mrcHeaderSize, Have: r.size}
	}
	buf := bufio.NewReader(io.LimitReader(r.f, mrcHeaderSize))
	var h struct {
		NX, NY, NZ int32
		Mode       int32
		Start      [3]int32
		Grid       [3]int32
		Cell       [3]float32
		CellAngles [3]float32
		AxisOrder  [3]int32
		MinMaxMean [3]float32
		Extra      [32]int32
	}
	if err := binary.Read(buf, binary.LittleEndian, &h); err != nil {
		return &TruncatedError{Format: "MRC", Need: mrcHeaderSize, Have: r.size}
	}
	if h.NX <= 0 || h.NY <= 0 || h.NZ <= 0 {
		return corruptf("MRC", 0, "bad grid %dx%dx%d", h.NX, h.NY, h.NZ)
	}
	dtype, ok := mrcDTypes[h.Mode]
	if !ok {
		return fmt.Errorf("MRC mode %d: %w", h.Mode, ErrVersionUnsupported)
	}
	r.dtype = dtype
	r.hdr = mrcHeader{
		NX: h.NX, NY: h.NY, NZ: h.NZ, Mode: h.Mode,
		Start: h.Start, Grid: h.Grid, Cell: h.Cell,
		CellAngles: h.CellAngles, AxisOrder: h.AxisOrder,
		MinMaxMean: h.MinMaxMean, Extra: h.Extra,
	}

	extBytes := int64(h.Extra[1])
	if extBytes < 0 || (r.size > 0 && mrcHeaderSize+extBytes > r.size) {
		return corruptf("MRC", 92, "extended header of %d bytes", extBytes)
	}
	r.dataOffset = mrcHeaderSize + extBytes

	// voxel size: unit cell over sampling grid, in nm; a zeroed grid
	// field means uncalibrated
	for i := 0; i < 3; i++ {
		r.voxel[2-i] = 1
		if h.Grid[i] > 0 && h.Cell[i] > 0 {
			r.voxel[2-i] = float64(h.Cell[i]) / float64(h.Grid[i]) * 0.1
		}
	}
	r.shape = []int{int(h.NZ), int(h.NY), int(h.NX)}

	if extBytes > 0 {
		if _, err := r.f.Seek(mrcHeaderSize, io.SeekStart); err != nil {
			return err
		}
		n := int(extBytes) / mrcFEIBlockSize
		if n > int(h.NZ) {
			n = int(h.NZ)
		}
		ext := bufio.NewReader(io.LimitReader(r.f, extBytes))
		r.fei = make([]feiExtHeader, 0, n)
		for i := 0; i < n; i++ {
			var block [mrcFEIBlockSize]byte
			if _, err := io.ReadFull(ext, block[:]); err != nil {
				break
			}
			var fe feiExtHeader
			// the leading 15 floats of each block are meaningful,
			// the rest is padding
			_ = binary.Read(bytes.NewReader(block[:60]), binary.LittleEndian, &fe)
			r.fei = append(r.fei, fe)
		}
		// FEI pixel size (meters) overrides the cell calibration
		if len(r.fei) > 0 && r.fei[0].PixelSize > 0 {
			ps := float64(r.fei[0].PixelSize) * 1e9
			r.voxel[1], r.voxel[2] = ps, ps
		}
	}

	need := r.dataOffset + int64(r.shape[0]*r.shape[1]*r.shape[2])*int64(dtype.Size())
	if r.size > 0 && need > r.size {
		return &TruncatedError{Format: "MRC", Need: need, Have: r.size}
	}
	return nil
}

func (r *MRCReader) Format() Format {
	return FormatMRC
}

// DatasetCount is always 1: the volume or tilt series itself.
func (r *MRCReader) DatasetCount() int {
	return 1
}

// Dataset reads the full volume. Single-section files come back 2-D.
func (r *MRCReader) Dataset(i int) (*emd.Dataset, error) {
	if i != 0 {
		return nil, fmt.Errorf("MRC: dataset %d out of range [0,1)", i)
	}
	return r.readRegion(r.dataOffset, r.shape)
}

// Slice reads section z.
func (r *MRCReader) Slice(i, z int) (*emd.Dataset, error) {
	if i != 0 {
		return nil, fmt.Errorf("MRC: dataset %d out of range [0,1)", i)
	}
	nz, ny, nx := r.shape[0], r.shape[1], r.shape[2]
	if z < 0 || z >= nz {
		return nil, fmt.Errorf("MRC: section %d out of range [0,%d)", z, nz)
	}
	offset := r.dataOffset + int64(z)*int64(ny*nx)*int64(r.dtype.Size())
	ds, err := r.readRegion(offset, []int{1, ny, nx})
	if err != nil {
		return nil, err
	}
	if z < len(r.fei) {
		ds.Meta["aTilt"] = float64(r.fei[z].ATilt)
		ds.Meta["defocus"] = float64(r.fei[z].Defocus)
	}
	return ds, nil
}

func (r *MRCReader) readRegion(offset int64, shape []int) (*emd.Dataset, error) {
	n := 1
	for _, s := range shape {
		n *= s
	}
	need := offset + int64(n)*int64(r.dtype.Size())
	if r.size > 0 && need > r.size {
		return nil, &TruncatedError{Format: "MRC", Need: need, Have: r.size}
	}
	if _, err := r.f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	data := r.dtype.MakeSlice(n)
	if err := binary.Read(bufio.NewReaderSize(r.f, 1<<16), binary.LittleEndian, data); err != nil {
		return nil, &TruncatedError{Format: "MRC", Need: need, Have: r.size}
	}

	names := []string{"z", "y", "x"}[3-len(shape):]
	voxel := r.voxel[3-len(shape):]
	dims := make([]emd.Dim, len(shape))
	for i, s := range shape {
		dims[i] = emd.LinearDim(s, 0, voxel[i], names[i], "nm")
	}
	meta := emd.Metadata{
		"mode":       r.hdr.Mode,
		"axisOrder":  []float64{float64(r.hdr.AxisOrder[0]), float64(r.hdr.AxisOrder[1]), float64(r.hdr.AxisOrder[2])},
		"minMaxMean": []float64{float64(r.hdr.MinMaxMean[0]), float64(r.hdr.MinMaxMean[1]), float64(r.hdr.MinMaxMean[2])},
	}
	if len(r.fei) > 0 {
		meta["voltage"] = float64(r.fei[0].Voltage)
		meta["pixelSize"] = float64(r.fei[0].PixelSize)
	}
	ds := &emd.Dataset{
		Name:  "volume",
		DType: r.dtype,
		Shape: append([]int(nil), shape...),
		Data:  data,
		Dims:  dims,
		Meta:  meta,
	}
	// drop a singleton z axis so single images come back 2-D
	if len(ds.Shape) == 3 && ds.Shape[0] == 1 {
		ds.Shape = ds.Shape[1:]
		ds.Dims = ds.Dims[1:]
	}
	return ds, nil
}

func (r *MRCReader) Close() error {
	return r.f.Close()
}
