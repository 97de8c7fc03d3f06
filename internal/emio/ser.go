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
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/emtools/emkit/internal/emd"
)

// FEI/TIA series files. All structural fields are little endian.
const (
	serByteOrder = 0x4949
	serSeriesID  = 0x0197

	serVersion1 = 0x0210 // 32-bit offset arrays
	serVersion2 = 0x0220 // 64-bit offset arrays

	serData1D = 0x4120
	serData2D = 0x4122

	serTagTime    = 0x4152
	serTagTimePos = 0x4142
)

var serDTypes = map[uint16]emd.DType{
	1:  emd.Uint8,
	2:  emd.Uint16,
	3:  emd.Uint32,
	4:  emd.Int8,
	5:  emd.Int16,
	6:  emd.Int32,
	7:  emd.Float32,
	8:  emd.Float64,
	9:  emd.Complex64,
	10: emd.Complex128,
}

type serDimension struct {
	size        int32
	calOffset   float64
	calDelta    float64
	calElement  int32
	description string
	units       string
}

// SERReader reads FEI/TIA .ser series files, optionally merging the
// metadata of a .emi sidecar.
type SERReader struct {
	f          *os.File
	size       int64
	version    uint16
	dataTypeID uint32
	tagTypeID  uint32
	total      int32
	valid      int32
	dims       []serDimension
	dataOffs   []int64
	tagOffs    []int64
	emiMeta    emd.Metadata
}

// OpenSER opens a SER file and parses its header and offset arrays. If
// a sidecar <base>.emi exists next to <base>_<n>.ser, its metadata is
// merged into every dataset.
func OpenSER(path string) (*SERReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &SERReader{f: f}
	if fi, err := f.Stat(); err == nil {
		r.size = fi.Size()
	}
	if err := r.parseHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if emiPath := discoverEMI(path); emiPath != "" {
		// a broken sidecar never fails the series itself
		if meta, err := parseEMI(emiPath); err == nil {
			r.emiMeta = meta
		}
	}
	return r, nil
}

func (r *SERReader) parseHeader() error {
	var head struct {
		ByteOrder  uint16
		SeriesID   uint16
		Version    uint16
		DataTypeID uint32
		TagTypeID  uint32
		Total      int32
		Valid      int32
	}
	if err := binary.Read(r.f, binary.LittleEndian, &head); err != nil {
		return &TruncatedError{Format: "SER", Need: 22, Have: r.size}
	}
	if head.ByteOrder != serByteOrder || head.SeriesID != serSeriesID {
		return corruptf("SER", 0, "bad series markers %#04x %#04x", head.ByteOrder, head.SeriesID)
	}
	if head.Version != serVersion1 && head.Version != serVersion2 {
		return fmt.Errorf("SER revision %#04x: %w", head.Version, ErrVersionUnsupported)
	}
	if head.DataTypeID != serData1D && head.DataTypeID != serData2D {
		return corruptf("SER", 6, "unknown data type id %#04x", head.DataTypeID)
	}
	r.version = head.Version
	r.dataTypeID = head.DataTypeID
	r.tagTypeID = head.TagTypeID
	r.total = head.Total
	r.valid = head.Valid
	if r.total < 0 || r.valid < 0 || r.valid > r.total {
		return corruptf("SER", 14, "element counts %d/%d", r.valid, r.total)
	}

	var offsetArrayOffset int64
	if r.version == serVersion1 {
		var off int32
		if err := binary.Read(r.f, binary.LittleEndian, &off); err != nil {
			return &TruncatedError{Format: "SER", Need: 26, Have: r.size}
		}
		offsetArrayOffset = int64(off)
	} else {
		if err := binary.Read(r.f, binary.LittleEndian, &offsetArrayOffset); err != nil {
			return &TruncatedError{Format: "SER", Need: 30, Have: r.size}
		}
	}

	var nDims int32
	if err := binary.Read(r.f, binary.LittleEndian, &nDims); err != nil {
		return &TruncatedError{Format: "SER", Need: offsetArrayOffset, Have: r.size}
	}
	if nDims < 0 || nDims > 16 {
		return corruptf("SER", 0, "implausible dimension count %d", nDims)
	}
	r.dims = make([]serDimension, nDims)
	for i := range r.dims {
		d := &r.dims[i]
		if err := binary.Read(r.f, binary.LittleEndian, &d.size); err != nil {
			return &TruncatedError{Format: "SER", Need: offsetArrayOffset, Have: r.size}
		}
		if err := binary.Read(r.f, binary.LittleEndian, &d.calOffset); err != nil {
			return &TruncatedError{Format: "SER", Need: offsetArrayOffset, Have: r.size}
		}
		if err := binary.Read(r.f, binary.LittleEndian, &d.calDelta); err != nil {
			return &TruncatedError{Format: "SER", Need: offsetArrayOffset, Have: r.size}
		}
		if err := binary.Read(r.f, binary.LittleEndian, &d.calElement); err != nil {
			return &TruncatedError{Format: "SER", Need: offsetArrayOffset, Have: r.size}
		}
		var err error
		if d.description, err = readSERString(r.f); err != nil {
			return err
		}
		if d.units, err = readSERString(r.f); err != nil {
			return err
		}
	}

	return r.readOffsetArrays(offsetArrayOffset)
}

func readSERString(f io.Reader) (string, error) {
	var n int32
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return "", corruptf("SER", 0, "reading string length: %v", err)
	}
	if n < 0 || n > 4096 {
		return "", corruptf("SER", 0, "implausible string length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f, buf); err != nil {
		return "", corruptf("SER", 0, "reading string body: %v", err)
	}
	return string(buf), nil
}

func (r *SERReader) readOffsetArrays(at int64) error {
	elemSize := int64(4)
	if r.version == serVersion2 {
		elemSize = 8
	}
	need := at + 2*int64(r.total)*elemSize
	if r.size > 0 && need > r.size {
		return &TruncatedError{Format: "SER", Need: need, Have: r.size}
	}
	if _, err := r.f.Seek(at, io.SeekStart); err != nil {
		return err
	}
	r.dataOffs = make([]int64, r.total)
	r.tagOffs = make([]int64, r.total)
	for _, arr := range [][]int64{r.dataOffs, r.tagOffs} {
		if r.version == serVersion1 {
			tmp := make([]int32, r.total)
			if err := binary.Read(r.f, binary.LittleEndian, tmp); err != nil {
				return &TruncatedError{Format: "SER", Need: need, Have: r.size}
			}
			for i, v := range tmp {
				arr[i] = int64(v)
			}
		} else {
			if err := binary.Read(r.f, binary.LittleEndian, arr); err != nil {
				return &TruncatedError{Format: "SER", Need: need, Have: r.size}
			}
		}
	}
	for i := 0; i < int(r.valid); i++ {
		if r.dataOffs[i] <= 0 || (r.size > 0 && r.dataOffs[i] >= r.size) {
			return corruptf("SER", at, "data offset %d of element %d out of range", r.dataOffs[i], i)
		}
	}
	return nil
}

func (r *SERReader) Format() Format {
	return FormatSER
}

// DatasetCount returns the number of valid elements in the series.
func (r *SERReader) DatasetCount() int {
	return int(r.valid)
}

// Dataset reads series element i. 2-D elements are returned with the
// row order flipped so that row 0 is the top scan line.
func (r *SERReader) Dataset(i int) (*emd.Dataset, error) {
	if i < 0 || i >= int(r.valid) {
		return nil, fmt.Errorf("SER: element %d out of range [0,%d)", i, r.valid)
	}
	if _, err := r.f.Seek(r.dataOffs[i], io.SeekStart); err != nil {
		return nil, err
	}

	var ds *emd.Dataset
	var err error
	switch r.dataTypeID {
	case serData1D:
		ds, err = r.readElement1D(i)
	case serData2D:
		ds, err = r.readElement2D(i)
	}
	if err != nil {
		return nil, err
	}
	ds.Name = fmt.Sprintf("element%03d", i)
	ds.Meta = emd.Metadata{}
	if tag, err := r.readTag(i); err == nil && tag != nil {
		ds.Meta["tag"] = tag
	}
	if r.emiMeta != nil {
		ds.Meta.Merge(r.emiMeta)
	}
	return ds, nil
}

func (r *SERReader) readElement1D(i int) (*emd.Dataset, error) {
	var cal struct {
		Offset  float64
		Delta   float64
		Element int32
	}
	if err := binary.Read(r.f, binary.LittleEndian, &cal); err != nil {
		return nil, &TruncatedError{Format: "SER", Need: r.dataOffs[i] + 20, Have: r.size}
	}
	var dataType uint16
	var length int32
	if err := binary.Read(r.f, binary.LittleEndian, &dataType); err != nil {
		return nil, &TruncatedError{Format: "SER", Need: r.dataOffs[i] + 22, Have: r.size}
	}
	if err := binary.Read(r.f, binary.LittleEndian, &length); err != nil {
		return nil, &TruncatedError{Format: "SER", Need: r.dataOffs[i] + 26, Have: r.size}
	}
	dtype, ok := serDTypes[dataType]
	if !ok {
		return nil, corruptf("SER", r.dataOffs[i], "unknown element data type %d", dataType)
	}
	if length < 0 {
		return nil, corruptf("SER", r.dataOffs[i], "negative spectrum length %d", length)
	}
	data, err := r.readValues(dtype, int(length), r.dataOffs[i])
	if err != nil {
		return nil, err
	}
	ds := &emd.Dataset{
		DType: dtype,
		Shape: []int{int(length)},
		Data:  data,
		Dims: []emd.Dim{
			calDim(int(length), cal.Offset, cal.Delta, cal.Element, "energy", "eV"),
		},
	}
	return ds, nil
}

func (r *SERReader) readElement2D(i int) (*emd.Dataset, error) {
	var cal struct {
		OffsetX  float64
		DeltaX   float64
		ElementX int32
		OffsetY  float64
		DeltaY   float64
		ElementY int32
	}
	if err := binary.Read(r.f, binary.LittleEndian, &cal); err != nil {
		return nil, &TruncatedError{Format: "SER", Need: r.dataOffs[i] + 40, Have: r.size}
	}
	var dataType uint16
	var sizeX, sizeY int32
	if err := binary.Read(r.f, binary.LittleEndian, &dataType); err != nil {
		return nil, &TruncatedError{Format: "SER", Need: r.dataOffs[i] + 42, Have: r.size}
	}
	if err := binary.Read(r.f, binary.LittleEndian, &sizeX); err != nil {
		return nil, &TruncatedError{Format: "SER", Need: r.dataOffs[i] + 46, Have: r.size}
	}
	if err := binary.Read(r.f, binary.LittleEndian, &sizeY); err != nil {
		return nil, &TruncatedError{Format: "SER", Need: r.dataOffs[i] + 50, Have: r.size}
	}
	dtype, ok := serDTypes[dataType]
	if !ok {
		return nil, corruptf("SER", r.dataOffs[i], "unknown element data type %d", dataType)
	}
	if sizeX <= 0 || sizeY <= 0 {
		return nil, corruptf("SER", r.dataOffs[i], "bad image size %dx%d", sizeX, sizeY)
	}
	data, err := r.readValues(dtype, int(sizeX)*int(sizeY), r.dataOffs[i])
	if err != nil {
		return nil, err
	}
	flipRows(data, int(sizeY), int(sizeX))
	ds := &emd.Dataset{
		DType: dtype,
		Shape: []int{int(sizeY), int(sizeX)},
		Data:  data,
		Dims: []emd.Dim{
			calDim(int(sizeY), cal.OffsetY, cal.DeltaY, cal.ElementY, "y", "m"),
			calDim(int(sizeX), cal.OffsetX, cal.DeltaX, cal.ElementX, "x", "m"),
		},
	}
	return ds, nil
}

func (r *SERReader) readValues(dtype emd.DType, n int, at int64) (any, error) {
	need := at + int64(n)*int64(dtype.Size())
	if r.size > 0 && need > r.size {
		return nil, &TruncatedError{Format: "SER", Need: need, Have: r.size}
	}
	data := dtype.MakeSlice(n)
	if err := binary.Read(r.f, binary.LittleEndian, data); err != nil {
		return nil, &TruncatedError{Format: "SER", Need: need, Have: r.size}
	}
	return data, nil
}

// readTag reads the acquisition tag of element i: timestamp, and scan
// position for tag type 0x4142.
func (r *SERReader) readTag(i int) (emd.Metadata, error) {
	if i >= len(r.tagOffs) || r.tagOffs[i] <= 0 || (r.size > 0 && r.tagOffs[i] >= r.size) {
		return nil, nil
	}
	if _, err := r.f.Seek(r.tagOffs[i], io.SeekStart); err != nil {
		return nil, err
	}
	var tagType uint16
	var pad uint16
	var when uint32
	if err := binary.Read(r.f, binary.LittleEndian, &tagType); err != nil {
		return nil, err
	}
	if tagType != serTagTime && tagType != serTagTimePos {
		return nil, nil
	}
	if err := binary.Read(r.f, binary.LittleEndian, &pad); err != nil {
		return nil, err
	}
	if err := binary.Read(r.f, binary.LittleEndian, &when); err != nil {
		return nil, err
	}
	tag := emd.Metadata{"time": when}
	if tagType == serTagTimePos {
		var x, y float64
		if err := binary.Read(r.f, binary.LittleEndian, &x); err != nil {
			return nil, err
		}
		if err := binary.Read(r.f, binary.LittleEndian, &y); err != nil {
			return nil, err
		}
		tag["positionX"] = x
		tag["positionY"] = y
	}
	return tag, nil
}

// Slice returns a single element the way Dataset does. Series elements
// are 1-D or 2-D, so z must be 0.
func (r *SERReader) Slice(i, z int) (*emd.Dataset, error) {
	if z != 0 {
		return nil, fmt.Errorf("SER: element %d has no plane %d", i, z)
	}
	return r.Dataset(i)
}

func (r *SERReader) Close() error {
	return r.f.Close()
}

func calDim(n int, offset, delta float64, element int32, name, units string) emd.Dim {
	// calibration is anchored at sample index `element`
	return emd.LinearDim(n, offset-float64(element)*delta, delta, name, units)
}

// flipRows reverses the row order of a flat h*w image in place.
func flipRows(data any, h, w int) {
	switch v := data.(type) {
	case []uint8:
		flipRowsT(v, h, w)
	case []int8:
		flipRowsT(v, h, w)
	case []uint16:
		flipRowsT(v, h, w)
	case []int16:
		flipRowsT(v, h, w)
	case []uint32:
		flipRowsT(v, h, w)
	case []int32:
		flipRowsT(v, h, w)
	case []uint64:
		flipRowsT(v, h, w)
	case []int64:
		flipRowsT(v, h, w)
	case []float32:
		flipRowsT(v, h, w)
	case []float64:
		flipRowsT(v, h, w)
	case []complex64:
		flipRowsT(v, h, w)
	case []complex128:
		flipRowsT(v, h, w)
	}
}

func flipRowsT[T any](data []T, h, w int) {
	for top, bot := 0, h-1; top < bot; top, bot = top+1, bot-1 {
		a, b := data[top*w:top*w+w], data[bot*w:bot*w+w]
		for i := range a {
			a[i], b[i] = b[i], a[i]
		}
	}
}

// discoverEMI maps <base>_<n>.ser to the <base>.emi sidecar written by
// the acquisition software, if one exists.
func discoverEMI(serPath string) string {
	base := filepath.Base(serPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	idx := strings.LastIndex(base, "_")
	if idx < 0 {
		return ""
	}
	emiPath := filepath.Join(filepath.Dir(serPath), base[:idx]+".emi")
	if fi, err := os.Stat(emiPath); err != nil || fi.IsDir() {
		return ""
	}
	return emiPath
}
