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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/emtools/emkit/internal/emd"
)

// Gatan DigitalMicrograph files. Structural fields (versions, tag
// names, counts) are big endian; payload data is little endian, the
// only byte order this reader accepts. DM3 encodes counts and offsets
// as 4 bytes, DM4 as 8.

const (
	dmMaxDepth      = 64   // tag groups never nest this deep in practice
	dmTagEntryData  = 21   // tag entry holding data
	dmTagEntryGroup = 20   // tag entry holding a nested group
	dmTypeRGBA      = 23   // DataType of thumbnails, not supported as data
	dmInlineArray   = 8192 // byte cap for materializing non-pixel arrays
)

// encoded tag data types
const (
	dmEncShort  = 2
	dmEncLong   = 3
	dmEncUShort = 4
	dmEncULong  = 5
	dmEncFloat  = 6
	dmEncDouble = 7
	dmEncBool   = 8
	dmEncChar   = 9
	dmEncOctet  = 10
	dmEncInt64  = 11
	dmEncUint64 = 12
	dmEncStruct = 15
	dmEncString = 18
	dmEncArray  = 20
)

var dmEncSizes = map[int64]int{
	dmEncShort: 2, dmEncLong: 4, dmEncUShort: 2, dmEncULong: 4,
	dmEncFloat: 4, dmEncDouble: 8, dmEncBool: 1, dmEncChar: 1,
	dmEncOctet: 1, dmEncInt64: 8, dmEncUint64: 8,
}

// ImageData.DataType values
var dmDTypes = map[int64]emd.DType{
	1:  emd.Int16,
	2:  emd.Float32,
	3:  emd.Complex64,
	6:  emd.Uint8,
	7:  emd.Int32,
	9:  emd.Int8,
	10: emd.Uint16,
	11: emd.Uint32,
	12: emd.Float64,
	13: emd.Complex128,
	14: emd.Uint8,
}

// dmImage is the pixel array of one ImageList entry, located but not
// read during header parsing.
type dmImage struct {
	name       string
	dataOffset int64
	dataCount  int64
	dataType   int64 // ImageData.DataType
	shape      []int // C order
	scale      []float64
	origin     []float64
	units      []string
	pixelDepth int64
}

// DMReader reads Gatan DM3 and DM4 files. The tag tree is parsed once
// on open; pixel arrays are read on demand so large stacks can be
// sliced without loading.
type DMReader struct {
	f        *os.File
	size     int64
	dmType   int
	tags     map[string]any // flat tag arena, "a.b.c" keys
	images   []dmImage      // thumbnail excluded
	warnings []string       // malformed tags skipped during parsing
	version  Format
}

// OpenDM opens a DM3 or DM4 file and parses its tag directory.
func OpenDM(path string) (*DMReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &DMReader{f: f, tags: map[string]any{}}
	if fi, err := f.Stat(); err == nil {
		r.size = fi.Size()
	}
	if err := r.parse(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// dmParser wraps buffered reading with position tracking, so skipped
// regions can be recorded as absolute file offsets.
type dmParser struct {
	r    *bufio.Reader
	f    *os.File
	pos  int64
	dm4  bool // 8-byte counts and offsets
	size int64
}

func (p *dmParser) read(buf []byte) error {
	n, err := io.ReadFull(p.r, buf)
	p.pos += int64(n)
	if err != nil {
		return &TruncatedError{Format: "DM", Need: p.pos + int64(len(buf)-n), Have: p.size}
	}
	return nil
}

func (p *dmParser) u8() (byte, error) {
	var b [1]byte
	err := p.read(b[:])
	return b[0], err
}

func (p *dmParser) beU16() (uint16, error) {
	var b [2]byte
	err := p.read(b[:])
	return binary.BigEndian.Uint16(b[:]), err
}

func (p *dmParser) beU32() (uint32, error) {
	var b [4]byte
	err := p.read(b[:])
	return binary.BigEndian.Uint32(b[:]), err
}

func (p *dmParser) beU64() (uint64, error) {
	var b [8]byte
	err := p.read(b[:])
	return binary.BigEndian.Uint64(b[:]), err
}

// count reads a structural count: 4 bytes in DM3, 8 in DM4.
func (p *dmParser) count() (int64, error) {
	if p.dm4 {
		v, err := p.beU64()
		return int64(v), err
	}
	v, err := p.beU32()
	return int64(v), err
}

func (p *dmParser) skip(n int64) error {
	if n < 0 {
		return corruptf("DM", p.pos, "negative skip %d", n)
	}
	discarded, err := p.r.Discard(int(n))
	p.pos += int64(discarded)
	if err != nil {
		return &TruncatedError{Format: "DM", Need: p.pos + n - int64(discarded), Have: p.size}
	}
	return nil
}

// dmFrame is one level of the explicit tag-group work stack.
type dmFrame struct {
	path      string
	remaining int64
	unnamed   int
}

func (r *DMReader) parse() error {
	p := &dmParser{r: bufio.NewReaderSize(r.f, 1<<16), f: r.f, size: r.size}

	version, err := p.beU32()
	if err != nil {
		return err
	}
	switch version {
	case 3:
		r.dmType, r.version = 3, FormatDM3
	case 4:
		r.dmType, r.version, p.dm4 = 4, FormatDM4, true
	default:
		return fmt.Errorf("DM revision %d: %w", version, ErrVersionUnsupported)
	}
	if _, err := p.count(); err != nil { // root length field, unused
		return err
	}
	endian, err := p.beU32()
	if err != nil {
		return err
	}
	if endian != 1 {
		return fmt.Errorf("DM big-endian payload (endian flag %d): %w", endian, ErrVersionUnsupported)
	}

	if err := r.parseTagTree(p); err != nil {
		return err
	}
	return r.collectImages()
}

// parseTagTree walks the root tag group with an explicit work stack.
// Every terminal tag lands in the flat arena under its dotted path.
func (r *DMReader) parseTagTree(p *dmParser) error {
	root, err := readGroupHeader(p, "")
	if err != nil {
		return err
	}
	stack := []dmFrame{root}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.remaining <= 0 {
			stack = stack[:len(stack)-1]
			continue
		}
		top.remaining--

		kind, err := p.u8()
		if err != nil {
			return err
		}
		nameLen, err := p.beU16()
		if err != nil {
			return err
		}
		name := ""
		if nameLen > 0 {
			buf := make([]byte, nameLen)
			if err := p.read(buf); err != nil {
				return err
			}
			name = string(buf)
		} else {
			name = strconv.Itoa(top.unnamed)
			top.unnamed++
		}
		tagSize := int64(-1) // bytes after this field, DM4 only
		if p.dm4 {
			v, err := p.beU64()
			if err != nil {
				return err
			}
			tagSize = int64(v)
		}
		path := name
		if top.path != "" {
			path = top.path + "." + name
		}

		switch kind {
		case dmTagEntryGroup:
			if len(stack) >= dmMaxDepth {
				return corruptf("DM", p.pos, "tag groups nested deeper than %d", dmMaxDepth)
			}
			frame, err := readGroupHeader(p, path)
			if err != nil {
				return err
			}
			stack = append(stack, frame)
		case dmTagEntryData:
			start := p.pos
			if err := r.readTagData(p, path); err != nil {
				// DM4 records the payload size, so a malformed tag can
				// be skipped without losing its siblings. DM3 has no
				// size field and cannot resynchronize, so it stays
				// fatal there, as do truncations and skips that would
				// run past the directory.
				var corrupt *CorruptError
				if !errors.As(err, &corrupt) || tagSize < 0 {
					return err
				}
				end := start + tagSize
				if end < p.pos || (p.size > 0 && end > p.size) {
					return err
				}
				if err := p.skip(end - p.pos); err != nil {
					return err
				}
				r.warnings = append(r.warnings, fmt.Sprintf("tag %q skipped: %v", path, err))
			}
		default:
			return corruptf("DM", p.pos, "unknown tag entry kind %d at %q", kind, path)
		}
	}
	return nil
}

func readGroupHeader(p *dmParser, path string) (dmFrame, error) {
	if _, err := p.u8(); err != nil { // sorted flag
		return dmFrame{}, err
	}
	if _, err := p.u8(); err != nil { // open flag
		return dmFrame{}, err
	}
	n, err := p.count()
	if err != nil {
		return dmFrame{}, err
	}
	if n < 0 || n > 1<<24 {
		return dmFrame{}, corruptf("DM", p.pos, "implausible tag count %d in %q", n, path)
	}
	return dmFrame{path: path, remaining: n}, nil
}

// readTagData parses one %%%% tag payload and stores its value.
func (r *DMReader) readTagData(p *dmParser, path string) error {
	var delim [4]byte
	if err := p.read(delim[:]); err != nil {
		return err
	}
	if string(delim[:]) != "%%%%" {
		return corruptf("DM", p.pos, "missing %%%%%%%% delimiter at %q", path)
	}
	nInfo, err := p.count()
	if err != nil {
		return err
	}
	if nInfo <= 0 || nInfo > 1<<20 {
		return corruptf("DM", p.pos, "implausible info length %d at %q", nInfo, path)
	}
	info := make([]int64, nInfo)
	for i := range info {
		if info[i], err = p.count(); err != nil {
			return err
		}
	}

	switch info[0] {
	case dmEncString:
		if nInfo < 2 {
			return corruptf("DM", p.pos, "string tag %q without length", path)
		}
		buf := make([]byte, info[1])
		if err := p.read(buf); err != nil {
			return err
		}
		r.tags[path] = string(buf)
		return nil
	case dmEncStruct:
		vals, err := readStruct(p, info)
		if err != nil {
			return err
		}
		r.tags[path] = vals
		return nil
	case dmEncArray:
		return r.readArrayData(p, path, info)
	default:
		v, err := readScalar(p, info[0])
		if err != nil {
			return err
		}
		r.tags[path] = v
		return nil
	}
}

func readScalar(p *dmParser, enc int64) (float64, error) {
	size, ok := dmEncSizes[enc]
	if !ok {
		return 0, corruptf("DM", p.pos, "unknown encoded type %d", enc)
	}
	var b [8]byte
	if err := p.read(b[:size]); err != nil {
		return 0, err
	}
	switch enc {
	case dmEncShort:
		return float64(int16(binary.LittleEndian.Uint16(b[:]))), nil
	case dmEncLong:
		return float64(int32(binary.LittleEndian.Uint32(b[:]))), nil
	case dmEncUShort:
		return float64(binary.LittleEndian.Uint16(b[:])), nil
	case dmEncULong:
		return float64(binary.LittleEndian.Uint32(b[:])), nil
	case dmEncFloat:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b[:]))), nil
	case dmEncDouble:
		return math.Float64frombits(binary.LittleEndian.Uint64(b[:])), nil
	case dmEncBool, dmEncOctet:
		return float64(b[0]), nil
	case dmEncChar:
		return float64(int8(b[0])), nil
	case dmEncInt64:
		return float64(int64(binary.LittleEndian.Uint64(b[:]))), nil
	case dmEncUint64:
		return float64(binary.LittleEndian.Uint64(b[:])), nil
	}
	return 0, corruptf("DM", p.pos, "unknown encoded type %d", enc)
}

// structLayout decodes the struct part of an info array starting at
// info[base]: [15, nameLen, nFields, (fieldNameLen, fieldType)*n].
// It returns the field types, the total byte size, and the number of
// info entries consumed.
func structLayout(info []int64, base int) (fields []int64, byteSize int, used int, err error) {
	if base+3 > len(info) {
		return nil, 0, 0, fmt.Errorf("short struct info")
	}
	n := int(info[base+2])
	if n < 0 || base+3+2*n > len(info) {
		return nil, 0, 0, fmt.Errorf("short struct info for %d fields", n)
	}
	fields = make([]int64, n)
	for i := 0; i < n; i++ {
		fields[i] = info[base+3+2*i+1]
		size, ok := dmEncSizes[fields[i]]
		if !ok {
			return nil, 0, 0, fmt.Errorf("struct field of type %d", fields[i])
		}
		byteSize += size
	}
	return fields, byteSize, 3 + 2*n, nil
}

func readStruct(p *dmParser, info []int64) ([]float64, error) {
	fields, _, _, err := structLayout(info, 0)
	if err != nil {
		return nil, corruptf("DM", p.pos, "%v", err)
	}
	vals := make([]float64, len(fields))
	for i, ft := range fields {
		if vals[i], err = readScalar(p, ft); err != nil {
			return nil, err
		}
	}
	return vals, nil
}

// readArrayData handles encoded type 20. Pixel arrays (last path
// element "Data") are never materialized: their absolute offset, type
// and length go into the arena instead. Uint16 arrays decode as UTF-16
// text; other small arrays are kept as float64; everything else is
// skipped over.
func (r *DMReader) readArrayData(p *dmParser, path string, info []int64) error {
	if len(info) < 3 {
		return corruptf("DM", p.pos, "short array info at %q", path)
	}
	elemType := info[1]
	length := info[len(info)-1]
	if length < 0 {
		return corruptf("DM", p.pos, "negative array length at %q", path)
	}

	var elemSize int
	if elemType == dmEncStruct {
		_, size, used, err := structLayout(info, 1)
		if err != nil {
			return corruptf("DM", p.pos, "array of structs at %q: %v", path, err)
		}
		if 1+used+1 != len(info) {
			return corruptf("DM", p.pos, "inconsistent struct array info at %q", path)
		}
		elemSize = size
	} else {
		size, ok := dmEncSizes[elemType]
		if !ok {
			return corruptf("DM", p.pos, "array of unknown type %d at %q", elemType, path)
		}
		elemSize = size
	}
	byteLen := length * int64(elemSize)

	if strings.HasSuffix(path, ".Data") || path == "Data" {
		r.tags[path+".arrayOffset"] = p.pos
		r.tags[path+".arrayLength"] = length
		r.tags[path+".arrayType"] = elemType
		return p.skip(byteLen)
	}
	if elemType == dmEncUShort && byteLen <= dmInlineArray {
		buf := make([]byte, byteLen)
		if err := p.read(buf); err != nil {
			return err
		}
		codes := make([]uint16, length)
		for i := range codes {
			codes[i] = binary.LittleEndian.Uint16(buf[2*i:])
		}
		r.tags[path] = string(utf16.Decode(codes))
		return nil
	}
	if elemType != dmEncStruct && byteLen <= dmInlineArray {
		vals := make([]float64, length)
		for i := range vals {
			v, err := readScalar(p, elemType)
			if err != nil {
				return err
			}
			vals[i] = v
		}
		r.tags[path] = vals
		return nil
	}
	return p.skip(byteLen)
}

// collectImages assembles per-image descriptors from the tag arena and
// drops the thumbnail (DataType 23) from the dataset index.
func (r *DMReader) collectImages() error {
	indices := map[int]bool{}
	for path := range r.tags {
		var idx int
		if n, _ := fmt.Sscanf(path, "ImageList.%d.", &idx); n == 1 {
			indices[idx] = true
		}
	}
	ordered := make([]int, 0, len(indices))
	for idx := range indices {
		ordered = append(ordered, idx)
	}
	sort.Ints(ordered)

	for _, idx := range ordered {
		prefix := fmt.Sprintf("ImageList.%d.", idx)
		img := dmImage{dataType: -1}
		if v, ok := r.tags[prefix+"Name"].(string); ok {
			img.name = v
		}
		if v, ok := r.tagInt(prefix + "ImageData.DataType"); ok {
			img.dataType = v
		}
		if v, ok := r.tags[prefix+"ImageData.Data.arrayOffset"].(int64); ok {
			img.dataOffset = v
		}
		if v, ok := r.tags[prefix+"ImageData.Data.arrayLength"].(int64); ok {
			img.dataCount = v
		}
		if v, ok := r.tagInt(prefix + "ImageData.PixelDepth"); ok {
			img.pixelDepth = v
		}
		// dimension sizes are stored x fastest; reverse into C order
		var sizes []int
		for d := 0; ; d++ {
			v, ok := r.tagInt(fmt.Sprintf("%sImageData.Dimensions.%d", prefix, d))
			if !ok {
				break
			}
			sizes = append(sizes, int(v))
		}
		if len(sizes) == 0 || img.dataOffset == 0 {
			continue
		}
		img.shape = make([]int, len(sizes))
		img.scale = make([]float64, len(sizes))
		img.origin = make([]float64, len(sizes))
		img.units = make([]string, len(sizes))
		for d := range sizes {
			c := len(sizes) - 1 - d // C-order axis for storage axis d
			img.shape[c] = sizes[d]
			img.scale[c] = 1
			capath := fmt.Sprintf("%sImageData.Calibrations.Dimension.%d.", prefix, d)
			if v, ok := r.tagFloat(capath + "Scale"); ok && v != 0 {
				img.scale[c] = v
			}
			if v, ok := r.tagFloat(capath + "Origin"); ok {
				img.origin[c] = v
			}
			if v, ok := r.tags[capath+"Units"].(string); ok {
				img.units[c] = v
			}
		}
		n := int64(1)
		for _, s := range img.shape {
			n *= int64(s)
		}
		if n != img.dataCount {
			return corruptf("DM", img.dataOffset, "image %d: %d elements for shape %v", idx, img.dataCount, img.shape)
		}
		// thumbnails are RGBA renderings of the data, not data
		if img.dataType == dmTypeRGBA {
			continue
		}
		r.images = append(r.images, img)
	}
	if len(r.images) == 0 {
		return corruptf("DM", 0, "no image data found")
	}
	return nil
}

func (r *DMReader) tagInt(path string) (int64, bool) {
	switch v := r.tags[path].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

func (r *DMReader) tagFloat(path string) (float64, bool) {
	switch v := r.tags[path].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func (r *DMReader) Format() Format {
	return r.version
}

func (r *DMReader) DatasetCount() int {
	return len(r.images)
}

// Tags exposes the flat tag arena, mostly for the info command.
func (r *DMReader) Tags() map[string]any {
	return r.tags
}

// Warnings lists tags that were skipped as malformed during parsing.
func (r *DMReader) Warnings() []string {
	return r.warnings
}

// Dataset reads image i in full.
func (r *DMReader) Dataset(i int) (*emd.Dataset, error) {
	if i < 0 || i >= len(r.images) {
		return nil, fmt.Errorf("DM: image %d out of range [0,%d)", i, len(r.images))
	}
	img := &r.images[i]
	return r.readRegion(img, img.shape, img.dataOffset)
}

// Slice reads a single plane of a 3-D or 4-D image stack. For 2-D
// images plane 0 is the image itself.
func (r *DMReader) Slice(i, z int) (*emd.Dataset, error) {
	if i < 0 || i >= len(r.images) {
		return nil, fmt.Errorf("DM: image %d out of range [0,%d)", i, len(r.images))
	}
	img := &r.images[i]
	nd := len(img.shape)
	if nd < 2 {
		return nil, fmt.Errorf("DM: image %d is 1-D, cannot slice", i)
	}
	if nd == 2 {
		if z != 0 {
			return nil, fmt.Errorf("DM: image %d has no plane %d", i, z)
		}
		return r.Dataset(i)
	}
	h, w := img.shape[nd-2], img.shape[nd-1]
	planes := 1
	for _, s := range img.shape[:nd-2] {
		planes *= s
	}
	if z < 0 || z >= planes {
		return nil, fmt.Errorf("DM: plane %d out of range [0,%d)", z, planes)
	}
	dtype, ok := dmDTypes[img.dataType]
	if !ok {
		return nil, corruptf("DM", img.dataOffset, "unsupported pixel type %d", img.dataType)
	}
	offset := img.dataOffset + int64(z)*int64(h*w)*int64(dtype.Size())
	plane := dmImage{
		name:     img.name,
		dataType: img.dataType,
		scale:    img.scale[nd-2:],
		origin:   img.origin[nd-2:],
		units:    img.units[nd-2:],
	}
	return r.readRegion(&plane, []int{h, w}, offset)
}

func (r *DMReader) readRegion(img *dmImage, shape []int, offset int64) (*emd.Dataset, error) {
	dtype, ok := dmDTypes[img.dataType]
	if !ok {
		return nil, corruptf("DM", offset, "unsupported pixel type %d", img.dataType)
	}
	n := 1
	for _, s := range shape {
		n *= s
	}
	need := offset + int64(n)*int64(dtype.Size())
	if r.size > 0 && need > r.size {
		return nil, &TruncatedError{Format: "DM", Need: need, Have: r.size}
	}
	if _, err := r.f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	data := dtype.MakeSlice(n)
	if err := binary.Read(bufio.NewReaderSize(r.f, 1<<16), binary.LittleEndian, data); err != nil {
		return nil, &TruncatedError{Format: "DM", Need: need, Have: r.size}
	}
	dims := make([]emd.Dim, len(shape))
	names := dmAxisNames(len(shape))
	for i, s := range shape {
		dims[i] = emd.LinearDim(s, -img.origin[i]*img.scale[i], img.scale[i], names[i], img.units[i])
	}
	name := img.name
	if name == "" {
		name = "image"
	}
	return &emd.Dataset{
		Name:  name,
		DType: dtype,
		Shape: append([]int(nil), shape...),
		Data:  data,
		Dims:  dims,
		Meta:  emd.Metadata{},
	}, nil
}

func dmAxisNames(n int) []string {
	all := []string{"w", "z", "y", "x"}
	return all[len(all)-n:]
}

func (r *DMReader) Close() error {
	return r.f.Close()
}
