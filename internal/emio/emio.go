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

// Package emio reads and writes electron microscopy data files. Open
// dispatches on the file signature, never on the extension alone, and
// returns a Reader that serves normalized datasets.
package emio

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"

	"github.com/emtools/emkit/internal/emd"
)

// Format identifies a supported file format.
type Format int

const (
	FormatUnknown Format = iota
	FormatSER
	FormatDM3
	FormatDM4
	FormatMRC
	FormatEMD
	FormatVelox
	FormatTIFF
)

func (f Format) String() string {
	switch f {
	case FormatSER:
		return "SER"
	case FormatDM3:
		return "DM3"
	case FormatDM4:
		return "DM4"
	case FormatMRC:
		return "MRC"
	case FormatEMD:
		return "EMD"
	case FormatVelox:
		return "Velox EMD"
	case FormatTIFF:
		return "TIFF"
	}
	return "unknown"
}

// Reader serves the datasets of an open file. Implementations keep the
// file handle open so Slice can seek without materializing full stacks.
type Reader interface {
	// Format reports the detected file format.
	Format() Format
	// DatasetCount returns the number of datasets in the file.
	DatasetCount() int
	// Dataset reads dataset i in full.
	Dataset(i int) (*emd.Dataset, error)
	// Slice reads plane z of dataset i without loading the whole stack.
	Slice(i, z int) (*emd.Dataset, error)
	// Close releases the underlying file handle.
	Close() error
}

var hdf5Magic = []byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n'}

// Detect sniffs the file signature and reports the format. The
// extension only breaks ties for MRC variants without a MAP stamp and
// for HDF5 flavors.
func Detect(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer f.Close()

	var head [16]byte
	if _, err := f.ReadAt(head[:], 0); err != nil {
		return FormatUnknown, ErrUnsupportedFormat
	}

	if bytes.Equal(head[:8], hdf5Magic) {
		return detectHDF5(path)
	}
	// SER: little-endian 0x4949 marker then series ID 0x0197
	if head[0] == 0x49 && head[1] == 0x49 &&
		binary.LittleEndian.Uint16(head[2:4]) == 0x0197 {
		return FormatSER, nil
	}
	// DM: big-endian file version 3 or 4 at offset 0
	switch binary.BigEndian.Uint32(head[:4]) {
	case 3:
		return FormatDM3, nil
	case 4:
		return FormatDM4, nil
	}
	// TIFF: II*\0 or MM\0*
	if (head[0] == 'I' && head[1] == 'I' && head[2] == 42 && head[3] == 0) ||
		(head[0] == 'M' && head[1] == 'M' && head[2] == 0 && head[3] == 42) {
		return FormatTIFF, nil
	}
	// MRC: MAP stamp at offset 208; old files may lack it, so fall
	// back to the extension.
	var stamp [4]byte
	if _, err := f.ReadAt(stamp[:], 208); err == nil && bytes.Equal(stamp[:], []byte("MAP ")) {
		return FormatMRC, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mrc", ".rec", ".ali", ".st":
		return FormatMRC, nil
	}
	return FormatUnknown, ErrUnsupportedFormat
}

// Open detects the format of path and returns a reader for it.
func Open(path string) (Reader, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatSER:
		return OpenSER(path)
	case FormatDM3, FormatDM4:
		return OpenDM(path)
	case FormatMRC:
		return OpenMRC(path)
	case FormatEMD:
		return OpenEMD(path)
	case FormatVelox:
		return OpenVelox(path)
	case FormatTIFF:
		return OpenTIFF(path)
	}
	return nil, ErrUnsupportedFormat
}

// ReadFirst opens path and reads its first dataset.
func ReadFirst(path string) (*emd.Dataset, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if r.DatasetCount() == 0 {
		return nil, corruptf(r.Format().String(), 0, "file contains no datasets")
	}
	return r.Dataset(0)
}

// ReadAll opens path and reads every dataset it contains.
func ReadAll(path string) ([]*emd.Dataset, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*emd.Dataset, 0, r.DatasetCount())
	for i := 0; i < r.DatasetCount(); i++ {
		ds, err := r.Dataset(i)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, nil
}
