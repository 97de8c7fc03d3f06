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
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeMRCFixture writes a 3x2x2 float32 tilt series with two FEI
// extended header blocks.
func writeMRCFixture(t *testing.T, dir string, feiBlocks int, mapStamp bool) string {
	head := make([]byte, mrcHeaderSize)
	hw := &leWriter{t: t}
	hw.put(int32(3), int32(2), int32(2)) // nx, ny, nz
	hw.put(int32(2))                     // mode: float32
	hw.put([3]int32{})                   // start
	hw.put([3]int32{3, 2, 2})            // grid
	hw.put([3]float32{30, 10, 4})        // cell, Angstroms
	hw.put([3]float32{90, 90, 90})
	hw.put([3]int32{1, 2, 3})
	hw.put([3]float32{0, 5, 2.5})
	var extra [32]int32
	extra[1] = int32(feiBlocks * mrcFEIBlockSize)
	hw.put(extra)
	copy(head, hw.buf.Bytes())
	if mapStamp {
		copy(head[208:], "MAP ")
	}

	buf := bytes.NewBuffer(head)
	for i := 0; i < feiBlocks; i++ {
		var block [mrcFEIBlockSize]byte
		fe := feiExtHeader{
			ATilt:     float32(-30 + 2*i),
			Defocus:   float32(-1.2e-6),
			PixelSize: 2e-9,
			Voltage:   300,
		}
		bw := &bytes.Buffer{}
		require.NoError(t, binary.Write(bw, binary.LittleEndian, &fe))
		copy(block[:], bw.Bytes())
		buf.Write(block[:])
	}
	for i := 0; i < 12; i++ {
		require.NoError(t, binary.Write(buf, binary.LittleEndian, float32(i)))
	}

	path := filepath.Join(dir, "series.mrc")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func TestMRCRoundTrip(t *testing.T) {
	path := writeMRCFixture(t, t.TempDir(), 2, true)

	format, err := Detect(path)
	require.NoError(t, err)
	assert.Equal(t, FormatMRC, format)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, FormatMRC, r.Format())
	require.Equal(t, 1, r.DatasetCount())

	ds, err := r.Dataset(0)
	require.NoError(t, err)
	require.NoError(t, ds.Validate())
	assert.Equal(t, []int{2, 2, 3}, ds.Shape)
	data := ds.Data.([]float32)
	assert.Equal(t, float32(0), data[0])
	assert.Equal(t, float32(11), data[11])

	// FEI pixel size (2e-9 m = 2 nm) overrides the cell calibration in
	// y and x; z keeps cell/grid * 0.1. The header stores the pixel
	// size as float32, so 2 nm only survives to float32 precision.
	require.Len(t, ds.Dims, 3)
	assert.InDelta(t, 0.2, ds.Dims[0].Coords[1], 1e-9)
	assert.InDelta(t, 2.0, ds.Dims[1].Coords[1], 1e-6)
	assert.InDelta(t, 2.0, ds.Dims[2].Coords[1], 1e-6)

	v, ok := ds.Meta.Float("voltage")
	require.True(t, ok)
	assert.Equal(t, 300.0, v)
}

func TestMRCSlice(t *testing.T) {
	path := writeMRCFixture(t, t.TempDir(), 2, true)
	r, err := OpenMRC(path)
	require.NoError(t, err)
	defer r.Close()

	ds, err := r.Slice(0, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, ds.Shape)
	data := ds.Data.([]float32)
	assert.Equal(t, float32(6), data[0])

	tilt, ok := ds.Meta.Float("aTilt")
	require.True(t, ok)
	assert.Equal(t, -28.0, tilt)

	_, err = r.Slice(0, 2)
	assert.Error(t, err)
}

func TestMRCDetectByExtension(t *testing.T) {
	// old-style file without the MAP stamp still opens via extension
	path := writeMRCFixture(t, t.TempDir(), 0, false)
	format, err := Detect(path)
	require.NoError(t, err)
	assert.Equal(t, FormatMRC, format)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	ds, err := r.Dataset(0)
	require.NoError(t, err)
	// without FEI blocks the cell calibration applies
	assert.InDelta(t, 1.0, ds.Dims[2].Coords[1], 1e-9)
	assert.InDelta(t, 0.5, ds.Dims[1].Coords[1], 1e-9)
}

func TestMRCRejectsTruncatedData(t *testing.T) {
	dir := t.TempDir()
	path := writeMRCFixture(t, dir, 0, true)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-8], 0644))

	_, err = OpenMRC(path)
	require.Error(t, err)
	var trunc *TruncatedError
	assert.ErrorAs(t, err, &trunc)
}
