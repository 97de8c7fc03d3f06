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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emtools/emkit/internal/emd"
)

func TestEMDRoundTripIsBitIdentical(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.emd")

	img := emd.NewDataset("pattern", emd.Uint16, 2, 3)
	imgData := img.Data.([]uint16)
	copy(imgData, []uint16{1, 2, 3, 60000, 5, 6})
	img.Dims[0] = emd.LinearDim(2, -1, 0.5, "y", "nm")
	img.Dims[1] = emd.LinearDim(3, 0, 0.25, "x", "nm")
	img.Meta = emd.Metadata{
		"microscope": emd.Metadata{"voltage": 300000.0},
		"comments":   emd.Metadata{"note": "fixture"},
	}

	spectrum := emd.NewDataset("spectrum", emd.Float64, 4)
	copy(spectrum.Data.([]float64), []float64{0.25, -1, 3.5, 0})

	require.NoError(t, WriteEMD(path, img, spectrum))

	format, err := Detect(path)
	require.NoError(t, err)
	assert.Equal(t, FormatEMD, format)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, FormatEMD, r.Format())
	require.Equal(t, 2, r.DatasetCount())

	byName := map[string]*emd.Dataset{}
	for i := 0; i < r.DatasetCount(); i++ {
		ds, err := r.Dataset(i)
		require.NoError(t, err)
		byName[ds.Name] = ds
	}
	got := byName["pattern"]
	require.NotNil(t, got)
	assert.Equal(t, emd.Uint16, got.DType)
	assert.Equal(t, []int{2, 3}, got.Shape)
	assert.Equal(t, imgData, got.Data.([]uint16))
	require.Len(t, got.Dims, 2)
	assert.Equal(t, "y", got.Dims[0].Name)
	assert.Equal(t, "nm", got.Dims[0].Units)
	assert.InDelta(t, -1, got.Dims[0].Coords[0], 1e-12)
	assert.InDelta(t, -0.5, got.Dims[0].Coords[1], 1e-12)

	note, ok := got.Meta.String("comments", "note")
	require.True(t, ok)
	assert.Equal(t, "fixture", note)
	v, ok := got.Meta.Float("microscope", "voltage")
	require.True(t, ok)
	assert.Equal(t, 300000.0, v)

	spec := byName["spectrum"]
	require.NotNil(t, spec)
	assert.Equal(t, emd.Float64, spec.DType)
	assert.Equal(t, []float64{0.25, -1, 3.5, 0}, spec.Data.([]float64))
}

func TestEMDComplexRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cplx.emd")

	ds := emd.NewDataset("wave", emd.Complex64, 2, 2)
	copy(ds.Data.([]complex64), []complex64{
		complex(1, -1), complex(0.5, 2), complex(-3, 0), complex(0, 4),
	})
	require.NoError(t, WriteEMD(path, ds))

	got, err := ReadFirst(path)
	require.NoError(t, err)
	assert.Equal(t, emd.Complex64, got.DType)
	assert.Equal(t, []int{2, 2}, got.Shape)
	assert.Equal(t, ds.Data, got.Data)
}

func TestEMDSlice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stack.emd")

	ds := emd.NewDataset("stack", emd.Float64, 3, 2, 2)
	data := ds.Data.([]float64)
	for i := range data {
		data[i] = float64(i)
	}
	require.NoError(t, WriteEMD(path, ds))

	r, err := OpenEMD(path)
	require.NoError(t, err)
	defer r.Close()

	plane, err := r.Slice(0, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, plane.Shape)
	assert.Equal(t, []float64{4, 5, 6, 7}, plane.Data.([]float64))

	_, err = r.Slice(0, 3)
	assert.Error(t, err)
}

func TestWriteEMDCleansUpPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.emd")

	// an invalid dataset fails the write before rename
	ds := emd.NewDataset("broken", emd.Float64, 4)
	ds.Shape = []int{5}
	err := WriteEMD(path, ds)
	require.Error(t, err)
	var werr *WriteError
	assert.ErrorAs(t, err, &werr)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".partial")
	assert.True(t, os.IsNotExist(err))
}
