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

package eval

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/emtools/emkit/internal/emio"
)

func writeTIFF(t *testing.T, path string) {
	t.Helper()
	img := image.NewGray16(image.Rect(0, 0, 3, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			img.SetGray16(x, y, color.Gray16{Y: uint16(1000 * (y*3 + x))})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, tiff.Encode(f, img, nil))
}

func TestOutputName(t *testing.T) {
	assert.Equal(t, "/data/run42.emd", OutputName("/data/run42.ser"))
	assert.Equal(t, "scan.emd", OutputName("scan.dm4"))
	assert.Equal(t, "noext.emd", OutputName("noext"))
}

func TestConvertFile(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "frame.tif")
	out := filepath.Join(dir, "frame.emd")
	writeTIFF(t, in)

	require.NoError(t, ConvertFile(in, out))
	ds, err := emio.ReadFirst(out)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, ds.Shape)
	assert.Equal(t, 5000.0, ds.At(1, 2))

	assert.Error(t, ConvertFile(filepath.Join(dir, "absent.tif"), out))
}

func TestBatchConvert(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a.tif", "b.tif"} {
		p := filepath.Join(dir, name)
		writeTIFF(t, p)
		paths = append(paths, p)
	}

	var log strings.Builder
	opt := BatchOptions{Workers: 2, Log: &log}
	require.NoError(t, BatchConvert(context.Background(), paths, opt))
	for _, p := range paths {
		out := OutputName(p)
		if _, err := os.Stat(out); err != nil {
			t.Errorf("missing output %s: %s", out, err)
		}
		assert.Contains(t, log.String(), out)
	}
}

func TestBatchConvertReportsFailures(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.tif")
	writeTIFF(t, good)
	missing := filepath.Join(dir, "missing.tif")

	err := BatchConvert(context.Background(), []string{good, missing}, BatchOptions{Workers: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.tif")
}

func TestBatchWorkerSizing(t *testing.T) {
	opt := BatchOptions{Workers: 8, MemoryMB: 1024, PerJobMB: 512}
	assert.Equal(t, 2, opt.workers())

	opt = BatchOptions{Workers: 3, MemoryMB: 64 * 1024, PerJobMB: 512}
	assert.Equal(t, 3, opt.workers())

	opt = BatchOptions{Workers: 2, MemoryMB: 100, PerJobMB: 512}
	assert.Equal(t, 1, opt.workers())
}
