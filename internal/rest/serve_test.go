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

package rest

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/emtools/emkit/internal/emd"
	"github.com/emtools/emkit/internal/emio"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func doJSON(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(method, path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	NewRouter().ServeHTTP(rec, req)
	return rec
}

func writeTIFF(t *testing.T, path string) {
	t.Helper()
	img := image.NewGray16(image.Rect(0, 0, 3, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			img.SetGray16(x, y, color.Gray16{Y: uint16(100 * (y*3 + x))})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, tiff.Encode(f, img, nil))
}

func TestPing(t *testing.T) {
	rec := doJSON(t, "GET", "/api/v1/ping", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message": "pong"}`, rec.Body.String())
}

func TestPostInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.tif")
	writeTIFF(t, path)

	rec := doJSON(t, "POST", "/api/v1/info", fmt.Sprintf(`{"file": %q}`, path))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Format   string `json:"format"`
		Datasets []struct {
			DType string `json:"dtype"`
			Shape []int  `json:"shape"`
		} `json:"datasets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "TIFF", resp.Format)
	require.Len(t, resp.Datasets, 1)
	assert.Equal(t, []int{2, 3}, resp.Datasets[0].Shape)

	rec = doJSON(t, "POST", "/api/v1/info", `{"file": "no/such/file"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, "POST", "/api/v1/info", `{"file": 42}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostConvert(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "frame.tif")
	writeTIFF(t, in)

	rec := doJSON(t, "POST", "/api/v1/convert", fmt.Sprintf(`{"files": [%q], "workers": 1}`, in))
	require.Equal(t, http.StatusOK, rec.Code)
	out := filepath.Join(dir, "frame.emd")
	assert.Contains(t, rec.Body.String(), out)
	if _, err := os.Stat(out); err != nil {
		t.Errorf("missing output: %s", err)
	}

	rec = doJSON(t, "POST", "/api/v1/convert", `{"files": ["no/such/file.ser"]}`)
	require.Equal(t, http.StatusOK, rec.Code) // progress stream, errors in-band
	assert.Contains(t, rec.Body.String(), "error:")
}

func TestPostRingDiff(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "pattern.emd")
	require.NoError(t, emio.WriteEMD(in, ringPattern()))

	out := filepath.Join(dir, "pattern_eval.emd")
	body := fmt.Sprintf(`{
		"file": %q, "out": %q,
		"settings": {
			"maxRadius": 3, "threshold": 10,
			"centerInit": [31, 33], "radiusRange": [8, 16],
			"backFuncs": ["const"]
		}
	}`, in, out)
	rec := doJSON(t, "POST", "/api/v1/ringdiff", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		State      string    `json:"state"`
		Center     []float64 `json:"center"`
		Distortion struct {
			R0 float64 `json:"r0"`
		} `json:"distortion"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "complete", resp.State)
	require.Len(t, resp.Center, 2)
	assert.InDelta(t, 32, resp.Center[0], 0.5)
	assert.InDelta(t, 32, resp.Center[1], 0.5)
	assert.InDelta(t, 12, resp.Distortion.R0, 0.5)

	if _, err := os.Stat(out); err != nil {
		t.Errorf("missing result file: %s", err)
	}

	rec = doJSON(t, "POST", "/api/v1/ringdiff", `{"file": "no/such/file.emd"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

// ringPattern renders twelve spots on a radius-12 ring.
func ringPattern() *emd.Dataset {
	const (
		h, w   = 64, 64
		cy, cx = 32.0, 32.0
	)
	img := make([]float64, h*w)
	for i := 0; i < 12; i++ {
		theta := 2 * math.Pi * float64(i) / 12
		sy := cy + 12*math.Sin(theta)
		sx := cx + 12*math.Cos(theta)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dy := (float64(y) - sy) / 1.2
				dx := (float64(x) - sx) / 1.2
				img[y*w+x] += 100 * math.Exp(-0.5*(dy*dy+dx*dx))
			}
		}
	}
	ds := emd.NewDataset("pattern", emd.Float64, h, w)
	copy(ds.Data.([]float64), img)
	return ds
}
