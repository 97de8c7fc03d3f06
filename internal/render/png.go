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

// Package render exports dataset previews as PNG.
package render

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"sort"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/emtools/emkit/internal/emd"
)

// Options controls preview rendering.
type Options struct {
	// PercentLow/High clip the intensity range to percentiles before
	// scaling, which keeps hot pixels from flattening the image.
	PercentLow, PercentHigh float64
	Gamma                   float64
	// Colormap: "gray" (default) or "fire", a black-red-yellow-white
	// ramp blended in perceptual color space.
	Colormap string
}

// WritePNG renders the middle frame of a dataset to a PNG file. 3-D
// and 4-D stacks use their central plane, matching what a microscopist
// expects from a quick preview.
func WritePNG(fileName string, ds *emd.Dataset, opt Options) error {
	nd := len(ds.Shape)
	if nd < 2 {
		return fmt.Errorf("dataset %q is %d-D, need at least 2-D for a preview", ds.Name, nd)
	}
	planes := 1
	for _, s := range ds.Shape[:nd-2] {
		planes *= s
	}
	img, err := ds.Frame(planes / 2)
	if err != nil {
		return err
	}
	h, w := ds.Shape[nd-2], ds.Shape[nd-1]

	if opt.PercentHigh <= 0 {
		opt.PercentLow, opt.PercentHigh = 0.5, 99.5
	}
	if opt.Gamma <= 0 {
		opt.Gamma = 1
	}
	lo, hi := percentiles(img, opt.PercentLow, opt.PercentHigh)
	if hi <= lo {
		hi = lo + 1
	}
	scale := 1 / (hi - lo)
	gammaInv := 1 / opt.Gamma

	ramp := grayRamp
	if opt.Colormap == "fire" {
		ramp = fireRamp
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := (img[y*w+x] - lo) * scale
			if math.IsNaN(v) || v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			if gammaInv != 1 {
				v = math.Pow(v, gammaInv)
			}
			out.Set(x, y, ramp(v))
		}
	}

	f, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer f.Close()
	writer := bufio.NewWriter(f)
	if err := png.Encode(writer, out); err != nil {
		return err
	}
	return writer.Flush()
}

func grayRamp(v float64) color.Color {
	g := uint8(v*255 + 0.5)
	return color.RGBA{g, g, g, 255}
}

// fire color ramp stops, blended pairwise in Luv
var fireStops = []struct {
	at float64
	c  colorful.Color
}{
	{0.00, colorful.Color{R: 0, G: 0, B: 0}},
	{0.35, colorful.Color{R: 0.7, G: 0.1, B: 0}},
	{0.70, colorful.Color{R: 1, G: 0.8, B: 0}},
	{1.00, colorful.Color{R: 1, G: 1, B: 1}},
}

func fireRamp(v float64) color.Color {
	for i := 0; i < len(fireStops)-1; i++ {
		a, b := fireStops[i], fireStops[i+1]
		if v <= b.at {
			t := (v - a.at) / (b.at - a.at)
			return a.c.BlendLuv(b.c, t).Clamped()
		}
	}
	return fireStops[len(fireStops)-1].c
}

// percentiles returns the lo and hi percentile values of img.
func percentiles(img []float64, lo, hi float64) (float64, float64) {
	sorted := make([]float64, 0, len(img))
	for _, v := range img {
		if !math.IsNaN(v) {
			sorted = append(sorted, v)
		}
	}
	if len(sorted) == 0 {
		return 0, 1
	}
	sort.Float64s(sorted)
	pick := func(p float64) float64 {
		i := int(p / 100 * float64(len(sorted)-1))
		return sorted[i]
	}
	return pick(lo), pick(hi)
}
