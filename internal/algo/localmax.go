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

package algo

import (
	"fmt"
	"sort"
)

// Peak is a local intensity maximum.
type Peak struct {
	Y, X int
	V    float64
}

// LocalMax finds local maxima of an h*w image: pixels at or above
// thresh that dominate their (2*radius+1)^2 neighborhood, clipped at
// the borders. Equal-valued neighbors are resolved by raster order,
// the earlier pixel wins, so a flat plateau yields exactly one peak.
// Results are sorted by intensity, descending; ties again in raster
// order.
func LocalMax(img []float64, h, w, radius int, thresh float64) ([]Peak, error) {
	if len(img) != h*w {
		return nil, fmt.Errorf("image length %d does not match %dx%d", len(img), h, w)
	}
	if radius < 1 {
		return nil, fmt.Errorf("radius %d < 1", radius)
	}

	var peaks []Peak
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := img[y*w+x]
			if v < thresh {
				continue
			}
			if isLocalMax(img, h, w, y, x, radius) {
				peaks = append(peaks, Peak{Y: y, X: x, V: v})
			}
		}
	}
	sort.SliceStable(peaks, func(i, j int) bool {
		return peaks[i].V > peaks[j].V
	})
	return peaks, nil
}

func isLocalMax(img []float64, h, w, y, x, radius int) bool {
	v := img[y*w+x]
	y0, y1 := y-radius, y+radius
	if y0 < 0 {
		y0 = 0
	}
	if y1 >= h {
		y1 = h - 1
	}
	x0, x1 := x-radius, x+radius
	if x0 < 0 {
		x0 = 0
	}
	if x1 >= w {
		x1 = w - 1
	}
	for ny := y0; ny <= y1; ny++ {
		for nx := x0; nx <= x1; nx++ {
			if ny == y && nx == x {
				continue
			}
			nv := img[ny*w+nx]
			if nv > v {
				return false
			}
			// raster-earlier neighbor wins a tie
			if nv == v && (ny < y || (ny == y && nx < x)) {
				return false
			}
		}
	}
	return true
}

// RefinePeaks recenters peaks on the intensity-weighted centroid of
// their neighborhood, giving sub-pixel positions.
func RefinePeaks(img []float64, h, w int, peaks []Peak, radius int) (ys, xs []float64) {
	ys = make([]float64, len(peaks))
	xs = make([]float64, len(peaks))
	for i, p := range peaks {
		var sum, my, mx float64
		for ny := max(0, p.Y-radius); ny <= min(h-1, p.Y+radius); ny++ {
			for nx := max(0, p.X-radius); nx <= min(w-1, p.X+radius); nx++ {
				v := img[ny*w+nx]
				if v < 0 {
					v = 0
				}
				sum += v
				my += v * float64(ny)
				mx += v * float64(nx)
			}
		}
		if sum > 0 {
			ys[i], xs[i] = my/sum, mx/sum
		} else {
			ys[i], xs[i] = float64(p.Y), float64(p.X)
		}
	}
	return ys, xs
}
