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
	"testing"
)

func TestLocalMaxFindsAndSortsPeaks(t *testing.T) {
	h, w := 8, 8
	img := make([]float64, h*w)
	img[0*w+0] = 7 // corner, neighborhood clipped
	img[2*w+2] = 5
	img[2*w+3] = 5 // plateau, raster-earlier pixel wins
	img[6*w+5] = 9
	img[4*w+4] = 3 // below threshold

	peaks, err := LocalMax(img, h, w, 1, 4)
	if err != nil {
		t.Fatal(err)
	}
	want := []Peak{
		{Y: 6, X: 5, V: 9},
		{Y: 0, X: 0, V: 7},
		{Y: 2, X: 2, V: 5},
	}
	if len(peaks) != len(want) {
		t.Fatalf("found %d peaks %v, expected %d", len(peaks), peaks, len(want))
	}
	for i, p := range peaks {
		if p != want[i] {
			t.Errorf("peak %d: %v, expected %v", i, p, want[i])
		}
	}
}

func TestLocalMaxRadiusSuppression(t *testing.T) {
	h, w := 7, 7
	img := make([]float64, h*w)
	img[3*w+2] = 5
	img[3*w+4] = 6 // two apart, suppresses the weaker one at radius 2

	peaks, err := LocalMax(img, h, w, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(peaks) != 1 || peaks[0].X != 4 {
		t.Fatalf("got %v, expected only the peak at x=4", peaks)
	}

	peaks, err = LocalMax(img, h, w, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(peaks) != 2 {
		t.Fatalf("radius 1 should keep both peaks, got %v", peaks)
	}
}

func TestLocalMaxRejectsBadInput(t *testing.T) {
	img := make([]float64, 16)
	if _, err := LocalMax(img, 4, 5, 1, 0); err == nil {
		t.Error("length mismatch accepted")
	}
	if _, err := LocalMax(img, 4, 4, 0, 0); err == nil {
		t.Error("radius 0 accepted")
	}
}

func TestRefinePeaksCentroid(t *testing.T) {
	h, w := 7, 7
	img := make([]float64, h*w)
	img[3*w+3] = 2
	img[3*w+4] = 2  // pulls the centroid half a pixel in x
	img[2*w+3] = -5 // negative intensity is clipped, not subtracted

	ys, xs := RefinePeaks(img, h, w, []Peak{{Y: 3, X: 3, V: 2}}, 1)
	if ys[0] != 3 || xs[0] != 3.5 {
		t.Errorf("centroid (%g, %g), expected (3, 3.5)", ys[0], xs[0])
	}
}

func TestRefinePeaksEmptyNeighborhood(t *testing.T) {
	img := make([]float64, 25)
	ys, xs := RefinePeaks(img, 5, 5, []Peak{{Y: 1, X: 2}}, 1)
	if ys[0] != 1 || xs[0] != 2 {
		t.Errorf("zero neighborhood moved the peak to (%g, %g)", ys[0], xs[0])
	}
}
