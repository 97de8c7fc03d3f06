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
	"math"
	"testing"
)

// radiusImage sets every pixel to its distance from the center, so a
// radial mean must reproduce the bin centers.
func radiusImage(h, w int, cy, cx float64) []float64 {
	img := make([]float64, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img[y*w+x] = math.Hypot(float64(y)-cy, float64(x)-cx)
		}
	}
	return img
}

func TestRadialProfileBinsByDistance(t *testing.T) {
	h, w := 21, 21
	img := radiusImage(h, w, 10, 10)

	p, err := RadialProfile(img, h, w, ProfileOptions{CenterY: 10, CenterX: 10, BinWidth: 1})
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for i := range p.R {
		total += p.N[i]
		if p.N[i] == 0 {
			if !math.IsNaN(p.Mean[i]) {
				t.Errorf("empty bin %d has mean %g, expected NaN", i, p.Mean[i])
			}
			continue
		}
		if math.Abs(p.Mean[i]-p.R[i]) > 0.5 {
			t.Errorf("bin %d: mean radius %g far from center %g", i, p.Mean[i], p.R[i])
		}
	}
	if total != h*w {
		t.Errorf("binned %d of %d pixels", total, h*w)
	}
	// the default rmax reaches exactly to the corners, so the profile
	// ends in the bin holding the four corner pixels
	if want := int(math.Hypot(10, 10)) + 1; len(p.R) != want {
		t.Errorf("profile has %d bins, expected %d", len(p.R), want)
	}
	if last := len(p.N) - 1; p.N[last] != 4 {
		t.Errorf("outermost bin %d holds %d samples, expected the 4 corners", last, p.N[last])
	}
}

// An off-center profile must size its bins to the farthest corner, not
// the image diagonal, so there is no empty tail of NaN bins.
func TestRadialProfileOffCenterExtent(t *testing.T) {
	h, w := 5, 4
	img := radiusImage(h, w, 0, 0)

	p, err := RadialProfile(img, h, w, ProfileOptions{CenterY: 0, CenterX: 0, BinWidth: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.R) != 6 { // farthest corner (4, 3) lies at r = 5
		t.Fatalf("profile has %d bins, expected 6", len(p.R))
	}
	if p.N[5] == 0 {
		t.Error("outermost bin is empty, farthest corner not binned")
	}
	total := 0
	for _, n := range p.N {
		total += n
	}
	if total != h*w {
		t.Errorf("binned %d of %d pixels", total, h*w)
	}
}

func TestRadialProfileRMaxAndMask(t *testing.T) {
	h, w := 9, 9
	img := radiusImage(h, w, 4, 4)

	p, err := RadialProfile(img, h, w, ProfileOptions{CenterY: 4, CenterX: 4, BinWidth: 1, RMax: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.R) != 3 {
		t.Fatalf("rmax 2 yielded %d bins", len(p.R))
	}
	if p.N[0] != 1 { // only the center pixel has r < 1
		t.Errorf("innermost bin holds %d samples, expected 1", p.N[0])
	}

	mask := make([]bool, h*w)
	for i := range mask {
		mask[i] = true
	}
	mask[4*w+6] = false // keep one pixel at r = 2
	p, err = RadialProfile(img, h, w, ProfileOptions{CenterY: 4, CenterX: 4, BinWidth: 1, Mask: mask})
	if err != nil {
		t.Fatal(err)
	}
	for i := range p.N {
		want := 0
		if i == 2 {
			want = 1
		}
		if p.N[i] != want {
			t.Errorf("bin %d holds %d samples, expected %d", i, p.N[i], want)
		}
	}
	if p.Mean[2] != 2 {
		t.Errorf("unmasked pixel mean %g, expected 2", p.Mean[2])
	}
}

func TestRadialProfileCorrectsDistortion(t *testing.T) {
	h, w := 41, 41
	cy, cx := 20.0, 20.0
	d := &Distortion{R0: 8, Orders: []int{2}, Alpha: []float64{0.3}, Beta: []float64{0.15}}

	// a distorted ring of unit intensity on zero background
	img := make([]float64, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dy, dx := float64(y)-cy, float64(x)-cx
			r := math.Hypot(dy, dx)
			if math.Abs(r-d.Radius(math.Atan2(dy, dx))) < 0.6 {
				img[y*w+x] = 1
			}
		}
	}
	ringMass := func(p *Profile, bins ...int) float64 {
		var m float64
		for _, b := range bins {
			if p.N[b] > 0 {
				m += p.Mean[b] * float64(p.N[b])
			}
		}
		return m
	}
	var total float64
	for _, v := range img {
		total += v
	}

	raw, err := RadialProfile(img, h, w, ProfileOptions{CenterY: cy, CenterX: cx, BinWidth: 1})
	if err != nil {
		t.Fatal(err)
	}
	corrected, err := RadialProfile(img, h, w, ProfileOptions{CenterY: cy, CenterX: cx, BinWidth: 1, Distortion: d})
	if err != nil {
		t.Fatal(err)
	}

	// corrected radii land entirely in the two bins around R0
	if got := ringMass(corrected, 7, 8); math.Abs(got-total) > 1e-9 {
		t.Errorf("corrected profile holds %g of %g ring mass near R0", got, total)
	}
	if got := ringMass(raw, 7, 8); got > total-0.5 {
		t.Errorf("uncorrected profile unexpectedly sharp: %g of %g", got, total)
	}
}

func TestRadialProfileRejectsBadInput(t *testing.T) {
	img := make([]float64, 16)
	if _, err := RadialProfile(img, 4, 5, ProfileOptions{BinWidth: 1}); err == nil {
		t.Error("length mismatch accepted")
	}
	if _, err := RadialProfile(img, 4, 4, ProfileOptions{BinWidth: 0}); err == nil {
		t.Error("zero bin width accepted")
	}
	if _, err := RadialProfile(img, 4, 4, ProfileOptions{BinWidth: 1, Mask: make([]bool, 15)}); err == nil {
		t.Error("short mask accepted")
	}
}

func TestPolarPoints(t *testing.T) {
	ys := []float64{5, 2, 2}
	xs := []float64{2, 5, 2}
	rs, thetas := PolarPoints(ys, xs, 2, 2)
	wantR := []float64{3, 3, 0}
	wantT := []float64{math.Pi / 2, 0, 0}
	for i := range rs {
		if math.Abs(rs[i]-wantR[i]) > 1e-12 || math.Abs(thetas[i]-wantT[i]) > 1e-12 {
			t.Errorf("point %d: (r %g, theta %g), expected (%g, %g)", i, rs[i], thetas[i], wantR[i], wantT[i])
		}
	}
}
