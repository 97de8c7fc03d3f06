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
	"errors"
	"math"
	"testing"
)

// ringPoints samples a distorted ring around (cy, cx).
func ringPoints(d *Distortion, cy, cx float64, n int) (ys, xs []float64) {
	ys = make([]float64, n)
	xs = make([]float64, n)
	for i := 0; i < n; i++ {
		theta := 2 * math.Pi * float64(i) / float64(n)
		r := d.Radius(theta)
		ys[i] = cy + r*math.Sin(theta)
		xs[i] = cx + r*math.Cos(theta)
	}
	return ys, xs
}

func TestDistortionFactor(t *testing.T) {
	flat := &Distortion{R0: 10, Orders: []int{2}, Alpha: []float64{0.7}, Beta: []float64{0}}
	for _, theta := range []float64{0, 1, 2, 3} {
		if f := flat.Factor(theta); math.Abs(f-1) > 1e-12 {
			t.Errorf("beta 0 factor at %g is %g", theta, f)
		}
	}

	d := &Distortion{R0: 10, Orders: []int{2}, Alpha: []float64{0.3}, Beta: []float64{0.2}}
	for _, theta := range []float64{0, 0.5, 1.5, 3} {
		// the distortion repeats with the angular order
		if math.Abs(d.Factor(theta)-d.Factor(theta+math.Pi)) > 1e-12 {
			t.Errorf("order 2 factor not pi-periodic at %g", theta)
		}
		if got := d.CorrectRadius(d.Radius(theta), theta); math.Abs(got-d.R0) > 1e-12 {
			t.Errorf("correcting the model radius at %g gives %g, expected %g", theta, got, d.R0)
		}
	}
}

func TestOptimizeCenter(t *testing.T) {
	d := &Distortion{R0: 10, Orders: []int{2}, Alpha: []float64{0}, Beta: []float64{0}}
	ys, xs := ringPoints(d, 5.5, -2, 12)

	cy, cx, err := OptimizeCenter(ys, xs, 5, -1.5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(cy-5.5) > 1e-3 || math.Abs(cx+2) > 1e-3 {
		t.Errorf("center (%g, %g), expected (5.5, -2)", cy, cx)
	}

	if _, _, err := OptimizeCenter(ys[:2], xs[:2], 0, 0, 0); err == nil {
		t.Error("two points accepted")
	}
}

func TestFitDistortionRecoversRing(t *testing.T) {
	truth := &Distortion{R0: 12, Orders: []int{2}, Alpha: []float64{0.4}, Beta: []float64{0.12}}
	ys, xs := ringPoints(truth, 32, 32, 24)

	d, err := FitDistortion(ys, xs, 32, 32, []int{2}, 0)
	if err != nil {
		t.Fatal(err)
	}
	// alpha and beta are only unique up to the term's symmetry, so
	// compare the fitted radius curve instead of raw parameters
	for i := 0; i < 36; i++ {
		theta := 2 * math.Pi * float64(i) / 36
		if math.Abs(d.Radius(theta)-truth.Radius(theta)) > 0.05 {
			t.Fatalf("radius at %g: fitted %g, expected %g", theta, d.Radius(theta), truth.Radius(theta))
		}
	}
}

func TestFitDistortionDiverges(t *testing.T) {
	truth := &Distortion{R0: 12, Orders: []int{2}, Alpha: []float64{0.4}, Beta: []float64{0.12}}
	ys, xs := ringPoints(truth, 0, 0, 24)

	_, err := FitDistortion(ys, xs, 0, 0, []int{2}, 1)
	if !errors.Is(err, ErrFitDiverged) {
		t.Fatalf("got %v, expected ErrFitDiverged", err)
	}
}

func TestFitDistortionRejectsBadInput(t *testing.T) {
	ys := []float64{1, 2, 3}
	if _, err := FitDistortion(ys, ys, 0, 0, nil, 0); err == nil {
		t.Error("empty order list accepted")
	}
	if _, err := FitDistortion(ys[:2], ys[:2], 0, 0, []int{2}, 0); err == nil {
		t.Error("underdetermined fit accepted")
	}
}
