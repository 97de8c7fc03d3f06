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
	"math/cmplx"
	"testing"

	"github.com/valyala/fastrand"
)

func TestFFT2RoundTrip(t *testing.T) {
	h, w := 8, 6
	rng := fastrand.RNG{}
	img := make([]float64, h*w)
	for i := range img {
		img[i] = float64(rng.Uint32n(1000)) / 100
	}

	back := IFFT2(FFT2(img, h, w), h, w)
	for i, v := range back {
		if math.Abs(real(v)-img[i]) > 1e-9 {
			t.Fatalf("pixel %d: got %g expected %g", i, real(v), img[i])
		}
		if math.Abs(imag(v)) > 1e-9 {
			t.Fatalf("pixel %d: imaginary residue %g", i, imag(v))
		}
	}
}

func TestFFT2Delta(t *testing.T) {
	h, w := 4, 4
	img := make([]float64, h*w)
	img[0] = 1

	coeff := FFT2(img, h, w)
	for i, v := range coeff {
		if cmplx.Abs(v-1) > 1e-12 {
			t.Fatalf("coefficient %d: got %v expected 1", i, v)
		}
	}
}

func TestFFTFreq(t *testing.T) {
	cases := []struct {
		i, n int
		want float64
	}{
		{0, 4, 0}, {1, 4, 0.25}, {2, 4, -0.5}, {3, 4, -0.25},
		{0, 5, 0}, {1, 5, 0.2}, {2, 5, 0.4}, {3, 5, -0.4}, {4, 5, -0.2},
	}
	for _, c := range cases {
		if got := fftFreq(c.i, c.n); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("fftFreq(%d, %d) = %g, expected %g", c.i, c.n, got, c.want)
		}
	}
}
