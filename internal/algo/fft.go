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

// Package algo implements the numerical building blocks: 2-D FFTs,
// sub-pixel cross correlation, radial profiles, local maxima and
// distortion fitting.
package algo

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// FFT2 computes the 2-D DFT of an h*w row-major image.
func FFT2(img []float64, h, w int) []complex128 {
	src := make([]complex128, len(img))
	for i, v := range img {
		src[i] = complex(v, 0)
	}
	return fft2(src, h, w, false)
}

// IFFT2 computes the normalized 2-D inverse DFT.
func IFFT2(coeff []complex128, h, w int) []complex128 {
	return fft2(coeff, h, w, true)
}

// fft2 runs a row pass then a column pass with gonum's complex FFT.
func fft2(src []complex128, h, w int, inverse bool) []complex128 {
	out := make([]complex128, h*w)
	copy(out, src)

	rowFFT := fourier.NewCmplxFFT(w)
	tmp := make([]complex128, w)
	for y := 0; y < h; y++ {
		row := out[y*w : (y+1)*w]
		if inverse {
			rowFFT.Sequence(tmp, row)
		} else {
			rowFFT.Coefficients(tmp, row)
		}
		copy(row, tmp)
	}

	colFFT := fourier.NewCmplxFFT(h)
	colIn := make([]complex128, h)
	colOut := make([]complex128, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			colIn[y] = out[y*w+x]
		}
		if inverse {
			colFFT.Sequence(colOut, colIn)
		} else {
			colFFT.Coefficients(colOut, colIn)
		}
		for y := 0; y < h; y++ {
			out[y*w+x] = colOut[y]
		}
	}

	if inverse {
		scale := complex(1/float64(h*w), 0)
		for i := range out {
			out[i] *= scale
		}
	}
	return out
}

// fftFreq returns the DFT sample frequency of bin i out of n, in
// cycles per sample.
func fftFreq(i, n int) float64 {
	if i < (n+1)/2 {
		return float64(i) / float64(n)
	}
	return float64(i-n) / float64(n)
}
