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
	"math"
	"math/cmplx"
)

// CorrMethod selects how the correlation spectrum is formed from the
// two image transforms.
type CorrMethod int

const (
	// CorrCross is plain cross correlation, intensity weighted.
	CorrCross CorrMethod = iota
	// CorrPhase uses the phase spectrum only, sharp but noisy.
	CorrPhase
	// CorrHybrid weights phase by the root magnitude, a compromise
	// that works well on diffraction data.
	CorrHybrid
)

func (m CorrMethod) String() string {
	switch m {
	case CorrCross:
		return "cross"
	case CorrPhase:
		return "phase"
	case CorrHybrid:
		return "hybrid"
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// ParseCorrMethod maps a config string onto a method.
func ParseCorrMethod(s string) (CorrMethod, error) {
	switch s {
	case "cross", "":
		return CorrCross, nil
	case "phase":
		return CorrPhase, nil
	case "hybrid":
		return CorrHybrid, nil
	}
	return 0, fmt.Errorf("unknown correlation method %q", s)
}

// Correlation is the outcome of a shift measurement. A near-flat
// correlation surface cannot be trusted; such results carry
// LowConfidence=true and a (0,0)-rounded shift instead of an error.
type Correlation struct {
	ShiftY, ShiftX float64
	Sharpness      float64 // peak over mean magnitude of the surface
	LowConfidence  bool
}

// sharpness below this marks a correlation as unreliable
const lowConfidenceSharpness = 2.0

// CrossCorrelate measures the relative shift between two images given
// their 2-D transforms g1 and g2, at 1/upsample pixel resolution.
// Shifts are reported as the translation that moves image 1 onto
// image 2, wrapped into the signed range (-n/2, n/2].
func CrossCorrelate(g1, g2 []complex128, h, w int, method CorrMethod, upsample int) (Correlation, error) {
	if len(g1) != h*w || len(g2) != h*w {
		return Correlation{}, fmt.Errorf("transform length %d/%d does not match %dx%d", len(g1), len(g2), h, w)
	}
	if upsample < 1 {
		return Correlation{}, fmt.Errorf("upsample factor %d < 1", upsample)
	}

	spec := make([]complex128, h*w)
	for i := range spec {
		v := g2[i] * cmplx.Conj(g1[i])
		switch method {
		case CorrPhase:
			if v != 0 {
				v = cmplx.Rect(1, cmplx.Phase(v))
			}
		case CorrHybrid:
			v = cmplx.Rect(math.Sqrt(cmplx.Abs(v)), cmplx.Phase(v))
		}
		spec[i] = v
	}

	surface := IFFT2(spec, h, w)
	peak, py, px, mean := surfacePeak(surface, h, w)

	corr := Correlation{}
	if mean > 0 {
		corr.Sharpness = peak / mean
	}
	if peak == 0 || corr.Sharpness < lowConfidenceSharpness {
		corr.LowConfidence = true
		return corr, nil
	}

	sy := wrapShift(py, h)
	sx := wrapShift(px, w)
	if upsample == 1 {
		corr.ShiftY, corr.ShiftX = float64(sy), float64(sx)
		return corr, nil
	}

	// refine to half a pixel on the zero-padded double transform
	sy2, sx2 := upsample2(spec, h, w)
	corr.ShiftY, corr.ShiftX = sy2, sx2
	if upsample == 2 {
		return corr, nil
	}

	// localized matrix-multiply DFT at the requested resolution
	uy := math.Round(sy2*float64(upsample)) / float64(upsample)
	ux := math.Round(sx2*float64(upsample)) / float64(upsample)
	dy, dx := dftUpsample(spec, h, w, upsample, uy, ux)
	corr.ShiftY, corr.ShiftX = dy, dx
	return corr, nil
}

// surfacePeak finds the magnitude argmax and mean of a correlation
// surface. First raster position wins ties.
func surfacePeak(surface []complex128, h, w int) (peak float64, py, px int, mean float64) {
	for i, v := range surface {
		m := cmplx.Abs(v)
		mean += m
		if m > peak {
			peak = m
			py, px = i/w, i%w
		}
	}
	mean /= float64(h * w)
	return peak, py, px, mean
}

// wrapShift maps a raw peak index onto a signed shift.
func wrapShift(i, n int) int {
	s := (i + n/2) % n
	return s - n/2
}

// upsample2 doubles the correlation resolution by zero padding the
// spectrum, the standard Fourier upsampling step.
func upsample2(spec []complex128, h, w int) (sy, sx float64) {
	h2, w2 := 2*h, 2*w
	padded := make([]complex128, h2*w2)
	for y := 0; y < h; y++ {
		fy := y
		if y >= (h+1)/2 {
			fy = y + h
		}
		for x := 0; x < w; x++ {
			fx := x
			if x >= (w+1)/2 {
				fx = x + w
			}
			padded[fy*w2+fx] = spec[y*w+x]
		}
	}
	surface := IFFT2(padded, h2, w2)
	_, py, px, _ := surfacePeak(surface, h2, w2)
	return float64(wrapShift(py, h2)) / 2, float64(wrapShift(px, w2)) / 2
}

// dftUpsample evaluates the correlation surface on a small grid of
// 1/upsample-pixel samples around the current shift estimate, via a
// direct matrix-multiply DFT, then refines the peak parabolically.
func dftUpsample(spec []complex128, h, w, upsample int, sy, sx float64) (float64, float64) {
	u := float64(upsample)
	numPoints := int(math.Ceil(1.5 * u))
	globalShift := math.Floor(math.Ceil(1.5*u) / 2)

	// row kernel: numPoints x h
	rowKern := make([]complex128, numPoints*h)
	for r := 0; r < numPoints; r++ {
		for y := 0; y < h; y++ {
			fy := float64(y)
			if y >= (h+1)/2 {
				fy -= float64(h)
			}
			phase := 2 * math.Pi / (float64(h) * u) * (sy*u + float64(r) - globalShift) * fy
			rowKern[r*h+y] = cmplx.Rect(1, phase)
		}
	}
	// column kernel: w x numPoints
	colKern := make([]complex128, w*numPoints)
	for x := 0; x < w; x++ {
		fx := float64(x)
		if x >= (w+1)/2 {
			fx -= float64(w)
		}
		for c := 0; c < numPoints; c++ {
			phase := 2 * math.Pi / (float64(w) * u) * fx * (sx*u + float64(c) - globalShift)
			colKern[x*numPoints+c] = cmplx.Rect(1, phase)
		}
	}

	// surface = rowKern * spec * colKern, real part
	tmp := make([]complex128, numPoints*w) // rowKern * spec
	for r := 0; r < numPoints; r++ {
		for x := 0; x < w; x++ {
			var acc complex128
			for y := 0; y < h; y++ {
				acc += rowKern[r*h+y] * spec[y*w+x]
			}
			tmp[r*w+x] = acc
		}
	}
	surf := make([]float64, numPoints*numPoints)
	for r := 0; r < numPoints; r++ {
		for c := 0; c < numPoints; c++ {
			var acc complex128
			for x := 0; x < w; x++ {
				acc += tmp[r*w+x] * colKern[x*numPoints+c]
			}
			surf[r*numPoints+c] = real(acc)
		}
	}

	best, br, bc := math.Inf(-1), 0, 0
	for r := 0; r < numPoints; r++ {
		for c := 0; c < numPoints; c++ {
			if v := surf[r*numPoints+c]; v > best {
				best, br, bc = v, r, c
			}
		}
	}

	dy := sy + (float64(br)-globalShift)/u
	dx := sx + (float64(bc)-globalShift)/u

	// parabolic refinement when the peak is interior to the grid
	if br > 0 && br < numPoints-1 {
		c0 := surf[(br-1)*numPoints+bc]
		c1 := surf[br*numPoints+bc]
		c2 := surf[(br+1)*numPoints+bc]
		den := 4*c1 - 2*c0 - 2*c2
		if den != 0 {
			dy += (c2 - c0) / den / u
		}
	}
	if bc > 0 && bc < numPoints-1 {
		c0 := surf[br*numPoints+bc-1]
		c1 := surf[br*numPoints+bc]
		c2 := surf[br*numPoints+bc+1]
		den := 4*c1 - 2*c0 - 2*c2
		if den != 0 {
			dx += (c2 - c0) / den / u
		}
	}
	return dy, dx
}

// FourierShift translates an image by a possibly fractional shift
// using the Fourier plane-wave property. The image wraps around.
func FourierShift(img []float64, h, w int, dy, dx float64) []float64 {
	coeff := FFT2(img, h, w)
	for y := 0; y < h; y++ {
		fy := fftFreq(y, h)
		for x := 0; x < w; x++ {
			fx := fftFreq(x, w)
			coeff[y*w+x] *= cmplx.Rect(1, -2*math.Pi*(fy*dy+fx*dx))
		}
	}
	out := IFFT2(coeff, h, w)
	res := make([]float64, h*w)
	for i, v := range out {
		res[i] = real(v)
	}
	return res
}
