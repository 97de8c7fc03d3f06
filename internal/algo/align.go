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
)

// AlignOptions controls stack alignment.
type AlignOptions struct {
	Method   CorrMethod
	Upsample int
	// Static aligns every frame to frame 0; otherwise each frame is
	// aligned to its already-aligned predecessor, which follows slow
	// drifts better.
	Static bool
}

// AlignResult holds per-frame shifts and the aligned stack.
type AlignResult struct {
	ShiftsY, ShiftsX []float64
	Aligned          [][]float64
	LowConfidence    []bool
}

// AlignStack registers a stack of h*w frames by cross correlation and
// resamples each frame onto the reference grid with a Fourier shift.
func AlignStack(stack [][]float64, h, w int, opt AlignOptions) (*AlignResult, error) {
	if len(stack) == 0 {
		return nil, fmt.Errorf("empty stack")
	}
	if opt.Upsample < 1 {
		opt.Upsample = 1
	}
	for i, frame := range stack {
		if len(frame) != h*w {
			return nil, fmt.Errorf("frame %d length %d does not match %dx%d", i, len(frame), h, w)
		}
	}

	res := &AlignResult{
		ShiftsY:       make([]float64, len(stack)),
		ShiftsX:       make([]float64, len(stack)),
		Aligned:       make([][]float64, len(stack)),
		LowConfidence: make([]bool, len(stack)),
	}
	res.Aligned[0] = append([]float64(nil), stack[0]...)
	refFFT := FFT2(stack[0], h, w)

	for i := 1; i < len(stack); i++ {
		curFFT := FFT2(stack[i], h, w)
		corr, err := CrossCorrelate(curFFT, refFFT, h, w, opt.Method, opt.Upsample)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		res.ShiftsY[i] = corr.ShiftY
		res.ShiftsX[i] = corr.ShiftX
		res.LowConfidence[i] = corr.LowConfidence
		if corr.LowConfidence {
			// keep the frame unshifted rather than smear it
			res.Aligned[i] = append([]float64(nil), stack[i]...)
		} else {
			res.Aligned[i] = FourierShift(stack[i], h, w, corr.ShiftY, corr.ShiftX)
		}
		if !opt.Static {
			refFFT = FFT2(res.Aligned[i], h, w)
		}
	}
	return res, nil
}

// SumFrames averages the frames of an aligned stack.
func SumFrames(stack [][]float64) []float64 {
	if len(stack) == 0 {
		return nil
	}
	out := make([]float64, len(stack[0]))
	for _, frame := range stack {
		for i, v := range frame {
			out[i] += v
		}
	}
	scale := 1 / float64(len(stack))
	for i := range out {
		out[i] *= scale
	}
	return out
}
