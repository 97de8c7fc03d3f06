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
)

// Profile is a binned radial average. Bins that received no samples
// hold NaN in Mean; callers must treat NaN as "no data", not zero.
type Profile struct {
	R    []float64 // bin centers, in pixels (or calibrated units)
	Mean []float64
	N    []int // samples per bin
}

// ProfileOptions controls the radial averaging.
type ProfileOptions struct {
	CenterY, CenterX float64
	BinWidth         float64 // > 0
	RMax             float64 // inclusive; 0 means the farthest image corner
	Mask             []bool  // true marks pixels to exclude, nil for none
	Distortion       *Distortion
}

// RadialProfile averages an h*w image over rings around a center. Each
// pixel lands in bin floor(r/binWidth) with equal weight; no smoothing
// is applied. With a Distortion the per-pixel radius is corrected
// before binning, turning distorted rings back into sharp peaks.
func RadialProfile(img []float64, h, w int, opt ProfileOptions) (*Profile, error) {
	if len(img) != h*w {
		return nil, fmt.Errorf("image length %d does not match %dx%d", len(img), h, w)
	}
	if opt.BinWidth <= 0 {
		return nil, fmt.Errorf("bin width %g <= 0", opt.BinWidth)
	}
	if opt.Mask != nil && len(opt.Mask) != h*w {
		return nil, fmt.Errorf("mask length %d does not match %dx%d", len(opt.Mask), h, w)
	}
	rmax := opt.RMax
	if rmax <= 0 {
		// distance from the center to the farthest image corner
		fy := math.Max(opt.CenterY, float64(h-1)-opt.CenterY)
		fx := math.Max(opt.CenterX, float64(w-1)-opt.CenterX)
		rmax = math.Hypot(fy, fx)
	}
	nbins := int(rmax/opt.BinWidth) + 1

	sum := make([]float64, nbins)
	n := make([]int, nbins)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			if opt.Mask != nil && opt.Mask[i] {
				continue
			}
			dy := float64(y) - opt.CenterY
			dx := float64(x) - opt.CenterX
			r := math.Hypot(dy, dx)
			if opt.Distortion != nil {
				r = opt.Distortion.CorrectRadius(r, math.Atan2(dy, dx))
			}
			if r > rmax {
				continue
			}
			bin := int(r / opt.BinWidth)
			sum[bin] += img[i]
			n[bin]++
		}
	}

	p := &Profile{
		R:    make([]float64, nbins),
		Mean: make([]float64, nbins),
		N:    n,
	}
	for i := range sum {
		p.R[i] = (float64(i) + 0.5) * opt.BinWidth
		if n[i] > 0 {
			p.Mean[i] = sum[i] / float64(n[i])
		} else {
			p.Mean[i] = math.NaN()
		}
	}
	return p, nil
}

// PolarPoints converts peak coordinates to radius and angle around a
// center.
func PolarPoints(ys, xs []float64, cy, cx float64) (rs, thetas []float64) {
	rs = make([]float64, len(ys))
	thetas = make([]float64, len(ys))
	for i := range ys {
		dy, dx := ys[i]-cy, xs[i]-cx
		rs[i] = math.Hypot(dy, dx)
		thetas[i] = math.Atan2(dy, dx)
	}
	return rs, thetas
}
