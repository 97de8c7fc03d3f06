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

	"gonum.org/v1/gonum/floats"
)

// FitFunc is a named model curve with a fixed parameter count, used
// for background and peak fitting of radial profiles.
type FitFunc struct {
	Name    string
	NParams int
	Eval    func(x float64, p []float64) float64
}

var fitFuncs = map[string]FitFunc{
	"const": {
		Name: "const", NParams: 1,
		Eval: func(x float64, p []float64) float64 { return p[0] },
	},
	"linear": {
		Name: "linear", NParams: 2,
		Eval: func(x float64, p []float64) float64 { return p[0] + p[1]*x },
	},
	"powlaw": {
		Name: "powlaw", NParams: 2,
		Eval: func(x float64, p []float64) float64 { return p[0] * math.Pow(x, p[1]) },
	},
	"gaussian": {
		Name: "gaussian", NParams: 3, // amplitude, center, sigma
		Eval: func(x float64, p []float64) float64 {
			d := (x - p[1]) / p[2]
			return p[0] * math.Exp(-0.5*d*d)
		},
	},
	"lorentz": {
		Name: "lorentz", NParams: 3, // amplitude, center, gamma
		Eval: func(x float64, p []float64) float64 {
			d := (x - p[1]) / p[2]
			return p[0] / (1 + d*d)
		},
	},
}

// FitFuncByName resolves a model curve by its config name.
func FitFuncByName(name string) (FitFunc, error) {
	f, ok := fitFuncs[name]
	if !ok {
		return FitFunc{}, fmt.Errorf("unknown fit function %q", name)
	}
	return f, nil
}

// FitModel is a sum of named curves over a shared parameter vector.
type FitModel struct {
	Funcs []FitFunc
}

// NewFitModel builds a sum model from function names.
func NewFitModel(names ...string) (*FitModel, error) {
	m := &FitModel{}
	for _, name := range names {
		f, err := FitFuncByName(name)
		if err != nil {
			return nil, err
		}
		m.Funcs = append(m.Funcs, f)
	}
	return m, nil
}

// NParams is the length of the concatenated parameter vector.
func (m *FitModel) NParams() int {
	n := 0
	for _, f := range m.Funcs {
		n += f.NParams
	}
	return n
}

// Eval evaluates the sum model at x.
func (m *FitModel) Eval(x float64, p []float64) float64 {
	sum, off := 0.0, 0
	for _, f := range m.Funcs {
		sum += f.Eval(x, p[off:off+f.NParams])
		off += f.NParams
	}
	return sum
}

// EvalAll evaluates the model over a coordinate vector.
func (m *FitModel) EvalAll(xs, p []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = m.Eval(x, p)
	}
	return out
}

// Fit least-squares fits the model to (xs, ys). NaN samples are
// skipped, so binned profiles with empty bins fit directly. Initial
// parameters must match NParams; iterations are bounded and
// ErrFitDiverged reported when the bound is hit.
func (m *FitModel) Fit(xs, ys, init []float64, maxIter int) ([]float64, error) {
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("x/y length mismatch %d/%d", len(xs), len(ys))
	}
	if len(init) != m.NParams() {
		return nil, fmt.Errorf("%d initial parameters for a %d-parameter model", len(init), m.NParams())
	}
	valid := 0
	for _, y := range ys {
		if !math.IsNaN(y) {
			valid++
		}
	}
	if valid < m.NParams() {
		return nil, fmt.Errorf("%d valid samples cannot constrain %d parameters", valid, m.NParams())
	}
	objective := func(p []float64) float64 {
		var ss float64
		for i, x := range xs {
			if math.IsNaN(ys[i]) {
				continue
			}
			e := ys[i] - m.Eval(x, p)
			ss += e * e
		}
		return ss
	}
	x0 := append([]float64(nil), init...)
	return minimize(objective, x0, maxIter)
}

// Rms is the root-mean-square residual of a fit, NaN samples skipped.
func (m *FitModel) Rms(xs, ys, p []float64) float64 {
	var ss float64
	n := 0
	for i, x := range xs {
		if math.IsNaN(ys[i]) {
			continue
		}
		e := ys[i] - m.Eval(x, p)
		ss += e * e
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return math.Sqrt(ss / float64(n))
}

// WindowMeans averages ys over windows of halfwidth xsWidth centered
// at the anchor points, ignoring NaN. Used to pin a background curve
// to quiet stretches of a profile.
func WindowMeans(xs, ys, anchors []float64, halfWidth float64) (mx, my []float64) {
	mx = make([]float64, 0, len(anchors))
	my = make([]float64, 0, len(anchors))
	for _, a := range anchors {
		var sum float64
		n := 0
		for i, x := range xs {
			if math.Abs(x-a) <= halfWidth && !math.IsNaN(ys[i]) {
				sum += ys[i]
				n++
			}
		}
		if n > 0 {
			mx = append(mx, a)
			my = append(my, sum/float64(n))
		}
	}
	return mx, my
}

// ArgMaxWithin returns the index of the largest finite sample with x
// inside [lo, hi], or -1 when the window is empty.
func ArgMaxWithin(xs, ys []float64, lo, hi float64) int {
	best, idx := math.Inf(-1), -1
	for i, x := range xs {
		if x < lo || x > hi || math.IsNaN(ys[i]) {
			continue
		}
		if ys[i] > best {
			best, idx = ys[i], i
		}
	}
	return idx
}

// Span reports the finite extent of a vector, for plot-free sanity
// checks of fitted backgrounds.
func Span(v []float64) (lo, hi float64) {
	finite := v[:0:0]
	for _, x := range v {
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			finite = append(finite, x)
		}
	}
	if len(finite) == 0 {
		return math.NaN(), math.NaN()
	}
	return floats.Min(finite), floats.Max(finite)
}
