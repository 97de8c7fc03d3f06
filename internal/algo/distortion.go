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
	"fmt"
	"math"

	"github.com/valyala/fastrand"
	"gonum.org/v1/gonum/optimize"
)

// ErrFitDiverged is returned when an optimizer hits its iteration
// bound without converging.
var ErrFitDiverged = errors.New("fit did not converge within the iteration bound")

// DefaultFitIterations bounds every Nelder-Mead run.
const DefaultFitIterations = 2000

// Distortion is a multiplicative polar distortion of ring radii:
//
//	r(theta) = R0 * prod_k dist(theta; alpha_k, beta_k, order_k)
//
// with dist the normalized elliptic term of the given angular order.
// Order 2 captures elliptic distortion, higher orders the three-fold
// and four-fold terms of real projector systems.
type Distortion struct {
	R0     float64
	Orders []int
	Alpha  []float64 // rotation per order
	Beta   []float64 // strength per order, |beta| < 1
}

// distTerm evaluates one normalized distortion term.
func distTerm(theta, alpha, beta float64, order int) float64 {
	return (1 - beta*beta) /
		math.Sqrt(1+beta*beta-2*beta*math.Cos(float64(order)*(theta+alpha)))
}

// Factor evaluates the full multiplicative distortion at an angle.
func (d *Distortion) Factor(theta float64) float64 {
	f := 1.0
	for i, order := range d.Orders {
		f *= distTerm(theta, d.Alpha[i], d.Beta[i], order)
	}
	return f
}

// Radius evaluates the model ring radius at an angle.
func (d *Distortion) Radius(theta float64) float64 {
	return d.R0 * d.Factor(theta)
}

// CorrectRadius divides the distortion out of a measured radius, so
// points on the distorted ring land on the circle r = R0.
func (d *Distortion) CorrectRadius(r, theta float64) float64 {
	return r / d.Factor(theta)
}

// minimize runs bounded Nelder-Mead and reports divergence.
func minimize(f func(x []float64) float64, x0 []float64, maxIter int) ([]float64, error) {
	if maxIter <= 0 {
		maxIter = DefaultFitIterations
	}
	problem := optimize.Problem{Func: f}
	settings := &optimize.Settings{
		MajorIterations:   maxIter,
		FuncEvaluations:   20 * maxIter,
		GradientThreshold: 0,
	}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFitDiverged, err)
	}
	if result.Status == optimize.IterationLimit || result.Status == optimize.FunctionEvaluationLimit {
		return nil, ErrFitDiverged
	}
	return result.X, nil
}

// OptimizeCenter finds the center that makes the given ring points
// most circular, by minimizing the variance of their radii. Starting
// from a sensible init (the pattern center estimate) keeps it out of
// degenerate minima.
func OptimizeCenter(ys, xs []float64, cy0, cx0 float64, maxIter int) (cy, cx float64, err error) {
	if len(ys) < 3 || len(ys) != len(xs) {
		return 0, 0, fmt.Errorf("need at least 3 ring points, have %d/%d", len(ys), len(xs))
	}
	objective := func(c []float64) float64 {
		var mean float64
		rs := make([]float64, len(ys))
		for i := range ys {
			rs[i] = math.Hypot(ys[i]-c[0], xs[i]-c[1])
			mean += rs[i]
		}
		mean /= float64(len(rs))
		var ss float64
		for _, r := range rs {
			d := r - mean
			ss += d * d
		}
		return ss
	}
	x, err := minimize(objective, []float64{cy0, cx0}, maxIter)
	if err != nil {
		return 0, 0, err
	}
	return x[0], x[1], nil
}

// FitDistortion fits R0 and one (alpha, beta) pair per angular order
// to ring points around a known center. The orders are fitted one at
// a time for a warm start, then refined jointly. A first divergence
// is retried once from a jittered start before giving up.
func FitDistortion(ys, xs []float64, cy, cx float64, orders []int, maxIter int) (*Distortion, error) {
	if len(orders) == 0 {
		return nil, fmt.Errorf("no distortion orders given")
	}
	if len(ys) < 2*len(orders)+1 || len(ys) != len(xs) {
		return nil, fmt.Errorf("%d ring points cannot constrain %d orders", len(ys), len(orders))
	}
	rs, thetas := PolarPoints(ys, xs, cy, cx)

	var meanR float64
	for _, r := range rs {
		meanR += r
	}
	meanR /= float64(len(rs))

	d := &Distortion{
		R0:     meanR,
		Orders: append([]int(nil), orders...),
		Alpha:  make([]float64, len(orders)),
		Beta:   make([]float64, len(orders)),
	}

	residual := func(x []float64) float64 {
		trial := Distortion{R0: x[0], Orders: d.Orders, Alpha: make([]float64, len(orders)), Beta: make([]float64, len(orders))}
		for i := range orders {
			trial.Alpha[i] = x[1+2*i]
			trial.Beta[i] = x[2+2*i]
			if math.Abs(trial.Beta[i]) >= 1 {
				return math.Inf(1)
			}
		}
		var ss float64
		for i := range rs {
			e := rs[i] - trial.Radius(thetas[i])
			ss += e * e
		}
		return ss
	}

	// sequential warm start: fit each order alone, others frozen
	for i := range orders {
		k := i
		single := func(x []float64) float64 {
			full := make([]float64, 1+2*len(orders))
			full[0] = d.R0
			for j := range orders {
				full[1+2*j], full[2+2*j] = d.Alpha[j], d.Beta[j]
			}
			full[0] = x[0]
			full[1+2*k], full[2+2*k] = x[1], x[2]
			return residual(full)
		}
		x, err := minimize(single, []float64{d.R0, 0.1, 0.1}, maxIter)
		if err != nil {
			continue // the joint pass may still recover
		}
		d.R0, d.Alpha[k], d.Beta[k] = x[0], x[1], x[2]
	}

	// joint refinement over all parameters
	x0 := make([]float64, 1+2*len(orders))
	x0[0] = d.R0
	for i := range orders {
		x0[1+2*i], x0[2+2*i] = d.Alpha[i], d.Beta[i]
	}
	x, err := minimize(residual, x0, maxIter)
	if errors.Is(err, ErrFitDiverged) {
		// one jittered restart before reporting divergence
		rng := fastrand.RNG{}
		for i := range x0 {
			x0[i] += (float64(rng.Uint32n(2000))/1000 - 1) * 0.05
		}
		x, err = minimize(residual, x0, maxIter)
	}
	if err != nil {
		return nil, err
	}
	d.R0 = x[0]
	for i := range orders {
		d.Alpha[i], d.Beta[i] = x[1+2*i], x[2+2*i]
	}
	return d, nil
}
