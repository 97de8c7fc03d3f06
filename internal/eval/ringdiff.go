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

package eval

import (
	"fmt"
	"io"
	"math"

	"github.com/emtools/emkit/internal/algo"
	"github.com/emtools/emkit/internal/emd"
	"github.com/emtools/emkit/internal/emio"
)

// State tracks how far a ring-diffraction evaluation has progressed.
// Stages only ever run in order; changing an upstream setting rolls
// the state back and discards downstream results.
type State int

const (
	StateCreated State = iota
	StatePrepared
	StatePeaksFound
	StateDistortionFitted
	StateProfiled
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePrepared:
		return "prepared"
	case StatePeaksFound:
		return "peaks-found"
	case StateDistortionFitted:
		return "distortion-fitted"
	case StateProfiled:
		return "profiled"
	case StateComplete:
		return "complete"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Evaluation is one ring-diffraction analysis of a single pattern.
type Evaluation struct {
	Image    []float64
	H, W     int
	Settings Settings

	state State
	log   io.Writer

	// results, populated stage by stage
	Peaks            []algo.Peak
	PeakYs, PeakXs   []float64
	CenterY, CenterX float64
	Distortion       *algo.Distortion
	Profile          *algo.Profile
	BackParams       []float64
	NoBack           []float64 // background-subtracted profile
	FitParams        []float64
	FitRms           float64
}

// NewEvaluation prepares an evaluation of the 2-D dataset frame.
func NewEvaluation(ds *emd.Dataset, settings Settings, logWriter io.Writer) (*Evaluation, error) {
	if logWriter == nil {
		logWriter = io.Discard
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if len(ds.Shape) < 2 {
		return nil, fmt.Errorf("ring diffraction needs a 2-D pattern, dataset %q is %d-D", ds.Name, len(ds.Shape))
	}
	img, err := ds.Frame(0)
	if err != nil {
		return nil, err
	}
	nd := len(ds.Shape)
	e := &Evaluation{
		Image:    img,
		H:        ds.Shape[nd-2],
		W:        ds.Shape[nd-1],
		Settings: settings,
		state:    StatePrepared,
		log:      logWriter,
	}
	return e, nil
}

// State reports the pipeline position.
func (e *Evaluation) State() State {
	return e.state
}

// SetSettings replaces the settings and invalidates every result that
// depended on a changed value.
func (e *Evaluation) SetSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	old := e.Settings
	e.Settings = s
	switch {
	case old.MaxRadius != s.MaxRadius || old.Threshold != s.Threshold ||
		old.CenterInit != s.CenterInit || old.RadiusRange != s.RadiusRange:
		e.rollback(StatePrepared)
	case !intsEqual(old.Orders, s.Orders):
		e.rollback(StatePeaksFound)
	case old.ProfileRMax != s.ProfileRMax || old.ProfileDR != s.ProfileDR:
		e.rollback(StateDistortionFitted)
	case !floatsEqual(old.BackAnchors, s.BackAnchors) || old.BackHalfWidth != s.BackHalfWidth ||
		!stringsEqual(old.BackFuncs, s.BackFuncs) || !floatsEqual(old.BackInit, s.BackInit) ||
		old.FitRange != s.FitRange || !stringsEqual(old.FitFuncs, s.FitFuncs) ||
		!floatsEqual(old.FitInit, s.FitInit) || old.FitMaxIter != s.FitMaxIter:
		e.rollback(StateProfiled)
	}
	return nil
}

// rollback drops results beyond the given state.
func (e *Evaluation) rollback(to State) {
	if e.state <= to {
		return
	}
	if to < StatePeaksFound {
		e.Peaks, e.PeakYs, e.PeakXs = nil, nil, nil
		e.CenterY, e.CenterX = 0, 0
	}
	if to < StateDistortionFitted {
		e.Distortion = nil
	}
	if to < StateProfiled {
		e.Profile = nil
	}
	if to < StateComplete {
		e.BackParams, e.NoBack, e.FitParams = nil, nil, nil
		e.FitRms = 0
	}
	e.state = to
}

func (e *Evaluation) require(s State, stage string) error {
	if e.state < s {
		return fmt.Errorf("%s requires state %s, evaluation is %s", stage, s, e.state)
	}
	return nil
}

// FindPeaks locates diffraction spots, keeps those inside the radius
// window around the initial center, and refines the pattern center on
// them.
func (e *Evaluation) FindPeaks() error {
	if err := e.require(StatePrepared, "peak search"); err != nil {
		return err
	}
	e.rollback(StatePrepared)
	s := &e.Settings

	peaks, err := algo.LocalMax(e.Image, e.H, e.W, s.MaxRadius, s.Threshold)
	if err != nil {
		return err
	}
	kept := peaks[:0]
	for _, p := range peaks {
		r := math.Hypot(float64(p.Y)-s.CenterInit[0], float64(p.X)-s.CenterInit[1])
		if r >= s.RadiusRange[0] && r <= s.RadiusRange[1] {
			kept = append(kept, p)
		}
	}
	if len(kept) < 3 {
		return fmt.Errorf("peak search kept %d peaks in r range [%g, %g], need at least 3", len(kept), s.RadiusRange[0], s.RadiusRange[1])
	}
	e.Peaks = kept
	e.PeakYs, e.PeakXs = algo.RefinePeaks(e.Image, e.H, e.W, kept, s.MaxRadius)

	cy, cx, err := algo.OptimizeCenter(e.PeakYs, e.PeakXs, s.CenterInit[0], s.CenterInit[1], s.FitMaxIter)
	if err != nil {
		return fmt.Errorf("center optimization: %w", err)
	}
	e.CenterY, e.CenterX = cy, cx
	fmt.Fprintf(e.log, "found %d ring peaks, center (%.2f, %.2f)\n", len(kept), cy, cx)
	e.state = StatePeaksFound
	return nil
}

// FitDistortion fits the polar distortion orders to the ring peaks.
func (e *Evaluation) FitDistortion() error {
	if err := e.require(StatePeaksFound, "distortion fit"); err != nil {
		return err
	}
	e.rollback(StatePeaksFound)
	d, err := algo.FitDistortion(e.PeakYs, e.PeakXs, e.CenterY, e.CenterX, e.Settings.Orders, e.Settings.FitMaxIter)
	if err != nil {
		return fmt.Errorf("distortion fit: %w", err)
	}
	e.Distortion = d
	fmt.Fprintf(e.log, "distortion R0=%.3f", d.R0)
	for i, n := range d.Orders {
		fmt.Fprintf(e.log, " n%d=(alpha %.4f, beta %.4f)", n, d.Alpha[i], d.Beta[i])
	}
	fmt.Fprintln(e.log)
	e.state = StateDistortionFitted
	return nil
}

// ComputeProfile bins the distortion-corrected radial profile.
func (e *Evaluation) ComputeProfile() error {
	if err := e.require(StateDistortionFitted, "radial profile"); err != nil {
		return err
	}
	e.rollback(StateDistortionFitted)
	s := &e.Settings
	p, err := algo.RadialProfile(e.Image, e.H, e.W, algo.ProfileOptions{
		CenterY:    e.CenterY,
		CenterX:    e.CenterX,
		BinWidth:   s.ProfileDR,
		RMax:       s.ProfileRMax,
		Distortion: e.Distortion,
	})
	if err != nil {
		return err
	}
	e.Profile = p
	e.state = StateProfiled
	return nil
}

// FitPeaks subtracts the fitted background and fits the configured
// peak model inside the fit range. Without a peak model the
// evaluation completes after background subtraction.
func (e *Evaluation) FitPeaks() error {
	if err := e.require(StateProfiled, "peak fit"); err != nil {
		return err
	}
	e.rollback(StateProfiled)
	s := &e.Settings

	back, err := algo.NewFitModel(s.BackFuncs...)
	if err != nil {
		return err
	}
	xs, ys := e.Profile.R, e.Profile.Mean
	if len(s.BackAnchors) > 0 {
		ax, ay := algo.WindowMeans(xs, ys, s.BackAnchors, s.BackHalfWidth)
		if len(ax) >= back.NParams() {
			xs, ys = ax, ay
		}
	}
	e.BackParams, err = back.Fit(xs, ys, s.BackInit, s.FitMaxIter)
	if err != nil {
		return fmt.Errorf("background fit: %w", err)
	}
	e.NoBack = make([]float64, len(e.Profile.R))
	for i, r := range e.Profile.R {
		e.NoBack[i] = e.Profile.Mean[i] - back.Eval(r, e.BackParams)
	}
	if lo, hi := algo.Span(e.NoBack); !math.IsNaN(lo) {
		fmt.Fprintf(e.log, "background-subtracted profile spans [%.4g, %.4g]\n", lo, hi)
	}

	if len(s.FitFuncs) > 0 {
		model, err := algo.NewFitModel(s.FitFuncs...)
		if err != nil {
			return err
		}
		lo, hi := s.FitRange[0], s.FitRange[1]
		if i := algo.ArgMaxWithin(e.Profile.R, e.NoBack, lo, hi); i >= 0 {
			fmt.Fprintf(e.log, "profile peak %.4g at r=%.2f\n", e.NoBack[i], e.Profile.R[i])
		}
		var fx, fy []float64
		for i, r := range e.Profile.R {
			if r >= lo && r <= hi {
				fx = append(fx, r)
				fy = append(fy, e.NoBack[i])
			}
		}
		e.FitParams, err = model.Fit(fx, fy, s.FitInit, s.FitMaxIter)
		if err != nil {
			return fmt.Errorf("peak fit: %w", err)
		}
		e.FitRms = model.Rms(fx, fy, e.FitParams)
		fmt.Fprintf(e.log, "peak fit rms %.4g\n", e.FitRms)
	}
	e.state = StateComplete
	return nil
}

// Run executes all remaining stages in order.
func (e *Evaluation) Run() error {
	for e.state < StateComplete {
		var err error
		switch e.state {
		case StatePrepared:
			err = e.FindPeaks()
		case StatePeaksFound:
			err = e.FitDistortion()
		case StateDistortionFitted:
			err = e.ComputeProfile()
		case StateProfiled:
			err = e.FitPeaks()
		default:
			return fmt.Errorf("cannot run from state %s", e.state)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Results assembles the persisted datasets: settings travel in the
// comments group, results as arrays.
func (e *Evaluation) Results() ([]*emd.Dataset, error) {
	if e.state < StateProfiled {
		return nil, fmt.Errorf("no results before state %s, evaluation is %s", StateProfiled, e.state)
	}
	settingsText, err := e.Settings.Marshal()
	if err != nil {
		return nil, err
	}
	meta := emd.Metadata{
		"comments": emd.Metadata{
			"ringdiff_settings": settingsText,
			"ringdiff_state":    e.state.String(),
		},
	}

	var out []*emd.Dataset
	profile := emd.NewDataset("radial_profile", emd.Float64, len(e.Profile.R))
	copy(profile.Data.([]float64), e.Profile.Mean)
	profile.Dims[0] = emd.Dim{Coords: e.Profile.R, Name: "r", Units: "px"}
	profile.Meta = meta
	out = append(out, profile)

	centers := emd.NewDataset("centers", emd.Float64, 2)
	copy(centers.Data.([]float64), []float64{e.CenterY, e.CenterX})
	out = append(out, centers)

	if e.Distortion != nil {
		dist := emd.NewDataset("distortions", emd.Float64, 1+2*len(e.Distortion.Orders))
		dd := dist.Data.([]float64)
		dd[0] = e.Distortion.R0
		for i := range e.Distortion.Orders {
			dd[1+2*i] = e.Distortion.Alpha[i]
			dd[2+2*i] = e.Distortion.Beta[i]
		}
		out = append(out, dist)
	}
	if e.NoBack != nil {
		noback := emd.NewDataset("radial_profile_noback", emd.Float64, len(e.NoBack))
		copy(noback.Data.([]float64), e.NoBack)
		noback.Dims[0] = emd.Dim{Coords: e.Profile.R, Name: "r", Units: "px"}
		out = append(out, noback)
	}
	if e.BackParams != nil {
		back := emd.NewDataset("back_results", emd.Float64, len(e.BackParams))
		copy(back.Data.([]float64), e.BackParams)
		out = append(out, back)
	}
	if e.FitParams != nil {
		fit := emd.NewDataset("fit_results", emd.Float64, len(e.FitParams))
		copy(fit.Data.([]float64), e.FitParams)
		out = append(out, fit)
	}
	return out, nil
}

// SaveEMD writes the evaluation results (and settings) to an EMD file.
func (e *Evaluation) SaveEMD(path string) error {
	datasets, err := e.Results()
	if err != nil {
		return err
	}
	return emio.WriteEMD(path, datasets...)
}

// Prepare writes an evaluation input file: the pattern plus settings,
// ready for a later run.
func Prepare(path string, ds *emd.Dataset, settings *Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	text, err := settings.Marshal()
	if err != nil {
		return err
	}
	ds.Meta.Sub("comments")["ringdiff_settings"] = text
	return emio.WriteEMD(path, ds)
}

// LoadPrepared reads a prepared evaluation file back.
func LoadPrepared(path string, logWriter io.Writer) (*Evaluation, error) {
	ds, err := emio.ReadFirst(path)
	if err != nil {
		return nil, err
	}
	text, ok := ds.Meta.String("comments", "ringdiff_settings")
	if !ok {
		return nil, fmt.Errorf("%s carries no ring-diffraction settings", path)
	}
	settings, err := UnmarshalSettings(text)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewEvaluation(ds, *settings, logWriter)
}

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func floatsEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
