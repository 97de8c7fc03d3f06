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

// Package eval runs higher-level evaluations on microscopy datasets,
// above all the ring-diffraction pipeline.
package eval

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/emtools/emkit/internal/algo"
)

// Settings parameterizes a ring-diffraction evaluation. The YAML keys
// double as the persisted on-disk names, so settings travel with the
// evaluation file.
type Settings struct {
	// peak search
	MaxRadius   int        `yaml:"lmax_r"`      // local max window radius, px
	Threshold   float64    `yaml:"lmax_thresh"` // minimum peak intensity
	CenterInit  [2]float64 `yaml:"lmax_cinit"`  // initial center (y, x)
	RadiusRange [2]float64 `yaml:"lmax_range"`  // keep peaks with r in range

	// distortion
	Orders []int `yaml:"ns"` // angular orders, e.g. [2, 4]

	// radial profile
	ProfileRMax float64 `yaml:"rad_rmax"` // 0: farthest corner from center
	ProfileDR   float64 `yaml:"rad_dr"`   // bin width, px; 0: 1.0

	// background
	BackAnchors   []float64 `yaml:"back_xs"`      // anchor radii
	BackHalfWidth float64   `yaml:"back_xswidth"` // anchor window halfwidth
	BackFuncs     []string  `yaml:"back_funcs"`   // default [powlaw]
	BackInit      []float64 `yaml:"back_init"`

	// peak fit
	FitRange   [2]float64 `yaml:"fit_rrange"`
	FitFuncs   []string   `yaml:"fit_funcs"`
	FitInit    []float64  `yaml:"fit_init"`
	FitMaxIter int        `yaml:"fit_maxfev"` // optimizer iteration bound
}

// Validate checks the settings for internal consistency and fills in
// defaults.
func (s *Settings) Validate() error {
	if s.MaxRadius < 1 {
		return fmt.Errorf("lmax_r %d < 1", s.MaxRadius)
	}
	if s.RadiusRange[1] <= s.RadiusRange[0] || s.RadiusRange[0] < 0 {
		return fmt.Errorf("lmax_range [%g, %g] is empty", s.RadiusRange[0], s.RadiusRange[1])
	}
	if len(s.Orders) == 0 {
		s.Orders = []int{2}
	}
	for _, n := range s.Orders {
		if n < 1 {
			return fmt.Errorf("distortion order %d < 1", n)
		}
	}
	if s.ProfileDR <= 0 {
		s.ProfileDR = 1
	}
	if len(s.BackFuncs) == 0 {
		s.BackFuncs = []string{"powlaw"}
	}
	back, err := algo.NewFitModel(s.BackFuncs...)
	if err != nil {
		return err
	}
	if len(s.BackInit) == 0 {
		s.BackInit = make([]float64, back.NParams())
		for i := range s.BackInit {
			s.BackInit[i] = 1
		}
	} else if len(s.BackInit) != back.NParams() {
		return fmt.Errorf("back_init has %d values, background model takes %d", len(s.BackInit), back.NParams())
	}
	if len(s.FitFuncs) > 0 {
		model, err := algo.NewFitModel(s.FitFuncs...)
		if err != nil {
			return err
		}
		if len(s.FitInit) != model.NParams() {
			return fmt.Errorf("fit_init has %d values, fit model takes %d", len(s.FitInit), model.NParams())
		}
		if s.FitRange[1] <= s.FitRange[0] {
			return fmt.Errorf("fit_rrange [%g, %g] is empty", s.FitRange[0], s.FitRange[1])
		}
	}
	if s.FitMaxIter <= 0 {
		s.FitMaxIter = algo.DefaultFitIterations
	}
	// yaml round trips empty sequences as non-nil slices; normalize to
	// nil so persisted settings compare equal to their originals
	if len(s.BackAnchors) == 0 {
		s.BackAnchors = nil
	}
	if len(s.FitFuncs) == 0 {
		s.FitFuncs = nil
	}
	if len(s.FitInit) == 0 {
		s.FitInit = nil
	}
	return nil
}

// LoadSettings reads a YAML settings file.
func LoadSettings(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Settings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &s, nil
}

// Marshal serializes settings for persistence inside an EMD file.
func (s *Settings) Marshal() (string, error) {
	raw, err := yaml.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// UnmarshalSettings parses persisted settings text.
func UnmarshalSettings(text string) (*Settings, error) {
	var s Settings
	if err := yaml.Unmarshal([]byte(text), &s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
