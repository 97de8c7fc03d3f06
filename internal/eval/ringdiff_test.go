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
	"bytes"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emtools/emkit/internal/algo"
	"github.com/emtools/emkit/internal/emd"
	"github.com/emtools/emkit/internal/emio"
)

// ringPattern renders twelve diffraction spots on a radius-12 ring
// around the image center.
func ringPattern() *emd.Dataset {
	const (
		h, w   = 64, 64
		cy, cx = 32.0, 32.0
		r0     = 12.0
		nSpots = 12
		amp    = 100.0
		sigma  = 1.2
	)
	img := make([]float64, h*w)
	for i := 0; i < nSpots; i++ {
		theta := 2 * math.Pi * float64(i) / nSpots
		sy := cy + r0*math.Sin(theta)
		sx := cx + r0*math.Cos(theta)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dy := (float64(y) - sy) / sigma
				dx := (float64(x) - sx) / sigma
				img[y*w+x] += amp * math.Exp(-0.5*(dy*dy+dx*dx))
			}
		}
	}
	ds := emd.NewDataset("pattern", emd.Float64, h, w)
	copy(ds.Data.([]float64), img)
	return ds
}

func ringSettings() Settings {
	return Settings{
		MaxRadius:   3,
		Threshold:   10,
		CenterInit:  [2]float64{31, 33},
		RadiusRange: [2]float64{8, 16},
		BackFuncs:   []string{"const"},
		FitFuncs:    []string{"gaussian"},
		FitInit:     []float64{50, 12, 1},
		FitRange:    [2]float64{8, 16},
	}
}

func TestEvaluationPipeline(t *testing.T) {
	var log bytes.Buffer
	e, err := NewEvaluation(ringPattern(), ringSettings(), &log)
	require.NoError(t, err)
	require.Equal(t, StatePrepared, e.State())

	require.NoError(t, e.Run())
	require.Equal(t, StateComplete, e.State())

	assert.Len(t, e.Peaks, 12)
	assert.InDelta(t, 32, e.CenterY, 0.5)
	assert.InDelta(t, 32, e.CenterX, 0.5)
	require.NotNil(t, e.Distortion)
	assert.InDelta(t, 12, e.Distortion.R0, 0.5)

	require.NotNil(t, e.Profile)
	require.NotNil(t, e.NoBack)
	idx := algo.ArgMaxWithin(e.Profile.R, e.NoBack, 8, 16)
	require.GreaterOrEqual(t, idx, 0)
	assert.InDelta(t, 12, e.Profile.R[idx], 1.5)

	require.Len(t, e.FitParams, 3)
	assert.InDelta(t, 12, e.FitParams[1], 1.5) // fitted ring position

	assert.Contains(t, log.String(), "ring peaks")
	assert.Contains(t, log.String(), "profile peak")
	assert.Contains(t, log.String(), "spans")
}

func TestEvaluationStageGuards(t *testing.T) {
	e, err := NewEvaluation(ringPattern(), ringSettings(), nil)
	require.NoError(t, err)

	assert.Error(t, e.FitDistortion())
	assert.Error(t, e.ComputeProfile())
	assert.Error(t, e.FitPeaks())
	_, err = e.Results()
	assert.Error(t, err)

	flat := emd.NewDataset("flat", emd.Float64, 16)
	_, err = NewEvaluation(flat, ringSettings(), nil)
	assert.Error(t, err, "1-D data accepted")

	bad := ringSettings()
	bad.MaxRadius = 0
	_, err = NewEvaluation(ringPattern(), bad, nil)
	assert.Error(t, err)
}

func TestEvaluationTooFewPeaks(t *testing.T) {
	s := ringSettings()
	s.RadiusRange = [2]float64{30, 31} // no spots out there
	e, err := NewEvaluation(ringPattern(), s, nil)
	require.NoError(t, err)
	assert.Error(t, e.FindPeaks())
	assert.Equal(t, StatePrepared, e.State())
}

func TestSetSettingsRollsBackDependentStages(t *testing.T) {
	e, err := NewEvaluation(ringPattern(), ringSettings(), nil)
	require.NoError(t, err)
	require.NoError(t, e.Run())

	// unchanged settings keep everything
	require.NoError(t, e.SetSettings(e.Settings))
	assert.Equal(t, StateComplete, e.State())

	s := e.Settings
	s.FitMaxIter = 500
	require.NoError(t, e.SetSettings(s))
	assert.Equal(t, StateProfiled, e.State())
	assert.Nil(t, e.NoBack)
	assert.Zero(t, e.FitRms)
	assert.NotNil(t, e.Profile)

	s.ProfileDR = 0.5
	require.NoError(t, e.SetSettings(s))
	assert.Equal(t, StateDistortionFitted, e.State())
	assert.Nil(t, e.Profile)
	assert.NotNil(t, e.Distortion)

	s.Orders = []int{2, 4}
	require.NoError(t, e.SetSettings(s))
	assert.Equal(t, StatePeaksFound, e.State())
	assert.Nil(t, e.Distortion)
	assert.NotEmpty(t, e.Peaks)

	s.Threshold = 20
	require.NoError(t, e.SetSettings(s))
	assert.Equal(t, StatePrepared, e.State())
	assert.Empty(t, e.Peaks)
	assert.Zero(t, e.CenterY)

	// the evaluation runs again from the rolled-back state
	require.NoError(t, e.Run())
	assert.Equal(t, StateComplete, e.State())
}

func TestEvaluationResults(t *testing.T) {
	e, err := NewEvaluation(ringPattern(), ringSettings(), nil)
	require.NoError(t, err)
	require.NoError(t, e.Run())

	datasets, err := e.Results()
	require.NoError(t, err)
	byName := map[string]*emd.Dataset{}
	for _, ds := range datasets {
		byName[ds.Name] = ds
	}
	for _, name := range []string{"radial_profile", "centers", "distortions", "radial_profile_noback", "back_results", "fit_results"} {
		require.Contains(t, byName, name)
	}

	centers := byName["centers"].Data.([]float64)
	assert.Equal(t, []float64{e.CenterY, e.CenterX}, centers)
	assert.Equal(t, e.Distortion.R0, byName["distortions"].Data.([]float64)[0])
	assert.Equal(t, e.Profile.R, byName["radial_profile"].Dims[0].Coords)

	text, ok := byName["radial_profile"].Meta.String("comments", "ringdiff_settings")
	require.True(t, ok)
	stored, err := UnmarshalSettings(text)
	require.NoError(t, err)
	assert.Equal(t, &e.Settings, stored)
	state, _ := byName["radial_profile"].Meta.String("comments", "ringdiff_state")
	assert.Equal(t, "complete", state)
}

func TestPrepareAndLoadPrepared(t *testing.T) {
	dir := t.TempDir()
	prepared := filepath.Join(dir, "pattern_prepared.emd")
	settings := ringSettings()
	require.NoError(t, Prepare(prepared, ringPattern(), &settings))

	e, err := LoadPrepared(prepared, nil)
	require.NoError(t, err)
	assert.Equal(t, StatePrepared, e.State())
	assert.Equal(t, 64, e.H)
	assert.Equal(t, settings, e.Settings) // Prepare validated them in place

	require.NoError(t, e.Run())
	out := filepath.Join(dir, "pattern_eval.emd")
	require.NoError(t, e.SaveEMD(out))

	results, err := emio.ReadAll(out)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, ds := range results {
		names[ds.Name] = true
	}
	assert.True(t, names["radial_profile"])
	assert.True(t, names["centers"])

	// a file without embedded settings cannot seed an evaluation
	plain := filepath.Join(dir, "plain.emd")
	require.NoError(t, emio.WriteEMD(plain, ringPattern()))
	_, err = LoadPrepared(plain, nil)
	assert.Error(t, err)
}
