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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSettings() Settings {
	return Settings{
		MaxRadius:   3,
		Threshold:   10,
		CenterInit:  [2]float64{32, 32},
		RadiusRange: [2]float64{8, 16},
	}
}

func TestSettingsValidateFillsDefaults(t *testing.T) {
	s := validSettings()
	require.NoError(t, s.Validate())

	assert.Equal(t, []int{2}, s.Orders)
	assert.Equal(t, 1.0, s.ProfileDR)
	assert.Equal(t, []string{"powlaw"}, s.BackFuncs)
	assert.Equal(t, []float64{1, 1}, s.BackInit)
	assert.Equal(t, 2000, s.FitMaxIter)
}

func TestSettingsValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"window radius", func(s *Settings) { s.MaxRadius = 0 }},
		{"empty radius range", func(s *Settings) { s.RadiusRange = [2]float64{5, 5} }},
		{"negative radius range", func(s *Settings) { s.RadiusRange = [2]float64{-1, 5} }},
		{"bad order", func(s *Settings) { s.Orders = []int{2, 0} }},
		{"unknown back func", func(s *Settings) { s.BackFuncs = []string{"spline"} }},
		{"back init length", func(s *Settings) { s.BackInit = []float64{1} }},
		{"unknown fit func", func(s *Settings) {
			s.FitFuncs = []string{"spline"}
			s.FitInit = []float64{1}
		}},
		{"fit init length", func(s *Settings) {
			s.FitFuncs = []string{"gaussian"}
			s.FitInit = []float64{1}
			s.FitRange = [2]float64{5, 20}
		}},
		{"empty fit range", func(s *Settings) {
			s.FitFuncs = []string{"gaussian"}
			s.FitInit = []float64{1, 12, 1}
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := validSettings()
			c.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestSettingsMarshalRoundTrip(t *testing.T) {
	s := validSettings()
	s.Orders = []int{2, 4}
	s.BackAnchors = []float64{20, 40}
	s.BackHalfWidth = 2
	s.FitFuncs = []string{"gaussian"}
	s.FitInit = []float64{50, 12, 1}
	s.FitRange = [2]float64{8, 16}
	require.NoError(t, s.Validate())

	text, err := s.Marshal()
	require.NoError(t, err)
	back, err := UnmarshalSettings(text)
	require.NoError(t, err)
	assert.Equal(t, &s, back)
}

// Optional slices left unset must survive the round trip as nil, not
// come back as empty slices.
func TestSettingsMarshalRoundTripNilSlices(t *testing.T) {
	s := validSettings()
	require.NoError(t, s.Validate())
	require.Nil(t, s.BackAnchors)
	require.Nil(t, s.FitFuncs)
	require.Nil(t, s.FitInit)

	text, err := s.Marshal()
	require.NoError(t, err)
	back, err := UnmarshalSettings(text)
	require.NoError(t, err)
	assert.Equal(t, &s, back)
	assert.Nil(t, back.BackAnchors)
}

func TestLoadSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ringdiff.yaml")
	text := `
lmax_r: 4
lmax_thresh: 25
lmax_cinit: [31, 33]
lmax_range: [8, 16]
ns: [2, 4]
rad_dr: 0.5
back_funcs: [const]
`
	require.NoError(t, os.WriteFile(path, []byte(text), 0644))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 4, s.MaxRadius)
	assert.Equal(t, 25.0, s.Threshold)
	assert.Equal(t, [2]float64{31, 33}, s.CenterInit)
	assert.Equal(t, []int{2, 4}, s.Orders)
	assert.Equal(t, 0.5, s.ProfileDR)
	assert.Equal(t, []float64{1}, s.BackInit) // one parameter for const

	if _, err := LoadSettings(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file accepted")
	}
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("lmax_r: [not, an, int]"), 0644))
	if _, err := LoadSettings(bad); err == nil {
		t.Error("malformed yaml accepted")
	}
}
