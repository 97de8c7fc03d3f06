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

package emd

import "strconv"

// Metadata is a tolerant nested key/value store. Vendor files carry
// wildly inconsistent metadata, so all getters degrade to a zero value
// and an ok flag instead of panicking.
type Metadata map[string]any

// Sub returns the nested metadata map under key, creating it if absent.
func (m Metadata) Sub(key string) Metadata {
	if v, ok := m[key]; ok {
		switch s := v.(type) {
		case Metadata:
			return s
		case map[string]any:
			return Metadata(s)
		}
	}
	s := Metadata{}
	m[key] = s
	return s
}

// Lookup walks a path of nested keys.
func (m Metadata) Lookup(path ...string) (any, bool) {
	cur := any(m)
	for _, key := range path {
		var sub Metadata
		switch s := cur.(type) {
		case Metadata:
			sub = s
		case map[string]any:
			sub = Metadata(s)
		default:
			return nil, false
		}
		v, ok := sub[key]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// String returns the value at path as a string.
func (m Metadata) String(path ...string) (string, bool) {
	v, ok := m.Lookup(path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Float returns the value at path as a float64, converting from any
// numeric type and from numeric strings.
func (m Metadata) Float(path ...string) (float64, bool) {
	v, ok := m.Lookup(path...)
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

// Int returns the value at path as an int.
func (m Metadata) Int(path ...string) (int, bool) {
	f, ok := m.Float(path...)
	return int(f), ok
}

// Merge copies all entries of other into m, recursing into nested maps.
func (m Metadata) Merge(other Metadata) {
	for k, v := range other {
		if sub, ok := v.(Metadata); ok {
			m.Sub(k).Merge(sub)
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			m.Sub(k).Merge(Metadata(sub))
			continue
		}
		m[k] = v
	}
}
