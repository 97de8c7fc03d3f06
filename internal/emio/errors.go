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

package emio

import (
	"errors"
	"fmt"
)

// ErrUnsupportedFormat is returned when no reader recognizes the file
// signature.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// ErrVersionUnsupported is returned when the container is recognized
// but the revision is not handled.
var ErrVersionUnsupported = errors.New("unsupported format version")

// CorruptError reports a structural violation of the format contract.
type CorruptError struct {
	Format string
	Offset int64
	Detail string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("%s: corrupt file at offset %d: %s", e.Format, e.Offset, e.Detail)
}

func corruptf(format string, offset int64, detail string, args ...any) error {
	return &CorruptError{Format: format, Offset: offset, Detail: fmt.Sprintf(detail, args...)}
}

// TruncatedError reports a data region extending past the end of file.
type TruncatedError struct {
	Format string
	Need   int64
	Have   int64
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("%s: truncated file: need %d bytes, have %d", e.Format, e.Need, e.Have)
}

// WriteError wraps a failure while writing an output file. The partial
// temp file path is retained for diagnosis.
type WriteError struct {
	Path    string
	Partial string
	Err     error
}

func (e *WriteError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("writing %s (partial output in %s): %v", e.Path, e.Partial, e.Err)
	}
	return fmt.Sprintf("writing %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
