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

//go:build windows

package rest

import "errors"

// MakeSandbox is unavailable on Windows; chroot and setuid have no
// equivalent here. Callers must leave both options unset.
func MakeSandbox(chroot string, setuid int) error {
	if chroot != "" || setuid >= 0 {
		return errors.New("sandboxing is not supported on windows")
	}
	return nil
}
