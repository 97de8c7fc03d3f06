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

package main

// Licensing information
const legal = `Emkit is Copyright (C) 2021 The emkit authors
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

The binary version of this program uses several open source libraries and components, which come with their own licensing terms:

| Library                                                                             | License type                            | Usage    |
|-------------------------------------------------------------------------------------|-----------------------------------------|----------|
| [github.com/gin-gonic/gin](https://github.com/gin-gonic/gin)                        | MIT License                             |          |
| [github.com/go-playground/validator/](https://github.com/go-playground/validator/)  | MIT License                             | indirect |
| [github.com/golang/protobuf](https://github.com/golang/protobuf)                    | BSD 3-Clause                            | indirect |
| [github.com/json-iterator/go](https://github.com/json-iterator/go)                  | MIT License                             | indirect |
| [github.com/lucasb-eyer/go-colorful](https://github.com/lucasb-eyer/go-colorful)    | MIT License                             |          |
| [github.com/mattn/go-isatty](https://github.com/mattn/go-isatty)                    | MIT License                             | indirect |
| [github.com/modern-go/concurrent](https://github.com/modern-go/concurrent)          | Apache 2.0 License                      | indirect |
| [github.com/pbnjay/memory](https://github.com/pbnjay/memory)                        | BSD 3-Clause "New" or "Revised" License |          |
| [github.com/stretchr/testify](https://github.com/stretchr/testify)                  | MIT License                             | tests    |
| [github.com/ugorji/go](https://github.com/ugorji/go)                                | MIT License                             | indirect |
| [github.com/valyala/fastrand](https://github.com/valyala/fastrand)                  | MIT License                             |          |
| [golang.org/x/image](https://golang.org/x/image)                                    | BSD 3-Clause                            |          |
| [golang.org/x/sync](https://golang.org/x/sync)                                      | BSD 3-Clause                            |          |
| [golang.org/x/sys](https://golang.org/x/sys)                                        | BSD 3-Clause                            | indirect |
| [golang.org/x/text](https://golang.org/x/text)                                      | BSD 3-Clause                            | indirect |
| [gonum.org/v1/gonum](https://gonum.org/v1/gonum)                                    | BSD 3-Clause "New" or "Revised" License |          |
| [gonum.org/v1/hdf5](https://gonum.org/v1/hdf5)                                      | BSD 3-Clause "New" or "Revised" License |          |
| [google.golang.org/protobuf](https://google.golang.org/protobuf)                    | BSD 3-Clause                            | indirect |
| [gopkg.in/yaml.v3](https://gopkg.in/yaml.v3)                                        | MIT and Apache 2.0 License              |          |

Linking against gonum.org/v1/hdf5 additionally requires the HDF5 C library,
which is Copyright (c) The HDF Group and distributed under its own
BSD-style license, see https://www.hdfgroup.org/licenses.
`
