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
	"context"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pbnjay/memory"
	"golang.org/x/sync/errgroup"

	"github.com/emtools/emkit/internal/emio"
)

// BatchOptions sizes parallel file processing. Zero values pick
// defaults from the machine.
type BatchOptions struct {
	Workers  int
	MemoryMB int // total budget; caps workers at MemoryMB/PerJobMB
	PerJobMB int
	Log      io.Writer
}

func (o *BatchOptions) workers() int {
	w := o.Workers
	if w <= 0 {
		w = runtime.NumCPU()
	}
	memMB := o.MemoryMB
	if memMB <= 0 {
		memMB = int(memory.TotalMemory() / 1024 / 1024 / 2)
	}
	perJob := o.PerJobMB
	if perJob <= 0 {
		perJob = 512
	}
	byMem := memMB / perJob
	if byMem < 1 {
		byMem = 1
	}
	if byMem < w {
		w = byMem
	}
	if w < 1 {
		w = 1
	}
	return w
}

// OutputName maps an input path to its converted EMD sibling.
func OutputName(in string) string {
	ext := filepath.Ext(in)
	return strings.TrimSuffix(in, ext) + ".emd"
}

// BatchConvert converts files to EMD in parallel. The first failure
// cancels outstanding work; files already converted stay on disk.
func BatchConvert(ctx context.Context, paths []string, opt BatchOptions) error {
	if opt.Log == nil {
		opt.Log = io.Discard
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opt.workers())

	for _, path := range paths {
		path := path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out := OutputName(path)
			if err := ConvertFile(path, out); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Fprintf(opt.Log, "%s -> %s\n", path, out)
			return nil
		})
	}
	return g.Wait()
}

// ConvertFile reads every dataset of a supported input file and
// writes them as one EMD file.
func ConvertFile(in, out string) error {
	datasets, err := emio.ReadAll(in)
	if err != nil {
		return err
	}
	return emio.WriteEMD(out, datasets...)
}
