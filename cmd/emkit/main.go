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

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emtools/emkit/internal/algo"
	"github.com/emtools/emkit/internal/emd"
	"github.com/emtools/emkit/internal/emio"
	"github.com/emtools/emkit/internal/eval"
	"github.com/emtools/emkit/internal/logf"
	"github.com/emtools/emkit/internal/render"
	"github.com/emtools/emkit/internal/rest"
	"github.com/pbnjay/memory"
)

const version = "0.1.2"

var totalMiBs = int(memory.TotalMemory() / 1024 / 1024)

var out = flag.String("out", "", "save output to `file`. Empty: derive from input by replacing the suffix")
var log = flag.String("log", "", "save log output to `file` in addition to stdout")

var workers = flag.Int("workers", 0, "number of parallel conversion workers, 0=number of CPUs")
var mem = flag.Int("mem", totalMiBs/2, "total MiB of memory to use for batch conversion")
var jobMem = flag.Int("jobMem", 512, "MiB of memory budgeted per conversion job")

var settings = flag.String("settings", "", "load ring diffraction evaluation settings from YAML `file`")

var colormap = flag.String("colormap", "gray", "PNG colormap, one of gray, fire")
var gamma = flag.Float64("gamma", 1.0, "apply gamma to PNG previews, 1=linear")
var percLow = flag.Float64("percLow", 0.5, "clip PNG intensities below this percentile")
var percHigh = flag.Float64("percHigh", 99.5, "clip PNG intensities above this percentile")

var method = flag.String("method", "hybrid", "correlation method for stack alignment, one of cross, phase, hybrid")
var upsample = flag.Int("upsample", 1, "subpixel upsampling factor for stack alignment, 1=integer shifts")
var static = flag.Bool("static", false, "align all frames to frame 0 instead of the running reference")

var httpAddr = flag.String("http", ":8080", "serve the REST API on `addr`")
var chroot = flag.String("chroot", "", "serve: change filesystem root to `dir` before listening (requires root)")
var setuid = flag.Int("setuid", -1, "serve: switch to this user id before listening, -1=no change")

func main() {
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Emkit Copyright (C) 2021 The emkit authors
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (info|convert|png|align|ringdiff-prepare|ringdiff-run|serve|legal|version) (file0 ... fileN)

Commands:
  info              Show file format, datasets and calibrations
  convert           Convert input files to EMD
  png               Render 8 bit PNG previews of input files
  align             Align an image stack by Fourier cross correlation
  ringdiff-prepare  Bundle an image and evaluation settings into a prepared EMD
  ringdiff-run      Run a ring diffraction evaluation and save the results
  serve             Serve the REST API
  legal             Show license and attribution information
  version           Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *log != "" {
		if err := logf.AlsoToFile(*log); err != nil {
			fmt.Fprintf(os.Stderr, "Unable to open logfile '%s': %s\n", *log, err)
			os.Exit(-1)
		}
	}
	logWriter := logf.Writer()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}

	var err error
	switch args[0] {
	case "info":
		err = cmdInfo(args[1:], logWriter)

	case "convert":
		err = cmdConvert(args[1:], logWriter)

	case "png":
		err = cmdPNG(args[1:], logWriter)

	case "align":
		err = cmdAlign(args[1:], logWriter)

	case "ringdiff-prepare":
		err = cmdRingDiffPrepare(args[1:], logWriter)

	case "ringdiff-run":
		err = cmdRingDiffRun(args[1:], logWriter)

	case "serve":
		if err = rest.MakeSandbox(*chroot, *setuid); err != nil {
			break
		}
		err = rest.Serve(*httpAddr)

	case "legal":
		logf.Print(legal)

	case "version":
		logf.Println("Version", version)

	case "help", "?":
		flag.Usage()
		return

	default:
		logf.Printf("Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	if err != nil {
		fmt.Fprintf(logWriter, "Error: %s\n", err)
		logf.Sync()
		os.Exit(-1)
	}
	fmt.Fprintf(logWriter, "\nDone after %v\n", time.Since(start))
	logf.Sync()
}

// Show format, dataset shapes and calibrations for each input file
func cmdInfo(args []string, logWriter io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("need at least one input file")
	}
	for _, fileName := range args {
		r, err := emio.Open(fileName)
		if err != nil {
			return fmt.Errorf("%s: %w", fileName, err)
		}
		fmt.Fprintf(logWriter, "%s: %s, %d dataset(s)\n", fileName, r.Format(), r.DatasetCount())
		if dm, ok := r.(*emio.DMReader); ok {
			for _, w := range dm.Warnings() {
				fmt.Fprintf(logWriter, "  warning: %s\n", w)
			}
		}
		for i := 0; i < r.DatasetCount(); i++ {
			ds, err := r.Dataset(i)
			if err != nil {
				r.Close()
				return fmt.Errorf("%s dataset %d: %w", fileName, i, err)
			}
			fmt.Fprintf(logWriter, "  [%d] %s %s %v", i, ds.Name, ds.DType, ds.Shape)
			if dy, dx := ds.PixelSize(); dy > 0 && dx > 0 {
				fmt.Fprintf(logWriter, " pixel %.4g x %.4g", dy, dx)
				if len(ds.Dims) > 0 && ds.Dims[len(ds.Dims)-1].Units != "" {
					fmt.Fprintf(logWriter, " %s", ds.Dims[len(ds.Dims)-1].Units)
				}
			}
			fmt.Fprintln(logWriter)
		}
		r.Close()
	}
	return nil
}

// Convert input files to EMD in parallel
func cmdConvert(args []string, logWriter io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("need at least one input file")
	}
	fmt.Fprintf(logWriter, "Converting %d file(s)\n", len(args))
	return eval.BatchConvert(context.Background(), args, eval.BatchOptions{
		Workers:  *workers,
		MemoryMB: *mem,
		PerJobMB: *jobMem,
		Log:      logWriter,
	})
}

// Render PNG previews of each input file
func cmdPNG(args []string, logWriter io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("need at least one input file")
	}
	if *out != "" && len(args) > 1 {
		return fmt.Errorf("-out only works with a single input file")
	}
	opt := render.Options{
		PercentLow:  *percLow,
		PercentHigh: *percHigh,
		Gamma:       *gamma,
		Colormap:    *colormap,
	}
	for _, fileName := range args {
		ds, err := emio.ReadFirst(fileName)
		if err != nil {
			return fmt.Errorf("%s: %w", fileName, err)
		}
		target := *out
		if target == "" {
			target = replaceExt(fileName, ".png")
		}
		if err := render.WritePNG(target, ds, opt); err != nil {
			return fmt.Errorf("%s: %w", fileName, err)
		}
		fmt.Fprintf(logWriter, "Wrote %s\n", target)
	}
	return nil
}

// Align an image stack and save the registered stack plus the shifts
func cmdAlign(args []string, logWriter io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("need exactly one input file")
	}
	m, err := algo.ParseCorrMethod(*method)
	if err != nil {
		return err
	}

	ds, err := emio.ReadFirst(args[0])
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	if len(ds.Shape) != 3 {
		return fmt.Errorf("%s: need a 3-D image stack, got shape %v", args[0], ds.Shape)
	}
	frames, h, w := ds.Shape[0], ds.Shape[1], ds.Shape[2]
	stack := make([][]float64, frames)
	for z := 0; z < frames; z++ {
		if stack[z], err = ds.Frame(z); err != nil {
			return err
		}
	}

	fmt.Fprintf(logWriter, "Aligning %d frames of %dx%d with %s correlation, upsampling %d\n",
		frames, w, h, *method, *upsample)
	res, err := algo.AlignStack(stack, h, w, algo.AlignOptions{Method: m, Upsample: *upsample, Static: *static})
	if err != nil {
		return err
	}
	for z := 0; z < frames; z++ {
		note := ""
		if res.LowConfidence[z] {
			note = " (low confidence, not shifted)"
		}
		fmt.Fprintf(logWriter, "%3d: shift %+.3f %+.3f%s\n", z, res.ShiftsY[z], res.ShiftsX[z], note)
	}

	aligned := emd.NewDataset("aligned", emd.Float64, frames, h, w)
	data := aligned.Data.([]float64)
	for z, frame := range res.Aligned {
		copy(data[z*h*w:], frame)
	}
	if len(ds.Dims) == 3 {
		aligned.Dims[1], aligned.Dims[2] = ds.Dims[1], ds.Dims[2]
	}
	aligned.Meta = ds.Meta

	shifts := emd.NewDataset("shifts", emd.Float64, frames, 2)
	sdata := shifts.Data.([]float64)
	for z := 0; z < frames; z++ {
		sdata[2*z], sdata[2*z+1] = res.ShiftsY[z], res.ShiftsX[z]
	}

	target := *out
	if target == "" {
		target = replaceExt(args[0], "_aligned.emd")
	}
	if err := emio.WriteEMD(target, aligned, shifts); err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "Wrote %s\n", target)
	return nil
}

// Bundle a diffraction image and evaluation settings into a prepared EMD
func cmdRingDiffPrepare(args []string, logWriter io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("need exactly one input file")
	}
	if *settings == "" {
		return fmt.Errorf("need -settings with a YAML settings file")
	}
	s, err := eval.LoadSettings(*settings)
	if err != nil {
		return err
	}
	ds, err := emio.ReadFirst(args[0])
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	target := *out
	if target == "" {
		target = replaceExt(args[0], "_prepared.emd")
	}
	if err := eval.Prepare(target, ds, s); err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "Wrote %s\n", target)
	return nil
}

// Run a ring diffraction evaluation on a prepared or raw input file
func cmdRingDiffRun(args []string, logWriter io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("need exactly one input file")
	}

	var e *eval.Evaluation
	var err error
	if *settings != "" {
		var s *eval.Settings
		if s, err = eval.LoadSettings(*settings); err != nil {
			return err
		}
		var ds *emd.Dataset
		if ds, err = emio.ReadFirst(args[0]); err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		e, err = eval.NewEvaluation(ds, *s, logWriter)
	} else {
		e, err = eval.LoadPrepared(args[0], logWriter)
	}
	if err != nil {
		return err
	}

	if err := e.Run(); err != nil {
		return err
	}
	target := *out
	if target == "" {
		target = replaceExt(args[0], "_eval.emd")
	}
	if err := e.SaveEMD(target); err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "Wrote %s\n", target)
	return nil
}

// Helper: replace the filename extension
func replaceExt(fileName, newExt string) string {
	return strings.TrimSuffix(fileName, filepath.Ext(fileName)) + newExt
}
