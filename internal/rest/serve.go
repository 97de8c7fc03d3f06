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

// Package rest exposes the toolkit over HTTP for lab automation.
package rest

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/emtools/emkit/internal/emio"
	"github.com/emtools/emkit/internal/eval"
)

// NewRouter builds the API routes.
func NewRouter() *gin.Engine {
	r := gin.Default()
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.POST("/info", postInfo)
			v1.POST("/convert", postConvert)
			v1.POST("/ringdiff", postRingDiff)
		}
	}
	return r
}

// Serve starts the REST API on addr (":8080" when empty). Paths in
// request bodies are interpreted inside the server's working
// directory; combine with MakeSandbox for exposed deployments.
func Serve(addr string) error {
	if addr == "" {
		addr = ":8080"
	}
	return NewRouter().Run(addr)
}

func getPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

type postInfoArgs struct {
	File string `json:"file"`
}

func postInfo(c *gin.Context) {
	var args postInfoArgs
	if err := c.ShouldBind(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, err := emio.Open(args.File)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	defer r.Close()

	datasets := make([]gin.H, 0, r.DatasetCount())
	for i := 0; i < r.DatasetCount(); i++ {
		ds, err := r.Dataset(i)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		datasets = append(datasets, gin.H{
			"name":  ds.Name,
			"dtype": ds.DType.String(),
			"shape": ds.Shape,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"format":   r.Format().String(),
		"datasets": datasets,
	})
}

type postConvertArgs struct {
	Files    []string `json:"files"`
	Workers  int      `json:"workers"`
	PerJobMB int      `json:"perJobMB"`
}

// postConvert converts files to EMD, streaming progress as text the
// way long-running operations report here.
func postConvert(c *gin.Context) {
	var args postConvertArgs
	if err := c.ShouldBind(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logWriter := c.Writer
	logWriter.Header().Set("Content-Type", "text/plain")
	logWriter.WriteHeader(http.StatusOK)

	err := eval.BatchConvert(context.Background(), args.Files, eval.BatchOptions{
		Workers:  args.Workers,
		PerJobMB: args.PerJobMB,
		Log:      logWriter,
	})
	if err != nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
	}
	if f, ok := logWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type postRingDiffArgs struct {
	File     string        `json:"file"`
	Out      string        `json:"out"`
	Settings eval.Settings `json:"settings"`
}

func postRingDiff(c *gin.Context) {
	var args postRingDiffArgs
	if err := c.ShouldBind(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ds, err := emio.ReadFirst(args.File)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	ev, err := eval.NewEvaluation(ds, args.Settings, nil)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if err := ev.Run(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if args.Out != "" {
		if err := ev.SaveEMD(args.Out); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	resp := gin.H{
		"state":  ev.State().String(),
		"center": []float64{ev.CenterY, ev.CenterX},
	}
	if ev.Distortion != nil {
		resp["distortion"] = gin.H{
			"r0":    ev.Distortion.R0,
			"alpha": ev.Distortion.Alpha,
			"beta":  ev.Distortion.Beta,
		}
	}
	if ev.FitParams != nil {
		resp["fitResults"] = ev.FitParams
		resp["fitRms"] = ev.FitRms
	}
	c.JSON(http.StatusOK, resp)
}
