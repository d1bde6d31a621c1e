// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nmpidispatch

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/nmpidispatch/job"
	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/nmpidispatch/jobstore"
	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/nmpidispatch/machine"
	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/service"
	"github.com/SpiNNakerManchester/nmpi-dispatch/sdk/go/httpserver"
	"github.com/SpiNNakerManchester/nmpi-dispatch/sdk/go/nmpi"
	"github.com/julienschmidt/httprouter"
)

const (
	maxTextBytes   = 16 << 20
	maxOutputBytes = 1 << 30
)

func (disp *dispatcher) routes() http.Handler {
	mux := httprouter.New()
	// httprouter cannot have a static "next" segment beside :id,
	// so /job/next is dispatched by apiJob.
	mux.GET("/job/:id", disp.apiJob)
	mux.GET("/job/:id/machine", disp.apiJobMachine)
	mux.GET("/job/:id/machine/max", disp.apiLargestJobMachine)
	mux.GET("/job/:id/machine/check", disp.apiCheckLease)
	mux.POST("/job/:id/machine/extend", disp.apiExtendLease)
	mux.POST("/job/:id/log", disp.apiAppendLog)
	mux.POST("/job/:id/provenance", disp.apiAddProvenance)
	mux.POST("/job/:id/output", disp.apiAddOutput)
	mux.POST("/job/:id/finished", disp.apiJobFinished)
	mux.POST("/job/:id/error", disp.apiJobError)
	mux.POST("/executor/:id/exited", disp.apiExecutorExited)
	mux.Handler("GET", "/nmpi/v1/machines", service.RequireToken(disp.Config.ManagementToken, http.HandlerFunc(disp.apiMachines)))
	mux.Handler("GET", "/nmpi/v1/jobs", service.RequireToken(disp.Config.ManagementToken, http.HandlerFunc(disp.apiJobs)))
	return httpserver.LogRequests(disp.logger, mux)
}

// writeError sends err with a status code chosen according to its
// type.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		err = httpserver.ErrorWithStatus(err, http.StatusNotFound)
	case errors.Is(err, job.ErrJobFinished):
		err = httpserver.ErrorWithStatus(err, http.StatusConflict)
	case errors.Is(err, machine.ErrPoolClosed):
		err = httpserver.ErrorWithStatus(err, http.StatusServiceUnavailable)
	}
	httpserver.WriteError(w, err)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func jobID(params httprouter.Params) (int, error) {
	id, err := strconv.Atoi(params.ByName("id"))
	if err != nil || id < 0 {
		return 0, httpserver.Errorf(http.StatusBadRequest, "invalid job id %q", params.ByName("id"))
	}
	return id, nil
}

// intParam returns the named query parameter, or def if it is
// absent.
func intParam(r *http.Request, name string, def int64) (int64, error) {
	s := r.FormValue(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, httpserver.Errorf(http.StatusBadRequest, "invalid %s parameter %q", name, s)
	}
	return v, nil
}

func readText(w http.ResponseWriter, r *http.Request) (string, error) {
	buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTextBytes))
	if err != nil {
		return "", httpserver.ErrorWithStatus(err, http.StatusBadRequest)
	}
	return string(buf), nil
}

func readJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTextBytes)).Decode(dst)
	if err != nil {
		return httpserver.Errorf(http.StatusBadRequest, "cannot decode request body: %s", err)
	}
	return nil
}

func (disp *dispatcher) apiJob(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if params.ByName("id") != "next" {
		httpserver.Error(w, "not found", http.StatusNotFound)
		return
	}
	execID := r.FormValue("executorId")
	if execID == "" {
		httpserver.Error(w, "executorId parameter not provided", http.StatusBadRequest)
		return
	}
	j, err := disp.manager.NextJob(r.Context(), execID)
	if errors.Is(err, job.ErrNoJob) {
		w.WriteHeader(http.StatusNoContent)
		return
	} else if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, j)
}

func (disp *dispatcher) apiJobMachine(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id, err := jobID(params)
	if err != nil {
		writeError(w, err)
		return
	}
	var counts [3]int64
	for i, name := range []string{"nCores", "nChips", "nBoards"} {
		counts[i], err = intParam(r, name, -1)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	runTime, err := intParam(r, "runTime", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	m, err := disp.manager.JobMachine(r.Context(), id, int(counts[0]), int(counts[1]), int(counts[2]), runTime)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, m)
}

func (disp *dispatcher) apiLargestJobMachine(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id, err := jobID(params)
	if err != nil {
		writeError(w, err)
		return
	}
	runTime, err := intParam(r, "runTime", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	m, err := disp.manager.LargestJobMachine(r.Context(), id, runTime)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, m)
}

func (disp *dispatcher) apiCheckLease(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id, err := jobID(params)
	if err != nil {
		writeError(w, err)
		return
	}
	waitMs, err := intParam(r, "waitTime", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	ok, err := disp.manager.CheckMachineLease(r.Context(), id, time.Duration(waitMs)*time.Millisecond)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]bool{"allocated": ok})
}

func (disp *dispatcher) apiExtendLease(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id, err := jobID(params)
	if err != nil {
		writeError(w, err)
		return
	}
	runTime, err := intParam(r, "runTime", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := disp.manager.ExtendJobMachineLease(r.Context(), id, runTime); err != nil {
		writeError(w, err)
	}
}

func (disp *dispatcher) apiAppendLog(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id, err := jobID(params)
	if err != nil {
		writeError(w, err)
		return
	}
	text, err := readText(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := disp.manager.AppendLog(r.Context(), id, text); err != nil {
		writeError(w, err)
	}
}

func (disp *dispatcher) apiAddProvenance(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id, err := jobID(params)
	if err != nil {
		writeError(w, err)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		httpserver.Error(w, "path parameter not provided", http.StatusBadRequest)
		return
	}
	value, err := readText(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := disp.manager.AddProvenance(r.Context(), id, strings.Split(path, "/"), value); err != nil {
		writeError(w, err)
	}
}

func (disp *dispatcher) apiAddOutput(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id, err := jobID(params)
	if err != nil {
		writeError(w, err)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		httpserver.Error(w, "name parameter not provided", http.StatusBadRequest)
		return
	}
	body := http.MaxBytesReader(w, r.Body, maxOutputBytes)
	if err := disp.manager.AddOutput(r.Context(), id, name, body); err != nil {
		writeError(w, err)
	}
}

type finishedRequest struct {
	Log           string   `json:"log"`
	BaseDirectory string   `json:"baseDirectory"`
	Outputs       []string `json:"outputs"`
}

type errorRequest struct {
	finishedRequest
	Error      string                 `json:"error"`
	StackTrace *nmpi.RemoteStackTrace `json:"stackTrace"`
}

func (disp *dispatcher) apiJobFinished(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id, err := jobID(params)
	if err != nil {
		writeError(w, err)
		return
	}
	var req finishedRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := disp.manager.SetJobFinished(r.Context(), id, req.Log, req.BaseDirectory, req.Outputs); err != nil {
		writeError(w, err)
	}
}

func (disp *dispatcher) apiJobError(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id, err := jobID(params)
	if err != nil {
		writeError(w, err)
		return
	}
	var req errorRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := disp.manager.SetJobError(r.Context(), id, req.Error, req.Log, req.BaseDirectory, req.Outputs, req.StackTrace); err != nil {
		writeError(w, err)
	}
}

func (disp *dispatcher) apiExecutorExited(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	log, err := readText(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	disp.manager.ExecutorExited(params.ByName("id"), log)
}

// Management API: all machines, with an inUse flag.
func (disp *dispatcher) apiMachines(w http.ResponseWriter, r *http.Request) {
	type machineView struct {
		machine.Machine
		InUse bool `json:"inUse"`
	}
	var resp struct {
		Items []machineView `json:"items"`
	}
	for _, m := range disp.manager.Machines() {
		resp.Items = append(resp.Items, machineView{Machine: m, InUse: disp.pool.IsAvailable(m)})
	}
	writeJSON(w, resp)
}

// Management API: all jobs known to the dispatcher.
func (disp *dispatcher) apiJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := disp.manager.Jobs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	var resp struct {
		Items []jobstore.Job `json:"items"`
	}
	resp.Items = jobs
	writeJSON(w, resp)
}
