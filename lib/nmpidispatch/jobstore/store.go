// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobstore holds the dispatcher's job records: the executor
// bound to each job, the machines it holds, its billed usage and its
// provenance.
package jobstore

import (
	"context"
	"errors"

	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/nmpidispatch/machine"
	"github.com/SpiNNakerManchester/nmpi-dispatch/sdk/go/nmpi"
)

var (
	// ErrNotFound is returned when there is no job with the given
	// ID, or no job bound to the given executor.
	ErrNotFound = errors.New("job not found")
	// ErrFinished is returned by Finish and AddMachines when the
	// job is already in a terminal state.
	ErrFinished = errors.New("job already finished")
	// ErrNotWaiting is returned by SetRunning when the job is not
	// waiting for an executor to pick it up.
	ErrNotWaiting = errors.New("job is not waiting")
)

// Job is the dispatcher's record of a job.
type Job struct {
	ID int
	// Executor bound to the job, or "" if its executor has exited.
	ExecutorID string
	Status     nmpi.JobStatus
	// Record is the job as received from the queue.
	Record   nmpi.Job
	Machines []machine.Machine
	// Core quota fixed when the first machine is allocated.
	CoreQuota int64
	// Billed usage in core-seconds.
	ResourceUsage int64
	Provenance    map[string]string
}

// Waiting returns true if the job has not yet been picked up by an
// executor.
func (j Job) Waiting() bool {
	return j.Status == nmpi.JobQueued
}

// A Store holds job records. Each method is atomic.
type Store interface {
	// Add records a new waiting job bound to executorID.
	Add(ctx context.Context, job nmpi.Job, executorID string) error
	Get(ctx context.Context, id int) (Job, error)
	// ByExecutor returns the job currently bound to executorID.
	ByExecutor(ctx context.Context, executorID string) (Job, error)
	// Waiting returns all jobs that are waiting for an executor.
	Waiting(ctx context.Context) ([]Job, error)
	// List returns all jobs, ordered by ID.
	List(ctx context.Context) ([]Job, error)
	// AssignExecutor binds the job to a new executor.
	AssignExecutor(ctx context.Context, id int, executorID string) error
	// SetRunning moves a waiting job to running and returns it.
	SetRunning(ctx context.Context, id int) (Job, error)
	// AddMachines records machines allocated to the job. If the
	// job's core quota is not yet set, it is set to quota. If the
	// job is already terminal, AddMachines returns ErrFinished.
	AddMachines(ctx context.Context, id int, machines []machine.Machine, quota int64) error
	SetResourceUsage(ctx context.Context, id int, usage int64) error
	AddProvenance(ctx context.Context, id int, path, value string) error
	// Finish moves the job to a terminal status, clears its
	// machines, usage and provenance, and returns the job as it
	// was before. If the job is already terminal, Finish returns
	// ErrFinished and changes nothing.
	Finish(ctx context.Context, id int, status nmpi.JobStatus) (Job, error)
	// ClearExecutor unbinds executorID from its job and returns
	// the job as it was before.
	ClearExecutor(ctx context.Context, executorID string) (Job, error)
	Close() error
}
