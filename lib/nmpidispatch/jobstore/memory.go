// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobstore

import (
	"context"
	"sort"
	"sync"

	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/nmpidispatch/machine"
	"github.com/SpiNNakerManchester/nmpi-dispatch/sdk/go/nmpi"
)

// Memory is a Store that keeps jobs in memory.
type Memory struct {
	mtx        sync.Mutex
	jobs       map[int]*Job
	byExecutor map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		jobs:       map[int]*Job{},
		byExecutor: map[string]int{},
	}
}

// copyJob returns a copy of j that does not share slices or maps
// with it.
func copyJob(j *Job) Job {
	cp := *j
	cp.Machines = append([]machine.Machine(nil), j.Machines...)
	cp.Provenance = make(map[string]string, len(j.Provenance))
	for k, v := range j.Provenance {
		cp.Provenance[k] = v
	}
	return cp
}

func (ms *Memory) Add(ctx context.Context, job nmpi.Job, executorID string) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	if old, ok := ms.jobs[job.ID]; ok && old.ExecutorID != "" {
		delete(ms.byExecutor, old.ExecutorID)
	}
	ms.jobs[job.ID] = &Job{
		ID:         job.ID,
		ExecutorID: executorID,
		Status:     nmpi.JobQueued,
		Record:     job,
		Provenance: map[string]string{},
	}
	ms.byExecutor[executorID] = job.ID
	return nil
}

func (ms *Memory) Get(ctx context.Context, id int) (Job, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	j, ok := ms.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return copyJob(j), nil
}

func (ms *Memory) ByExecutor(ctx context.Context, executorID string) (Job, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	id, ok := ms.byExecutor[executorID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return copyJob(ms.jobs[id]), nil
}

func (ms *Memory) Waiting(ctx context.Context) ([]Job, error) {
	return ms.filter(Job.Waiting), nil
}

func (ms *Memory) List(ctx context.Context) ([]Job, error) {
	return ms.filter(func(Job) bool { return true }), nil
}

func (ms *Memory) filter(want func(Job) bool) []Job {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var jobs []Job
	for _, j := range ms.jobs {
		if want(*j) {
			jobs = append(jobs, copyJob(j))
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	return jobs
}

func (ms *Memory) AssignExecutor(ctx context.Context, id int, executorID string) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	j, ok := ms.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.ExecutorID != "" {
		delete(ms.byExecutor, j.ExecutorID)
	}
	j.ExecutorID = executorID
	ms.byExecutor[executorID] = id
	return nil
}

func (ms *Memory) SetRunning(ctx context.Context, id int) (Job, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	j, ok := ms.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if !j.Waiting() {
		return Job{}, ErrNotWaiting
	}
	j.Status = nmpi.JobRunning
	j.Record.Status = nmpi.JobRunning
	return copyJob(j), nil
}

func (ms *Memory) AddMachines(ctx context.Context, id int, machines []machine.Machine, quota int64) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	j, ok := ms.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status.Terminal() {
		return ErrFinished
	}
	j.Machines = append(j.Machines, machines...)
	if j.CoreQuota == 0 {
		j.CoreQuota = quota
	}
	return nil
}

func (ms *Memory) SetResourceUsage(ctx context.Context, id int, usage int64) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	j, ok := ms.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.ResourceUsage = usage
	return nil
}

func (ms *Memory) AddProvenance(ctx context.Context, id int, path, value string) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	j, ok := ms.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Provenance[path] = value
	return nil
}

func (ms *Memory) Finish(ctx context.Context, id int, status nmpi.JobStatus) (Job, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	j, ok := ms.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if j.Status.Terminal() {
		return Job{}, ErrFinished
	}
	before := copyJob(j)
	j.Status = status
	j.Record.Status = status
	j.Machines = nil
	j.ResourceUsage = 0
	j.Provenance = map[string]string{}
	return before, nil
}

func (ms *Memory) ClearExecutor(ctx context.Context, executorID string) (Job, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	id, ok := ms.byExecutor[executorID]
	if !ok {
		return Job{}, ErrNotFound
	}
	delete(ms.byExecutor, executorID)
	j := ms.jobs[id]
	before := copyJob(j)
	j.ExecutorID = ""
	return before, nil
}

func (ms *Memory) Close() error {
	return nil
}
