// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"sync"

	"github.com/SpiNNakerManchester/nmpi-dispatch/sdk/go/nmpi"
)

// A QueueReport is a terminal status reported to a Queue.
type QueueReport struct {
	Job        nmpi.Job
	Status     nmpi.JobStatus
	Log        string
	Outputs    []string
	Error      string
	Trace      *nmpi.RemoteStackTrace
	Usage      int64
	Provenance map[string]string
}

// Queue is an in-memory NMPI queue. NextJob hands out Pending jobs in
// order; everything reported to it is recorded.
type Queue struct {
	Pending []nmpi.Job
	// Err, if not nil, is returned by every method.
	Err error

	mtx     sync.Mutex
	running []int
	logs    map[int]string
	reports []QueueReport
}

func (q *Queue) NextJob(ctx context.Context) (nmpi.Job, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.Err != nil {
		return nmpi.Job{}, q.Err
	}
	if len(q.Pending) == 0 {
		return nmpi.Job{}, nmpi.ErrQueueEmpty
	}
	job := q.Pending[0]
	q.Pending = q.Pending[1:]
	return job, nil
}

// Add appends a job to Pending.
func (q *Queue) Add(job nmpi.Job) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.Pending = append(q.Pending, job)
}

func (q *Queue) SetRunning(ctx context.Context, job nmpi.Job) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.Err != nil {
		return q.Err
	}
	q.running = append(q.running, job.ID)
	return nil
}

func (q *Queue) AppendLog(ctx context.Context, id int, text string) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.Err != nil {
		return q.Err
	}
	if q.logs == nil {
		q.logs = map[int]string{}
	}
	q.logs[id] += text
	return nil
}

func (q *Queue) SetFinished(ctx context.Context, job nmpi.Job, log string, outputs []string, usage int64, provenance map[string]string) error {
	return q.report(QueueReport{Job: job, Status: nmpi.JobFinished, Log: log, Outputs: outputs, Usage: usage, Provenance: provenance})
}

func (q *Queue) SetError(ctx context.Context, job nmpi.Job, log string, outputs []string, jobErr error, trace *nmpi.RemoteStackTrace, usage int64, provenance map[string]string) error {
	return q.report(QueueReport{Job: job, Status: nmpi.JobError, Log: log, Outputs: outputs, Error: jobErr.Error(), Trace: trace, Usage: usage, Provenance: provenance})
}

func (q *Queue) report(r QueueReport) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.Err != nil {
		return q.Err
	}
	q.reports = append(q.reports, r)
	return nil
}

// Running returns the IDs of jobs reported running.
func (q *Queue) Running() []int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return append([]int(nil), q.running...)
}

// Log returns the log accumulated for the job.
func (q *Queue) Log(id int) string {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.logs[id]
}

// Reports returns the terminal reports received for the job.
func (q *Queue) Reports(id int) []QueueReport {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	var reports []QueueReport
	for _, r := range q.reports {
		if r.Job.ID == id {
			reports = append(reports, r)
		}
	}
	return reports
}
