// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package job coordinates jobs, the executors that run them, and the
// machines leased to them.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/nmpidispatch/executor"
	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/nmpidispatch/jobstore"
	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/nmpidispatch/machine"
	"github.com/SpiNNakerManchester/nmpi-dispatch/sdk/go/nmpi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Message reported when an executor exits without reporting the
// outcome of its job.
const uncleanExitMessage = "Job did not finish cleanly"

// Queue is the external queue that jobs come from, and that job
// progress is reported to.
type Queue interface {
	SetRunning(ctx context.Context, job nmpi.Job) error
	AppendLog(ctx context.Context, id int, text string) error
	SetFinished(ctx context.Context, job nmpi.Job, log string, outputs []string, usage int64, provenance map[string]string) error
	SetError(ctx context.Context, job nmpi.Job, log string, outputs []string, jobErr error, trace *nmpi.RemoteStackTrace, usage int64, provenance map[string]string) error
}

// An OutputStore makes job output files available outside the
// dispatcher, and returns their URLs.
type OutputStore interface {
	AddOutputs(ctx context.Context, projectID string, jobID int, baseDir string, files []string) ([]string, error)
}

// Config holds the Manager's tunables.
type Config struct {
	// Directory where files uploaded with AddOutput are kept
	// until the job finishes.
	StagingDirectory string
	// Start new executors for all waiting jobs when an unknown
	// executor exits.
	RestartOnExit bool
	// Minimum time between restarts of a given job's executor.
	RestartInterval time.Duration
}

// Manager tracks jobs from the time they are taken from the queue
// until their executors exit.
type Manager struct {
	logger  logrus.FieldLogger
	store   jobstore.Store
	pool    machine.Pool
	factory executor.Factory
	queue   Queue
	outputs OutputStore
	config  Config
	restart throttle

	mtx         sync.Mutex
	staged      map[int][]string
	holders     map[machine.Key]int          // job each acquired machine was given to
	lost        map[int]map[machine.Key]bool // machines taken from each job by the pool
	unallocated chan struct{}                // closed and replaced when the pool loses a machine

	mJobs         *prometheus.GaugeVec
	mExits        *prometheus.CounterVec
	mUsage        prometheus.Counter
	mLeaseChecks  *prometheus.CounterVec
	mAllocateTime prometheus.Summary
}

// NewManager returns a Manager. Metrics are registered with reg, or a
// private registry if reg is nil.
func NewManager(logger logrus.FieldLogger, store jobstore.Store, pool machine.Pool, factory executor.Factory, queue Queue, outputs OutputStore, config Config, reg *prometheus.Registry) *Manager {
	m := &Manager{
		logger:      logger,
		store:       store,
		pool:        pool,
		factory:     factory,
		queue:       queue,
		outputs:     outputs,
		config:      config,
		restart:     throttle{hold: config.RestartInterval},
		staged:      map[int][]string{},
		holders:     map[machine.Key]int{},
		lost:        map[int]map[machine.Key]bool{},
		unallocated: make(chan struct{}),
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m.registerMetrics(reg)
	pool.SetUnallocatedFunc(m.machineUnallocated)
	return m
}

func (m *Manager) registerMetrics(reg *prometheus.Registry) {
	m.mJobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nmpi",
		Subsystem: "dispatch",
		Name:      "jobs",
		Help:      "Number of jobs known to the dispatcher, by status.",
	}, []string{"status"})
	reg.MustRegister(m.mJobs)
	m.mExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nmpi",
		Subsystem: "dispatch",
		Name:      "executor_exits_total",
		Help:      "Number of executor exits, by kind (clean, unclean, orphan).",
	}, []string{"kind"})
	reg.MustRegister(m.mExits)
	m.mUsage = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nmpi",
		Subsystem: "dispatch",
		Name:      "billed_core_seconds_total",
		Help:      "Resource usage reported for completed jobs.",
	})
	reg.MustRegister(m.mUsage)
	m.mLeaseChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nmpi",
		Subsystem: "dispatch",
		Name:      "lease_checks_total",
		Help:      "Number of machine lease checks, by result.",
	}, []string{"result"})
	reg.MustRegister(m.mLeaseChecks)
	m.mAllocateTime = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace:  "nmpi",
		Subsystem:  "dispatch",
		Name:       "machine_allocation_seconds",
		Help:       "Time taken to allocate a machine to a job.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})
	reg.MustRegister(m.mAllocateTime)
}

func (m *Manager) jobLogger(id int) logrus.FieldLogger {
	return m.logger.WithField("JobID", id)
}

// AddJob records a job taken from the queue, and starts an executor
// for it.
func (m *Manager) AddJob(ctx context.Context, job nmpi.Job) error {
	ex, err := m.factory.Create(ctx, m)
	if err != nil {
		return fmt.Errorf("cannot create executor for job %d: %w", job.ID, err)
	}
	if err := m.store.Add(ctx, job, ex.ID()); err != nil {
		ex.Abort()
		return err
	}
	m.mJobs.WithLabelValues(string(nmpi.JobQueued)).Inc()
	m.jobLogger(job.ID).WithField("ExecutorID", ex.ID()).Info("job added")
	if err := ex.Start(); err != nil {
		// The exit listener has been told, and will fail the
		// job.
		m.jobLogger(job.ID).WithError(err).Warn("executor did not start")
	}
	return nil
}

// NextJob returns the job waiting for the given executor, and marks
// it running.
func (m *Manager) NextJob(ctx context.Context, executorID string) (nmpi.Job, error) {
	j, err := m.store.ByExecutor(ctx, executorID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nmpi.Job{}, ErrNoJob
	} else if err != nil {
		return nmpi.Job{}, err
	}
	j, err = m.store.SetRunning(ctx, j.ID)
	if errors.Is(err, jobstore.ErrNotWaiting) {
		return nmpi.Job{}, ErrNoJob
	} else if err != nil {
		return nmpi.Job{}, err
	}
	m.mJobs.WithLabelValues(string(nmpi.JobQueued)).Dec()
	m.mJobs.WithLabelValues(string(nmpi.JobRunning)).Inc()
	logger := m.jobLogger(j.ID).WithField("ExecutorID", executorID)
	logger.Info("job running")
	if err := m.queue.SetRunning(ctx, j.Record); err != nil {
		logger.WithError(err).Warn("cannot report job running")
	}
	return j.Record, nil
}

// runningJob returns the job, or an error if it isn't running.
func (m *Manager) runningJob(ctx context.Context, id int) (jobstore.Job, error) {
	j, err := m.store.Get(ctx, id)
	if err != nil {
		return j, err
	}
	if j.Status.Terminal() {
		return j, ErrJobFinished
	}
	if j.Status != nmpi.JobRunning {
		return j, badRequest("job %d is not running", id)
	}
	return j, nil
}

// JobMachine allocates a machine big enough for the requested cores,
// chips or boards (each <= 0 if not specified), waiting until one is
// available, and bills the job for runTimeMs on it.
func (m *Manager) JobMachine(ctx context.Context, id int, nCores, nChips, nBoards int, runTimeMs int64) (machine.Machine, error) {
	if runTimeMs <= 0 {
		return machine.Machine{}, badRequest("runTime must be specified and positive")
	}
	j, err := m.runningJob(ctx, id)
	if err != nil {
		return machine.Machine{}, err
	}
	boards, quota := ChooseBoards(nCores, nChips, nBoards)
	logger := m.jobLogger(id).WithField("Boards", boards)
	logger.Info("allocating machine")
	t0 := time.Now()
	mach, err := m.pool.Acquire(ctx, boards)
	if err != nil {
		return machine.Machine{}, fmt.Errorf("no machine available: %w", err)
	}
	m.mAllocateTime.Observe(time.Since(t0).Seconds())
	m.hold(id, mach)
	if err := m.store.AddMachines(ctx, id, []machine.Machine{mach}, quota); err != nil {
		m.releaseMachines(id, []machine.Machine{mach})
		if errors.Is(err, jobstore.ErrFinished) {
			return machine.Machine{}, ErrJobFinished
		}
		return machine.Machine{}, err
	}
	if j.CoreQuota > 0 {
		quota = j.CoreQuota
	}
	if err := m.store.SetResourceUsage(ctx, id, ResourceUsage(runTimeMs, quota)); err != nil {
		return machine.Machine{}, err
	}
	logger.WithField("Machine", mach.String()).Info("machine allocated")
	return mach, nil
}

// LargestJobMachine allocates the largest machine in the pool to the
// job.
func (m *Manager) LargestJobMachine(ctx context.Context, id int, runTimeMs int64) (machine.Machine, error) {
	largest, ok := machine.Largest(m.pool.Machines())
	if !ok {
		return machine.Machine{}, errors.New("no machines available")
	}
	return m.JobMachine(ctx, id, 0, 0, largest.BoardCount, runTimeMs)
}

// CheckMachineLease returns true if all of the job's machines are
// still allocated. If they are, it waits until one of them changes
// state or waitTime passes, then checks again.
func (m *Manager) CheckMachineLease(ctx context.Context, id int, waitTime time.Duration) (bool, error) {
	j, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	m.mtx.Lock()
	unallocated := m.unallocated
	m.mtx.Unlock()
	held := m.allAllocated(id, j.Machines)
	if held && waitTime > 0 {
		m.waitAnyStateChange(ctx, j.Machines, unallocated, waitTime)
		held = m.allAllocated(id, j.Machines)
	}
	if held {
		m.mLeaseChecks.WithLabelValues("held").Inc()
	} else {
		m.mLeaseChecks.WithLabelValues("lost").Inc()
		m.jobLogger(id).Info("machine lease lost")
	}
	return held, nil
}

// allAllocated returns true if the job has machines, and the pool
// still has all of them allocated to it. A machine the pool took
// away is not allocated to the job even if the pool has since given
// the same machine to another job.
func (m *Manager) allAllocated(id int, machines []machine.Machine) bool {
	if len(machines) == 0 {
		return false
	}
	m.mtx.Lock()
	lost := len(m.lost[id]) > 0
	m.mtx.Unlock()
	if lost {
		return false
	}
	for _, mach := range machines {
		if !m.pool.IsAvailable(mach) {
			return false
		}
	}
	return true
}

// waitAnyStateChange returns when any of the machines is no longer
// allocated, unallocated is closed, waitTime passes, or ctx is done.
func (m *Manager) waitAnyStateChange(ctx context.Context, machines []machine.Machine, unallocated <-chan struct{}, waitTime time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, waitTime)
	defer cancel()
	changed := make(chan struct{}, len(machines))
	for _, mach := range machines {
		go func(mach machine.Machine) {
			if m.pool.WaitForStateChange(ctx, mach, true, waitTime) {
				changed <- struct{}{}
			}
		}(mach)
	}
	select {
	case <-changed:
	case <-unallocated:
	case <-ctx.Done():
	}
}

// machineUnallocated is called by the pool when a machine is taken
// away without being released.
func (m *Manager) machineUnallocated(mach machine.Machine) {
	logger := m.logger.WithField("Machine", mach.String())
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if id, ok := m.holders[mach.Key()]; ok {
		m.markLostLocked(id, mach)
		logger = logger.WithField("JobID", id)
	}
	logger.Warn("machine unallocated externally")
	close(m.unallocated)
	m.unallocated = make(chan struct{})
}

func (m *Manager) markLostLocked(id int, mach machine.Machine) {
	delete(m.holders, mach.Key())
	if m.lost[id] == nil {
		m.lost[id] = map[machine.Key]bool{}
	}
	m.lost[id][mach.Key()] = true
}

// hold records that the pool gave mach to the job.
func (m *Manager) hold(id int, mach machine.Machine) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.holders[mach.Key()] = id
	if !m.pool.IsAvailable(mach) {
		// Lost before we recorded it.
		m.markLostLocked(id, mach)
	}
}

// releaseMachines returns the job's machines to the pool, except
// those the pool has already taken away. Those may since have been
// given to another job under the same key.
func (m *Manager) releaseMachines(id int, machines []machine.Machine) {
	m.mtx.Lock()
	lost := m.lost[id]
	delete(m.lost, id)
	var release []machine.Machine
	for _, mach := range machines {
		if lost[mach.Key()] {
			continue
		}
		if holder, ok := m.holders[mach.Key()]; ok && holder == id {
			delete(m.holders, mach.Key())
		}
		release = append(release, mach)
	}
	m.mtx.Unlock()
	for _, mach := range release {
		m.pool.Release(mach)
	}
}

// ExtendJobMachineLease bills the job for runTimeMs at its core
// quota.
func (m *Manager) ExtendJobMachineLease(ctx context.Context, id int, runTimeMs int64) error {
	if runTimeMs < 0 {
		return badRequest("runTime must not be negative")
	}
	j, err := m.runningJob(ctx, id)
	if err != nil {
		return err
	}
	return m.store.SetResourceUsage(ctx, id, ResourceUsage(runTimeMs, j.CoreQuota))
}

// AppendLog adds text to the job's log in the queue.
func (m *Manager) AppendLog(ctx context.Context, id int, text string) error {
	if _, err := m.store.Get(ctx, id); err != nil {
		return err
	}
	return m.queue.AppendLog(ctx, id, text)
}

// AddProvenance records a provenance item, reported with the job's
// results. The path components are joined with "/".
func (m *Manager) AddProvenance(ctx context.Context, id int, path []string, value string) error {
	if len(path) == 0 {
		return badRequest("provenance path must not be empty")
	}
	for _, p := range path {
		if p == "" {
			return badRequest("provenance path must not contain empty components")
		}
	}
	if _, err := m.runningJob(ctx, id); err != nil {
		return err
	}
	return m.store.AddProvenance(ctx, id, joinPath(path), value)
}

func joinPath(path []string) string {
	s := path[0]
	for _, p := range path[1:] {
		s += "/" + p
	}
	return s
}

func (m *Manager) stagingDir(id int) string {
	return filepath.Join(m.config.StagingDirectory, strconv.Itoa(id))
}

// AddOutput stores an output file uploaded by the job's executor. It
// is passed to the output store when the job finishes.
func (m *Manager) AddOutput(ctx context.Context, id int, name string, r io.Reader) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return badRequest("invalid output file name %q", name)
	}
	if _, err := m.runningJob(ctx, id); err != nil {
		return err
	}
	dir := m.stagingDir(id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, n := range m.staged[id] {
		if n == name {
			return nil
		}
	}
	m.staged[id] = append(m.staged[id], name)
	return nil
}

// collectOutputs passes the job's output files to the output store:
// the named files under baseDir, then any files uploaded with
// AddOutput.
func (m *Manager) collectOutputs(ctx context.Context, j jobstore.Job, baseDir string, files []string) []string {
	logger := m.jobLogger(j.ID)
	var urls []string
	if len(files) > 0 {
		u, err := m.outputs.AddOutputs(ctx, j.Record.CollabID, j.ID, baseDir, files)
		if err != nil {
			logger.WithError(err).Error("cannot store job outputs")
		}
		urls = append(urls, u...)
	}
	m.mtx.Lock()
	staged := m.staged[j.ID]
	delete(m.staged, j.ID)
	m.mtx.Unlock()
	if len(staged) > 0 {
		sort.Strings(staged)
		dir := m.stagingDir(j.ID)
		u, err := m.outputs.AddOutputs(ctx, j.Record.CollabID, j.ID, dir, staged)
		if err != nil {
			logger.WithError(err).Error("cannot store uploaded job outputs")
		}
		urls = append(urls, u...)
		if err := os.RemoveAll(dir); err != nil {
			logger.WithError(err).Warn("cannot remove staging directory")
		}
	}
	return urls
}

// finish moves the job to a terminal status and releases its
// machines.
func (m *Manager) finish(ctx context.Context, id int, status nmpi.JobStatus) (jobstore.Job, error) {
	before, err := m.store.Finish(ctx, id, status)
	if errors.Is(err, jobstore.ErrFinished) {
		return before, ErrJobFinished
	} else if err != nil {
		return before, err
	}
	m.releaseMachines(id, before.Machines)
	m.mJobs.WithLabelValues(string(before.Status)).Dec()
	m.mJobs.WithLabelValues(string(status)).Inc()
	m.mUsage.Add(float64(before.ResourceUsage))
	m.jobLogger(id).WithFields(logrus.Fields{
		"Status":        status,
		"Machines":      len(before.Machines),
		"ResourceUsage": before.ResourceUsage,
	}).Info("job finished")
	return before, nil
}

// SetJobFinished records that the job completed, releases its
// machines, and reports the results to the queue.
func (m *Manager) SetJobFinished(ctx context.Context, id int, log, baseDir string, outputs []string) error {
	j, err := m.finish(ctx, id, nmpi.JobFinished)
	if err != nil {
		return err
	}
	urls := m.collectOutputs(ctx, j, baseDir, outputs)
	if err := m.queue.SetFinished(ctx, j.Record, log, urls, j.ResourceUsage, j.Provenance); err != nil {
		return fmt.Errorf("cannot report job %d finished: %w", id, err)
	}
	return nil
}

// SetJobError records that the job failed, releases its machines,
// and reports the failure to the queue.
func (m *Manager) SetJobError(ctx context.Context, id int, message, log, baseDir string, outputs []string, trace *nmpi.RemoteStackTrace) error {
	j, err := m.finish(ctx, id, nmpi.JobError)
	if err != nil {
		return err
	}
	urls := m.collectOutputs(ctx, j, baseDir, outputs)
	if err := m.queue.SetError(ctx, j.Record, log, urls, errors.New(message), trace, j.ResourceUsage, j.Provenance); err != nil {
		return fmt.Errorf("cannot report job %d error: %w", id, err)
	}
	return nil
}

// ExecutorExited implements executor.ExitListener.
//
// If the executor's job has not finished, the job fails. If the
// executor is unknown, executors are restarted for all waiting jobs
// when RestartOnExit is set.
func (m *Manager) ExecutorExited(executorID string, log string) {
	ctx := context.Background()
	logger := m.logger.WithField("ExecutorID", executorID)
	j, err := m.store.ClearExecutor(ctx, executorID)
	if errors.Is(err, jobstore.ErrNotFound) {
		m.mExits.WithLabelValues("orphan").Inc()
		logger.Warn("unknown executor exited")
		if m.config.RestartOnExit {
			m.restartWaiting(ctx)
		}
		return
	} else if err != nil {
		logger.WithError(err).Error("cannot look up executor's job")
		return
	}
	logger = logger.WithField("JobID", j.ID)
	if j.Status.Terminal() {
		m.mExits.WithLabelValues("clean").Inc()
		logger.Info("executor exited")
		return
	}
	before, err := m.finish(ctx, j.ID, nmpi.JobError)
	if errors.Is(err, ErrJobFinished) {
		// Finished concurrently.
		m.mExits.WithLabelValues("clean").Inc()
		return
	} else if err != nil {
		logger.WithError(err).Error("cannot fail job after executor exit")
		return
	}
	m.mExits.WithLabelValues("unclean").Inc()
	logger.Warn("executor exited before job finished")
	urls := m.collectOutputs(ctx, before, "", nil)
	if err := m.queue.SetError(ctx, before.Record, log, urls, errors.New(uncleanExitMessage), nil, before.ResourceUsage, before.Provenance); err != nil {
		logger.WithError(err).Error("cannot report job error")
	}
}

// restartWaiting starts a new executor for each waiting job.
func (m *Manager) restartWaiting(ctx context.Context) {
	jobs, err := m.store.Waiting(ctx)
	if err != nil {
		m.logger.WithError(err).Error("cannot list waiting jobs")
		return
	}
	for _, j := range jobs {
		logger := m.jobLogger(j.ID)
		if !m.restart.Check(j.ID) {
			logger.Debug("not restarting executor, restarted recently")
			continue
		}
		ex, err := m.factory.Create(ctx, m)
		if err != nil {
			logger.WithError(err).Error("cannot create executor")
			continue
		}
		if err := m.store.AssignExecutor(ctx, j.ID, ex.ID()); err != nil {
			logger.WithError(err).Error("cannot assign executor")
			ex.Abort()
			continue
		}
		logger.WithField("ExecutorID", ex.ID()).Info("restarting executor")
		if err := ex.Start(); err != nil {
			logger.WithError(err).Warn("executor did not start")
		}
	}
}

// Jobs returns all jobs known to the dispatcher.
func (m *Manager) Jobs(ctx context.Context) ([]jobstore.Job, error) {
	return m.store.List(ctx)
}

// Machines returns the machines in the pool.
func (m *Manager) Machines() []machine.Machine {
	return m.pool.Machines()
}
