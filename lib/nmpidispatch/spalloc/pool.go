// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package spalloc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/nmpidispatch/machine"
	"github.com/SpiNNakerManchester/nmpi-dispatch/sdk/go/nmpi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultKeepaliveInterval = 5 * time.Second
	defaultMaxRetryInterval  = 30 * time.Second
	initialRetryInterval     = time.Second
	listMachinesTimeout      = 10 * time.Second
	releaseTimeout           = 30 * time.Second

	// Boards per triad in a spalloc machine's width x height.
	boardsPerTriad = 3
	// Machine version reported for spalloc-allocated machines.
	spallocMachineVersion = "5"
)

// remoteJob is the locally cached state of a job on the spalloc
// server.
type remoteJob struct {
	state   JobState
	reason  string
	machine *machine.Machine
}

// Pool is a machine.Pool that creates a spalloc job for each
// Acquire call.
type Pool struct {
	logger            logrus.FieldLogger
	client            *Client
	owner             string
	keepaliveInterval time.Duration
	maxRetryInterval  time.Duration

	mtx         sync.Mutex
	jobs        map[int]*remoteJob
	byMachine   map[machine.Key]int
	changed     chan struct{} // closed and replaced when any job state changes
	pending     map[int]bool  // jobs with unprocessed notifications
	notify      chan struct{}
	unallocated func(machine.Machine)
	lastList    []machine.Machine
	closed      bool
	stop        chan struct{}
	wg          sync.WaitGroup

	mConnected prometheus.Gauge
	mJobs      prometheus.Gauge
	mRetries   prometheus.Counter
}

// NewPool returns a Pool that connects to the configured spalloc
// server. Metrics are registered with reg, or a private registry if
// reg is nil.
func NewPool(logger logrus.FieldLogger, cfg nmpi.SpallocConfig, reg *prometheus.Registry) *Pool {
	client := &Client{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		ReconnectInterval: cfg.ReconnectInterval.Duration(),
		Logger:            logger,
	}
	return newPool(logger, client, cfg, reg)
}

func newPool(logger logrus.FieldLogger, client *Client, cfg nmpi.SpallocConfig, reg *prometheus.Registry) *Pool {
	p := &Pool{
		logger:            logger,
		client:            client,
		owner:             cfg.Owner,
		keepaliveInterval: duration(cfg.KeepaliveInterval, defaultKeepaliveInterval),
		maxRetryInterval:  duration(cfg.MaxRetryInterval, defaultMaxRetryInterval),
		jobs:              make(map[int]*remoteJob),
		byMachine:         make(map[machine.Key]int),
		changed:           make(chan struct{}),
		pending:           make(map[int]bool),
		notify:            make(chan struct{}, 1),
		stop:              make(chan struct{}),
	}
	p.registerMetrics(reg)
	client.JobsChanged = p.jobsChanged
	client.Connected = p.resubscribe
	client.StateChanged = func(up bool) {
		if up {
			p.mConnected.Set(1)
		} else {
			p.mConnected.Set(0)
		}
	}
	client.Start()
	p.wg.Add(2)
	go p.runNotifications()
	go p.runKeepalive()
	return p
}

// Return the duration of d, or def if d is zero/unset.
func duration(d nmpi.Duration, def time.Duration) time.Duration {
	if d > 0 {
		return d.Duration()
	}
	return def
}

// Machines returns the machines managed by the spalloc server. If the
// server cannot be reached, the last list retrieved is returned.
func (p *Pool) Machines() []machine.Machine {
	ctx, cancel := context.WithTimeout(context.Background(), listMachinesTimeout)
	defer cancel()
	descs, err := p.client.ListMachines(ctx)
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if err != nil {
		p.logger.WithError(err).Warn("cannot list spalloc machines")
		return append([]machine.Machine(nil), p.lastList...)
	}
	var list []machine.Machine
	for _, d := range descs {
		list = append(list, machine.Machine{
			Name:       d.Name,
			Version:    spallocMachineVersion,
			Width:      d.Width,
			Height:     d.Height,
			BoardCount: d.Width * d.Height * boardsPerTriad,
		})
	}
	p.lastList = list
	return append([]machine.Machine(nil), list...)
}

// Acquire creates a spalloc job for minBoards boards and waits for
// it to become ready. If the server destroys the job before it is
// ready, a new job is created after a delay that doubles after each
// failure, up to the configured maximum.
func (p *Pool) Acquire(ctx context.Context, minBoards int) (machine.Machine, error) {
	retry := initialRetryInterval
	if retry > p.maxRetryInterval {
		retry = p.maxRetryInterval
	}
	for {
		if p.isClosed() {
			return machine.Machine{}, machine.ErrPoolClosed
		}
		m, err := p.tryAcquire(ctx, minBoards)
		if err == nil {
			return m, nil
		}
		if ctx.Err() != nil {
			return machine.Machine{}, ctx.Err()
		}
		if errors.Is(err, ErrClosed) {
			return machine.Machine{}, machine.ErrPoolClosed
		}
		p.mRetries.Inc()
		p.logger.WithError(err).WithFields(logrus.Fields{
			"Boards":     minBoards,
			"RetryAfter": retry.String(),
		}).Warn("spalloc allocation failed")
		select {
		case <-ctx.Done():
			return machine.Machine{}, ctx.Err()
		case <-p.stop:
			return machine.Machine{}, machine.ErrPoolClosed
		case <-time.After(retry):
		}
		retry *= 2
		if retry > p.maxRetryInterval {
			retry = p.maxRetryInterval
		}
	}
}

func (p *Pool) tryAcquire(ctx context.Context, minBoards int) (machine.Machine, error) {
	id, err := p.client.CreateJob(ctx, minBoards, p.owner)
	if err != nil {
		return machine.Machine{}, fmt.Errorf("create_job: %w", err)
	}
	logger := p.logger.WithFields(logrus.Fields{"SpallocJobID": id, "Boards": minBoards})
	logger.Info("created spalloc job")
	p.mtx.Lock()
	p.jobs[id] = &remoteJob{state: StateUnknown}
	p.updateMetricsLocked()
	p.mtx.Unlock()

	m, err := p.waitReady(ctx, id)
	if err != nil {
		p.forget(id)
		// Don't leave the server holding boards nobody will
		// use.
		go p.destroy(id, "allocation abandoned")
		return machine.Machine{}, err
	}
	logger.WithField("Machine", m.Name).Info("spalloc job is ready")
	return m, nil
}

func (p *Pool) waitReady(ctx context.Context, id int) (machine.Machine, error) {
	if err := p.client.NotifyJob(ctx, id); err != nil {
		return machine.Machine{}, fmt.Errorf("notify_job: %w", err)
	}
	st, err := p.client.GetJobState(ctx, id)
	if err != nil {
		return machine.Machine{}, fmt.Errorf("get_job_state: %w", err)
	}
	p.setState(id, st)
	for {
		p.mtx.Lock()
		job := p.jobs[id]
		if job == nil || p.closed {
			p.mtx.Unlock()
			return machine.Machine{}, machine.ErrPoolClosed
		}
		state, reason, changed := job.state, job.reason, p.changed
		p.mtx.Unlock()
		switch state {
		case StateReady:
			info, err := p.client.GetJobMachineInfo(ctx, id)
			if err != nil {
				return machine.Machine{}, fmt.Errorf("get_job_machine_info: %w", err)
			}
			m, err := machineFromInfo(info)
			if err != nil {
				return machine.Machine{}, err
			}
			if !p.bind(id, m) {
				return machine.Machine{}, fmt.Errorf("spalloc job %d was destroyed while fetching machine info", id)
			}
			return m, nil
		case StateDestroyed:
			return machine.Machine{}, fmt.Errorf("spalloc job %d was destroyed before becoming ready: %s", id, reason)
		}
		select {
		case <-ctx.Done():
			return machine.Machine{}, ctx.Err()
		case <-changed:
		}
	}
}

// bind records that the ready job id holds m. If an older job is
// still recorded as holding the same machine, the server has
// destroyed it without us hearing about it yet, so it is dropped
// and reported as unallocated.
func (p *Pool) bind(id int, m machine.Machine) bool {
	p.mtx.Lock()
	if job := p.jobs[id]; job == nil || job.state != StateReady {
		p.mtx.Unlock()
		return false
	}
	var stale *machine.Machine
	if old, ok := p.byMachine[m.Key()]; ok && old != id {
		if job := p.jobs[old]; job != nil && job.machine != nil && job.state != StateDestroyed {
			stale = job.machine
		}
		delete(p.jobs, old)
		delete(p.pending, old)
		p.logger.WithFields(logrus.Fields{
			"SpallocJobID": old,
			"Machine":      m.Name,
		}).Warn("dropping stale spalloc job for reallocated machine")
	}
	p.jobs[id].machine = &m
	p.byMachine[m.Key()] = id
	p.updateMetricsLocked()
	p.broadcastLocked()
	fn := p.unallocated
	p.mtx.Unlock()
	if stale != nil && fn != nil {
		fn(*stale)
	}
	return true
}

// machineFromInfo makes a Machine from the result of
// get_job_machine_info. The machine is named after the Ethernet
// chip at (0, 0).
func machineFromInfo(info machineInfo) (machine.Machine, error) {
	for _, c := range info.Connections {
		if c.Chip == [2]int{0, 0} {
			return machine.Machine{
				Name:       c.Hostname,
				Version:    spallocMachineVersion,
				Width:      info.Width,
				Height:     info.Height,
				BoardCount: len(info.Connections),
			}, nil
		}
	}
	return machine.Machine{}, errors.New("machine info has no connection for chip (0, 0)")
}

// Release unsubscribes from the machine's spalloc job and destroys
// it.
func (p *Pool) Release(m machine.Machine) {
	p.mtx.Lock()
	id, ok := p.byMachine[m.Key()]
	if ok {
		delete(p.byMachine, m.Key())
		delete(p.jobs, id)
		delete(p.pending, id)
		p.broadcastLocked()
	}
	p.mtx.Unlock()
	if !ok {
		p.logger.WithField("Machine", m.Name).Debug("ignoring release of machine that is not allocated")
		return
	}
	p.destroy(id, "finished")
}

func (p *Pool) destroy(id int, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	logger := p.logger.WithField("SpallocJobID", id)
	if err := p.client.NoNotifyJob(ctx, id); err != nil {
		logger.WithError(err).Debug("no_notify_job failed")
	}
	if err := p.client.DestroyJob(ctx, id, reason); err != nil {
		logger.WithError(err).Warn("destroy_job failed")
		return
	}
	logger.WithField("Reason", reason).Info("destroyed spalloc job")
}

// IsAvailable returns true if the machine is still allocated, i.e.,
// its spalloc job exists and has not been destroyed.
func (p *Pool) IsAvailable(m machine.Machine) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.isAllocatedLocked(m)
}

func (p *Pool) isAllocatedLocked(m machine.Machine) bool {
	id, ok := p.byMachine[m.Key()]
	if !ok {
		return false
	}
	job := p.jobs[id]
	return job != nil && job.state != StateDestroyed
}

func (p *Pool) WaitForStateChange(ctx context.Context, m machine.Machine, allocated bool, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	p.mtx.Lock()
	for {
		if p.isAllocatedLocked(m) != allocated {
			p.mtx.Unlock()
			return true
		}
		if p.closed {
			p.mtx.Unlock()
			return false
		}
		changed := p.changed
		p.mtx.Unlock()
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case <-changed:
		}
		p.mtx.Lock()
	}
}

func (p *Pool) SetUnallocatedFunc(fn func(machine.Machine)) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.unallocated = fn
}

// Close stops the background goroutines and disconnects from the
// server. Jobs on the server are left to expire.
func (p *Pool) Close() {
	p.mtx.Lock()
	if p.closed {
		p.mtx.Unlock()
		return
	}
	p.closed = true
	close(p.stop)
	p.broadcastLocked()
	p.mtx.Unlock()
	p.client.Close()
	p.wg.Wait()
}

func (p *Pool) isClosed() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.closed
}

// jobsChanged records a jobs_changed notification. Notifications
// that arrive before the previous ones are processed are merged.
func (p *Pool) jobsChanged(ids []int) {
	p.mtx.Lock()
	for _, id := range ids {
		if _, ok := p.jobs[id]; ok {
			p.pending[id] = true
		}
	}
	p.mtx.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// resubscribe restores notifications for all tracked jobs after a
// reconnect, and refreshes their state.
func (p *Pool) resubscribe() {
	p.mtx.Lock()
	var ids []int
	for id := range p.jobs {
		ids = append(ids, id)
	}
	p.mtx.Unlock()
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	for _, id := range ids {
		if err := p.client.NotifyJob(ctx, id); err != nil {
			p.logger.WithError(err).WithField("SpallocJobID", id).Warn("cannot resubscribe to spalloc job")
		}
	}
	p.jobsChanged(ids)
}

// runNotifications queries the state of each job named in a
// notification, updates the cache, and wakes waiters.
func (p *Pool) runNotifications() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case <-p.notify:
		}
		p.mtx.Lock()
		pending := p.pending
		p.pending = make(map[int]bool)
		p.mtx.Unlock()
		for id := range pending {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			st, err := p.client.GetJobState(ctx, id)
			cancel()
			if err != nil {
				p.logger.WithError(err).WithField("SpallocJobID", id).Warn("cannot get spalloc job state")
				continue
			}
			p.setState(id, st)
		}
	}
}

func (p *Pool) setState(id int, st jobStateResponse) {
	p.mtx.Lock()
	job, ok := p.jobs[id]
	if !ok || job.state == st.State {
		p.mtx.Unlock()
		return
	}
	p.logger.WithFields(logrus.Fields{
		"SpallocJobID": id,
		"State":        st.State.String(),
		"Reason":       st.Reason,
	}).Debug("spalloc job state changed")
	job.state = st.State
	job.reason = st.Reason
	var lost *machine.Machine
	if st.State == StateDestroyed && job.machine != nil {
		// The machine may be given to a later job, so stop
		// tracking this one.
		lost = job.machine
		if owner, ok := p.byMachine[lost.Key()]; ok && owner == id {
			delete(p.byMachine, lost.Key())
		}
		delete(p.jobs, id)
		delete(p.pending, id)
		p.updateMetricsLocked()
	}
	fn := p.unallocated
	p.broadcastLocked()
	p.mtx.Unlock()
	if lost != nil {
		p.logger.WithFields(logrus.Fields{
			"SpallocJobID": id,
			"Machine":      lost.Name,
			"Reason":       st.Reason,
		}).Warn("spalloc job destroyed by server")
		if fn != nil {
			fn(*lost)
		}
	}
}

// runKeepalive sends job_keepalive for every tracked job at
// keepaliveInterval.
func (p *Pool) runKeepalive() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
		p.mtx.Lock()
		var ids []int
		for id, job := range p.jobs {
			if job.state != StateDestroyed {
				ids = append(ids, id)
			}
		}
		p.mtx.Unlock()
		for _, id := range ids {
			ctx, cancel := context.WithTimeout(context.Background(), p.keepaliveInterval)
			err := p.client.JobKeepalive(ctx, id)
			cancel()
			if err != nil {
				p.logger.WithError(err).WithField("SpallocJobID", id).Debug("job_keepalive failed")
			}
		}
	}
}

func (p *Pool) forget(id int) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	delete(p.jobs, id)
	delete(p.pending, id)
	p.broadcastLocked()
}

// Caller must have lock.
func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
	p.updateMetricsLocked()
}

func (p *Pool) updateMetricsLocked() {
	p.mJobs.Set(float64(len(p.jobs)))
}

func (p *Pool) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p.mConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nmpi",
		Subsystem: "dispatch",
		Name:      "spalloc_connected",
		Help:      "1 if connected to the spalloc server, otherwise 0.",
	})
	reg.MustRegister(p.mConnected)
	p.mJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nmpi",
		Subsystem: "dispatch",
		Name:      "spalloc_jobs",
		Help:      "Number of spalloc jobs being tracked.",
	})
	reg.MustRegister(p.mJobs)
	p.mRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nmpi",
		Subsystem: "dispatch",
		Name:      "spalloc_allocation_failures_total",
		Help:      "Number of spalloc jobs that failed to become ready.",
	})
	reg.MustRegister(p.mRetries)
}
