// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const vmCleanupTimeout = time.Minute

// A Hypervisor creates and runs virtual machines (or containers)
// for executors.
type Hypervisor interface {
	// CreateVM creates a VM that will run the given command, and
	// returns its ID.
	CreateVM(ctx context.Context, name string, command []string) (string, error)
	StartVM(ctx context.Context, vmID string) error
	// WaitVM waits for the VM's command to finish and returns its
	// exit code.
	WaitVM(ctx context.Context, vmID string) (int, error)
	// VMLogs returns up to maxBytes of the VM's most recent
	// output (all of it if maxBytes is zero).
	VMLogs(ctx context.Context, vmID string, maxBytes int) (string, error)
	DestroyVM(ctx context.Context, vmID string) error
}

// VMFactory runs each executor in its own VM. At most MaxVMs exist at
// any time; Create waits until a slot is free.
type VMFactory struct {
	Logger      logrus.FieldLogger
	Hypervisor  Hypervisor
	Command     string
	CallbackURL string
	MaxVMs      int
	MaxLogBytes int

	mtx      sync.Mutex
	nVMs     int
	released chan struct{} // closed and replaced when a slot is freed

	mRunning prometheus.Gauge
}

// RegisterMetrics registers the factory's metrics with reg.
func (f *VMFactory) RegisterMetrics(reg *prometheus.Registry) {
	f.mRunning = runningGauge("vm")
	reg.MustRegister(f.mRunning)
}

// acquireSlot waits until fewer than MaxVMs VMs exist, then counts
// one more.
func (f *VMFactory) acquireSlot(ctx context.Context) error {
	for {
		f.mtx.Lock()
		if f.released == nil {
			f.released = make(chan struct{})
		}
		if f.MaxVMs <= 0 || f.nVMs < f.MaxVMs {
			f.nVMs++
			f.updateMetricsLocked()
			f.mtx.Unlock()
			return nil
		}
		released := f.released
		f.mtx.Unlock()
		f.Logger.WithField("MaxVMs", f.MaxVMs).Debug("waiting for a VM slot")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-released:
		}
	}
}

func (f *VMFactory) releaseSlot() {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.nVMs--
	if f.released != nil {
		close(f.released)
	}
	f.released = make(chan struct{})
	f.updateMetricsLocked()
}

func (f *VMFactory) updateMetricsLocked() {
	if f.mRunning != nil {
		f.mRunning.Set(float64(f.nVMs))
	}
}

// VMs returns the number of VMs currently counted against MaxVMs.
func (f *VMFactory) VMs() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.nVMs
}

func (f *VMFactory) Create(ctx context.Context, listener ExitListener) (Executor, error) {
	id := uuid.NewString()
	args, err := commandArgs(f.Command, f.CallbackURL, id)
	if err != nil {
		return nil, err
	}
	if err := f.acquireSlot(ctx); err != nil {
		return nil, err
	}
	vmID, err := f.Hypervisor.CreateVM(ctx, "nmpi-executor-"+id, args)
	if err != nil {
		f.releaseSlot()
		return nil, fmt.Errorf("cannot create VM: %w", err)
	}
	return &vmExecutor{
		factory:  f,
		id:       id,
		vmID:     vmID,
		listener: listener,
		logger:   f.Logger.WithFields(logrus.Fields{"ExecutorID": id, "VM": vmID}),
	}, nil
}

type vmExecutor struct {
	factory  *VMFactory
	id       string
	vmID     string
	listener ExitListener
	logger   logrus.FieldLogger
}

func (e *vmExecutor) ID() string {
	return e.id
}

func (e *vmExecutor) Start() error {
	hv := e.factory.Hypervisor
	e.logger.Info("starting VM executor")
	if err := hv.StartVM(context.Background(), e.vmID); err != nil {
		err = fmt.Errorf("cannot start VM: %w", err)
		go func() {
			e.cleanup()
			e.listener.ExecutorExited(e.id, err.Error())
		}()
		return err
	}
	go func() {
		code, err := hv.WaitVM(context.Background(), e.vmID)
		logger := e.logger.WithField("ExitCode", code)
		if err != nil {
			logger = logger.WithError(err)
		}
		logger.Info("VM executor exited")
		ctx, cancel := context.WithTimeout(context.Background(), vmCleanupTimeout)
		log, lerr := hv.VMLogs(ctx, e.vmID, e.factory.MaxLogBytes)
		cancel()
		if lerr != nil {
			e.logger.WithError(lerr).Warn("cannot retrieve VM logs")
		}
		if err != nil {
			log += fmt.Sprintf("\n%s\n", err)
		}
		e.cleanup()
		e.listener.ExecutorExited(e.id, log)
	}()
	return nil
}

func (e *vmExecutor) Abort() {
	e.logger.Info("discarding unstarted VM executor")
	e.cleanup()
}

// cleanup destroys the VM and frees its slot.
func (e *vmExecutor) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), vmCleanupTimeout)
	defer cancel()
	if err := e.factory.Hypervisor.DestroyVM(ctx, e.vmID); err != nil {
		e.logger.WithError(err).Warn("cannot destroy VM")
	}
	e.factory.releaseSlot()
}
