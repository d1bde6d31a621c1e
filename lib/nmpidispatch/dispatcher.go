// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package nmpidispatch runs jobs from the NMPI queue on SpiNNaker
// machines.
package nmpidispatch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/nmpidispatch/executor"
	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/nmpidispatch/job"
	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/nmpidispatch/jobstore"
	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/nmpidispatch/machine"
	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/nmpidispatch/output"
	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/nmpidispatch/queue"
	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/nmpidispatch/spalloc"
	"github.com/SpiNNakerManchester/nmpi-dispatch/sdk/go/ctxlog"
	"github.com/SpiNNakerManchester/nmpi-dispatch/sdk/go/nmpi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const healthCheckTimeout = 10 * time.Second

// queueClient is the part of *nmpi.QueueClient used by the
// dispatcher.
type queueClient interface {
	job.Queue
	queue.Source
}

type dispatcher struct {
	Config   *nmpi.Config
	Context  context.Context
	Registry *prometheus.Registry

	// Components are created from Config by initialize(), unless
	// already set (tests set some of them to stubs).
	pool    machine.Pool
	store   jobstore.Store
	factory executor.Factory
	queue   queueClient
	outputs job.OutputStore

	logger      logrus.FieldLogger
	manager     *job.Manager
	poller      *queue.Poller
	httpHandler http.Handler

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// ServeHTTP implements service.Handler.
func (disp *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	disp.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (disp *dispatcher) CheckHealth() error {
	if hc, ok := disp.store.(interface{ CheckHealth(context.Context) error }); ok {
		ctx, cancel := context.WithTimeout(disp.Context, healthCheckTimeout)
		defer cancel()
		return hc.CheckHealth(ctx)
	}
	return nil
}

// Done implements service.Handler.
func (disp *dispatcher) Done() <-chan struct{} {
	return disp.stopped
}

// Close stops dispatching jobs and releases resources. Typically used
// in tests.
func (disp *dispatcher) Close() {
	disp.stopOnce.Do(func() { close(disp.stop) })
	<-disp.stopped
}

func (disp *dispatcher) initialize() error {
	disp.logger = ctxlog.FromContext(disp.Context)
	if disp.Registry == nil {
		disp.Registry = prometheus.NewRegistry()
	}
	disp.stop = make(chan struct{})
	disp.stopped = make(chan struct{})
	cfg := disp.Config
	var err error

	if disp.queue == nil {
		disp.queue, err = nmpi.NewQueueClient(cfg.Queue, disp.logger)
		if err != nil {
			return fmt.Errorf("error initializing queue client: %w", err)
		}
	}
	if disp.store == nil {
		disp.store, err = newStore(disp.Context, cfg.JobStore)
		if err != nil {
			return fmt.Errorf("error initializing job store: %w", err)
		}
	}
	if disp.outputs == nil {
		disp.outputs, err = output.NewStore(disp.Context, disp.logger, cfg.Outputs)
		if err != nil {
			return fmt.Errorf("error initializing output store: %w", err)
		}
	}
	if disp.factory == nil {
		disp.factory, err = newFactory(disp.logger, cfg, disp.Registry)
		if err != nil {
			return fmt.Errorf("error initializing executors: %w", err)
		}
	}
	if disp.pool == nil {
		disp.pool, err = newPool(disp.logger, cfg.Machines, disp.Registry)
		if err != nil {
			return fmt.Errorf("error initializing machine pool: %w", err)
		}
	}
	disp.manager = job.NewManager(disp.logger, disp.store, disp.pool, disp.factory, disp.queue, disp.outputs, job.Config{
		StagingDirectory: cfg.Outputs.StagingDirectory,
		RestartOnExit:    cfg.Executors.RestartOnExit,
		RestartInterval:  cfg.Executors.RestartInterval.Duration(),
	}, disp.Registry)
	disp.poller = &queue.Poller{
		Logger:       disp.logger,
		Source:       disp.queue,
		Sink:         disp.manager,
		EmptyBackoff: cfg.Queue.EmptyBackoff.Duration(),
	}
	disp.poller.RegisterMetrics(disp.Registry)
	disp.httpHandler = disp.routes()
	return nil
}

func (disp *dispatcher) run() {
	defer close(disp.stopped)
	defer disp.store.Close()
	defer disp.pool.Close()
	ctx, cancel := context.WithCancel(disp.Context)
	defer cancel()
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		disp.poller.Run(ctx)
	}()
	select {
	case <-disp.stop:
	case <-ctx.Done():
	}
	cancel()
	<-polled
}

func newPool(logger logrus.FieldLogger, cfg nmpi.MachinesConfig, reg *prometheus.Registry) (machine.Pool, error) {
	switch cfg.Mode {
	case "fixed":
		return machine.NewFixedPool(logger, machine.FixedMachines(cfg.Fixed), reg), nil
	case "spalloc":
		return spalloc.NewPool(logger, cfg.Spalloc, reg), nil
	default:
		return nil, fmt.Errorf("unsupported machine mode %q", cfg.Mode)
	}
}

func newStore(ctx context.Context, cfg nmpi.JobStoreConfig) (jobstore.Store, error) {
	switch cfg.Driver {
	case "memory":
		return jobstore.NewMemory(), nil
	case "postgres":
		return jobstore.NewPostgres(ctx, cfg.Connection, cfg.MaxOpen)
	default:
		return nil, fmt.Errorf("unsupported job store driver %q", cfg.Driver)
	}
}

func newFactory(logger logrus.FieldLogger, cfg *nmpi.Config, reg *prometheus.Registry) (executor.Factory, error) {
	ecfg := cfg.Executors
	switch ecfg.Mode {
	case "local":
		f := &executor.LocalFactory{
			Logger:      logger,
			Command:     ecfg.Command,
			CallbackURL: cfg.Services.ExternalURL,
			WorkDir:     ecfg.WorkDir,
			MaxLogBytes: ecfg.MaxLogBytes,
		}
		f.RegisterMetrics(reg)
		return f, nil
	case "vm":
		hv, err := executor.NewDockerHypervisor(logger, ecfg.VM.Image, ecfg.VM.Network)
		if err != nil {
			return nil, err
		}
		command := ecfg.VM.Command
		if command == "" {
			command = ecfg.Command
		}
		f := &executor.VMFactory{
			Logger:      logger,
			Hypervisor:  hv,
			Command:     command,
			CallbackURL: cfg.Services.ExternalURL,
			MaxVMs:      ecfg.VM.MaxVMs,
			MaxLogBytes: ecfg.MaxLogBytes,
		}
		f.RegisterMetrics(reg)
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported executor mode %q", ecfg.Mode)
	}
}
