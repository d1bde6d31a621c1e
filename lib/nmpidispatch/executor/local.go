// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// LocalFactory runs executors as child processes.
type LocalFactory struct {
	Logger logrus.FieldLogger
	// Command template; see commandArgs.
	Command     string
	CallbackURL string
	WorkDir     string
	// Maximum number of bytes of output to keep for the exit
	// report. Zero means unlimited.
	MaxLogBytes int

	// (for testing) if non-nil, call stubCommand() instead of
	// exec.Command() when starting executors.
	stubCommand func(string, ...string) *exec.Cmd

	mRunning prometheus.Gauge
}

// RegisterMetrics registers the factory's metrics with reg.
func (f *LocalFactory) RegisterMetrics(reg *prometheus.Registry) {
	f.mRunning = runningGauge("local")
	reg.MustRegister(f.mRunning)
}

func (f *LocalFactory) command(prog string, args ...string) *exec.Cmd {
	if stub := f.stubCommand; stub != nil {
		return stub(prog, args...)
	}
	return exec.Command(prog, args...)
}

func (f *LocalFactory) Create(ctx context.Context, listener ExitListener) (Executor, error) {
	id := uuid.NewString()
	args, err := commandArgs(f.Command, f.CallbackURL, id)
	if err != nil {
		return nil, err
	}
	return &localExecutor{
		factory:  f,
		id:       id,
		args:     args,
		listener: listener,
		logger:   f.Logger.WithField("ExecutorID", id),
	}, nil
}

type localExecutor struct {
	factory  *LocalFactory
	id       string
	args     []string
	listener ExitListener
	logger   logrus.FieldLogger
}

func (e *localExecutor) ID() string {
	return e.id
}

// Abort does nothing: no process exists until Start.
func (e *localExecutor) Abort() {}

func (e *localExecutor) Start() error {
	cmd := e.factory.command(e.args[0], e.args[1:]...)
	cmd.Dir = e.factory.WorkDir
	out := &tailBuffer{max: e.factory.MaxLogBytes}
	cmd.Stdout = out
	cmd.Stderr = out
	e.logger.WithField("Command", e.args).Info("starting local executor")
	if err := cmd.Start(); err != nil {
		err = fmt.Errorf("cannot start executor: %w", err)
		go e.listener.ExecutorExited(e.id, err.Error())
		return err
	}
	if g := e.factory.mRunning; g != nil {
		g.Inc()
	}
	go func() {
		err := cmd.Wait()
		if g := e.factory.mRunning; g != nil {
			g.Dec()
		}
		e.logger.WithField("ExitState", cmd.ProcessState.String()).Info("local executor exited")
		if err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				fmt.Fprintf(out, "\n%s\n", err)
			}
		}
		e.listener.ExecutorExited(e.id, out.String())
	}()
	return nil
}

func runningGauge(kind string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "nmpi",
		Subsystem:   "dispatch",
		Name:        "executors_running",
		Help:        "Number of executor processes currently running.",
		ConstLabels: prometheus.Labels{"type": kind},
	})
}
