// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/nmpidispatch/executor"
)

// ExecutorFactory is an executor.Factory whose executors do nothing
// until the test calls Exit.
type ExecutorFactory struct {
	// If true, Start fails (and reports an exit).
	FailStart bool

	mtx       sync.Mutex
	next      int
	executors map[string]*Executor
	order     []string
}

// Executor is an executor created by ExecutorFactory.
type Executor struct {
	id       string
	factory  *ExecutorFactory
	listener executor.ExitListener
	started  bool
	aborted  bool
	exited   bool
}

func (ef *ExecutorFactory) Create(ctx context.Context, listener executor.ExitListener) (executor.Executor, error) {
	ef.mtx.Lock()
	defer ef.mtx.Unlock()
	if ef.executors == nil {
		ef.executors = map[string]*Executor{}
	}
	ef.next++
	ex := &Executor{
		id:       fmt.Sprintf("executor-%d", ef.next),
		factory:  ef,
		listener: listener,
	}
	ef.executors[ex.id] = ex
	ef.order = append(ef.order, ex.id)
	return ex, nil
}

func (ex *Executor) ID() string {
	return ex.id
}

func (ex *Executor) Start() error {
	ex.factory.mtx.Lock()
	fail := ex.factory.FailStart
	if !fail {
		ex.started = true
	}
	ex.factory.mtx.Unlock()
	if fail {
		err := errors.New("stub executor failed to start")
		go ex.Exit(err.Error())
		return err
	}
	return nil
}

func (ex *Executor) Abort() {
	ex.factory.mtx.Lock()
	defer ex.factory.mtx.Unlock()
	ex.aborted = true
}

// Exit reports that the executor exited with the given log.
func (ex *Executor) Exit(log string) {
	ex.factory.mtx.Lock()
	if ex.exited {
		ex.factory.mtx.Unlock()
		return
	}
	ex.exited = true
	ex.factory.mtx.Unlock()
	ex.listener.ExecutorExited(ex.id, log)
}

// Executors returns the IDs of all executors created so far, in
// order of creation.
func (ef *ExecutorFactory) Executors() []string {
	ef.mtx.Lock()
	defer ef.mtx.Unlock()
	return append([]string(nil), ef.order...)
}

// Executor returns the executor with the given ID, or nil.
func (ef *ExecutorFactory) Executor(id string) *Executor {
	ef.mtx.Lock()
	defer ef.mtx.Unlock()
	return ef.executors[id]
}

// Started returns true if the executor has been started.
func (ef *ExecutorFactory) Started(id string) bool {
	ef.mtx.Lock()
	defer ef.mtx.Unlock()
	ex, ok := ef.executors[id]
	return ok && ex.started
}

// Aborted returns true if the executor was discarded without being
// started.
func (ef *ExecutorFactory) Aborted(id string) bool {
	ef.mtx.Lock()
	defer ef.mtx.Unlock()
	ex, ok := ef.executors[id]
	return ok && ex.aborted
}
