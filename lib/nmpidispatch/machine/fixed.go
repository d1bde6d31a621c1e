// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package machine

import (
	"context"
	"sync"
	"time"

	"github.com/SpiNNakerManchester/nmpi-dispatch/sdk/go/nmpi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// FixedPool is a Pool backed by a fixed list of machines.
//
// Acquire returns the first free machine (in the order given to
// NewFixedPool) that is big enough.
type FixedPool struct {
	logger   logrus.FieldLogger
	machines []Machine

	mtx       sync.Mutex
	free      map[Key]bool
	allocated map[Key]bool
	// closed and replaced whenever free/allocated change
	changed chan struct{}
	closed  bool

	mInUse prometheus.Gauge
	mFree  prometheus.Gauge
}

// NewFixedPool returns a pool with all of the given machines free.
// Metrics are registered with reg, or a private registry if reg is
// nil.
func NewFixedPool(logger logrus.FieldLogger, machines []Machine, reg *prometheus.Registry) *FixedPool {
	fp := &FixedPool{
		logger:    logger,
		machines:  append([]Machine(nil), machines...),
		free:      make(map[Key]bool),
		allocated: make(map[Key]bool),
		changed:   make(chan struct{}),
	}
	for _, m := range machines {
		fp.free[m.Key()] = true
	}
	fp.registerMetrics(reg)
	fp.updateMetricsLocked()
	return fp
}

// FixedMachines converts the configured machine list to Machines.
func FixedMachines(cfg []nmpi.FixedMachineConfig) []Machine {
	var machines []Machine
	for _, mc := range cfg {
		machines = append(machines, Machine{
			Name:       mc.Name,
			Version:    mc.Version,
			Width:      mc.Width,
			Height:     mc.Height,
			BoardCount: mc.Boards,
			BMPDetails: mc.BMPDetails,
		})
	}
	return machines
}

func (fp *FixedPool) Machines() []Machine {
	return append([]Machine(nil), fp.machines...)
}

func (fp *FixedPool) Acquire(ctx context.Context, minBoards int) (Machine, error) {
	logged := false
	for {
		fp.mtx.Lock()
		if fp.closed {
			fp.mtx.Unlock()
			return Machine{}, ErrPoolClosed
		}
		for _, m := range fp.machines {
			if fp.free[m.Key()] && m.BoardCount >= minBoards {
				delete(fp.free, m.Key())
				fp.allocated[m.Key()] = true
				fp.broadcastLocked()
				fp.mtx.Unlock()
				fp.logger.WithFields(logrus.Fields{
					"Machine": m.Name,
					"Boards":  minBoards,
				}).Debug("allocated machine")
				return m, nil
			}
		}
		changed := fp.changed
		fp.mtx.Unlock()
		if !logged {
			fp.logger.WithField("Boards", minBoards).Debug("waiting for a free machine")
			logged = true
		}
		select {
		case <-ctx.Done():
			return Machine{}, ctx.Err()
		case <-changed:
		}
	}
}

func (fp *FixedPool) Release(m Machine) {
	fp.mtx.Lock()
	defer fp.mtx.Unlock()
	if !fp.allocated[m.Key()] {
		fp.logger.WithField("Machine", m.Name).Debug("ignoring release of machine that is not allocated")
		return
	}
	delete(fp.allocated, m.Key())
	fp.free[m.Key()] = true
	fp.broadcastLocked()
}

func (fp *FixedPool) IsAvailable(m Machine) bool {
	fp.mtx.Lock()
	defer fp.mtx.Unlock()
	return !fp.free[m.Key()]
}

func (fp *FixedPool) WaitForStateChange(ctx context.Context, m Machine, allocated bool, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	fp.mtx.Lock()
	for {
		if !fp.free[m.Key()] != allocated {
			fp.mtx.Unlock()
			return true
		}
		if fp.closed {
			fp.mtx.Unlock()
			return false
		}
		changed := fp.changed
		fp.mtx.Unlock()
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case <-changed:
		}
		fp.mtx.Lock()
	}
}

// SetUnallocatedFunc has no effect: machines in a fixed pool are only
// taken away by Release.
func (fp *FixedPool) SetUnallocatedFunc(func(Machine)) {}

func (fp *FixedPool) Close() {
	fp.mtx.Lock()
	defer fp.mtx.Unlock()
	fp.closed = true
	fp.broadcastLocked()
}

// Caller must have lock.
func (fp *FixedPool) broadcastLocked() {
	close(fp.changed)
	fp.changed = make(chan struct{})
	fp.updateMetricsLocked()
}

func (fp *FixedPool) updateMetricsLocked() {
	fp.mInUse.Set(float64(len(fp.allocated)))
	fp.mFree.Set(float64(len(fp.free)))
}

func (fp *FixedPool) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	fp.mInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nmpi",
		Subsystem: "dispatch",
		Name:      "machines_in_use",
		Help:      "Number of machines allocated to jobs.",
	})
	reg.MustRegister(fp.mInUse)
	fp.mFree = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nmpi",
		Subsystem: "dispatch",
		Name:      "machines_free",
		Help:      "Number of machines available for allocation.",
	})
	reg.MustRegister(fp.mFree)
}

// checkInvariant returns false if any machine is both free and
// allocated.
func (fp *FixedPool) checkInvariant() bool {
	fp.mtx.Lock()
	defer fp.mtx.Unlock()
	for k := range fp.allocated {
		if fp.free[k] {
			return false
		}
	}
	return len(fp.free)+len(fp.allocated) == len(fp.machines)
}
