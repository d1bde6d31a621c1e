// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package machine defines the interface between the job manager and
// the sources of SpiNNaker machines, and provides a pool backed by a
// fixed list of machines.
package machine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPoolClosed is returned by Acquire after the pool has been
// closed.
var ErrPoolClosed = errors.New("machine pool is closed")

// Machine describes a SpiNNaker machine. Two Machines are the same
// machine if they have the same Name and Version, regardless of
// their dimensions.
type Machine struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	BoardCount int    `json:"boards"`
	BMPDetails string `json:"bmp_details,omitempty"`
}

// Key identifies a machine.
type Key struct {
	Name    string
	Version string
}

func (m Machine) Key() Key {
	return Key{Name: m.Name, Version: m.Version}
}

// Less orders machines by name, then version.
func (m Machine) Less(other Machine) bool {
	if m.Name != other.Name {
		return m.Name < other.Name
	}
	return m.Version < other.Version
}

func (m Machine) String() string {
	return fmt.Sprintf("%s (v%s, %dx%d, %d boards)", m.Name, m.Version, m.Width, m.Height, m.BoardCount)
}

// A Pool hands out machines to jobs.
type Pool interface {
	// Machines returns the machines the pool can allocate from.
	Machines() []Machine

	// Acquire blocks until a machine with at least minBoards
	// boards is free, then marks it allocated and returns it.
	Acquire(ctx context.Context, minBoards int) (Machine, error)

	// Release returns an allocated machine to the pool. Releasing
	// a machine that is not allocated has no effect.
	Release(Machine)

	// IsAvailable returns true if the machine is not in the free
	// set, i.e., it is still allocated to whoever acquired it.
	IsAvailable(Machine) bool

	// WaitForStateChange waits up to timeout for IsAvailable(m)
	// to differ from allocated, and returns true if it does. It
	// returns true immediately if the machine is already in the
	// other state.
	WaitForStateChange(ctx context.Context, m Machine, allocated bool, timeout time.Duration) bool

	// SetUnallocatedFunc sets a function to be called when an
	// allocated machine is taken away by something other than
	// Release.
	SetUnallocatedFunc(func(Machine))

	// Close wakes all waiters. Subsequent Acquire calls return
	// ErrPoolClosed.
	Close()
}

// Largest returns the machine with the most boards, or false if
// there are no machines.
func Largest(machines []Machine) (Machine, bool) {
	var largest Machine
	for _, m := range machines {
		if m.BoardCount > largest.BoardCount {
			largest = m
		}
	}
	return largest, largest.BoardCount > 0
}
