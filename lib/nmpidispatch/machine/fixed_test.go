// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package machine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/SpiNNakerManchester/nmpi-dispatch/sdk/go/ctxlog"
	"github.com/SpiNNakerManchester/nmpi-dispatch/sdk/go/nmpi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&FixedSuite{})

type FixedSuite struct {
	a, b Machine
}

func (s *FixedSuite) SetUpTest(c *check.C) {
	s.a = Machine{Name: "A", Version: "5", Width: 12, Height: 12, BoardCount: 4}
	s.b = Machine{Name: "B", Version: "5", Width: 8, Height: 8, BoardCount: 2}
}

func (s *FixedSuite) pool(c *check.C) *FixedPool {
	return NewFixedPool(ctxlog.TestLogger(c), []Machine{s.a, s.b}, nil)
}

func (s *FixedSuite) TestIdentityIgnoresTopology(c *check.C) {
	resized := s.a
	resized.BoardCount = 1
	resized.Width = 8
	c.Check(resized.Key(), check.Equals, s.a.Key())
	c.Check(s.a.Less(s.b), check.Equals, true)
	c.Check(s.b.Less(s.a), check.Equals, false)
	c.Check(Machine{Name: "A", Version: "3"}.Less(Machine{Name: "A", Version: "5"}), check.Equals, true)

	fp := s.pool(c)
	m, err := fp.Acquire(context.Background(), 4)
	c.Assert(err, check.IsNil)
	c.Check(m, check.Equals, s.a)
	fp.Release(resized)
	c.Check(fp.IsAvailable(s.a), check.Equals, false)
}

func (s *FixedSuite) TestFirstFitInConfigOrder(c *check.C) {
	fp := s.pool(c)
	m, err := fp.Acquire(context.Background(), 1)
	c.Assert(err, check.IsNil)
	c.Check(m.Name, check.Equals, "A")
	m, err = fp.Acquire(context.Background(), 1)
	c.Assert(err, check.IsNil)
	c.Check(m.Name, check.Equals, "B")
}

// Pool has A:4 and B:2. Two callers want 3 boards; the second one
// waits for A to be released and never gets B.
func (s *FixedSuite) TestBlockingAcquire(c *check.C) {
	fp := s.pool(c)
	m1, err := fp.Acquire(context.Background(), 3)
	c.Assert(err, check.IsNil)
	c.Check(m1, check.Equals, s.a)
	c.Check(fp.IsAvailable(s.a), check.Equals, true)
	c.Check(fp.IsAvailable(s.b), check.Equals, false)

	got := make(chan Machine)
	go func() {
		m, err := fp.Acquire(context.Background(), 3)
		c.Check(err, check.IsNil)
		got <- m
	}()
	select {
	case m := <-got:
		c.Fatalf("second acquire returned %v without waiting", m)
	case <-time.After(50 * time.Millisecond):
	}
	fp.Release(m1)
	select {
	case m := <-got:
		c.Check(m, check.Equals, s.a)
	case <-time.After(5 * time.Second):
		c.Fatal("second acquire did not wake up after release")
	}
	c.Check(fp.IsAvailable(s.b), check.Equals, false)
}

func (s *FixedSuite) TestAcquireContextCancel(c *check.C) {
	fp := s.pool(c)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := fp.Acquire(ctx, 5)
	c.Check(err, check.Equals, context.DeadlineExceeded)
}

func (s *FixedSuite) TestClose(c *check.C) {
	fp := s.pool(c)
	errs := make(chan error)
	go func() {
		_, err := fp.Acquire(context.Background(), 10)
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	fp.Close()
	select {
	case err := <-errs:
		c.Check(err, check.Equals, ErrPoolClosed)
	case <-time.After(5 * time.Second):
		c.Fatal("Close did not wake up waiter")
	}
	_, err := fp.Acquire(context.Background(), 1)
	c.Check(err, check.Equals, ErrPoolClosed)
}

func (s *FixedSuite) TestDoubleRelease(c *check.C) {
	fp := s.pool(c)
	m, err := fp.Acquire(context.Background(), 1)
	c.Assert(err, check.IsNil)
	fp.Release(m)
	fp.Release(m)
	fp.Release(Machine{Name: "unknown"})
	c.Check(fp.checkInvariant(), check.Equals, true)
	c.Check(fp.IsAvailable(m), check.Equals, false)
}

func (s *FixedSuite) TestWaitForStateChange(c *check.C) {
	fp := s.pool(c)
	m, err := fp.Acquire(context.Background(), 3)
	c.Assert(err, check.IsNil)

	t0 := time.Now()
	c.Check(fp.WaitForStateChange(context.Background(), m, true, 20*time.Millisecond), check.Equals, false)
	c.Check(time.Since(t0) >= 20*time.Millisecond, check.Equals, true)

	// Unrelated changes are not reported as a change to m.
	go func() {
		time.Sleep(10 * time.Millisecond)
		other, _ := fp.Acquire(context.Background(), 1)
		fp.Release(other)
		time.Sleep(10 * time.Millisecond)
		fp.Release(m)
	}()
	c.Check(fp.WaitForStateChange(context.Background(), m, true, 5*time.Second), check.Equals, true)
	c.Check(fp.IsAvailable(m), check.Equals, false)
}

// A release that happens before the wait starts is still reported.
func (s *FixedSuite) TestWaitForStateChangeAlreadyReleased(c *check.C) {
	fp := s.pool(c)
	m, err := fp.Acquire(context.Background(), 3)
	c.Assert(err, check.IsNil)
	fp.Release(m)
	t0 := time.Now()
	c.Check(fp.WaitForStateChange(context.Background(), m, true, 5*time.Second), check.Equals, true)
	c.Check(time.Since(t0) < time.Second, check.Equals, true)
	c.Check(fp.WaitForStateChange(context.Background(), m, false, 10*time.Millisecond), check.Equals, false)
}

func (s *FixedSuite) TestMutualExclusion(c *check.C) {
	machines := []Machine{s.a, s.b, {Name: "C", BoardCount: 1}, {Name: "D", BoardCount: 3}}
	fp := NewFixedPool(ctxlog.TestLogger(c), machines, nil)
	var wg sync.WaitGroup
	var mtx sync.Mutex
	holders := map[Key]int{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m, err := fp.Acquire(context.Background(), 1+rand.Intn(3))
				c.Assert(err, check.IsNil)
				mtx.Lock()
				holders[m.Key()]++
				c.Check(holders[m.Key()], check.Equals, 1)
				mtx.Unlock()
				c.Check(fp.checkInvariant(), check.Equals, true)
				mtx.Lock()
				holders[m.Key()]--
				mtx.Unlock()
				fp.Release(m)
			}
		}(i)
	}
	wg.Wait()
	c.Check(fp.checkInvariant(), check.Equals, true)
}

func (s *FixedSuite) TestMetrics(c *check.C) {
	reg := prometheus.NewRegistry()
	fp := NewFixedPool(ctxlog.TestLogger(c), []Machine{s.a, s.b}, reg)
	_, err := fp.Acquire(context.Background(), 1)
	c.Assert(err, check.IsNil)
	c.Check(testutil.ToFloat64(fp.mInUse), check.Equals, 1.0)
	c.Check(testutil.ToFloat64(fp.mFree), check.Equals, 1.0)
}

func (s *FixedSuite) TestFixedMachines(c *check.C) {
	ms := FixedMachines([]nmpi.FixedMachineConfig{{Name: "spin24", Version: "5", Width: 48, Height: 24, Boards: 24, BMPDetails: "10.0.0.1"}})
	c.Check(ms, check.DeepEquals, []Machine{{Name: "spin24", Version: "5", Width: 48, Height: 24, BoardCount: 24, BMPDetails: "10.0.0.1"}})
	largest, ok := Largest(append(ms, s.a))
	c.Check(ok, check.Equals, true)
	c.Check(largest.Name, check.Equals, "spin24")
	_, ok = Largest(nil)
	c.Check(ok, check.Equals, false)
}
