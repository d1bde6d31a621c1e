// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package job

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/nmpidispatch/jobstore"
	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/nmpidispatch/machine"
	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/nmpidispatch/test"
	"github.com/SpiNNakerManchester/nmpi-dispatch/sdk/go/ctxlog"
	"github.com/SpiNNakerManchester/nmpi-dispatch/sdk/go/nmpi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ManagerSuite{})

var (
	machineA = machine.Machine{Name: "A", Version: "5", Width: 12, Height: 12, BoardCount: 4}
	machineB = machine.Machine{Name: "B", Version: "5", Width: 8, Height: 8, BoardCount: 2}
)

type ManagerSuite struct {
	ctx     context.Context
	pool    *machine.FixedPool
	store   *jobstore.Memory
	factory *test.ExecutorFactory
	queue   *test.Queue
	outputs *test.OutputStore
	config  Config
	reg     *prometheus.Registry
	mgr     *Manager
}

func (s *ManagerSuite) SetUpTest(c *check.C) {
	s.ctx = context.Background()
	s.pool = machine.NewFixedPool(ctxlog.TestLogger(c), []machine.Machine{machineA, machineB}, nil)
	s.store = jobstore.NewMemory()
	s.factory = &test.ExecutorFactory{}
	s.queue = &test.Queue{}
	s.outputs = &test.OutputStore{}
	s.config = Config{StagingDirectory: c.MkDir()}
	s.reg = prometheus.NewRegistry()
	s.mgr = nil
}

func (s *ManagerSuite) TearDownTest(c *check.C) {
	s.pool.Close()
}

func (s *ManagerSuite) manager(c *check.C) *Manager {
	if s.mgr == nil {
		s.mgr = NewManager(ctxlog.TestLogger(c), s.store, s.pool, s.factory, s.queue, s.outputs, s.config, s.reg)
	}
	return s.mgr
}

// managerWith returns a Manager using the given store and pool in
// place of the suite's own.
func (s *ManagerSuite) managerWith(c *check.C, store jobstore.Store, pool machine.Pool) *Manager {
	s.mgr = NewManager(ctxlog.TestLogger(c), store, pool, s.factory, s.queue, s.outputs, s.config, s.reg)
	return s.mgr
}

// hookPool is a FixedPool that can take machines away from their
// holders, and run a hook before each wait for a state change.
type hookPool struct {
	*machine.FixedPool

	mtx         sync.Mutex
	unallocated func(machine.Machine)
	beforeWait  func(machine.Machine)
}

func (hp *hookPool) SetUnallocatedFunc(fn func(machine.Machine)) {
	hp.mtx.Lock()
	defer hp.mtx.Unlock()
	hp.unallocated = fn
}

func (hp *hookPool) WaitForStateChange(ctx context.Context, m machine.Machine, allocated bool, timeout time.Duration) bool {
	hp.mtx.Lock()
	hook := hp.beforeWait
	hp.mtx.Unlock()
	if hook != nil {
		hook(m)
	}
	return hp.FixedPool.WaitForStateChange(ctx, m, allocated, timeout)
}

// lose frees m without its holder releasing it, and reports it
// unallocated.
func (hp *hookPool) lose(m machine.Machine) {
	hp.FixedPool.Release(m)
	hp.mtx.Lock()
	fn := hp.unallocated
	hp.mtx.Unlock()
	if fn != nil {
		fn(m)
	}
}

// failingStore is a Memory store whose Add and AssignExecutor can be
// made to fail.
type failingStore struct {
	*jobstore.Memory

	mtx        sync.Mutex
	failAdd    bool
	failAssign bool
}

var errStoreDown = errors.New("store is down")

func (fs *failingStore) Add(ctx context.Context, job nmpi.Job, executorID string) error {
	fs.mtx.Lock()
	fail := fs.failAdd
	fs.mtx.Unlock()
	if fail {
		return errStoreDown
	}
	return fs.Memory.Add(ctx, job, executorID)
}

func (fs *failingStore) AssignExecutor(ctx context.Context, id int, executorID string) error {
	fs.mtx.Lock()
	fail := fs.failAssign
	fs.mtx.Unlock()
	if fail {
		return errStoreDown
	}
	return fs.Memory.AssignExecutor(ctx, id, executorID)
}

// startJob adds a job and has its executor pick it up. It returns
// the executor ID.
func (s *ManagerSuite) startJob(c *check.C, id int) string {
	mgr := s.manager(c)
	c.Assert(mgr.AddJob(s.ctx, nmpi.Job{ID: id, Code: "run.py", CollabID: "proj"}), check.IsNil)
	execs := s.factory.Executors()
	execID := execs[len(execs)-1]
	c.Assert(s.factory.Started(execID), check.Equals, true)
	job, err := mgr.NextJob(s.ctx, execID)
	c.Assert(err, check.IsNil)
	c.Assert(job.ID, check.Equals, id)
	return execID
}

func waitFor(c *check.C, what string, cond func() bool) {
	for deadline := time.Now().Add(10 * time.Second); !cond(); time.Sleep(time.Millisecond) {
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for %s", what)
		}
	}
}

func (s *ManagerSuite) TestAddAndNextJob(c *check.C) {
	mgr := s.manager(c)
	c.Assert(mgr.AddJob(s.ctx, nmpi.Job{ID: 7}), check.IsNil)
	execID := s.factory.Executors()[0]

	_, err := mgr.NextJob(s.ctx, "someone-else")
	c.Check(err, check.Equals, ErrNoJob)

	job, err := mgr.NextJob(s.ctx, execID)
	c.Assert(err, check.IsNil)
	c.Check(job.ID, check.Equals, 7)
	c.Check(job.Status, check.Equals, nmpi.JobRunning)
	c.Check(s.queue.Running(), check.DeepEquals, []int{7})

	// The job is handed out only once.
	_, err = mgr.NextJob(s.ctx, execID)
	c.Check(err, check.Equals, ErrNoJob)
	c.Check(testutil.ToFloat64(mgr.mJobs.WithLabelValues("running")), check.Equals, 1.0)
	c.Check(testutil.ToFloat64(mgr.mJobs.WithLabelValues("queued")), check.Equals, 0.0)
}

func (s *ManagerSuite) TestJobMachine(c *check.C) {
	mgr := s.manager(c)
	s.startJob(c, 1)
	m, err := mgr.JobMachine(s.ctx, 1, 0, 0, 3, 60000)
	c.Assert(err, check.IsNil)
	c.Check(m, check.Equals, machineA)
	j, err := s.store.Get(s.ctx, 1)
	c.Assert(err, check.IsNil)
	c.Check(j.Machines, check.DeepEquals, []machine.Machine{machineA})
	c.Check(j.CoreQuota, check.Equals, int64(2160))
	c.Check(j.ResourceUsage, check.Equals, int64(60*2160))

	// Quota is fixed at first allocation; extending only changes
	// the billed time.
	c.Assert(mgr.ExtendJobMachineLease(s.ctx, 1, 120000), check.IsNil)
	j, err = s.store.Get(s.ctx, 1)
	c.Assert(err, check.IsNil)
	c.Check(j.ResourceUsage, check.Equals, int64(120*2160))
}

func (s *ManagerSuite) TestJobMachineBadRequests(c *check.C) {
	mgr := s.manager(c)
	s.startJob(c, 1)
	_, err := mgr.JobMachine(s.ctx, 1, 0, 0, 1, 0)
	c.Check(err, check.FitsTypeOf, BadRequestError{})
	_, err = mgr.JobMachine(s.ctx, 99, 0, 0, 1, 1000)
	c.Check(err, check.Equals, jobstore.ErrNotFound)

	c.Assert(mgr.AddJob(s.ctx, nmpi.Job{ID: 2}), check.IsNil)
	_, err = mgr.JobMachine(s.ctx, 2, 0, 0, 1, 1000)
	c.Check(err, check.ErrorMatches, `job 2 is not running`)
}

func (s *ManagerSuite) TestLargestJobMachine(c *check.C) {
	mgr := s.manager(c)
	s.startJob(c, 1)
	m, err := mgr.LargestJobMachine(s.ctx, 1, 1000)
	c.Assert(err, check.IsNil)
	c.Check(m, check.Equals, machineA)
}

// Example scenario: two jobs each need 3 boards; the second waits for
// A rather than taking B, and gets A when the first job finishes.
func (s *ManagerSuite) TestSecondJobWaitsForMachine(c *check.C) {
	mgr := s.manager(c)
	s.startJob(c, 1)
	s.startJob(c, 2)
	m, err := mgr.JobMachine(s.ctx, 1, 0, 0, 3, 1000)
	c.Assert(err, check.IsNil)
	c.Check(m, check.Equals, machineA)

	got := make(chan machine.Machine)
	go func() {
		m, err := mgr.JobMachine(s.ctx, 2, 0, 0, 3, 1000)
		c.Check(err, check.IsNil)
		got <- m
	}()
	select {
	case <-got:
		c.Fatal("second job got a machine while A was leased")
	case <-time.After(50 * time.Millisecond):
	}
	c.Assert(mgr.SetJobFinished(s.ctx, 1, "done", "", nil), check.IsNil)
	select {
	case m := <-got:
		c.Check(m, check.Equals, machineA)
	case <-time.After(10 * time.Second):
		c.Fatal("second job never got a machine")
	}
}

func (s *ManagerSuite) TestCheckLeaseHeld(c *check.C) {
	mgr := s.manager(c)
	s.startJob(c, 1)
	_, err := mgr.JobMachine(s.ctx, 1, 0, 0, 1, 1000)
	c.Assert(err, check.IsNil)
	t0 := time.Now()
	held, err := mgr.CheckMachineLease(s.ctx, 1, 30*time.Millisecond)
	c.Assert(err, check.IsNil)
	c.Check(held, check.Equals, true)
	c.Check(time.Since(t0) >= 30*time.Millisecond, check.Equals, true)
}

// If a job's machine is released by someone else, the lease check
// returns promptly.
func (s *ManagerSuite) TestCheckLeaseLost(c *check.C) {
	mgr := s.manager(c)
	s.startJob(c, 1)
	m, err := mgr.JobMachine(s.ctx, 1, 0, 0, 1, 1000)
	c.Assert(err, check.IsNil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.pool.Release(m)
	}()
	t0 := time.Now()
	held, err := mgr.CheckMachineLease(s.ctx, 1, time.Minute)
	c.Assert(err, check.IsNil)
	c.Check(held, check.Equals, false)
	c.Check(time.Since(t0) < 10*time.Second, check.Equals, true)

	// Already lost: no waiting at all.
	held, err = mgr.CheckMachineLease(s.ctx, 1, time.Minute)
	c.Assert(err, check.IsNil)
	c.Check(held, check.Equals, false)
	c.Check(testutil.ToFloat64(mgr.mLeaseChecks.WithLabelValues("lost")), check.Equals, 2.0)
}

// With several machines, a change to any one of them ends the wait.
func (s *ManagerSuite) TestCheckLeaseMultipleMachines(c *check.C) {
	mgr := s.manager(c)
	s.startJob(c, 1)
	_, err := mgr.JobMachine(s.ctx, 1, 0, 0, 3, 1000)
	c.Assert(err, check.IsNil)
	mB, err := mgr.JobMachine(s.ctx, 1, 0, 0, 2, 1000)
	c.Assert(err, check.IsNil)
	c.Check(mB, check.Equals, machineB)
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.pool.Release(mB)
	}()
	held, err := mgr.CheckMachineLease(s.ctx, 1, time.Minute)
	c.Assert(err, check.IsNil)
	c.Check(held, check.Equals, false)
}

func (s *ManagerSuite) TestCheckLeaseWakesOnUnallocated(c *check.C) {
	mgr := s.manager(c)
	s.startJob(c, 1)
	_, err := mgr.JobMachine(s.ctx, 1, 0, 0, 1, 1000)
	c.Assert(err, check.IsNil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		mgr.machineUnallocated(machineB)
	}()
	t0 := time.Now()
	held, err := mgr.CheckMachineLease(s.ctx, 1, time.Minute)
	c.Assert(err, check.IsNil)
	c.Check(held, check.Equals, true)
	c.Check(time.Since(t0) < 10*time.Second, check.Equals, true)
}

// A machine released between the lease check and the wait is
// reported lost without waiting for waitTime.
func (s *ManagerSuite) TestCheckLeaseLostBeforeWait(c *check.C) {
	hp := &hookPool{FixedPool: s.pool}
	mgr := s.managerWith(c, s.store, hp)
	s.startJob(c, 1)
	m, err := mgr.JobMachine(s.ctx, 1, 0, 0, 1, 1000)
	c.Assert(err, check.IsNil)
	var once sync.Once
	hp.beforeWait = func(machine.Machine) {
		once.Do(func() { s.pool.Release(m) })
	}
	t0 := time.Now()
	held, err := mgr.CheckMachineLease(s.ctx, 1, time.Minute)
	c.Assert(err, check.IsNil)
	c.Check(held, check.Equals, false)
	c.Check(time.Since(t0) < 2*time.Second, check.Equals, true)
}

// When the pool takes a machine away from one job and gives it to
// another, finishing the first job does not release the second job's
// machine.
func (s *ManagerSuite) TestMachineReallocatedToAnotherJob(c *check.C) {
	hp := &hookPool{FixedPool: s.pool}
	mgr := s.managerWith(c, s.store, hp)
	s.startJob(c, 1)
	s.startJob(c, 2)
	m1, err := mgr.JobMachine(s.ctx, 1, 0, 0, 3, 1000)
	c.Assert(err, check.IsNil)
	c.Check(m1, check.Equals, machineA)

	hp.lose(m1)
	m2, err := mgr.JobMachine(s.ctx, 2, 0, 0, 3, 1000)
	c.Assert(err, check.IsNil)
	c.Check(m2.Key(), check.Equals, m1.Key())

	held, err := mgr.CheckMachineLease(s.ctx, 1, 0)
	c.Assert(err, check.IsNil)
	c.Check(held, check.Equals, false)
	held, err = mgr.CheckMachineLease(s.ctx, 2, 0)
	c.Assert(err, check.IsNil)
	c.Check(held, check.Equals, true)

	c.Assert(mgr.SetJobError(s.ctx, 1, "machine lost", "", "", nil, nil), check.IsNil)
	c.Check(hp.IsAvailable(m2), check.Equals, true)
	held, err = mgr.CheckMachineLease(s.ctx, 2, 0)
	c.Assert(err, check.IsNil)
	c.Check(held, check.Equals, true)

	c.Assert(mgr.SetJobFinished(s.ctx, 2, "", "", nil), check.IsNil)
	c.Check(hp.IsAvailable(m2), check.Equals, false)
	mgr.mtx.Lock()
	c.Check(mgr.holders, check.HasLen, 0)
	c.Check(mgr.lost, check.HasLen, 0)
	mgr.mtx.Unlock()
}

func (s *ManagerSuite) TestFinished(c *check.C) {
	mgr := s.manager(c)
	execID := s.startJob(c, 1)
	_, err := mgr.JobMachine(s.ctx, 1, 0, 0, 3, 7200000)
	c.Assert(err, check.IsNil)
	c.Assert(mgr.AddProvenance(s.ctx, 1, []string{"sim", "steps"}, "100"), check.IsNil)
	c.Assert(mgr.AppendLog(s.ctx, 1, "line 1\n"), check.IsNil)
	c.Check(s.queue.Log(1), check.Equals, "line 1\n")

	base := c.MkDir()
	c.Assert(os.WriteFile(filepath.Join(base, "report.txt"), []byte("ok"), 0600), check.IsNil)
	c.Assert(mgr.AddOutput(s.ctx, 1, "uploaded.dat", strings.NewReader("data")), check.IsNil)

	c.Assert(mgr.SetJobFinished(s.ctx, 1, "all done", base, []string{"report.txt"}), check.IsNil)
	c.Check(s.pool.IsAvailable(machineA), check.Equals, false)
	j, err := s.store.Get(s.ctx, 1)
	c.Assert(err, check.IsNil)
	c.Check(j.Machines, check.HasLen, 0)
	c.Check(j.Status, check.Equals, nmpi.JobFinished)

	reports := s.queue.Reports(1)
	c.Assert(reports, check.HasLen, 1)
	r := reports[0]
	c.Check(r.Status, check.Equals, nmpi.JobFinished)
	c.Check(r.Log, check.Equals, "all done")
	c.Check(r.Usage, check.Equals, int64(7200*2160))
	c.Check(r.Provenance, check.DeepEquals, map[string]string{"sim/steps": "100"})
	c.Check(r.Outputs, check.DeepEquals, []string{
		"http://outputs.example/proj/1/report.txt",
		"http://outputs.example/proj/1/uploaded.dat",
	})
	c.Check(s.outputs.Data("http://outputs.example/proj/1/uploaded.dat"), check.Equals, "data")
	_, err = os.Stat(filepath.Join(s.config.StagingDirectory, "1"))
	c.Check(os.IsNotExist(err), check.Equals, true)
	c.Check(testutil.ToFloat64(mgr.mUsage), check.Equals, float64(7200*2160))

	// Second terminal transition is refused and reports nothing.
	c.Check(mgr.SetJobError(s.ctx, 1, "late", "", "", nil, nil), check.Equals, ErrJobFinished)
	c.Check(mgr.SetJobFinished(s.ctx, 1, "", "", nil), check.Equals, ErrJobFinished)
	c.Check(s.queue.Reports(1), check.HasLen, 1)

	// The executor then exits cleanly.
	s.factory.Executor(execID).Exit("bye")
	c.Check(s.queue.Reports(1), check.HasLen, 1)
	c.Check(testutil.ToFloat64(mgr.mExits.WithLabelValues("clean")), check.Equals, 1.0)
}

func (s *ManagerSuite) TestError(c *check.C) {
	mgr := s.manager(c)
	s.startJob(c, 1)
	_, err := mgr.JobMachine(s.ctx, 1, 0, 0, 1, 1000)
	c.Assert(err, check.IsNil)
	trace := &nmpi.RemoteStackTrace{Elements: []nmpi.StackTraceElement{{ClassName: "Sim", MethodName: "run", FileName: "sim.py", LineNumber: 3}}}
	c.Assert(mgr.SetJobError(s.ctx, 1, "boom", "log text", "", nil, trace), check.IsNil)
	c.Check(s.pool.IsAvailable(machineA), check.Equals, false)
	reports := s.queue.Reports(1)
	c.Assert(reports, check.HasLen, 1)
	c.Check(reports[0].Status, check.Equals, nmpi.JobError)
	c.Check(reports[0].Error, check.Equals, "boom")
	c.Check(reports[0].Trace, check.Equals, trace)
}

// An executor that exits before its job finishes causes exactly one
// error report, and the job's machines are released.
func (s *ManagerSuite) TestUncleanExit(c *check.C) {
	mgr := s.manager(c)
	execID := s.startJob(c, 1)
	_, err := mgr.JobMachine(s.ctx, 1, 0, 0, 3, 1000)
	c.Assert(err, check.IsNil)
	c.Check(s.pool.IsAvailable(machineA), check.Equals, true)

	s.factory.Executor(execID).Exit("segfault")
	reports := s.queue.Reports(1)
	c.Assert(reports, check.HasLen, 1)
	c.Check(reports[0].Status, check.Equals, nmpi.JobError)
	c.Check(reports[0].Error, check.Equals, "Job did not finish cleanly")
	c.Check(reports[0].Log, check.Equals, "segfault")
	c.Check(s.pool.IsAvailable(machineA), check.Equals, false)
	j, err := s.store.Get(s.ctx, 1)
	c.Assert(err, check.IsNil)
	c.Check(j.Machines, check.HasLen, 0)
	c.Check(j.ExecutorID, check.Equals, "")

	// A duplicate exit report is treated as an unknown executor.
	mgr.ExecutorExited(execID, "again")
	c.Check(s.queue.Reports(1), check.HasLen, 1)
	c.Check(testutil.ToFloat64(mgr.mExits.WithLabelValues("unclean")), check.Equals, 1.0)
	c.Check(testutil.ToFloat64(mgr.mExits.WithLabelValues("orphan")), check.Equals, 1.0)
}

func (s *ManagerSuite) TestStartFailure(c *check.C) {
	s.factory.FailStart = true
	mgr := s.manager(c)
	c.Assert(mgr.AddJob(s.ctx, nmpi.Job{ID: 1}), check.IsNil)
	waitFor(c, "error report", func() bool { return len(s.queue.Reports(1)) > 0 })
	c.Check(s.queue.Reports(1)[0].Error, check.Equals, "Job did not finish cleanly")
}

// An exit from an unknown executor restarts executors for all
// waiting jobs.
func (s *ManagerSuite) TestRestartOnOrphanExit(c *check.C) {
	s.config.RestartOnExit = true
	s.config.RestartInterval = time.Hour
	mgr := s.manager(c)
	s.startJob(c, 1)
	c.Assert(mgr.AddJob(s.ctx, nmpi.Job{ID: 2}), check.IsNil)
	c.Assert(mgr.AddJob(s.ctx, nmpi.Job{ID: 3}), check.IsNil)
	before := map[int]string{}
	for _, id := range []int{2, 3} {
		j, err := s.store.Get(s.ctx, id)
		c.Assert(err, check.IsNil)
		before[id] = j.ExecutorID
	}

	mgr.ExecutorExited("rogue", "")
	for _, id := range []int{2, 3} {
		j, err := s.store.Get(s.ctx, id)
		c.Assert(err, check.IsNil)
		c.Check(j.ExecutorID, check.Not(check.Equals), before[id])
		c.Check(s.factory.Started(j.ExecutorID), check.Equals, true)
		_, err = mgr.NextJob(s.ctx, before[id])
		c.Check(err, check.Equals, ErrNoJob)
	}
	j, err := s.store.Get(s.ctx, 1)
	c.Assert(err, check.IsNil)
	c.Check(j.Status, check.Equals, nmpi.JobRunning)
	c.Check(s.factory.Executors(), check.HasLen, 5)

	// The replaced executors' exits are orphans too, but the jobs
	// were restarted recently, so nothing more happens.
	s.factory.Executor(before[2]).Exit("")
	c.Check(s.factory.Executors(), check.HasLen, 5)
	c.Check(s.queue.Reports(2), check.HasLen, 0)
}

// Without a restart interval, every orphan exit restarts every
// waiting job.
func (s *ManagerSuite) TestRestartUnthrottled(c *check.C) {
	s.config.RestartOnExit = true
	mgr := s.manager(c)
	c.Assert(mgr.AddJob(s.ctx, nmpi.Job{ID: 2}), check.IsNil)
	mgr.ExecutorExited("rogue-1", "")
	c.Check(s.factory.Executors(), check.HasLen, 2)
	mgr.ExecutorExited("rogue-2", "")
	c.Check(s.factory.Executors(), check.HasLen, 3)
	j, err := s.store.Get(s.ctx, 2)
	c.Assert(err, check.IsNil)
	c.Check(j.ExecutorID, check.Equals, s.factory.Executors()[2])
	c.Check(s.factory.Started(j.ExecutorID), check.Equals, true)
}

// If the job cannot be recorded, its new executor is discarded
// rather than started.
func (s *ManagerSuite) TestAddJobStoreFailure(c *check.C) {
	fs := &failingStore{Memory: s.store, failAdd: true}
	mgr := s.managerWith(c, fs, s.pool)
	err := mgr.AddJob(s.ctx, nmpi.Job{ID: 1})
	c.Check(errors.Is(err, errStoreDown), check.Equals, true)
	execs := s.factory.Executors()
	c.Assert(execs, check.HasLen, 1)
	c.Check(s.factory.Aborted(execs[0]), check.Equals, true)
	c.Check(s.factory.Started(execs[0]), check.Equals, false)
	_, err = s.store.Get(s.ctx, 1)
	c.Check(err, check.Equals, jobstore.ErrNotFound)
}

func (s *ManagerSuite) TestRestartStoreFailure(c *check.C) {
	s.config.RestartOnExit = true
	fs := &failingStore{Memory: s.store}
	mgr := s.managerWith(c, fs, s.pool)
	c.Assert(mgr.AddJob(s.ctx, nmpi.Job{ID: 2}), check.IsNil)
	first := s.factory.Executors()[0]
	fs.mtx.Lock()
	fs.failAssign = true
	fs.mtx.Unlock()
	mgr.ExecutorExited("rogue", "")
	execs := s.factory.Executors()
	c.Assert(execs, check.HasLen, 2)
	c.Check(s.factory.Aborted(execs[1]), check.Equals, true)
	c.Check(s.factory.Started(execs[1]), check.Equals, false)
	j, err := s.store.Get(s.ctx, 2)
	c.Assert(err, check.IsNil)
	c.Check(j.ExecutorID, check.Equals, first)
}

func (s *ManagerSuite) TestNoRestartByDefault(c *check.C) {
	mgr := s.manager(c)
	c.Assert(mgr.AddJob(s.ctx, nmpi.Job{ID: 2}), check.IsNil)
	mgr.ExecutorExited("rogue", "")
	c.Check(s.factory.Executors(), check.HasLen, 1)
}

func (s *ManagerSuite) TestProvenanceAndOutputValidation(c *check.C) {
	mgr := s.manager(c)
	s.startJob(c, 1)
	c.Check(mgr.AddProvenance(s.ctx, 1, nil, "x"), check.FitsTypeOf, BadRequestError{})
	c.Check(mgr.AddProvenance(s.ctx, 1, []string{"a", ""}, "x"), check.FitsTypeOf, BadRequestError{})
	for _, name := range []string{"", ".", "..", "../x", "a/b"} {
		c.Check(mgr.AddOutput(s.ctx, 1, name, strings.NewReader("")), check.FitsTypeOf, BadRequestError{}, check.Commentf("%q", name))
	}
	c.Check(mgr.AppendLog(s.ctx, 99, "x"), check.Equals, jobstore.ErrNotFound)
}

// Concurrent finish and unclean exit produce exactly one report.
func (s *ManagerSuite) TestFinishRacesExit(c *check.C) {
	mgr := s.manager(c)
	for i := 0; i < 20; i++ {
		id := 100 + i
		execID := s.startJob(c, id)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			mgr.SetJobFinished(s.ctx, id, "", "", nil)
		}()
		go func() {
			defer wg.Done()
			s.factory.Executor(execID).Exit("")
		}()
		wg.Wait()
		c.Check(s.queue.Reports(id), check.HasLen, 1)
	}
}

func (s *ManagerSuite) TestJobsAndMachines(c *check.C) {
	mgr := s.manager(c)
	s.startJob(c, 1)
	c.Assert(mgr.AddJob(s.ctx, nmpi.Job{ID: 2}), check.IsNil)
	jobs, err := mgr.Jobs(s.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(jobs, check.HasLen, 2)
	c.Check(jobs[0].Status, check.Equals, nmpi.JobRunning)
	c.Check(jobs[1].Status, check.Equals, nmpi.JobQueued)
	c.Check(mgr.Machines(), check.DeepEquals, []machine.Machine{machineA, machineB})
}
