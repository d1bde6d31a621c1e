// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/SpiNNakerManchester/nmpi-dispatch/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&LocalSuite{})

type exit struct {
	id  string
	log string
}

// exitRecorder is an ExitListener that sends each exit report to a
// channel.
type exitRecorder chan exit

func (er exitRecorder) ExecutorExited(id, log string) {
	er <- exit{id, log}
}

func (er exitRecorder) wait(c *check.C) exit {
	select {
	case e := <-er:
		return e
	case <-time.After(10 * time.Second):
		c.Fatal("timed out waiting for executor exit")
	}
	return exit{}
}

type LocalSuite struct {
	factory *LocalFactory
	mtx     sync.Mutex
	calls   [][]string
	script  string
}

func (s *LocalSuite) SetUpTest(c *check.C) {
	s.calls = nil
	s.script = "true"
	s.factory = &LocalFactory{
		Logger:      ctxlog.TestLogger(c),
		Command:     "java -jar executor.jar %U %I",
		CallbackURL: "http://localhost:8080/",
		WorkDir:     c.MkDir(),
		stubCommand: func(prog string, args ...string) *exec.Cmd {
			s.mtx.Lock()
			s.calls = append(s.calls, append([]string{prog}, args...))
			s.mtx.Unlock()
			return exec.Command("sh", "-c", s.script)
		},
	}
}

func (s *LocalSuite) TestCommandArgs(c *check.C) {
	args, err := commandArgs(`run --url=%U "id %I" 100%%`, "http://x/", "abc")
	c.Assert(err, check.IsNil)
	c.Check(args, check.DeepEquals, []string{"run", "--url=http://x/", "id abc", "100%"})

	_, err = commandArgs("run %Q", "http://x/", "abc")
	c.Check(err, check.ErrorMatches, `unknown substitution parameter.*%Q.*`)

	_, err = commandArgs("", "http://x/", "abc")
	c.Check(err, check.ErrorMatches, `command is empty`)

	_, err = commandArgs(`run "unterminated`, "http://x/", "abc")
	c.Check(err, check.NotNil)
}

func (s *LocalSuite) TestStartAndExit(c *check.C) {
	reg := prometheus.NewRegistry()
	s.factory.RegisterMetrics(reg)
	s.script = "echo hello; echo oops >&2; sleep 0.1"
	exits := make(exitRecorder, 1)
	ex, err := s.factory.Create(context.Background(), exits)
	c.Assert(err, check.IsNil)
	c.Assert(ex.ID(), check.HasLen, 36)
	c.Assert(ex.Start(), check.IsNil)
	c.Check(testutil.ToFloat64(s.factory.mRunning), check.Equals, 1.0)

	e := exits.wait(c)
	c.Check(e.id, check.Equals, ex.ID())
	c.Check(e.log, check.Matches, `(?s).*hello.*`)
	c.Check(e.log, check.Matches, `(?s).*oops.*`)
	c.Check(testutil.ToFloat64(s.factory.mRunning), check.Equals, 0.0)
	c.Check(s.calls, check.DeepEquals, [][]string{{"java", "-jar", "executor.jar", "http://localhost:8080/", ex.ID()}})
}

func (s *LocalSuite) TestRunsInWorkDir(c *check.C) {
	s.script = "pwd"
	exits := make(exitRecorder, 1)
	ex, err := s.factory.Create(context.Background(), exits)
	c.Assert(err, check.IsNil)
	c.Assert(ex.Start(), check.IsNil)
	c.Check(strings.TrimSpace(exits.wait(c).log), check.Equals, s.factory.WorkDir)
}

func (s *LocalSuite) TestNonzeroExitStillReported(c *check.C) {
	s.script = "echo failing; exit 3"
	exits := make(exitRecorder, 1)
	ex, err := s.factory.Create(context.Background(), exits)
	c.Assert(err, check.IsNil)
	c.Assert(ex.Start(), check.IsNil)
	c.Check(exits.wait(c).log, check.Equals, "failing\n")
}

func (s *LocalSuite) TestLogTruncated(c *check.C) {
	s.factory.MaxLogBytes = 10
	s.script = "echo 0123456789abcdefghij"
	exits := make(exitRecorder, 1)
	ex, err := s.factory.Create(context.Background(), exits)
	c.Assert(err, check.IsNil)
	c.Assert(ex.Start(), check.IsNil)
	c.Check(exits.wait(c).log, check.Equals, "[...]\nbcdefghij\n")
}

func (s *LocalSuite) TestStartFailure(c *check.C) {
	s.factory.stubCommand = func(string, ...string) *exec.Cmd {
		return exec.Command("/nonexistent/executor")
	}
	exits := make(exitRecorder, 1)
	ex, err := s.factory.Create(context.Background(), exits)
	c.Assert(err, check.IsNil)
	c.Check(ex.Start(), check.ErrorMatches, `cannot start executor.*`)
	e := exits.wait(c)
	c.Check(e.id, check.Equals, ex.ID())
	c.Check(e.log, check.Matches, `cannot start executor.*`)
}

func (s *LocalSuite) TestBadTemplate(c *check.C) {
	s.factory.Command = "run %X"
	_, err := s.factory.Create(context.Background(), make(exitRecorder, 1))
	c.Check(err, check.NotNil)
}

func (s *LocalSuite) TestTailBuffer(c *check.C) {
	tb := &tailBuffer{max: 4}
	tb.Write([]byte("ab"))
	c.Check(tb.String(), check.Equals, "ab")
	tb.Write([]byte("cdef"))
	c.Check(tb.String(), check.Equals, "[...]\ncdef")

	unlimited := &tailBuffer{}
	unlimited.Write([]byte(strings.Repeat("x", 1000)))
	c.Check(unlimited.String(), check.HasLen, 1000)
}
