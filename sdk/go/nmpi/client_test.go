// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nmpi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ClientSuite{})

type ClientSuite struct {
	srv *httptest.Server

	mtx     sync.Mutex
	next    []Job
	updates []Job
	logs    map[string]string
	auth    []string
	fail    int
}

func (s *ClientSuite) SetUpTest(c *check.C) {
	s.next = nil
	s.updates = nil
	s.logs = map[string]string{}
	s.auth = nil
	s.fail = 0
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
}

func (s *ClientSuite) TearDownTest(c *check.C) {
	s.srv.Close()
}

func (s *ClientSuite) serve(w http.ResponseWriter, r *http.Request) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	if s.fail > 0 {
		s.fail--
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	switch {
	case r.Method == "GET" && r.URL.Path == "/api/v2/queue/submitted/next/SpiNNaker/":
		if len(s.next) == 0 {
			json.NewEncoder(w).Encode(map[string]string{"warning": "No queued job."})
			return
		}
		json.NewEncoder(w).Encode(s.next[0])
		s.next = s.next[1:]
	case r.Method == "PUT" && strings.HasPrefix(r.URL.Path, "/api/v2/queue/"):
		var job Job
		json.NewDecoder(r.Body).Decode(&job)
		s.updates = append(s.updates, job)
	case r.Method == "PUT" && strings.HasPrefix(r.URL.Path, "/api/v2/log/"):
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		s.logs[r.URL.Path] = body["content"]
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *ClientSuite) client(c *check.C) *QueueClient {
	logger := logrus.New()
	logger.Out = &strings.Builder{}
	qc, err := NewQueueClient(QueueConfig{
		URL:      s.srv.URL + "/",
		Hardware: "SpiNNaker",
		Username: "spinnuser",
		APIKey:   "secret",
	}, logger)
	c.Assert(err, check.IsNil)
	qc.client.RetryWaitMin = 0
	qc.client.RetryWaitMax = 0
	return qc
}

func (s *ClientSuite) TestNextJobEmpty(c *check.C) {
	_, err := s.client(c).NextJob(context.Background())
	c.Check(errors.Is(err, ErrQueueEmpty), check.Equals, true)
	c.Check(s.auth, check.DeepEquals, []string{"ApiKey spinnuser:secret"})
}

func (s *ClientSuite) TestNextJob(c *check.C) {
	s.next = []Job{{ID: 42, Code: "print(1)", CollabID: "collab", Status: JobQueued}}
	job, err := s.client(c).NextJob(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(job.ID, check.Equals, 42)
	c.Check(job.Code, check.Equals, "print(1)")
}

func (s *ClientSuite) TestRetryOnServerError(c *check.C) {
	s.fail = 1
	s.next = []Job{{ID: 7}}
	job, err := s.client(c).NextJob(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(job.ID, check.Equals, 7)
}

func (s *ClientSuite) TestAppendLogAccumulates(c *check.C) {
	qc := s.client(c)
	c.Assert(qc.AppendLog(context.Background(), 3, "one\n"), check.IsNil)
	c.Assert(qc.AppendLog(context.Background(), 3, "two\n"), check.IsNil)
	c.Check(s.logs["/api/v2/log/3/"], check.Equals, "one\ntwo\n")
}

func (s *ClientSuite) TestSetFinished(c *check.C) {
	qc := s.client(c)
	job := Job{ID: 5, Status: JobRunning}
	err := qc.SetFinished(context.Background(), job, "done\n", []string{"http://out/a"}, 7200, map[string]string{"k": "v"})
	c.Assert(err, check.IsNil)
	c.Assert(s.updates, check.HasLen, 1)
	up := s.updates[0]
	c.Check(up.Status, check.Equals, JobFinished)
	c.Check(up.ResourceUsage.Value, check.Equals, 2.0)
	c.Check(up.ResourceUsage.Units, check.Equals, "core-hours")
	c.Check(up.OutputData.Files, check.DeepEquals, []DataItem{{URL: "http://out/a"}})
	c.Check(up.Provenance["k"], check.Equals, "v")
	c.Check(up.TimestampCompletion, check.NotNil)
	c.Check(s.logs["/api/v2/log/5/"], check.Equals, "done\n")
}

func (s *ClientSuite) TestSetError(c *check.C) {
	qc := s.client(c)
	trace := &RemoteStackTrace{Elements: []StackTraceElement{{ClassName: "spinn", MethodName: "run", FileName: "run.py", LineNumber: 12}}}
	err := qc.SetError(context.Background(), Job{ID: 6}, "partial", nil, errors.New("boom"), trace, 0, nil)
	c.Assert(err, check.IsNil)
	c.Assert(s.updates, check.HasLen, 1)
	c.Check(s.updates[0].Status, check.Equals, JobError)
	c.Check(s.logs["/api/v2/log/6/"], check.Equals, "partial\nError: boom\n    at spinn.run(run.py:12)\n")
}

func (s *ClientSuite) TestStatusError(c *check.C) {
	qc := s.client(c)
	qc.Hardware = "nonexistent"
	_, err := qc.NextJob(context.Background())
	c.Assert(err, check.NotNil)
}
