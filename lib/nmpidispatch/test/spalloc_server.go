// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"
)

// Spalloc job states, as numbered on the wire.
const (
	SpallocQueued    = 1
	SpallocPower     = 2
	SpallocReady     = 3
	SpallocDestroyed = 4
)

// A SpallocJob is a job on a SpallocServer.
type SpallocJob struct {
	ID         int
	Boards     int
	Owner      string
	State      int
	Reason     string
	Keepalives int
}

// SpallocServer is a fake spalloc server listening on an available
// TCP port on localhost.
type SpallocServer struct {
	// InitialState is the state of newly created jobs. If zero,
	// jobs are created ready.
	InitialState int
	// MaxDelay, if nonzero, delays each reply by a random time up
	// to MaxDelay.
	MaxDelay time.Duration
	// Machines is returned by list_machines.
	Machines []map[string]interface{}
	// Hostname, if not empty, is the hostname of every job's
	// first board, as if each job were given the same boards.
	Hostname string
	// DropAfterException closes the connection after each
	// exception reply.
	DropAfterException bool

	listener net.Listener
	setup    sync.Once
	mtx      sync.Mutex
	jobs     map[int]*SpallocJob
	nextID   int
	conns    map[*spallocConn]bool
	commands []string
}

type spallocConn struct {
	net.Conn
	wmtx      sync.Mutex
	notifying map[int]bool
}

func (sc *spallocConn) send(v interface{}) {
	buf, _ := json.Marshal(v)
	sc.wmtx.Lock()
	defer sc.wmtx.Unlock()
	sc.Write(append(buf, '\n'))
}

// Address returns the host:port where the server is listening.
func (ss *SpallocServer) Address() string {
	ss.setup.Do(ss.start)
	return ss.listener.Addr().String()
}

// Close stops accepting connections and disconnects all clients.
func (ss *SpallocServer) Close() {
	ss.setup.Do(ss.start)
	ss.listener.Close()
	ss.DropConnections()
}

// DropConnections disconnects all clients.
func (ss *SpallocServer) DropConnections() {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	for sc := range ss.conns {
		sc.Close()
	}
}

// Job returns a copy of the job with the given ID, or nil.
func (ss *SpallocServer) Job(id int) *SpallocJob {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	if j, ok := ss.jobs[id]; ok {
		cp := *j
		return &cp
	}
	return nil
}

// Jobs returns the IDs of all jobs that have not been destroyed.
func (ss *SpallocServer) Jobs() []int {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	var ids []int
	for id, j := range ss.jobs {
		if j.State != SpallocDestroyed {
			ids = append(ids, id)
		}
	}
	return ids
}

// Commands returns the names of the commands received so far.
func (ss *SpallocServer) Commands() []string {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	return append([]string(nil), ss.commands...)
}

// SetState changes a job's state and notifies subscribed clients.
func (ss *SpallocServer) SetState(id, state int, reason string) {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	if j, ok := ss.jobs[id]; ok {
		j.State = state
		j.Reason = reason
		ss.notifyLocked(id)
	}
}

// Caller must have lock.
func (ss *SpallocServer) notifyLocked(id int) {
	for sc := range ss.conns {
		if sc.notifying[id] {
			go sc.send(map[string]interface{}{"jobs_changed": []int{id}})
		}
	}
}

func (ss *SpallocServer) start() {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	ss.listener = ln
	ss.jobs = make(map[int]*SpallocJob)
	ss.conns = make(map[*spallocConn]bool)
	ss.nextID = 1
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			sc := &spallocConn{Conn: nc, notifying: map[int]bool{}}
			ss.mtx.Lock()
			ss.conns[sc] = true
			ss.mtx.Unlock()
			go ss.serve(sc)
		}
	}()
}

func (ss *SpallocServer) serve(sc *spallocConn) {
	defer func() {
		ss.mtx.Lock()
		delete(ss.conns, sc)
		ss.mtx.Unlock()
		sc.Close()
	}()
	scanner := bufio.NewScanner(sc)
	for scanner.Scan() {
		var req struct {
			Command string                     `json:"command"`
			Args    []json.RawMessage          `json:"args"`
			Kwargs  map[string]json.RawMessage `json:"kwargs"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			sc.send(map[string]interface{}{"exception": err.Error()})
			continue
		}
		if ss.MaxDelay > 0 {
			time.Sleep(time.Duration(rand.Int63n(int64(ss.MaxDelay))))
		}
		ret, err := ss.handle(sc, req.Command, req.Args, req.Kwargs)
		if err != nil {
			sc.send(map[string]interface{}{"exception": err.Error()})
			if ss.DropAfterException {
				return
			}
		} else {
			sc.send(map[string]interface{}{"return": ret})
		}
	}
}

func (ss *SpallocServer) handle(sc *spallocConn, command string, args []json.RawMessage, kwargs map[string]json.RawMessage) (interface{}, error) {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	ss.commands = append(ss.commands, command)
	var arg0 int
	if len(args) > 0 {
		json.Unmarshal(args[0], &arg0)
	}
	if command == "create_job" {
		var owner string
		json.Unmarshal(kwargs["owner"], &owner)
		state := ss.InitialState
		if state == 0 {
			state = SpallocReady
		}
		id := ss.nextID
		ss.nextID++
		ss.jobs[id] = &SpallocJob{ID: id, Boards: arg0, Owner: owner, State: state}
		return id, nil
	}
	if command == "list_machines" {
		return ss.Machines, nil
	}
	job, ok := ss.jobs[arg0]
	if !ok {
		return nil, fmt.Errorf("no such job: %d", arg0)
	}
	switch command {
	case "notify_job":
		sc.notifying[job.ID] = true
		return nil, nil
	case "no_notify_job":
		delete(sc.notifying, job.ID)
		return nil, nil
	case "get_job_state":
		return map[string]interface{}{"state": job.State, "power": job.State == SpallocReady, "reason": job.Reason}, nil
	case "get_job_machine_info":
		if job.State != SpallocReady {
			return nil, fmt.Errorf("job %d is not ready", job.ID)
		}
		var conns [][]interface{}
		for b := 0; b < job.Boards; b++ {
			host := fmt.Sprintf("spin-%d-%d", job.ID, b)
			if b == 0 && ss.Hostname != "" {
				host = ss.Hostname
			}
			conns = append(conns, []interface{}{[]int{b * 4, b * 8 % 12}, host})
		}
		return map[string]interface{}{
			"width":        8 * job.Boards,
			"height":       8,
			"connections":  conns,
			"machine_name": "fake",
		}, nil
	case "job_keepalive":
		job.Keepalives++
		return nil, nil
	case "destroy_job":
		if job.State == SpallocDestroyed {
			return nil, fmt.Errorf("job %d already destroyed", job.ID)
		}
		job.State = SpallocDestroyed
		json.Unmarshal(kwargs["reason"], &job.Reason)
		ss.notifyLocked(job.ID)
		return nil, nil
	}
	return nil, fmt.Errorf("unknown command %q", command)
}
