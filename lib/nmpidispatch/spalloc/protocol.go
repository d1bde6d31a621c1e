// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package spalloc implements a machine.Pool that obtains machines
// from a spalloc server.
package spalloc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// JobState is the state of a job on the spalloc server.
type JobState int

const (
	StateUnknown JobState = iota
	StateQueued
	StatePower
	StateReady
	StateDestroyed
)

var stateNames = map[JobState]string{
	StateUnknown:   "UNKNOWN",
	StateQueued:    "QUEUED",
	StatePower:     "POWER",
	StateReady:     "READY",
	StateDestroyed: "DESTROYED",
}

func (s JobState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("JobState(%d)", int(s))
}

// A request is one line sent to the server.
type request struct {
	Command string                 `json:"command"`
	Args    []interface{}          `json:"args"`
	Kwargs  map[string]interface{} `json:"kwargs"`
}

// A reply is the result of one request: either the "return" value or
// the "exception" text.
type reply struct {
	value json.RawMessage
	err   error
}

// RemoteError is an exception reported by the server in response to
// a request.
type RemoteError struct {
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("spalloc %s: %s", e.Command, e.Message)
}

var errUnrecognized = errors.New("unrecognized message")

// message is a decoded line received from the server. Exactly one of
// the fields is set.
type message struct {
	reply       *reply
	jobsChanged []int
	ignore      bool
}

// parseMessage decodes a line received from the server. Messages are
// distinguished by which key is present.
func parseMessage(line []byte) (message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return message{}, err
	}
	if v, ok := fields["return"]; ok {
		return message{reply: &reply{value: v}}, nil
	}
	if v, ok := fields["exception"]; ok {
		var text string
		if err := json.Unmarshal(v, &text); err != nil {
			text = string(v)
		}
		return message{reply: &reply{err: &RemoteError{Message: text}}}, nil
	}
	if v, ok := fields["jobs_changed"]; ok {
		var ids []int
		if err := json.Unmarshal(v, &ids); err != nil {
			return message{}, fmt.Errorf("jobs_changed: %w", err)
		}
		return message{jobsChanged: ids}, nil
	}
	if _, ok := fields["machines_changed"]; ok {
		return message{ignore: true}, nil
	}
	return message{}, errUnrecognized
}

// jobStateResponse is the result of get_job_state.
type jobStateResponse struct {
	State  JobState `json:"state"`
	Power  *bool    `json:"power"`
	Reason string   `json:"reason"`
}

// A connection is the hostname of the Ethernet-attached chip at the
// given chip coordinates.
type connection struct {
	Chip     [2]int
	Hostname string
}

// UnmarshalJSON accepts both the [[x, y], "hostname"] form sent by
// spalloc servers and the {"chip": [x, y], "hostname": "..."} form.
func (c *connection) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("connection has %d elements, expected 2", len(pair))
		}
		if err := json.Unmarshal(pair[0], &c.Chip); err != nil {
			return err
		}
		return json.Unmarshal(pair[1], &c.Hostname)
	}
	var obj struct {
		Chip     [2]int `json:"chip"`
		Hostname string `json:"hostname"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	c.Chip, c.Hostname = obj.Chip, obj.Hostname
	return nil
}

// machineInfo is the result of get_job_machine_info.
type machineInfo struct {
	Width       int          `json:"width"`
	Height      int          `json:"height"`
	Connections []connection `json:"connections"`
	MachineName string       `json:"machine_name"`
}

// machineDescription is one element of the result of list_machines.
type machineDescription struct {
	Name   string   `json:"name"`
	Tags   []string `json:"tags"`
	Width  int      `json:"width"`
	Height int      `json:"height"`
}
