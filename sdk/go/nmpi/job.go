// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nmpi

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus is the status of a job as reported to the NMPI queue.
type JobStatus string

const (
	JobQueued   = JobStatus("queued")
	JobRunning  = JobStatus("running")
	JobFinished = JobStatus("finished")
	JobError    = JobStatus("error")
)

// Terminal returns true if no further status change is possible.
func (s JobStatus) Terminal() bool {
	return s == JobFinished || s == JobError
}

// Job is a job record as exchanged with the NMPI queue.
type Job struct {
	ID                  int                    `json:"id"`
	Code                string                 `json:"code"`
	Command             string                 `json:"command,omitempty"`
	CollabID            string                 `json:"collab_id"`
	UserID              string                 `json:"user_id,omitempty"`
	HardwareConfig      map[string]interface{} `json:"hardware_config,omitempty"`
	HardwarePlatform    string                 `json:"hardware_platform,omitempty"`
	Status              JobStatus              `json:"status"`
	InputData           []DataItem             `json:"input_data,omitempty"`
	OutputData          *DataSet               `json:"output_data,omitempty"`
	ResourceUsage       *ResourceUsage         `json:"resource_usage,omitempty"`
	Provenance          map[string]string      `json:"provenance,omitempty"`
	TimestampSubmission *time.Time             `json:"timestamp_submission,omitempty"`
	TimestampCompletion *time.Time             `json:"timestamp_completion,omitempty"`
}

// A DataItem is an input or output file reference.
type DataItem struct {
	URL  string `json:"url"`
	Hash string `json:"hash,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// A DataSet is the output manifest of a job.
type DataSet struct {
	Repository string     `json:"repository"`
	Files      []DataItem `json:"files"`
}

// ResourceUsage is the billed usage reported with a completed job.
type ResourceUsage struct {
	Value float64 `json:"value"`
	Units string  `json:"units"`
}

// CoreHours converts core-seconds into the usage record reported to
// the queue.
func CoreHours(coreSeconds int64) *ResourceUsage {
	return &ResourceUsage{Value: float64(coreSeconds) / 3600, Units: "core-hours"}
}

// A StackTraceElement is one frame of a stack trace reported by an
// executor.
type StackTraceElement struct {
	ClassName  string `json:"className"`
	MethodName string `json:"methodName"`
	FileName   string `json:"fileName"`
	LineNumber int    `json:"lineNumber"`
}

// RemoteStackTrace is a stack trace reported by an executor when a
// job fails.
type RemoteStackTrace struct {
	Elements []StackTraceElement `json:"elements"`
}

// String renders the stack trace one frame per line.
func (st RemoteStackTrace) String() string {
	var b strings.Builder
	for _, e := range st.Elements {
		fmt.Fprintf(&b, "    at %s.%s(%s:%d)\n", e.ClassName, e.MethodName, e.FileName, e.LineNumber)
	}
	return b.String()
}
