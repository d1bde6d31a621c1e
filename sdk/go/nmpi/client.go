// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nmpi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

// ErrQueueEmpty is returned by NextJob when no job is waiting.
var ErrQueueEmpty = errors.New("no queued job")

const defaultLogCacheSize = 1000

// QueueError is returned when the queue server responds with an
// unexpected HTTP status.
type QueueError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Status, strings.TrimSpace(e.Body))
}

// QueueClient talks to the NMPI job queue over HTTP.
//
// The queue stores a job's log as a single document, so AppendLog
// keeps the accumulated log of recently active jobs and uploads the
// whole text each time.
type QueueClient struct {
	BaseURL  string
	Hardware string
	Username string
	APIKey   string
	Logger   logrus.FieldLogger

	client    *retryablehttp.Client
	logs      *lru.TwoQueueCache
	logMtx    sync.Mutex
	setupOnce sync.Once
	setupErr  error
}

// NewQueueClient returns a QueueClient configured from cfg.
func NewQueueClient(cfg QueueConfig, logger logrus.FieldLogger) (*QueueClient, error) {
	qc := &QueueClient{
		BaseURL:  strings.TrimSuffix(cfg.URL, "/"),
		Hardware: cfg.Hardware,
		Username: cfg.Username,
		APIKey:   cfg.APIKey,
		Logger:   logger,
	}
	qc.setupOnce.Do(func() { qc.setup(cfg.LogCacheSize, cfg.Insecure) })
	return qc, qc.setupErr
}

func (qc *QueueClient) setup(cacheSize int, insecure bool) {
	if cacheSize <= 0 {
		cacheSize = defaultLogCacheSize
	}
	qc.logs, qc.setupErr = lru.New2Q(cacheSize)
	qc.client = retryablehttp.NewClient()
	qc.client.RetryMax = 4
	qc.client.RetryWaitMax = 10 * time.Second
	qc.client.Logger = leveledLogger{qc.logger()}
	if insecure {
		qc.client.HTTPClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
}

func (qc *QueueClient) logger() logrus.FieldLogger {
	if qc.Logger == nil {
		return logrus.StandardLogger()
	}
	return qc.Logger
}

// NextJob returns the next job waiting for this hardware platform,
// or ErrQueueEmpty.
func (qc *QueueClient) NextJob(ctx context.Context) (Job, error) {
	qc.setupOnce.Do(func() { qc.setup(0, false) })
	var resp struct {
		Job
		Warning string `json:"warning"`
	}
	err := qc.request(ctx, "GET", "/api/v2/queue/submitted/next/"+qc.Hardware+"/", nil, &resp)
	if err != nil {
		return Job{}, err
	}
	if resp.Warning != "" || resp.Job.ID == 0 {
		return Job{}, ErrQueueEmpty
	}
	return resp.Job, nil
}

// SetRunning tells the queue the job has started.
func (qc *QueueClient) SetRunning(ctx context.Context, job Job) error {
	job.Status = JobRunning
	return qc.updateJob(ctx, job)
}

// AppendLog adds text to the job's log.
func (qc *QueueClient) AppendLog(ctx context.Context, id int, text string) error {
	qc.setupOnce.Do(func() { qc.setup(0, false) })
	qc.logMtx.Lock()
	content := text
	if prev, ok := qc.logs.Get(id); ok {
		content = prev.(string) + text
	}
	qc.logs.Add(id, content)
	qc.logMtx.Unlock()
	return qc.request(ctx, "PUT", fmt.Sprintf("/api/v2/log/%d/", id), map[string]string{"content": content}, nil)
}

// SetFinished records the job as finished, with its final log
// fragment, output URLs, usage (in core-seconds), and provenance.
func (qc *QueueClient) SetFinished(ctx context.Context, job Job, log string, outputs []string, usage int64, provenance map[string]string) error {
	if log != "" {
		if err := qc.AppendLog(ctx, job.ID, log); err != nil {
			qc.logger().WithError(err).WithField("JobID", job.ID).Warn("error appending final log")
		}
	}
	qc.complete(&job, JobFinished, outputs, usage, provenance)
	return qc.updateJob(ctx, job)
}

// SetError records the job as failed. The error message and stack
// trace are appended to the job's log.
func (qc *QueueClient) SetError(ctx context.Context, job Job, log string, outputs []string, jobErr error, trace *RemoteStackTrace, usage int64, provenance map[string]string) error {
	var b strings.Builder
	b.WriteString(log)
	if jobErr != nil {
		fmt.Fprintf(&b, "\nError: %s\n", jobErr)
	}
	if trace != nil {
		b.WriteString(trace.String())
	}
	if err := qc.AppendLog(ctx, job.ID, b.String()); err != nil {
		qc.logger().WithError(err).WithField("JobID", job.ID).Warn("error appending error log")
	}
	qc.complete(&job, JobError, outputs, usage, provenance)
	return qc.updateJob(ctx, job)
}

func (qc *QueueClient) complete(job *Job, status JobStatus, outputs []string, usage int64, provenance map[string]string) {
	now := time.Now().UTC()
	job.Status = status
	job.TimestampCompletion = &now
	job.OutputData = &DataSet{Repository: "Fixed Storage"}
	for _, url := range outputs {
		job.OutputData.Files = append(job.OutputData.Files, DataItem{URL: url})
	}
	job.ResourceUsage = CoreHours(usage)
	job.Provenance = provenance
	qc.logs.Remove(job.ID)
}

func (qc *QueueClient) updateJob(ctx context.Context, job Job) error {
	qc.setupOnce.Do(func() { qc.setup(0, false) })
	return qc.request(ctx, "PUT", fmt.Sprintf("/api/v2/queue/%d/", job.ID), job, nil)
}

func (qc *QueueClient) request(ctx context.Context, method, path string, body, dst interface{}) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(buf)
	}
	url := qc.BaseURL + path
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if qc.APIKey != "" {
		req.Header.Set("Authorization", "ApiKey "+qc.Username+":"+qc.APIKey)
	}
	resp, err := qc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &QueueError{Method: method, URL: url, Status: resp.StatusCode, Body: string(msg)}
	}
	if dst == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// leveledLogger adapts a logrus logger to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logrus.FieldLogger
}

func (l leveledLogger) fields(kv []interface{}) logrus.FieldLogger {
	logger := l.FieldLogger
	for i := 0; i+1 < len(kv); i += 2 {
		logger = logger.WithField(fmt.Sprint(kv[i]), kv[i+1])
	}
	return logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.fields(kv).Error(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.fields(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.fields(kv).Debug(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.fields(kv).Warn(msg) }
