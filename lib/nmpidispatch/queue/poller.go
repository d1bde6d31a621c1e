// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package queue takes jobs from the NMPI queue and hands them to the
// job manager.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/SpiNNakerManchester/nmpi-dispatch/sdk/go/nmpi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const defaultEmptyBackoff = 10 * time.Second

// Source is where jobs come from.
type Source interface {
	NextJob(ctx context.Context) (nmpi.Job, error)
}

// Sink accepts jobs for processing.
type Sink interface {
	AddJob(ctx context.Context, job nmpi.Job) error
}

// Poller moves jobs from a Source to a Sink. When the source is empty
// or fails, it waits EmptyBackoff before asking again.
type Poller struct {
	Logger       logrus.FieldLogger
	Source       Source
	Sink         Sink
	EmptyBackoff time.Duration

	mPolls *prometheus.CounterVec
}

// RegisterMetrics registers the poller's metrics with reg.
func (p *Poller) RegisterMetrics(reg *prometheus.Registry) {
	p.mPolls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nmpi",
		Subsystem: "dispatch",
		Name:      "queue_polls_total",
		Help:      "Number of times the queue was polled, by result (job, empty, error).",
	}, []string{"result"})
	reg.MustRegister(p.mPolls)
}

func (p *Poller) count(result string) {
	if p.mPolls != nil {
		p.mPolls.WithLabelValues(result).Inc()
	}
}

// Run polls until ctx is done, and returns ctx.Err().
func (p *Poller) Run(ctx context.Context) error {
	backoff := p.EmptyBackoff
	if backoff <= 0 {
		backoff = defaultEmptyBackoff
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.pollOnce(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// pollOnce takes one job from the source, and returns true if it
// makes sense to ask for another one right away.
func (p *Poller) pollOnce(ctx context.Context) bool {
	job, err := p.Source.NextJob(ctx)
	if errors.Is(err, nmpi.ErrQueueEmpty) {
		p.count("empty")
		return false
	} else if err != nil {
		if ctx.Err() == nil {
			p.count("error")
			p.Logger.WithError(err).Warn("error polling queue")
		}
		return false
	}
	p.count("job")
	logger := p.Logger.WithField("JobID", job.ID)
	logger.Info("job received from queue")
	if err := p.Sink.AddJob(ctx, job); err != nil {
		logger.WithError(err).Error("cannot add job")
		return false
	}
	return true
}
