// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package executor starts the processes that run jobs. An executor
// asks the dispatcher for a job through the callback API, runs it,
// and exits.
package executor

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/google/shlex"
)

// An ExitListener is told when an executor exits, with whatever the
// executor wrote to stdout/stderr.
type ExitListener interface {
	ExecutorExited(id string, log string)
}

// An Executor is an executor process that has been created but not
// necessarily started.
type Executor interface {
	ID() string
	// Start starts the executor. The listener passed to Create is
	// notified when it exits, even if Start returns an error.
	Start() error
	// Abort frees the resources of an executor that will not be
	// started. The listener is not notified.
	Abort()
}

// A Factory creates executors.
type Factory interface {
	Create(ctx context.Context, listener ExitListener) (Executor, error)
}

var substRe = regexp.MustCompile(`%.`)

// commandArgs splits a command template into arguments, replacing
// "%U" with the callback URL, "%I" with the executor ID, and "%%"
// with "%".
func commandArgs(template, callbackURL, id string) ([]string, error) {
	words, err := shlex.Split(template)
	if err != nil {
		return nil, fmt.Errorf("cannot parse command %q: %w", template, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("command is empty")
	}
	repl := map[string]string{
		"%%": "%",
		"%U": callbackURL,
		"%I": id,
	}
	var substitutionErrors []string
	for i, w := range words {
		words[i] = substRe.ReplaceAllStringFunc(w, func(s string) string {
			subst, ok := repl[s]
			if !ok {
				substitutionErrors = append(substitutionErrors, s)
			}
			return subst
		})
	}
	if len(substitutionErrors) != 0 {
		return nil, fmt.Errorf("unknown substitution parameter(s) %q in command %q", substitutionErrors, template)
	}
	return words, nil
}

// tailBuffer is an io.Writer that keeps the last max bytes written.
type tailBuffer struct {
	max int
	mtx sync.Mutex
	buf []byte
	cut bool
}

func (tb *tailBuffer) Write(p []byte) (int, error) {
	tb.mtx.Lock()
	defer tb.mtx.Unlock()
	tb.buf = append(tb.buf, p...)
	if tb.max > 0 && len(tb.buf) > tb.max {
		tb.buf = append([]byte(nil), tb.buf[len(tb.buf)-tb.max:]...)
		tb.cut = true
	}
	return len(p), nil
}

func (tb *tailBuffer) String() string {
	tb.mtx.Lock()
	defer tb.mtx.Unlock()
	if tb.cut {
		return "[...]\n" + string(tb.buf)
	}
	return string(tb.buf)
}
