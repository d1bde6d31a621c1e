// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package job

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoJob is returned by NextJob when no job is waiting for
	// the executor.
	ErrNoJob = errors.New("no job for this executor")
	// ErrJobFinished is returned when a job has already reached
	// a terminal state.
	ErrJobFinished = errors.New("job has already finished")
)

// BadRequestError is returned when a caller's request is invalid,
// e.g., a required parameter is missing.
type BadRequestError struct {
	msg string
}

func badRequest(format string, args ...interface{}) error {
	return BadRequestError{msg: fmt.Sprintf(format, args...)}
}

func (e BadRequestError) Error() string {
	return e.msg
}

func (e BadRequestError) HTTPStatus() int {
	return http.StatusBadRequest
}
