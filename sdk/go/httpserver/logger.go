// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type contextKey struct {
	name string
}

var loggerContextKey = contextKey{"logger"}

// LogRequests wraps an http.Handler, logging each response via
// logger. Requests are logged at debug level, responses at info
// level (or warn level if the status is 500 or higher).
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := &responseWriter{ResponseWriter: wrapped}
		lgr := logger.WithFields(logrus.Fields{
			"remoteAddr": req.RemoteAddr,
			"reqMethod":  req.Method,
			"reqPath":    req.URL.Path,
			"reqQuery":   req.URL.RawQuery,
			"reqBytes":   req.ContentLength,
		})
		req = req.WithContext(context.WithValue(req.Context(), &loggerContextKey, lgr))
		lgr.Debug("request")
		t0 := time.Now()
		defer func() {
			respCode := w.wroteStatus
			if respCode == 0 {
				respCode = http.StatusOK
			}
			lgr := lgr.WithFields(logrus.Fields{
				"timeTotal":      time.Since(t0).Seconds(),
				"respStatusCode": respCode,
				"respStatus":     http.StatusText(respCode),
				"respBytes":      w.wroteBodyBytes,
			})
			if respCode >= 500 {
				lgr.Warn("response")
			} else {
				lgr.Info("response")
			}
		}()
		h.ServeHTTP(w, req)
	})
}

// Logger returns the logger attached to req by LogRequests, or the
// standard logger if there is none.
func Logger(req *http.Request) logrus.FieldLogger {
	if lgr, ok := req.Context().Value(&loggerContextKey).(logrus.FieldLogger); ok {
		return lgr
	}
	return logrus.StandardLogger()
}

// responseWriter wraps http.ResponseWriter and records the status
// sent and the number of bytes sent to the client.
type responseWriter struct {
	http.ResponseWriter
	wroteStatus    int // First status given to WriteHeader()
	wroteBodyBytes int // Bytes successfully written
}

func (w *responseWriter) WriteHeader(s int) {
	if w.wroteStatus == 0 {
		w.wroteStatus = s
	}
	w.ResponseWriter.WriteHeader(s)
}

func (w *responseWriter) Write(data []byte) (n int, err error) {
	if w.wroteStatus == 0 {
		w.WriteHeader(http.StatusOK)
	}
	n, err = w.ResponseWriter.Write(data)
	w.wroteBodyBytes += n
	return
}
