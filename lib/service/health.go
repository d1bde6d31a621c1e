// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"encoding/json"
	"net/http"
)

var healthyBody = []byte(`{"health":"OK"}` + "\n")

// healthHandler responds to authenticated health-check requests with
// JSON responses like {"health":"OK"} or
// {"health":"ERROR","error":"error text"}.
type healthHandler struct {
	// Authentication token. If empty, all requests will return 404.
	Token string
	Check func() error
}

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !checkToken(h.Token, w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := h.Check(); err == nil {
		w.Write(healthyBody)
	} else {
		json.NewEncoder(w).Encode(map[string]string{
			"health": "ERROR",
			"error":  err.Error(),
		})
	}
}

// RequireToken returns a handler that responds 404 if token is empty,
// 401 if the request has no Authorization header, 403 if the header
// does not match "Bearer {token}", and otherwise calls next.
func RequireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if checkToken(token, w, r) {
			next.ServeHTTP(w, r)
		}
	})
}

func checkToken(token string, w http.ResponseWriter, r *http.Request) bool {
	if token == "" {
		http.Error(w, "disabled", http.StatusNotFound)
	} else if ah := r.Header.Get("Authorization"); ah == "" {
		http.Error(w, "authorization required", http.StatusUnauthorized)
	} else if ah != "Bearer "+token {
		http.Error(w, "authorization error", http.StatusForbidden)
	} else {
		return true
	}
	return false
}
