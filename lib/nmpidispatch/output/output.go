// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package output stores job output files where users can fetch
// them.
package output

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/SpiNNakerManchester/nmpi-dispatch/sdk/go/nmpi"
	"github.com/sirupsen/logrus"
)

// Store is implemented by LocalStore and S3Store.
type Store interface {
	AddOutputs(ctx context.Context, projectID string, jobID int, baseDir string, files []string) ([]string, error)
}

// NewStore returns the output store selected by the configuration.
func NewStore(ctx context.Context, logger logrus.FieldLogger, cfg nmpi.OutputsConfig) (Store, error) {
	switch cfg.Mode {
	case "local":
		return &LocalStore{Logger: logger, Directory: cfg.Directory, BaseURL: cfg.BaseURL}, nil
	case "s3":
		return NewS3Store(ctx, logger, cfg.S3, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("unsupported output mode %q", cfg.Mode)
	}
}

// relativeName checks that file is a relative path that stays
// within its base directory, and returns it in slash-separated form.
func relativeName(file string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean(file))
	if file == "" || filepath.IsAbs(file) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid output file name %q", file)
	}
	return clean, nil
}

// projectDir returns the top-level directory for the project's
// outputs. The project ID must be a single path component.
func projectDir(projectID string) (string, error) {
	if projectID == "" {
		return "_", nil
	}
	if projectID == "." || projectID == ".." || strings.ContainsAny(projectID, "/\\\x00") {
		return "", fmt.Errorf("invalid project ID %q", projectID)
	}
	return projectID, nil
}

// objectPath returns the path, relative to the store's root, where a
// job's output file is kept. name must come from relativeName.
func objectPath(projectID string, jobID int, name string) (string, error) {
	dir, err := projectDir(projectID)
	if err != nil {
		return "", err
	}
	return path.Join(dir, strconv.Itoa(jobID), name), nil
}

// joinURL appends the escaped object path to base.
func joinURL(base, objPath string) string {
	var escaped []string
	for _, p := range strings.Split(objPath, "/") {
		escaped = append(escaped, url.PathEscape(p))
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.Join(escaped, "/")
}
