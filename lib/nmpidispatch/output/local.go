// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package output

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// LocalStore copies output files into a directory served by a web
// server at BaseURL.
type LocalStore struct {
	Logger    logrus.FieldLogger
	Directory string
	BaseURL   string
}

// AddOutputs copies each file (relative to baseDir) to
// Directory/projectID/jobID/file, and returns the files' URLs.
func (ls *LocalStore) AddOutputs(ctx context.Context, projectID string, jobID int, baseDir string, files []string) ([]string, error) {
	var urls []string
	var total int64
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return urls, err
		}
		name, err := relativeName(file)
		if err != nil {
			return urls, err
		}
		objPath, err := objectPath(projectID, jobID, name)
		if err != nil {
			return urls, err
		}
		n, err := copyFile(filepath.Join(ls.Directory, filepath.FromSlash(objPath)), filepath.Join(baseDir, filepath.FromSlash(name)))
		if err != nil {
			return urls, fmt.Errorf("output %q: %w", file, err)
		}
		total += n
		urls = append(urls, joinURL(ls.BaseURL, objPath))
	}
	ls.Logger.WithFields(logrus.Fields{
		"JobID": jobID,
		"Files": len(urls),
	}).Infof("stored %s of job outputs", humanize.IBytes(uint64(total)))
	return urls, nil
}

func copyFile(dst, src string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}
