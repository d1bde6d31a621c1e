// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// OutputStore records the files passed to AddOutputs, and returns
// fake URLs for them.
type OutputStore struct {
	mtx   sync.Mutex
	files map[int][]string
	data  map[string]string
}

func (ostore *OutputStore) AddOutputs(ctx context.Context, projectID string, jobID int, baseDir string, files []string) ([]string, error) {
	ostore.mtx.Lock()
	defer ostore.mtx.Unlock()
	if ostore.files == nil {
		ostore.files = map[int][]string{}
		ostore.data = map[string]string{}
	}
	var urls []string
	for _, f := range files {
		buf, err := os.ReadFile(filepath.Join(baseDir, f))
		if err != nil {
			return urls, err
		}
		url := fmt.Sprintf("http://outputs.example/%s/%d/%s", projectID, jobID, f)
		ostore.files[jobID] = append(ostore.files[jobID], f)
		ostore.data[url] = string(buf)
		urls = append(urls, url)
	}
	return urls, nil
}

// Files returns the names of the files stored for the job.
func (ostore *OutputStore) Files(jobID int) []string {
	ostore.mtx.Lock()
	defer ostore.mtx.Unlock()
	return append([]string(nil), ostore.files[jobID]...)
}

// Data returns the content stored at url.
func (ostore *OutputStore) Data(url string) string {
	ostore.mtx.Lock()
	defer ostore.mtx.Unlock()
	return ostore.data[url]
}
