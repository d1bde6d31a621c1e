// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package output

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/SpiNNakerManchester/nmpi-dispatch/sdk/go/nmpi"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// uploader is the part of manager.Uploader used by S3Store.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Store uploads output files to an S3 bucket.
type S3Store struct {
	Logger logrus.FieldLogger
	Bucket string
	Prefix string
	// If not empty, URLs are BaseURL followed by the object key
	// (without Prefix). Otherwise they are the upload locations
	// reported by S3.
	BaseURL string

	uploader uploader
}

// NewS3Store returns an S3Store using credentials from the
// environment (see aws-sdk-go-v2/config).
func NewS3Store(ctx context.Context, logger logrus.FieldLogger, cfg nmpi.S3Config, baseURL string) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awscfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(awscfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{
		Logger:   logger,
		Bucket:   cfg.Bucket,
		Prefix:   cfg.Prefix,
		BaseURL:  baseURL,
		uploader: manager.NewUploader(client),
	}, nil
}

func (ss *S3Store) AddOutputs(ctx context.Context, projectID string, jobID int, baseDir string, files []string) ([]string, error) {
	var urls []string
	var total int64
	for _, file := range files {
		name, err := relativeName(file)
		if err != nil {
			return urls, err
		}
		objPath, err := objectPath(projectID, jobID, name)
		if err != nil {
			return urls, err
		}
		location, n, err := ss.upload(ctx, path.Join(ss.Prefix, objPath), filepath.Join(baseDir, filepath.FromSlash(name)))
		if err != nil {
			return urls, fmt.Errorf("output %q: %w", file, err)
		}
		total += n
		if ss.BaseURL != "" {
			location = joinURL(ss.BaseURL, objPath)
		}
		urls = append(urls, location)
	}
	ss.Logger.WithFields(logrus.Fields{
		"JobID":  jobID,
		"Files":  len(urls),
		"Bucket": ss.Bucket,
	}).Infof("uploaded %s of job outputs", humanize.IBytes(uint64(total)))
	return urls, nil
}

func (ss *S3Store) upload(ctx context.Context, key, src string) (string, int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	out, err := ss.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(ss.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return "", 0, err
	}
	return out.Location, fi.Size(), nil
}
