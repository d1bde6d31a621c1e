// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/dustin/go-humanize"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
)

// dockerClient is the subset of the Docker client API used by
// DockerHypervisor.
type dockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerHypervisor runs executor "VMs" as Docker containers.
type DockerHypervisor struct {
	Logger  logrus.FieldLogger
	Image   string
	Network string
	client  dockerClient
}

// NewDockerHypervisor returns a DockerHypervisor using the Docker
// daemon configured in the environment ($DOCKER_HOST etc).
func NewDockerHypervisor(logger logrus.FieldLogger, image, network string) (*DockerHypervisor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerHypervisor{Logger: logger, Image: image, Network: network, client: cli}, nil
}

const labelExecutor = "org.spinnaker.nmpi.executor"

func (dh *DockerHypervisor) CreateVM(ctx context.Context, name string, command []string) (string, error) {
	hostConfig := &container.HostConfig{}
	if dh.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(dh.Network)
	}
	resp, err := dh.client.ContainerCreate(ctx, &container.Config{
		Image:  dh.Image,
		Cmd:    command,
		Labels: map[string]string{labelExecutor: name},
	}, hostConfig, nil, nil, name)
	if err != nil {
		return "", err
	}
	for _, w := range resp.Warnings {
		dh.Logger.WithField("Container", resp.ID).Warn(w)
	}
	return resp.ID, nil
}

func (dh *DockerHypervisor) StartVM(ctx context.Context, vmID string) error {
	return dh.client.ContainerStart(ctx, vmID, container.StartOptions{})
}

func (dh *DockerHypervisor) WaitVM(ctx context.Context, vmID string) (int, error) {
	waitOk, waitErr := dh.client.ContainerWait(ctx, vmID, container.WaitConditionNotRunning)
	select {
	case resp := <-waitOk:
		if resp.Error != nil {
			return int(resp.StatusCode), fmt.Errorf("container wait: %s", resp.Error.Message)
		}
		return int(resp.StatusCode), nil
	case err := <-waitErr:
		return -1, err
	}
}

func (dh *DockerHypervisor) VMLogs(ctx context.Context, vmID string, maxBytes int) (string, error) {
	rdr, err := dh.client.ContainerLogs(ctx, vmID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", err
	}
	defer rdr.Close()
	out := &tailBuffer{max: maxBytes}
	var n countingWriter
	_, err = stdcopy.StdCopy(io.MultiWriter(out, &n), io.MultiWriter(out, &n), rdr)
	dh.Logger.WithField("Container", vmID).Debugf("retrieved %s of container logs", humanize.IBytes(uint64(n)))
	return out.String(), err
}

func (dh *DockerHypervisor) DestroyVM(ctx context.Context, vmID string) error {
	return dh.client.ContainerRemove(ctx, vmID, container.RemoveOptions{Force: true})
}

type countingWriter int64

func (cw *countingWriter) Write(p []byte) (int, error) {
	*cw += countingWriter(len(p))
	return len(p), nil
}
