// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nmpidispatch

import (
	"context"

	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/cmd"
	"github.com/SpiNNakerManchester/nmpi-dispatch/lib/service"
	"github.com/SpiNNakerManchester/nmpi-dispatch/sdk/go/nmpi"
	"github.com/prometheus/client_golang/prometheus"
)

// Command runs the dispatch service.
var Command cmd.Handler = service.Command(newHandler)

func newHandler(ctx context.Context, cfg *nmpi.Config, reg *prometheus.Registry) service.Handler {
	disp := &dispatcher{
		Config:   cfg,
		Context:  ctx,
		Registry: reg,
	}
	if err := disp.initialize(); err != nil {
		return service.ErrorHandler(ctx, err)
	}
	go disp.run()
	return disp
}
