// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package install

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("bldr.pkgstore.install")
	meter  = otel.Meter("bldr.pkgstore.install")
)

var (
	installTotal    metric.Int64Counter
	installDuration metric.Float64Histogram
	closureSize     metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		installTotal, err = meter.Int64Counter(
			"install_total",
			metric.WithDescription("Install operations by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		installDuration, err = meter.Float64Histogram(
			"install_duration_seconds",
			metric.WithDescription("Duration of install operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		closureSize, err = meter.Int64Histogram(
			"install_closure_size",
			metric.WithDescription("Packages in a resolved closure"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordInstall(ctx context.Context, outcome string, d time.Duration, size int) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	installTotal.Add(ctx, 1, attrs)
	installDuration.Record(ctx, d.Seconds(), attrs)
	if size > 0 {
		closureSize.Record(ctx, int64(size))
	}
}

func startInstallSpan(ctx context.Context, req Request) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Installer.Install",
		trace.WithAttributes(
			attribute.String("pkg.name", req.Name),
			attribute.String("pkg.version", req.Version),
			attribute.String("pkg.identity", req.Identity.String()),
			attribute.String("service", req.Service),
		),
	)
}
