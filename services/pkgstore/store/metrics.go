// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/bldr/services/pkgstore/identity"
)

var (
	tracer = otel.Tracer("bldr.pkgstore.store")
	meter  = otel.Meter("bldr.pkgstore.store")
)

var (
	extractTotal    metric.Int64Counter
	extractDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		extractTotal, err = meter.Int64Counter(
			"store_extract_total",
			metric.WithDescription("Extract calls by outcome (extracted, noop, error)"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		extractDuration, err = meter.Float64Histogram(
			"store_extract_duration_seconds",
			metric.WithDescription("Duration of extractions that wrote an entry"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordExtract(ctx context.Context, outcome string, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	extractTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == "extracted" {
		extractDuration.Record(ctx, d.Seconds())
	}
}

func startSpan(ctx context.Context, op string, id identity.Identity) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Store."+op,
		trace.WithAttributes(attribute.String("pkg.identity", id.String())),
	)
}
