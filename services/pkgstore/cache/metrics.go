// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

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

// Package-level tracer and meter for cache operations.
var (
	tracer = otel.Tracer("bldr.pkgstore.cache")
	meter  = otel.Meter("bldr.pkgstore.cache")
)

var (
	cacheHits         metric.Int64Counter
	cacheMisses       metric.Int64Counter
	integrityFailures metric.Int64Counter
	fetchLatency      metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheHits, err = meter.Int64Counter(
			"artifact_cache_hits_total",
			metric.WithDescription("Fetches served from the local cache"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"artifact_cache_misses_total",
			metric.WithDescription("Fetches that went upstream"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		integrityFailures, err = meter.Int64Counter(
			"artifact_integrity_failures_total",
			metric.WithDescription("Downloads rejected by verification"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		fetchLatency, err = meter.Float64Histogram(
			"artifact_fetch_duration_seconds",
			metric.WithDescription("Duration of upstream fetches including retries"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordHit(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheHits.Add(ctx, 1)
}

func recordMiss(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheMisses.Add(ctx, 1)
}

func recordIntegrityFailure(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	integrityFailures.Add(ctx, 1)
}

func recordFetchLatency(ctx context.Context, d time.Duration, ok bool) {
	if err := initMetrics(); err != nil {
		return
	}
	fetchLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("ok", ok)))
}

func startFetchSpan(ctx context.Context, id identity.Identity, source string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Cache.Fetch",
		trace.WithAttributes(
			attribute.String("pkg.identity", id.String()),
			attribute.String("cache.source", source),
		),
	)
}
