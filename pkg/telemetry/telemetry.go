// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry installs the global OpenTelemetry providers used by
// the store, cache and installer instruments.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ErrUnknownExporter is returned for an unsupported exporter name.
var ErrUnknownExporter = errors.New("unknown telemetry exporter")

// Config selects the exporters.
type Config struct {
	// ServiceName is the service.name resource attribute.
	ServiceName string

	// Version is the service.version resource attribute.
	Version string

	// Traces is "none", "stdout" or "otlp".
	Traces string

	// Metrics is "none", "prometheus" or "stdout". The Prometheus exporter
	// registers with the default registry, so promhttp.Handler() serves
	// the OpenTelemetry instruments alongside promauto metrics.
	Metrics string

	// OTLPEndpoint is the gRPC collector address for Traces "otlp".
	OTLPEndpoint string
	OTLPInsecure bool

	// Output receives stdout exporter output. Default: os.Stdout.
	Output io.Writer
}

// promReader is created once per process. A second exporter would make the
// default registry collect every series twice.
var (
	promOnce   sync.Once
	promReader *promexporter.Exporter
	promErr    error
)

// Init installs the global tracer and meter providers.
//
// # Description
//
// Providers set here back every otel.Tracer and otel.Meter call,
// including instruments created before Init.
//
// # Inputs
//
//   - ctx: Used to dial the OTLP exporter.
//   - cfg: Exporter selection.
//
// # Outputs
//
//   - func(context.Context) error: Flushes and shuts down the providers.
//     Always non-nil when error is nil.
//   - error: ErrUnknownExporter or an exporter construction failure.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.Version),
	)

	var shutdowns []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var result *multierror.Error
		for _, fn := range shutdowns {
			result = multierror.Append(result, fn(ctx))
		}
		return result.ErrorOrNil()
	}

	switch cfg.Traces {
	case "", "none":
	case "stdout", "otlp":
		tp, err := newTracerProvider(ctx, cfg, res, out)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
	default:
		return nil, fmt.Errorf("%w: traces %q", ErrUnknownExporter, cfg.Traces)
	}

	switch cfg.Metrics {
	case "", "none":
	case "prometheus", "stdout":
		mp, err := newMeterProvider(cfg, res, out)
		if err != nil {
			_ = shutdown(ctx)
			return nil, err
		}
		otel.SetMeterProvider(mp)
		shutdowns = append(shutdowns, mp.Shutdown)
	default:
		_ = shutdown(ctx)
		return nil, fmt.Errorf("%w: metrics %q", ErrUnknownExporter, cfg.Metrics)
	}
	return shutdown, nil
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource, out io.Writer) (*sdktrace.TracerProvider, error) {
	var (
		exp sdktrace.SpanExporter
		err error
	)
	if cfg.Traces == "otlp" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	} else {
		exp, err = stdouttrace.New(stdouttrace.WithWriter(out))
	}
	if err != nil {
		return nil, fmt.Errorf("create %s trace exporter: %w", cfg.Traces, err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(cfg Config, res *resource.Resource, out io.Writer) (*sdkmetric.MeterProvider, error) {
	if cfg.Metrics == "stdout" {
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(out))
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		), nil
	}

	promOnce.Do(func() {
		promReader, promErr = promexporter.New()
	})
	if promErr != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", promErr)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promReader),
	), nil
}
