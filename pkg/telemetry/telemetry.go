// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry wires structured logging and span tracing through a
// context.Context for the three pipeline stages (resolve, snapshot,
// build). Logging uses clog; tracing uses otel with a stdout exporter,
// the cheapest exporter that still exercises the SDK end to end.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
)

const tracerName = "overlayctl"

// Config configures Setup.
type Config struct {
	// Debug raises the logger to debug level.
	Debug bool
	// TraceWriter, if non-nil, receives span JSON from the stdout
	// exporter. If nil, tracing is a no-op (the global TracerProvider is
	// left at its default, which discards spans).
	TraceWriter io.Writer
}

// Setup installs a clog logger on ctx and, if cfg.TraceWriter is set,
// registers a stdout-exporting TracerProvider as the global provider.
// The returned shutdown func must be called before the process exits to
// flush any buffered spans.
func Setup(ctx context.Context, cfg Config) (context.Context, func(context.Context) error, error) {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	ctx = clog.WithLogger(ctx, logger)

	if cfg.TraceWriter == nil {
		return ctx, func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(cfg.TraceWriter))
	if err != nil {
		return ctx, nil, fmt.Errorf("telemetry: creating stdout exporter: %w", err)
	}
	tp := trace.NewTracerProvider(trace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)

	return ctx, tp.Shutdown, nil
}

// StartStage starts a span named after a pipeline stage ("resolve",
// "snapshot", "build"), returning the derived context and an end func.
func StartStage(ctx context.Context, stage string) (context.Context, func()) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, stage)
	return ctx, span.End
}
