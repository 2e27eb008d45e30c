// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package driverbase

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/apache/arrow-adbc/go/adbc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	driverNamespace    = "cube.adbc"
	otelTracesExporter = "OTEL_TRACES_EXPORTER"

	DatabaseMessageTraceExporterUnknown = "Unknown " + otelTracesExporter + " value"
)

type traceExporter string

const (
	traceExporterNone     traceExporter = "none"
	traceExporterOtlp     traceExporter = "otlp"
	traceExporterConsole  traceExporter = "console"
	traceExporterAdbcFile traceExporter = "adbcfile"
)

func nilLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func nilTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer(driverNamespace)
}

func driverVersion(info *DriverInfo) string {
	if v, ok := info.GetInfoForInfoCode(adbc.InfoDriverVersion); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return UnknownVersion
}

func (base *DatabaseImplBase) initTracing(ctx context.Context, driverName, version string) error {
	name := driverNamespace + "." + strings.ToLower(driverName)

	exporterName := strings.ToLower(strings.TrimSpace(os.Getenv(otelTracesExporter)))
	if exporterName == "" {
		base.Tracer = otel.Tracer(name)
		return nil
	}

	exporters, err := base.newExporters(ctx, traceExporter(exporterName), name)
	if err != nil || len(exporters) == 0 {
		return err
	}

	provider, err := newTracerProvider(exporters...)
	if err != nil {
		return base.ErrorHelper.Wrap(err, adbc.StatusInternal, "failed to create tracer provider")
	}
	base.tracerShutdownFunc = provider.Shutdown
	base.Tracer = provider.Tracer(
		name,
		trace.WithInstrumentationVersion(version),
		trace.WithSchemaURL(semconv.SchemaURL),
	)
	return nil
}

func (base *DatabaseImplBase) newExporters(ctx context.Context, kind traceExporter, name string) ([]sdktrace.SpanExporter, error) {
	switch kind {
	case traceExporterNone:
		return nil, nil
	case traceExporterConsole:
		exp, err := stdouttrace.New()
		if err != nil {
			return nil, base.ErrorHelper.Wrap(err, adbc.StatusInternal, "failed to create console exporter")
		}
		return []sdktrace.SpanExporter{exp}, nil
	case traceExporterOtlp:
		// endpoints and headers come from the standard OTEL_EXPORTER_OTLP_* variables
		retry := 5 * time.Second
		grpcExp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: retry,
			MaxInterval:     6 * retry,
		}))
		if err != nil {
			return nil, base.ErrorHelper.Wrap(err, adbc.StatusInternal, "failed to create otlp/grpc exporter")
		}
		httpExp, err := otlptracehttp.New(ctx, otlptracehttp.WithRetry(otlptracehttp.RetryConfig{
			Enabled:         true,
			InitialInterval: retry,
			MaxInterval:     6 * retry,
		}))
		if err != nil {
			return nil, base.ErrorHelper.Wrap(err, adbc.StatusInternal, "failed to create otlp/http exporter")
		}
		return []sdktrace.SpanExporter{grpcExp, httpExp}, nil
	case traceExporterAdbcFile:
		w, err := NewRotatingFileWriter(WithLogNamePrefix(name))
		if err != nil {
			return nil, base.ErrorHelper.Wrap(err, adbc.StatusIO, "failed to open trace file")
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, base.ErrorHelper.Wrap(err, adbc.StatusInternal, "failed to create trace file exporter")
		}
		return []sdktrace.SpanExporter{exp}, nil
	}
	return nil, base.ErrorHelper.Errorf(adbc.StatusInvalidArgument, "%s '%s'", DatabaseMessageTraceExporterUnknown, kind)
}

func newTracerProvider(exporters ...sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	own := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(driverNamespace))
	res, err := resource.Merge(resource.Default(), own)
	if errors.Is(err, resource.ErrSchemaURLConflict) {
		res, err = own, nil
	}
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	for _, exp := range exporters {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

// withTraceParent makes the W3C traceparent the parent of spans started
// from ctx, unless ctx already carries a span.
func withTraceParent(ctx context.Context, traceParent string) context.Context {
	if traceParent == "" || trace.SpanContextFromContext(ctx).IsValid() {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": traceParent}
	return propagation.TraceContext{}.Extract(ctx, carrier)
}

// ValidTraceParent reports whether traceParent parses as a W3C traceparent.
func ValidTraceParent(traceParent string) bool {
	ctx := withTraceParent(context.Background(), traceParent)
	return trace.SpanContextFromContext(ctx).IsValid()
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
