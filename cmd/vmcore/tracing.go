package main

import (
	"context"
	"time"

	log "github.com/colorfulnotion/vmcore/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// setupTracing exports spans to an OTLP/HTTP collector at endpoint and
// returns the function that flushes them. An empty endpoint leaves the no-op
// global provider in place.
func setupTracing(ctx context.Context, endpoint string) (func(), error) {
	if endpoint == "" {
		return func() {}, nil
	}
	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	log.Info(log.DispatchMonitoring, "vmcore: exporting traces", "endpoint", endpoint)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Warn(log.DispatchMonitoring, "vmcore: trace shutdown", "err", err)
		}
	}, nil
}
