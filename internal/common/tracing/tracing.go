// Package tracing provides shared OTel tracer initialization for taskctl's
// executor, worktree, and relay subsystems.
//
// Real tracing requires OTEL_EXPORTER_OTLP_ENDPOINT to be set. Without it a
// no-op tracer is used (zero overhead).
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "taskctl"

var (
	initOnce       sync.Once
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

func initTracing() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}

	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(),
	)
	if err != nil {
		res = resource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer. No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	initOnce.Do(initTracing)
	return tracerProvider.Tracer(name)
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}

// StartExecutorSpan wraps an Executor Adapter spawn/normalize call.
func StartExecutorSpan(ctx context.Context, executorKind, attemptID string) (context.Context, trace.Span) {
	return Tracer("taskctl/executor").Start(ctx, "executor.spawn", trace.WithAttributes(
		attribute.String("executor.kind", executorKind),
		attribute.String("task_attempt.id", attemptID),
	))
}

// StartWorktreeSpan wraps a Worktree Manager git-mutating operation.
func StartWorktreeSpan(ctx context.Context, op, repoPath string) (context.Context, trace.Span) {
	return Tracer("taskctl/worktree").Start(ctx, "worktree."+op, trace.WithAttributes(
		attribute.String("worktree.op", op),
		attribute.String("worktree.repo_path", repoPath),
	))
}

// StartRelaySpan wraps a Relay Control Channel proxied round-trip.
func StartRelaySpan(ctx context.Context, streamID string) (context.Context, trace.Span) {
	return Tracer("taskctl/relay").Start(ctx, "relay.proxy", trace.WithAttributes(
		attribute.String("relay.stream_id", streamID),
	))
}
