package tools

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	toolMetricsOnce    sync.Once
	toolInvocations    otelmetric.Int64Counter
	toolInvocationTime otelmetric.Float64Histogram
)

func initToolMetrics() {
	meter := otel.Meter("delver/tools")
	var err error
	toolInvocations, err = meter.Int64Counter(
		"tool_invocations_total",
		otelmetric.WithDescription("Tool invocations by name and outcome"),
	)
	if err != nil {
		log.Printf("tools metrics init: tool_invocations_total: %v", err)
	}
	toolInvocationTime, err = meter.Float64Histogram(
		"tool_invocation_seconds",
		otelmetric.WithDescription("Tool invocation wall time"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("tools metrics init: tool_invocation_seconds: %v", err)
	}
}

func recordInvocation(ctx context.Context, name string, success bool, elapsed time.Duration) {
	toolMetricsOnce.Do(initToolMetrics)
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := otelmetric.WithAttributes(
		attribute.String("tool", name),
		attribute.Bool("success", success),
	)
	if toolInvocations != nil {
		toolInvocations.Add(ctx, 1, attrs)
	}
	if toolInvocationTime != nil {
		toolInvocationTime.Record(ctx, elapsed.Seconds(), attrs)
	}
}
