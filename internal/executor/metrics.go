package executor

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hanpama/querydag/internal/query"
)

var meter = otel.Meter("querydag/executor")

var (
	metricsOnce  sync.Once
	nodesTotal   metric.Int64Counter
	nodeDuration metric.Float64Histogram
)

// initMetrics creates the instruments. Instruments that fail to build are
// left nil and skipped.
func initMetrics() {
	metricsOnce.Do(func() {
		var err error
		nodesTotal, err = meter.Int64Counter("querydag_nodes_total",
			metric.WithDescription("Number of graph nodes dispatched"),
		)
		if err != nil {
			otel.Handle(err)
			nodesTotal = nil
		}
		nodeDuration, err = meter.Float64Histogram("querydag_node_duration_seconds",
			metric.WithDescription("Time spent in node handlers"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
			nodeDuration = nil
		}
	})
}

func recordNode(ctx context.Context, kind query.Kind, d time.Duration, err error) {
	initMetrics()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	)
	if nodesTotal != nil {
		nodesTotal.Add(ctx, 1, attrs)
	}
	if nodeDuration != nil {
		nodeDuration.Record(ctx, d.Seconds(), attrs)
	}
}
