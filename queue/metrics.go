package queue

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsOnce   sync.Once
	sharedMetrics *queueMetrics
)

type queueMetrics struct {
	transitions metric.Int64Counter
}

func metrics() *queueMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("rightly/queue")
		counter, err := meter.Int64Counter("rightly.queue.transitions")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("rightly/queue")
			counter, _ = fallback.Int64Counter("rightly.queue.transitions")
		}
		sharedMetrics = &queueMetrics{transitions: counter}
	})
	return sharedMetrics
}

func (m *queueMetrics) record(queue, outcome string) {
	m.add(queue, outcome, 1)
}

func (m *queueMetrics) add(queue, outcome string, n int64) {
	if m == nil || m.transitions == nil || n <= 0 {
		return
	}
	m.transitions.Add(context.Background(), n, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("outcome", outcome),
	))
}
