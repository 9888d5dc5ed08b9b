package distribution

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/loqalabs/loqa-captions/distribution"

type metrics struct {
	ingested    metric.Int64Counter
	rejected    metric.Int64Counter
	unknownFeed metric.Int64Counter
	active      metric.Int64UpDownCounter
	dropped     metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter(meterName)
	fallback := noop.NewMeterProvider().Meter(meterName)

	m := &metrics{}
	var err error
	if m.ingested, err = meter.Int64Counter("captions.ingested",
		metric.WithDescription("Caption events accepted into a feed")); err != nil {
		m.ingested, _ = fallback.Int64Counter("captions.ingested")
	}
	if m.rejected, err = meter.Int64Counter("captions.rejected",
		metric.WithDescription("Final captions refused by feed history")); err != nil {
		m.rejected, _ = fallback.Int64Counter("captions.rejected")
	}
	if m.unknownFeed, err = meter.Int64Counter("captions.unknown_feed",
		metric.WithDescription("Caption events addressed to an unconfigured feed")); err != nil {
		m.unknownFeed, _ = fallback.Int64Counter("captions.unknown_feed")
	}
	if m.active, err = meter.Int64UpDownCounter("subscriptions.active",
		metric.WithDescription("Subscriptions currently attached to a feed")); err != nil {
		m.active, _ = fallback.Int64UpDownCounter("subscriptions.active")
	}
	if m.dropped, err = meter.Int64Counter("subscription.frames_dropped",
		metric.WithDescription("Live frames discarded from a full subscription queue")); err != nil {
		m.dropped, _ = fallback.Int64Counter("subscription.frames_dropped")
	}
	return m
}
