// Package metrics records sync and feed counters through OpenTelemetry.
//
// The recorder uses whatever MeterProvider it is given (the global one by
// default, which is a no-op until an SDK provider is installed). A nil
// *Recorder is valid and records nothing.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "notioncal"

// Outcome labels a finished sync cycle.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeFailed    Outcome = "failed"
	OutcomeAborted   Outcome = "aborted"
)

// Recorder holds the instruments used across the service.
type Recorder struct {
	cycles        metric.Int64Counter
	cycleDuration metric.Float64Histogram
	skipped       metric.Int64Counter
	retries       metric.Int64Counter
	feedRequests  metric.Int64Counter
}

// New creates a Recorder on the given provider. A nil provider means the
// global one.
func New(provider metric.MeterProvider) (*Recorder, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	r := &Recorder{}
	var err error
	if r.cycles, err = meter.Int64Counter("notioncal.sync.cycles",
		metric.WithDescription("Sync cycles by outcome")); err != nil {
		return nil, fmt.Errorf("create sync.cycles counter: %w", err)
	}
	if r.cycleDuration, err = meter.Float64Histogram("notioncal.sync.duration",
		metric.WithDescription("Sync cycle duration"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create sync.duration histogram: %w", err)
	}
	if r.skipped, err = meter.Int64Counter("notioncal.records.skipped",
		metric.WithDescription("Source records skipped during normalization")); err != nil {
		return nil, fmt.Errorf("create records.skipped counter: %w", err)
	}
	if r.retries, err = meter.Int64Counter("notioncal.upstream.retries",
		metric.WithDescription("Retried upstream requests by status")); err != nil {
		return nil, fmt.Errorf("create upstream.retries counter: %w", err)
	}
	if r.feedRequests, err = meter.Int64Counter("notioncal.feed.requests",
		metric.WithDescription("Feed requests by freshness")); err != nil {
		return nil, fmt.Errorf("create feed.requests counter: %w", err)
	}
	return r, nil
}

// CycleFinished records one sync cycle.
func (r *Recorder) CycleFinished(ctx context.Context, calendarID string, outcome Outcome, elapsed time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("calendar", calendarID),
		attribute.String("outcome", string(outcome)),
	)
	r.cycles.Add(ctx, 1, attrs)
	r.cycleDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordsSkipped counts records dropped by the normalizer.
func (r *Recorder) RecordsSkipped(ctx context.Context, calendarID string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.skipped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("calendar", calendarID)))
}

// UpstreamRetry counts one retried upstream request. status is 0 for
// transport errors.
func (r *Recorder) UpstreamRetry(ctx context.Context, status int) {
	if r == nil {
		return
	}
	r.retries.Add(ctx, 1, metric.WithAttributes(attribute.Int("status", status)))
}

// FeedServed counts one feed response.
func (r *Recorder) FeedServed(ctx context.Context, calendarID string, stale bool) {
	if r == nil {
		return
	}
	r.feedRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("calendar", calendarID),
		attribute.Bool("stale", stale),
	))
}
