package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/factsync/factsync/pkg/knowledge"
)

// Telemetry bundles the logger, tracer, metrics and event publisher that
// components receive as one dependency.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry validates cfg and builds every component from it. Logs are
// written to w, or stderr when w is nil.
func NewTelemetry(cfg *Config, w io.Writer) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return assemble(cfg, NewLogger(cfg.Logging, w))
}

// Nop returns telemetry that logs nothing, collects nothing and never
// samples spans.
func Nop() *Telemetry {
	cfg := TestConfig()
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false

	t, err := assemble(cfg, NewNopLogger())
	if err != nil {
		panic(fmt.Sprintf("telemetry: nop config rejected: %v", err))
	}
	return t
}

func assemble(cfg *Config, logger *Logger) (*Telemetry, error) {
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventPublisher(cfg.Events),
		Config:  cfg,
	}, nil
}

// WithContext stores t, and its logger, in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryContextKey{}, t))
}

// FromTelemetryContext returns the telemetry stored by WithContext, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown drains events, then stops the metrics server and the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Metrics.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}

// StartMetricsServer serves metrics when a listen address is configured.
func (t *Telemetry) StartMetricsServer(errc chan<- error) error {
	return t.Metrics.StartMetricsServer(errc)
}

// RecordStoreOperation runs fn inside a store span and records its duration
// and outcome.
func (t *Telemetry) RecordStoreOperation(ctx context.Context, operation string, fn func(context.Context) error) error {
	ctx, span := t.Tracer.StartStoreSpan(ctx, operation)

	start := time.Now()
	err := fn(ctx)

	t.Metrics.RecordStoreOperation(operation, time.Since(start), err)
	if err != nil {
		t.Metrics.RecordError(string(knowledge.ClassOf(err)))
	}
	EndSpan(span, err)
	return err
}
