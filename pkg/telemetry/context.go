package telemetry

import (
	"context"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	nats *NATSSink
}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	t := &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}

	if cfg.Events.Enabled && cfg.Events.NATS.URL != "" {
		sink, err := NewNATSSink(cfg.Events.NATS, logger)
		if err != nil {
			return nil, err
		}
		events.Subscribe(sink.Handle, nil)
		t.nats = sink
	}

	// Lifecycle events are mirrored into the log
	eventLog := logger.NewComponentLogger("events")
	events.Subscribe(func(e Event) {
		eventLog.WithFields(map[string]interface{}{
			"event_type":  e.Type,
			"provider":    e.Provider,
			"instance_id": e.InstanceID,
		}).Debug(e.Message)
	}, nil)

	return t, nil
}

// NewNopTelemetry returns telemetry that discards everything. Used by tests and one-shot commands.
func NewNopTelemetry() *Telemetry {
	metrics, _ := NewMetrics(MetricsConfig{})
	events, _ := NewEventPublisher(EventsConfig{})
	return &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  NewNopTracer(),
		Metrics: metrics,
		Events:  events,
		Config:  DefaultConfig(),
	}
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	// Reverse order of initialization
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	if t.nats != nil {
		t.nats.Close()
	}
	return t.Tracer.Shutdown(ctx)
}

// RecordProviderOperation wraps a provider call with a span and call metrics.
func (t *Telemetry) RecordProviderOperation(ctx context.Context, providerName, operation string, fn func(context.Context) error) error {
	ctx, span := t.Tracer.StartProviderSpan(ctx, providerName, operation)
	defer span.End()

	timer := NewTimer()
	err := fn(ctx)

	t.Metrics.RecordProviderCall(providerName, operation, timer.Duration())
	if err != nil {
		t.Metrics.RecordProviderError(providerName, operation)
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	return err
}
