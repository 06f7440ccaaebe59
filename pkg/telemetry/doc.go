// Package telemetry provides observability for teraunit.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and lifecycle events into one
// Telemetry value that the rest of the service receives at construction.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.NewComponentLogger("reaper")
//	logger.WithInstance("LAMBDA", "i-123").Info("instance reclaimed")
//
// # Events
//
// Lifecycle events (launch, rejection, reclamation) are published through
// EventPublisher. When Events.NATS.URL is set, every event is also forwarded
// as JSON to "<subject_prefix>.<event type>".
//
// # Metrics
//
// Metrics uses its own registry and is exposed by the API server at
// Metrics.Path. All Record methods are no-ops on a disabled collector.
package telemetry
