package telemetry

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSSink forwards lifecycle events to NATS subjects "<prefix>.<event type>".
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	logger *Logger
}

// NewNATSSink connects to the NATS server described by cfg.
func NewNATSSink(cfg NATSConfig, logger *Logger) (*NATSSink, error) {
	if logger == nil {
		logger = NewNopLogger()
	}
	log := logger.NewComponentLogger("nats")

	opts := []nats.Option{
		nats.Name("teraunit"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("nats reconnected to %s", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &NATSSink{nc: nc, prefix: cfg.SubjectPrefix, logger: log}, nil
}

// Subject returns the subject an event type is published on.
func (s *NATSSink) Subject(eventType string) string {
	if s.prefix == "" {
		return eventType
	}
	return s.prefix + "." + eventType
}

// Handle publishes one event. It is an EventSubscriber.
func (s *NATSSink) Handle(event Event) {
	if s.nc == nil || s.nc.IsClosed() {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.WithError(err).Error("failed to encode event")
		return
	}
	if err := s.nc.Publish(s.Subject(event.Type), payload); err != nil {
		s.logger.WithError(err).Warnf("failed to publish event %s", event.ID)
	}
}

// Close drains pending messages and closes the connection.
func (s *NATSSink) Close() {
	if s.nc != nil {
		_ = s.nc.Drain()
		s.nc.Close()
	}
}
