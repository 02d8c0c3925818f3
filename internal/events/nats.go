package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/decisionflow/engine/internal/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// Config configures the NATS publisher
type Config struct {
	URL     string
	Subject string
	// Stream is the JetStream stream capturing Subject; empty disables stream setup
	Stream string
}

type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSPublisher publishes events through JetStream
type NATSPublisher struct {
	nc      *nats.Conn
	js      streamPublisher
	subject string
	logger  *zap.Logger
}

// NewNATSPublisher connects to NATS and makes sure the stream exists
func NewNATSPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("decisionflow"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p := &NATSPublisher{nc: nc, js: js, subject: subjectOrDefault(cfg.Subject), logger: logger}
	if cfg.Stream != "" {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, err := js.CreateOrUpdateStream(sctx, jetstream.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  []string{p.subject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
		})
		if err != nil {
			// The stream may already exist with other settings or NATS may still be starting
			logger.Warn("Failed to ensure decision stream", zap.String("stream", cfg.Stream), zap.Error(err))
		}
	}
	return p, nil
}

func newPublisherWith(js streamPublisher, subject string, logger *zap.Logger) *NATSPublisher {
	return &NATSPublisher{js: js, subject: subjectOrDefault(subject), logger: logger}
}

func subjectOrDefault(s string) string {
	if s == "" {
		return DefaultSubject
	}
	return s
}

// PublishDecision sends evt with the session id as the deduplication id
func (p *NATSPublisher) PublishDecision(ctx context.Context, evt DecisionFinalized) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal decision event: %w", err)
	}
	_, err = p.js.Publish(ctx, p.subject, data, jetstream.WithMsgID(evt.SessionID))
	if err != nil {
		metrics.EventsPublished.WithLabelValues(p.subject, "error").Inc()
		return fmt.Errorf("failed to publish event to subject %s: %w", p.subject, err)
	}
	metrics.EventsPublished.WithLabelValues(p.subject, "ok").Inc()
	p.logger.Debug("Decision event published",
		zap.String("session_id", evt.SessionID),
		zap.String("subject", p.subject),
	)
	return nil
}

// Watch delivers every decision event published on the subject until ctx ends
func (p *NATSPublisher) Watch(ctx context.Context, handle func(DecisionFinalized)) error {
	if p.nc == nil {
		return fmt.Errorf("publisher has no NATS connection")
	}
	sub, err := p.nc.Subscribe(p.subject, func(m *nats.Msg) {
		evt, err := Decode(m.Data)
		if err != nil {
			p.logger.Warn("Dropping malformed decision event", zap.Error(err))
			return
		}
		handle(evt)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", p.subject, err)
	}
	<-ctx.Done()
	return sub.Unsubscribe()
}

// Close drains the connection
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}
