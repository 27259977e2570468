package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ayalabs/defigw/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher is the interface the tracker publishes state changes through.
type Publisher interface {
	PublishStateChange(ctx context.Context, event *StateChangeEvent) error
	Close() error
}

const (
	// StreamName is the JetStream stream holding state-change events.
	StreamName = "TX_STATE"

	// StreamSubjects matches "txstate.{chain}.{tx_id}".
	StreamSubjects = "txstate.>"

	// StreamRetention is how long events are kept.
	StreamRetention = 7 * 24 * time.Hour
)

// JetStreamPublisher publishes state-change events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPublisher connects to NATS and ensures the stream exists. m may be nil;
// recording helpers tolerate it.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "events")

	nc, err := nats.Connect(natsURL,
		nats.Name("defigw-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	p := &JetStreamPublisher{nc: nc, js: js, metrics: m, logger: logger}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	logger.Info("NATS publisher initialized", "url", natsURL, "stream", StreamName)
	return p, nil
}

func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := p.js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", StreamName)
	_, err := p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Transaction lifecycle state changes",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	return nil
}

// PublishStateChange publishes one event to "txstate.{chain}.{tx_id}".
// Metrics are labeled by the chain-level subject prefix; per-transaction
// subjects would be unbounded label cardinality.
func (p *JetStreamPublisher) PublishStateChange(ctx context.Context, event *StateChangeEvent) error {
	subject := fmt.Sprintf("txstate.%s.%s", event.Chain, event.TxID)
	start := time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal state change event: %w", err)
	}
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.metrics.RecordNATSPublish("txstate."+event.Chain, "error", time.Since(start).Seconds())
		return fmt.Errorf("publish state change: %w", err)
	}
	p.metrics.RecordNATSPublish("txstate."+event.Chain, "success", time.Since(start).Seconds())

	p.logger.Debug("published state change",
		"subject", subject,
		"tx_id", event.TxID,
		"from", event.FromState,
		"to", event.ToState,
	)
	return nil
}

// Close closes the NATS connection.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
