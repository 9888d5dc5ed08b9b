package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/loqalabs/loqa-captions/internal/caption"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka republishes final captions keyed by feed id. Without brokers it
// only logs what it would have sent.
type Kafka struct {
	writer    messageWriter
	topic     string
	principal string
	log       *slog.Logger
}

func NewKafka(cfg config.KafkaConfig, logger *slog.Logger) *Kafka {
	logger = logger.With(slog.String("component", "kafka"))
	k := &Kafka{topic: cfg.Topic, principal: cfg.Principal, log: logger}
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info("kafka disabled, using log-only mode")
		return k
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	k.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	logger.Info("kafka sink initialized",
		slog.Any("brokers", cfg.Brokers),
		slog.String("topic", cfg.Topic),
		slog.String("principal", cfg.Principal))
	return k
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Handle(ctx context.Context, evt caption.Event) error {
	if !evt.IsFinal {
		return nil
	}
	payload, err := json.Marshal(protocol.CaptionFromEvent(evt))
	if err != nil {
		return err
	}
	if k.writer == nil {
		k.log.Debug("caption not published",
			slog.String("topic", k.topic),
			slog.String("feed_id", evt.FeedID),
			slog.String("payload", string(payload)))
		return nil
	}
	// Hash balancing on the feed key keeps each feed's captions ordered
	// within one partition.
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.FeedID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(k.topic)},
			{Key: "principal", Value: []byte(k.principal)},
		},
	})
}

func (k *Kafka) Close(context.Context) error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
