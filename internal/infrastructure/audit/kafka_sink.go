// Package audit delivers key lifecycle events to the audit trail: the database table,
// a Kafka topic, or both.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/turtacn/qsign/internal/config"
	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/internal/domain/service"
	"github.com/turtacn/qsign/pkg/logger"
)

// SignatureHeader carries the base64 HMAC-SHA256 of the message value.
const SignatureHeader = "X-Qsign-Signature"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes key events as JSON messages keyed by key id, so all events of
// one key land on the same partition in order.
type KafkaSink struct {
	writer     messageWriter
	signingKey []byte
	logger     logger.Logger
}

// NewKafkaSink creates a KafkaSink.
func NewKafkaSink(cfg config.KafkaConfig, log logger.Logger) *KafkaSink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return newKafkaSink(writer, cfg.SigningKey, log)
}

func newKafkaSink(w messageWriter, signingKey string, log logger.Logger) *KafkaSink {
	return &KafkaSink{
		writer:     w,
		signingKey: []byte(signingKey),
		logger:     log.WithComponent("KafkaSink"),
	}
}

var _ service.KeyEventSink = (*KafkaSink)(nil)

// Publish writes the events in one batch.
func (s *KafkaSink) Publish(ctx context.Context, events ...models.KeyEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			s.logger.Error(ctx, "failed to marshal key event", err)
			return err
		}
		msg := kafka.Message{
			Key:   []byte(e.KeyID),
			Value: value,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(e.Type)},
			},
		}
		if len(s.signingKey) > 0 {
			msg.Headers = append(msg.Headers, kafka.Header{Key: SignatureHeader, Value: []byte(Sign(value, s.signingKey))})
		}
		msgs = append(msgs, msg)
	}

	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		s.logger.Error(ctx, "failed to write key events to Kafka", err, logger.Int("count", len(msgs)))
		return err
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// Sign returns the base64 HMAC-SHA256 of payload.
func Sign(payload, key []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write(payload)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
