package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/V4T54L/invoice-router/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaForwarder publishes routed invoices to a topic. A write only returns
// once every in-sync replica has the message, which is the acknowledgment.
type KafkaForwarder struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
	now    func() time.Time
}

func NewKafkaForwarder(brokers []string, topic string, timeout time.Duration, logger *slog.Logger) *KafkaForwarder {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		MaxAttempts:  1,
		WriteTimeout: timeout,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return newKafkaForwarder(w, topic, logger)
}

func newKafkaForwarder(w messageWriter, topic string, logger *slog.Logger) *KafkaForwarder {
	return &KafkaForwarder{
		writer: w,
		topic:  topic,
		logger: logger.With("component", "kafka_forwarder", "topic", topic),
		now:    time.Now,
	}
}

type routedInvoice struct {
	TransactionID  string            `json:"transaction_id"`
	Recipient      string            `json:"recipient"`
	AttachmentRef  string            `json:"attachment_ref,omitempty"`
	AttachmentName string            `json:"attachment_name,omitempty"`
	Attachment     []byte            `json:"attachment,omitempty"`
	Metadata       map[string]string `json:"metadata"`
}

// Send writes one message keyed by transaction id, so a resend lands on the
// same partition and consumers can drop it.
func (f *KafkaForwarder) Send(ctx context.Context, req domain.ForwardRequest) (domain.ForwardAck, error) {
	value, err := json.Marshal(routedInvoice{
		TransactionID:  req.TransactionID,
		Recipient:      req.Recipient,
		AttachmentRef:  req.AttachmentRef,
		AttachmentName: req.AttachmentName,
		Attachment:     req.Attachment,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return domain.ForwardAck{}, domain.WrapPermanent(fmt.Errorf("marshaling routed invoice: %w", err))
	}

	msg := kafka.Message{
		Key:   []byte(req.TransactionID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "recipient", Value: []byte(req.Recipient)},
			{Key: "idempotency-key", Value: []byte(req.TransactionID)},
		},
	}
	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		f.logger.Error("failed to publish routed invoice", "transaction_id", req.TransactionID, "error", err)
		return domain.ForwardAck{}, classifyKafka(err)
	}
	return domain.ForwardAck{
		AckID:      fmt.Sprintf("kafka:%s:%s", f.topic, req.TransactionID),
		AcceptedAt: f.now().UTC(),
	}, nil
}

func (f *KafkaForwarder) Close() error {
	return f.writer.Close()
}

// classifyKafka treats broker errors the protocol marks as non-temporary,
// such as an oversized message, as permanent.
func classifyKafka(err error) error {
	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) && len(werrs) == 1 && werrs[0] != nil {
		err = werrs[0]
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) && !kerr.Temporary() {
		return domain.WrapPermanent(fmt.Errorf("publishing to kafka: %w", err))
	}
	return domain.WrapTransient(fmt.Errorf("publishing to kafka: %w", err))
}
