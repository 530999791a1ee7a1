package firehose

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/marketfan/quotefeed/pkg/models"
)

// Writer abstracts the Kafka producer for tests.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Firehose republishes every accepted quote write to Kafka, keyed by
// symbol so per-symbol ordering survives partitioning. Downstream
// consumers (alerting, candle aggregation) read this topic instead of
// hitting the upstream provider themselves.
type Firehose struct {
	logger *zap.Logger
	writer Writer
}

func New(writer Writer, logger *zap.Logger) *Firehose {
	return &Firehose{logger: logger, writer: writer}
}

// NewWriter builds the production Kafka writer: async batched, fire and
// forget, matching the at-most-once contract of quote updates.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
	}
}

// Publish sends one quote. Errors are logged and swallowed; losing a
// firehose message never affects ingestion or broadcast.
func (f *Firehose) Publish(ctx context.Context, q models.Quote) {
	payload, err := json.Marshal(q)
	if err != nil {
		f.logger.Error("firehose marshal error", zap.Error(err))
		return
	}

	err = f.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(q.Symbol),
		Value: payload,
	})
	if err != nil {
		f.logger.Error("firehose write error", zap.String("symbol", q.Symbol), zap.Error(err))
	}
}

// Close flushes the producer buffer.
func (f *Firehose) Close() error {
	return f.writer.Close()
}
