package firehose_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/firehose"
	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/testutils"
	"github.com/marketfan/quotefeed/pkg/models"
)

func TestFirehose_PublishKeyedBySymbol(t *testing.T) {
	writer := &testutils.MockKafkaWriter{}
	fh := firehose.New(writer, zap.NewNop())

	fh.Publish(context.Background(), models.Quote{
		Symbol: "AAPL", Price: 150.5, Timestamp: 1, Source: models.SourceLive,
	})

	writer.Mu.Lock()
	defer writer.Mu.Unlock()
	if len(writer.Messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(writer.Messages))
	}

	msg := writer.Messages[0]
	if string(msg.Key) != "AAPL" {
		t.Errorf("Messages must be keyed by symbol for partition ordering, got %s", msg.Key)
	}

	var q models.Quote
	if err := json.Unmarshal(msg.Value, &q); err != nil {
		t.Fatalf("Published invalid JSON: %v", err)
	}
	if q.Price != 150.5 || q.Source != models.SourceLive {
		t.Errorf("Payload mismatch: %+v", q)
	}
}

func TestFirehose_WriteErrorIsSwallowed(t *testing.T) {
	writer := &testutils.MockKafkaWriter{Err: errors.New("broker down")}
	fh := firehose.New(writer, zap.NewNop())

	// Must not panic or propagate; firehose loss never affects ingestion
	fh.Publish(context.Background(), models.Quote{Symbol: "AAPL"})
}
