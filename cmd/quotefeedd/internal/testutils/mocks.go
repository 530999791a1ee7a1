package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/protocol"
	"github.com/marketfan/quotefeed/pkg/models"
)

// MockClient simulates a connected websocket client
type MockClient struct {
	IDVal    string
	Messages []protocol.WSResponse // Stores decoded JSON messages
	RawBytes []string              // Stores raw bytes
	Closed   bool
	Mu       sync.Mutex
}

func NewMockClient(id string) *MockClient {
	return &MockClient{IDVal: id, Messages: make([]protocol.WSResponse, 0)}
}

func (m *MockClient) ID() string { return m.IDVal }

func (m *MockClient) Close() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
}

func (m *MockClient) SendJSON(v interface{}) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if resp, ok := v.(protocol.WSResponse); ok {
		m.Messages = append(m.Messages, resp)
	}
}

func (m *MockClient) SendBytes(b []byte) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.RawBytes = append(m.RawBytes, string(b))
}

func (m *MockClient) LastMsgType() string {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(m.Messages) == 0 {
		return ""
	}
	return m.Messages[len(m.Messages)-1].Type
}

func (m *MockClient) RawCount() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return len(m.RawBytes)
}

// MockActivator records scheduler activation calls
type MockActivator struct {
	Active map[string]int // symbol -> activate minus deactivate
	Mu     sync.Mutex
}

func NewMockActivator() *MockActivator {
	return &MockActivator{Active: make(map[string]int)}
}

func (m *MockActivator) Activate(symbol string) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Active[symbol]++
}

func (m *MockActivator) Deactivate(symbol string) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Active[symbol]--
	if m.Active[symbol] <= 0 {
		delete(m.Active, symbol)
	}
}

// MockQuoteSource serves canned quotes by symbol
type MockQuoteSource struct {
	Quotes map[string]models.Quote
	Mu     sync.Mutex
}

func NewMockQuoteSource() *MockQuoteSource {
	return &MockQuoteSource{Quotes: make(map[string]models.Quote)}
}

func (m *MockQuoteSource) Put(q models.Quote) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Quotes[q.Symbol] = q
}

func (m *MockQuoteSource) CachedQuote(_ context.Context, symbol string) (models.Quote, bool) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	q, ok := m.Quotes[symbol]
	return q, ok
}

// MockUpstream scripts per-symbol fetch outcomes and counts calls
type MockUpstream struct {
	Quotes      map[string]models.Quote // symbols that fetch successfully
	Errs        map[string]error        // symbols that fail, with which error
	Comparisons map[string]float64      // lookback prices, when present
	Search      []models.SymbolInfo

	FetchCalls      int
	ComparisonCalls int
	Mu              sync.Mutex
}

func NewMockUpstream() *MockUpstream {
	return &MockUpstream{
		Quotes:      make(map[string]models.Quote),
		Errs:        make(map[string]error),
		Comparisons: make(map[string]float64),
	}
}

func (m *MockUpstream) FetchLatest(_ context.Context, symbol string) (models.Quote, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.FetchCalls++
	if err, ok := m.Errs[symbol]; ok {
		return models.Quote{}, err
	}
	return m.Quotes[symbol], nil
}

func (m *MockUpstream) FetchComparisonPrice(_ context.Context, symbol string, _ time.Duration) (float64, bool, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.ComparisonCalls++
	p, ok := m.Comparisons[symbol]
	return p, ok, nil
}

func (m *MockUpstream) SearchSymbols(_ context.Context, _ string) ([]models.SymbolInfo, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Search, nil
}

// MockClock is a manually advanced clock; Sleep advances time instantly
type MockClock struct {
	CurrentTime time.Time
	Mu          sync.Mutex
}

func (m *MockClock) Now() time.Time {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.CurrentTime
}

func (m *MockClock) Sleep(d time.Duration) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.CurrentTime = m.CurrentTime.Add(d)
}

func (m *MockClock) Advance(d time.Duration) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.CurrentTime = m.CurrentTime.Add(d)
}

// MockRand returns a fixed sequence of values, repeating the last one
type MockRand struct {
	Vals []float64
	i    int
	Mu   sync.Mutex
}

func (m *MockRand) Float64() float64 {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(m.Vals) == 0 {
		return 0.5
	}
	v := m.Vals[m.i]
	if m.i < len(m.Vals)-1 {
		m.i++
	}
	return v
}

// MockKafkaWriter records published messages
type MockKafkaWriter struct {
	Messages []kafka.Message
	Err      error
	Mu       sync.Mutex
}

func (m *MockKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Messages = append(m.Messages, msgs...)
	return nil
}

func (m *MockKafkaWriter) Close() error { return nil }
