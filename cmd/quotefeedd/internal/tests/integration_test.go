package tests

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gobwas/ws"
	"github.com/gorilla/websocket" // Using Gorilla for the test CLIENT
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/cache"
	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/feed"
	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/gateway"
	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/hub"
	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/synthetic"
	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/testutils"
	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/upstream"
	"github.com/marketfan/quotefeed/pkg/config"
	"github.com/marketfan/quotefeed/pkg/models"
)

func feedConfig() config.FeedConfig {
	return config.FeedConfig{
		High: config.TierConfig{
			Symbols: []string{"AAPL", "BTC/USD"},
			Interval: 50 * time.Millisecond, TTL: time.Second,
			BatchSize: 5,
		},
		Medium: config.TierConfig{
			Symbols: []string{"GOOG"},
			Interval: time.Second, TTL: 5 * time.Second,
			BatchSize: 5,
		},
		Low: config.TierConfig{
			Symbols: []string{"EUR/USD"},
			Interval: time.Second, TTL: 5 * time.Second,
			BatchSize: 5,
		},
		BudgetLimit:  1000,
		BudgetWindow: time.Minute,
		Comparison:   "cached",
		Retention:    time.Hour,
	}
}

func startEngine(t *testing.T, up upstream.Adapter) *httptest.Server {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := cache.NewFallback(cache.NewRedis(rdb), cache.NewMemory(), zap.NewNop())

	rnd := synthetic.RealRand{Rand: rand.New(rand.NewSource(1))}
	synth := synthetic.NewGenerator(store, rnd, synthetic.RealClock{}, zap.NewNop())
	sched := feed.NewScheduler(feedConfig(), time.Second, store, up, synth, feed.RealClock{}, zap.NewNop())

	validSymbols := make(map[string]bool)
	for _, sym := range sched.KnownSymbols() {
		validSymbols[sym] = true
	}
	wsHub := hub.NewHub(sched, sched, validSymbols, 100*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sched.Run(ctx)
	go wsHub.Run(ctx)
	go func() {
		for q := range sched.Updates() {
			wsHub.Push(q)
		}
	}()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		gateway.NewClient(conn, wsHub, zap.NewNop()).Start()
	}))
	t.Cleanup(server.Close)
	return server
}

func connectWS(t *testing.T, serverURL string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(serverURL, "http")
	wsConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect to websocket: %v", err)
	}
	return wsConn
}

// readUntil reads frames until one matches, or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, match func([]byte) bool) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Did not receive expected frame: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func TestEndToEnd_SyntheticFallbackFlow(t *testing.T) {
	// Upstream is down for everything: the viewer must still see quotes,
	// tagged synthetic
	up := testutils.NewMockUpstream()
	up.Errs["AAPL"] = upstream.ErrUnavailable

	server := startEngine(t, up)
	wsConn := connectWS(t, server.URL)
	defer wsConn.Close()

	subMsg := `{"action": "subscribe", "payload": {"symbols": ["AAPL"]}, "id": "t1"}`
	wsConn.WriteMessage(websocket.TextMessage, []byte(subMsg))

	ack := readUntil(t, wsConn, func(b []byte) bool {
		return strings.Contains(string(b), "ack")
	})
	if !strings.Contains(string(ack), "success") {
		t.Errorf("Expected subscription success, got: %s", ack)
	}

	tick := readUntil(t, wsConn, func(b []byte) bool {
		return strings.Contains(string(b), `"ticker"`)
	})

	var resp struct {
		Type string       `json:"type"`
		Data models.Quote `json:"data"`
	}
	if err := json.Unmarshal(tick, &resp); err != nil {
		t.Fatalf("Bad ticker frame: %v", err)
	}
	if resp.Data.Symbol != "AAPL" {
		t.Errorf("Expected AAPL, got %s", resp.Data.Symbol)
	}
	if resp.Data.Source != models.SourceSynthetic {
		t.Errorf("Upstream is down, expected synthetic source, got %s", resp.Data.Source)
	}
	if resp.Data.Price <= 0 {
		t.Errorf("Expected plausible price, got %f", resp.Data.Price)
	}
}

func TestEndToEnd_SecondSubscriberSurvivesDisconnect(t *testing.T) {
	up := testutils.NewMockUpstream()
	up.Quotes["BTC/USD"] = models.Quote{Price: 64000, Timestamp: time.Now().UnixMilli()}

	server := startEngine(t, up)
	c1 := connectWS(t, server.URL)
	c2 := connectWS(t, server.URL)
	defer c2.Close()

	subMsg := `{"action": "subscribe", "payload": {"symbols": ["BTC/USD"]}, "id": "s"}`
	c1.WriteMessage(websocket.TextMessage, []byte(subMsg))
	c2.WriteMessage(websocket.TextMessage, []byte(subMsg))

	readUntil(t, c1, func(b []byte) bool { return strings.Contains(string(b), "ack") })
	readUntil(t, c2, func(b []byte) bool { return strings.Contains(string(b), "ack") })

	c1.Close()

	// C2 keeps receiving after C1 drops
	deadline := time.Now().Add(2 * time.Second)
	got := 0
	for time.Now().Before(deadline) && got < 2 {
		msg := readUntil(t, c2, func(b []byte) bool {
			return strings.Contains(string(b), `"ticker"`)
		})
		if strings.Contains(string(msg), "BTC/USD") {
			got++
		}
	}
	if got < 2 {
		t.Errorf("C2 should keep receiving updates after C1 disconnects, got %d", got)
	}
}

func TestEndToEnd_InvalidJSON(t *testing.T) {
	server := startEngine(t, testutils.NewMockUpstream())
	wsConn := connectWS(t, server.URL)
	defer wsConn.Close()

	wsConn.WriteMessage(websocket.TextMessage, []byte(`{ "action": "subsc`))

	msg := readUntil(t, wsConn, func(b []byte) bool {
		return strings.Contains(string(b), "error")
	})
	if !strings.Contains(string(msg), "Invalid JSON") {
		t.Errorf("Expected error message for bad JSON, got: %s", msg)
	}
}

func TestEndToEnd_OversizedFrameDisconnects(t *testing.T) {
	server := startEngine(t, testutils.NewMockUpstream())
	wsConn := connectWS(t, server.URL)
	defer wsConn.Close()

	hugePayload := strings.Repeat("a", 65*1024)
	err := wsConn.WriteMessage(websocket.TextMessage, []byte(`{"symbols":["`+hugePayload+`"]}`))
	if err == nil {
		wsConn.SetReadDeadline(time.Now().Add(time.Second))
		if _, _, err := wsConn.ReadMessage(); err == nil {
			t.Error("Server should have closed the connection for an oversized frame")
		}
	}
}
