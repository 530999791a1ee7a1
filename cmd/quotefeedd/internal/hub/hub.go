package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/protocol"
	"github.com/marketfan/quotefeed/pkg/models"
)

type ClientInterface interface {
	ID() string
	SendJSON(v interface{})
	SendBytes(b []byte)
	Close()
}

// SymbolActivator is how the hub tells the scheduler that a symbol gained
// its first subscriber or lost its last one.
type SymbolActivator interface {
	Activate(symbol string)
	Deactivate(symbol string)
}

// QuoteSource is the read side of the quote cache.
type QuoteSource interface {
	CachedQuote(ctx context.Context, symbol string) (models.Quote, bool)
}

// Hub tracks which clients want which symbols and fans cached quotes out
// to them. Broadcasting only ever reads the cache; it never waits on an
// upstream fetch.
type Hub struct {
	subscribers map[string]map[ClientInterface]bool
	clientSubs  map[ClientInterface]map[string]bool
	refCount    map[string]int

	source       QuoteSource
	activator    SymbolActivator
	validSymbols map[string]bool
	interval     time.Duration
	logger       *zap.Logger
	mu           sync.RWMutex
}

func NewHub(source QuoteSource, activator SymbolActivator, validSymbols map[string]bool, interval time.Duration, logger *zap.Logger) *Hub {
	return &Hub{
		subscribers:  make(map[string]map[ClientInterface]bool),
		clientSubs:   make(map[ClientInterface]map[string]bool),
		refCount:     make(map[string]int),
		source:       source,
		activator:    activator,
		validSymbols: validSymbols,
		interval:     interval,
		logger:       logger,
	}
}

// Register adds a connected client with no subscriptions.
func (h *Hub) Register(client ClientInterface) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clientSubs[client] == nil {
		h.clientSubs[client] = make(map[string]bool)
	}
}

// Unregister drops a client and all of its symbol memberships. Symbols
// left with zero subscribers are deactivated.
func (h *Hub) Unregister(client ClientInterface) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.clientSubs[client]; ok {
		for sym := range subs {
			delete(h.subscribers[sym], client)
			h.decreaseRefCount(sym)
		}
		delete(h.clientSubs, client)
		client.Close()
	}
}

func (h *Hub) HandleCommand(client ClientInterface, req protocol.WSRequest) {
	switch req.Action {
	case protocol.ActionSubscribe:
		h.handleSubscribe(client, req)
	case protocol.ActionUnsubscribe:
		h.handleUnsubscribe(client, req)
	case protocol.ActionUnsubscribeAll:
		h.handleUnsubscribeAll(client, req)
	case protocol.ActionSubscriptions:
		h.handleSubscriptions(client, req)
	default:
		h.sendError(client, req.ID, "Unknown action: "+req.Action)
	}
}

func (h *Hub) handleSubscribe(client ClientInterface, req protocol.WSRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var accepted []string
	for _, sym := range req.Payload.Symbols {
		if !h.validSymbols[sym] {
			continue
		}
		// Idempotency: a repeat subscribe must not bump the ref count
		if h.clientSubs[client] != nil && h.clientSubs[client][sym] {
			continue
		}
		accepted = append(accepted, sym)
	}

	if len(accepted) == 0 {
		h.sendError(client, req.ID, "No valid/new symbols provided")
		return
	}

	if h.clientSubs[client] == nil {
		h.clientSubs[client] = make(map[string]bool)
	}

	for _, sym := range accepted {
		h.clientSubs[client][sym] = true
		if h.subscribers[sym] == nil {
			h.subscribers[sym] = make(map[ClientInterface]bool)
		}
		h.subscribers[sym][client] = true

		h.refCount[sym]++
		if h.refCount[sym] == 1 {
			h.activator.Activate(sym)
		}
	}

	h.sendAck(client, req.ID, accepted, fmt.Sprintf("Subscribed to %v", accepted))

	// Snapshot delivery happens off the lock
	go h.sendSnapshots(client, accepted)
}

func (h *Hub) sendSnapshots(client ClientInterface, symbols []string) {
	ctx := context.Background()
	for _, sym := range symbols {
		if q, ok := h.source.CachedQuote(ctx, sym); ok {
			h.deliver(client, q)
		}
	}
}

func (h *Hub) handleUnsubscribe(client ClientInterface, req protocol.WSRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var removed []string
	if subs, ok := h.clientSubs[client]; ok {
		for _, sym := range req.Payload.Symbols {
			if subs[sym] {
				delete(subs, sym)
				delete(h.subscribers[sym], client)
				removed = append(removed, sym)
				h.decreaseRefCount(sym)
			}
		}
	}

	// Unsubscribing from something never held is a no-op, not an error
	h.sendAck(client, req.ID, removed, fmt.Sprintf("Unsubscribed from %v", removed))
}

func (h *Hub) handleUnsubscribeAll(client ClientInterface, req protocol.WSRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.clientSubs[client]; ok {
		for sym := range subs {
			delete(h.subscribers[sym], client)
			h.decreaseRefCount(sym)
		}
		// Clear the map but keep the client registered
		h.clientSubs[client] = make(map[string]bool)
	}
	h.sendAck(client, req.ID, nil, "Unsubscribed from all symbols")
}

func (h *Hub) handleSubscriptions(client ClientInterface, req protocol.WSRequest) {
	h.sendAck(client, req.ID, h.Subscriptions(client), "Current subscriptions")
}

// Subscriptions lists the symbols a client currently holds, sorted.
func (h *Hub) Subscriptions(client ClientInterface) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.clientSubs[client]))
	for sym := range h.clientSubs[client] {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// SubscriberCount is the current ref count for a symbol.
func (h *Hub) SubscriberCount(symbol string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.refCount[symbol]
}

// Push fans one fresh quote out to its subscribers immediately. Used for
// the scheduler's update notifications between broadcast ticks.
func (h *Hub) Push(q models.Quote) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients, ok := h.subscribers[q.Symbol]
	if !ok || len(clients) == 0 {
		return
	}
	payload, err := json.Marshal(protocol.WSResponse{Type: "ticker", Data: q})
	if err != nil {
		return
	}
	for client := range clients {
		client.SendBytes(payload)
	}
}

// Run re-delivers cached quotes to every subscriber on a fixed cadence,
// decoupling the rate viewers see from the ingestion cadence.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("broadcast loop started", zap.Duration("interval", h.interval))
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("broadcast loop stopped")
			return
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

// Sweep is one broadcast tick: every subscribed symbol with a cached
// quote goes out to each of its subscribers.
func (h *Hub) Sweep(ctx context.Context) {
	h.mu.RLock()
	targets := make(map[string][]ClientInterface, len(h.subscribers))
	for sym, clients := range h.subscribers {
		if len(clients) == 0 {
			continue
		}
		cs := make([]ClientInterface, 0, len(clients))
		for c := range clients {
			cs = append(cs, c)
		}
		targets[sym] = cs
	}
	h.mu.RUnlock()

	for sym, clients := range targets {
		q, ok := h.source.CachedQuote(ctx, sym)
		if !ok {
			continue
		}
		payload, err := json.Marshal(protocol.WSResponse{Type: "ticker", Data: q})
		if err != nil {
			continue
		}
		for _, client := range clients {
			client.SendBytes(payload)
		}
	}
}

func (h *Hub) decreaseRefCount(symbol string) {
	h.refCount[symbol]--
	if h.refCount[symbol] <= 0 {
		h.activator.Deactivate(symbol)
		delete(h.refCount, symbol)
		delete(h.subscribers, symbol)
	}
}

func (h *Hub) deliver(client ClientInterface, q models.Quote) {
	client.SendJSON(protocol.WSResponse{Type: "ticker", Data: q})
}

func (h *Hub) sendAck(c ClientInterface, id string, symbols []string, msg string) {
	c.SendJSON(protocol.WSResponse{Type: "ack", ID: id, Status: "success", Symbols: symbols, Message: msg})
}

func (h *Hub) sendError(c ClientInterface, id, msg string) {
	c.SendJSON(protocol.WSResponse{Type: "error", ID: id, Message: msg})
}
