package gateway

import (
	"encoding/json"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/hub"
	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/protocol"
)

const (
	maxMessageSize = 64 * 1024
	sendBuffer     = 256

	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// Client pumps one websocket connection: inbound subscribe/unsubscribe
// commands go to the hub, outbound quote updates come off the send
// channel. A full send buffer drops the frame; a later broadcast tick
// re-delivers the quote anyway.
type Client struct {
	conn   net.Conn
	hub    *hub.Hub
	send   chan []byte
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

func NewClient(conn net.Conn, h *hub.Hub, logger *zap.Logger) *Client {
	return &Client{
		conn:   conn,
		hub:    h,
		send:   make(chan []byte, sendBuffer),
		logger: logger,
	}
}

func (c *Client) Start() {
	c.hub.Register(c)
	go c.writePump()
	go c.readPump()
}

func (c *Client) ID() string { return c.conn.RemoteAddr().String() }

// Close only closes the channel; writePump owns the socket. Idempotent,
// and it races with broadcast delivery: a Sweep may snapshot this client
// while a disconnect runs Unregister, so SendBytes has to stay safe to
// call after Close rather than panic on the closed channel.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) SendJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.SendBytes(b)
}

// SendBytes delivers to a disconnected client as a silent no-op.
func (c *Client) SendBytes(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- b:
	default:
		// Slow consumer; drop rather than stall the broadcaster
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		header, err := ws.ReadHeader(c.conn)
		if err != nil {
			return
		}

		if header.Length > int64(maxMessageSize) {
			c.logger.Warn("closing connection: frame too large",
				zap.String("client", c.ID()), zap.Int64("size", header.Length))
			return
		}
		if !header.Fin {
			c.logger.Warn("closing connection: fragmented frames unsupported",
				zap.String("client", c.ID()))
			return
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return
		}
		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		switch header.OpCode {
		case ws.OpClose:
			return
		case ws.OpPong:
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			continue
		case ws.OpText:
			var req protocol.WSRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				c.SendJSON(protocol.WSResponse{Type: "error", Message: "Invalid JSON"})
				continue
			}
			for i, s := range req.Payload.Symbols {
				req.Payload.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
			}
			c.hub.HandleCommand(c, req)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.Write(ws.CompiledClose)
				return
			}
			if err := wsutil.WriteServerText(c.conn, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}
