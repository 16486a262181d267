// SPDX-License-Identifier: MIT

// Package ws implements the persistent bidirectional channel: websocket
// upgrade with origin and rate-limit gates, the per-connection read/write
// pumps, inbound message routing, and close handling including the
// disconnect-grace path for active session holders.
package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/demolab/sessionbroker/internal/log"
	"github.com/demolab/sessionbroker/internal/protocol"
)

const (
	writeWait       = 10 * time.Second
	readWait        = 90 * time.Second
	maxMessageBytes = 4096
	sendBuffer      = 32
)

// conn is one live websocket bound to a registered client id.
type conn struct {
	clientID string
	ws       *websocket.Conn
	send     chan protocol.ServerMessage
	closed   chan struct{}
	once     sync.Once
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// Hub tracks live connections by client id and delivers outbound frames.
// It satisfies the Notifier contract of the session and queue packages:
// sends to unknown clients are dropped, per-client ordering is preserved by
// the single writer pump.
type Hub struct {
	mu     sync.Mutex
	conns  map[string]*conn
	logger zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns:  make(map[string]*conn),
		logger: log.WithComponent("ws"),
	}
}

// Send queues msg for the client's writer pump. Unknown clients and full
// buffers drop the frame; a peer that cannot drain its socket will be
// reaped by the write deadline instead.
func (h *Hub) Send(clientID string, msg protocol.ServerMessage) {
	h.mu.Lock()
	c, ok := h.conns[clientID]
	h.mu.Unlock()
	if !ok {
		return
	}
	select {
	case c.send <- msg:
	case <-c.closed:
	default:
		h.logger.Warn().Str(log.FieldClientID, clientID).Msg("send buffer full, dropping frame")
	}
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.clientID] = c
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[c.clientID]; ok && cur == c {
		delete(h.conns, c.clientID)
	}
}

// Connected reports whether the client currently has a live channel.
func (h *Hub) Connected(clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[clientID]
	return ok
}
