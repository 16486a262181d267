// SPDX-License-Identifier: MIT

package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/demolab/sessionbroker/internal/log"
	"github.com/demolab/sessionbroker/internal/protocol"
	"github.com/demolab/sessionbroker/internal/queue"
	"github.com/demolab/sessionbroker/internal/ratelimit"
	"github.com/demolab/sessionbroker/internal/registry"
	"github.com/demolab/sessionbroker/internal/session"
)

// SessionCookie is the cookie carrying the session token. A reconnecting
// holder presents it at upgrade time to reclaim the slot within grace.
const SessionCookie = "demo_session"

// Options configures the upgrade handler.
type Options struct {
	AllowedOrigins []string
	Development    bool
	Platforms      []string
}

// Handler upgrades HTTP requests to the broker's websocket channel and runs
// the per-connection pumps.
type Handler struct {
	hub      *Hub
	reg      *registry.Registry
	ctrl     *queue.Controller
	mgr      *session.Manager
	limiter  *ratelimit.ConnectionLimiter
	opts     Options
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler wires the websocket endpoint. Origin policy is enforced after
// the upgrade so refused peers receive a 1008 close frame with a stable
// reason instead of a bare HTTP 403.
func NewHandler(hub *Hub, reg *registry.Registry, ctrl *queue.Controller, mgr *session.Manager, limiter *ratelimit.ConnectionLimiter, opts Options) *Handler {
	return &Handler{
		hub:     hub,
		reg:     reg,
		ctrl:    ctrl,
		mgr:     mgr,
		limiter: limiter,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxMessageBytes,
			WriteBufferSize: maxMessageBytes,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.WithComponent("ws"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	ip := clientIP(r)

	var cookieToken string
	if c, err := r.Cookie(SessionCookie); err == nil {
		cookieToken = c.Value
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str(log.FieldRemoteIP, ip).Msg("websocket upgrade failed")
		return
	}

	if code, msg, ok := h.checkOrigin(origin); !ok {
		h.refuse(ws, code, msg)
		return
	}
	if res := h.limiter.Check(ip); !res.Allowed {
		retry := int(res.RetryAfter.Round(time.Second) / time.Second)
		h.refuse(ws, protocol.CodeRateLimitedConn, "too many connections, retry in "+strconv.Itoa(retry)+"s")
		return
	}

	c := &conn{
		clientID: uuid.NewString(),
		ws:       ws,
		send:     make(chan protocol.ServerMessage, sendBuffer),
		closed:   make(chan struct{}),
	}
	h.reg.AddClient(registry.Client{
		ID:        c.clientID,
		RemoteIP:  ip,
		UserAgent: r.UserAgent(),
	})
	h.hub.add(c)
	h.logger.Info().
		Str(log.FieldClientID, c.clientID).
		Str(log.FieldRemoteIP, ip).
		Msg("client connected")

	go h.writePump(c)

	h.sendInitialStatus(c.clientID)
	if cookieToken != "" {
		if err := h.mgr.HandleReconnect(cookieToken, c.clientID); err == nil {
			h.logger.Info().Str(log.FieldClientID, c.clientID).Msg("reconnect rebound session")
		}
	}

	h.readPump(c)
}

// checkOrigin applies the allowlist. Browsers always send Origin; a missing
// header is tolerated only in development so curl and test dialers work.
func (h *Handler) checkOrigin(origin string) (code, msg string, ok bool) {
	if origin == "" {
		if h.opts.Development {
			return "", "", true
		}
		return protocol.CodeOriginRequired, "origin header required", false
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return "", "", true
		}
	}
	return protocol.CodeOriginNotAllowed, "origin not allowed", false
}

// refuse closes a freshly upgraded socket with policy close code 1008.
func (h *Handler) refuse(ws *websocket.Conn, code, msg string) {
	reason := protocol.CloseReason(code, msg)
	deadline := time.Now().Add(writeWait)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	_ = ws.Close()
	h.logger.Info().Str("code", code).Msg("connection refused")
}

func (h *Handler) sendInitialStatus(clientID string) {
	_, active := h.reg.Active()
	msg := protocol.Status(0, h.reg.QueueLen(), active, 0)
	msg.Platforms = h.opts.Platforms
	h.hub.Send(clientID, msg)
}

func (h *Handler) readPump(c *conn) {
	defer h.closeConn(c)

	c.ws.SetReadLimit(maxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readWait))

		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.hub.Send(c.clientID, protocol.Error(protocol.CodeUnknownMessageType, "message not understood"))
			continue
		}
		h.route(c, msg)
	}
}

func (h *Handler) route(c *conn, msg protocol.ClientMessage) {
	ctx := context.Background()
	switch msg.Type {
	case protocol.TypeJoinQueue:
		client, _ := h.reg.Client(c.clientID)
		if err := h.ctrl.Join(ctx, c.clientID, msg.InviteToken, client.RemoteIP); err != nil {
			h.sendJoinError(c.clientID, err)
		}
	case protocol.TypeLeaveQueue:
		h.ctrl.Leave(ctx, c.clientID)
	case protocol.TypeHeartbeat:
		h.hub.Send(c.clientID, protocol.HeartbeatAck())
	default:
		h.hub.Send(c.clientID, protocol.Error(protocol.CodeUnknownMessageType, "message not understood"))
	}
}

func (h *Handler) sendJoinError(clientID string, err error) {
	je, ok := err.(*queue.JoinError)
	if !ok {
		h.hub.Send(clientID, protocol.Error(protocol.CodeInternal, "could not join queue"))
		return
	}
	out := protocol.Error(je.Code, je.Message)
	if je.RetryAfter > 0 {
		secs := int(je.RetryAfter.Round(time.Second) / time.Second)
		out.Details = json.RawMessage(`{"retryAfterSeconds":` + strconv.Itoa(secs) + `}`)
	}
	h.hub.Send(clientID, out)
}

// closeConn tears down one connection. The active holder is handed to the
// session manager for disconnect grace; everyone else is removed outright,
// leaving the queue if they were in it.
func (h *Handler) closeConn(c *conn) {
	c.close()
	h.hub.remove(c)

	if h.mgr.HandleDisconnect(c.clientID) {
		return
	}
	if client, ok := h.reg.Client(c.clientID); ok && client.State == registry.StateQueued {
		h.ctrl.Leave(context.Background(), c.clientID)
	}
	h.reg.RemoveClient(c.clientID)
	h.logger.Info().Str(log.FieldClientID, c.clientID).Msg("client disconnected")
}

func (h *Handler) writePump(c *conn) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// clientIP extracts the peer address, honoring the first hop of
// X-Forwarded-For set by the reverse proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
