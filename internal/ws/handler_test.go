// SPDX-License-Identifier: MIT

package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/demolab/sessionbroker/internal/hooks"
	"github.com/demolab/sessionbroker/internal/invite"
	"github.com/demolab/sessionbroker/internal/protocol"
	"github.com/demolab/sessionbroker/internal/queue"
	"github.com/demolab/sessionbroker/internal/ratelimit"
	"github.com/demolab/sessionbroker/internal/registry"
	"github.com/demolab/sessionbroker/internal/session"
	"github.com/demolab/sessionbroker/internal/spawn"
	"github.com/demolab/sessionbroker/internal/store"
)

type fixture struct {
	srv     *httptest.Server
	reg     *registry.Registry
	invites *invite.Service
	runner  *spawn.StubRunner
	mgr     *session.Manager
	hub     *Hub
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		reg:    registry.New(10),
		runner: spawn.NewStubRunner(),
		hub:    NewHub(),
	}
	f.invites = invite.NewService(st, ratelimit.NewInviteLimiter(st, 100, time.Minute))
	bus := hooks.NewBus()
	f.mgr = session.NewManager(f.reg, bus, f.runner, f.hub, session.Options{
		Timeout:     time.Hour,
		Grace:       5 * time.Second,
		EnvDir:      t.TempDir(),
		SessionURL:  "http://localhost:8080/terminal",
		Credentials: map[string]string{"CLAUDE_CODE_OAUTH_TOKEN": "tok"},
	})
	ctrl := queue.NewController(f.reg, f.invites, f.mgr, bus, f.hub, 15*time.Minute)
	limiter := ratelimit.NewConnectionLimiter(100, time.Minute)
	h := NewHandler(f.hub, f.reg, ctrl, f.mgr, limiter, opts)

	f.srv = httptest.NewServer(h)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (f *fixture) createInvite(t *testing.T) string {
	t.Helper()
	rec, err := f.invites.Create(t.Context(), "test", time.Now().Add(time.Hour), 5, "")
	require.NoError(t, err)
	return rec.Token
}

func readFrame(t *testing.T, c *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg protocol.ServerMessage
	require.NoError(t, c.ReadJSON(&msg))
	return msg
}

func readUntil(t *testing.T, c *websocket.Conn, typ string) protocol.ServerMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := readFrame(t, c)
		if msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("no %s frame received", typ)
	return protocol.ServerMessage{}
}

func devOptions() Options {
	return Options{Development: true, Platforms: []string{"confluence"}}
}

func TestInitialStatusFrame(t *testing.T) {
	f := newFixture(t, devOptions())
	c := f.dial(t, nil)

	msg := readFrame(t, c)
	assert.Equal(t, protocol.TypeStatus, msg.Type)
	require.NotNil(t, msg.SessionActive)
	assert.False(t, *msg.SessionActive)
	assert.Equal(t, []string{"confluence"}, msg.Platforms)
}

func TestMissingOriginRejectedInProduction(t *testing.T) {
	f := newFixture(t, Options{AllowedOrigins: []string{"https://demo.example.com"}})
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")

	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = c.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Contains(t, closeErr.Text, protocol.CodeOriginRequired)
}

func TestDisallowedOriginRejected(t *testing.T) {
	f := newFixture(t, Options{AllowedOrigins: []string{"https://demo.example.com"}})
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	c, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = c.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Contains(t, closeErr.Text, protocol.CodeOriginNotAllowed)
}

func TestAllowedOriginAccepted(t *testing.T) {
	f := newFixture(t, Options{AllowedOrigins: []string{"https://demo.example.com"}})
	header := http.Header{"Origin": []string{"https://demo.example.com"}}
	c := f.dial(t, header)

	msg := readFrame(t, c)
	assert.Equal(t, protocol.TypeStatus, msg.Type)
}

func TestConnectionRateLimitClosesWithRetry(t *testing.T) {
	f := newFixture(t, devOptions())
	// Rebuild the handler with a tight limit by dialing past it.
	f.srv.Close()

	limiter := ratelimit.NewConnectionLimiter(1, time.Minute)
	bus := hooks.NewBus()
	ctrl := queue.NewController(f.reg, f.invites, f.mgr, bus, f.hub, 15*time.Minute)
	h := NewHandler(f.hub, f.reg, ctrl, f.mgr, limiter, devOptions())
	srv := httptest.NewServer(h)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	c1, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer c1.Close()
	readFrame(t, c1) // initial status, connection accepted

	c2, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer c2.Close()
	require.NoError(t, c2.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = c2.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Contains(t, closeErr.Text, protocol.CodeRateLimitedConn)
}

func TestJoinQueuePromotesToSession(t *testing.T) {
	f := newFixture(t, devOptions())
	token := f.createInvite(t)
	c := f.dial(t, nil)
	readFrame(t, c)

	require.NoError(t, c.WriteJSON(protocol.ClientMessage{Type: protocol.TypeJoinQueue, InviteToken: token}))

	started := readUntil(t, c, protocol.TypeSessionStart)
	assert.NotEmpty(t, started.Token)
	assert.Equal(t, "http://localhost:8080/terminal", started.URL)
	assert.Len(t, f.runner.Started(), 1)
}

func TestJoinWithBadInviteReturnsError(t *testing.T) {
	f := newFixture(t, devOptions())
	c := f.dial(t, nil)
	readFrame(t, c)

	bad := strings.Repeat("A", 43)
	require.NoError(t, c.WriteJSON(protocol.ClientMessage{Type: protocol.TypeJoinQueue, InviteToken: bad}))

	msg := readUntil(t, c, protocol.TypeError)
	assert.Equal(t, protocol.CodeInviteNotFound, msg.Code)
	assert.Empty(t, f.runner.Started())
}

func TestHeartbeatAck(t *testing.T) {
	f := newFixture(t, devOptions())
	c := f.dial(t, nil)
	readFrame(t, c)

	require.NoError(t, c.WriteJSON(protocol.ClientMessage{Type: protocol.TypeHeartbeat}))
	msg := readFrame(t, c)
	assert.Equal(t, protocol.TypeHeartbeatAck, msg.Type)
}

func TestUnknownTypeKeepsConnectionOpen(t *testing.T) {
	f := newFixture(t, devOptions())
	c := f.dial(t, nil)
	readFrame(t, c)

	require.NoError(t, c.WriteJSON(map[string]string{"type": "make_coffee"}))
	msg := readFrame(t, c)
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, protocol.CodeUnknownMessageType, msg.Code)

	// Still alive.
	require.NoError(t, c.WriteJSON(protocol.ClientMessage{Type: protocol.TypeHeartbeat}))
	msg = readFrame(t, c)
	assert.Equal(t, protocol.TypeHeartbeatAck, msg.Type)
}

func TestInvalidJSONKeepsConnectionOpen(t *testing.T) {
	f := newFixture(t, devOptions())
	c := f.dial(t, nil)
	readFrame(t, c)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := readFrame(t, c)
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, protocol.CodeUnknownMessageType, msg.Code)
}

func TestQueuedClientDisconnectLeavesQueue(t *testing.T) {
	f := newFixture(t, devOptions())
	token := f.createInvite(t)

	// First client takes the slot.
	holder := f.dial(t, nil)
	readFrame(t, holder)
	require.NoError(t, holder.WriteJSON(protocol.ClientMessage{Type: protocol.TypeJoinQueue, InviteToken: token}))
	readUntil(t, holder, protocol.TypeSessionStart)

	// Second client waits in queue, then drops.
	waiter := f.dial(t, nil)
	readFrame(t, waiter)
	require.NoError(t, waiter.WriteJSON(protocol.ClientMessage{Type: protocol.TypeJoinQueue, InviteToken: token}))
	readUntil(t, waiter, protocol.TypeQueueUpdate)
	require.NoError(t, waiter.Close())

	require.Eventually(t, func() bool {
		return f.reg.QueueLen() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHolderReconnectWithinGrace(t *testing.T) {
	f := newFixture(t, devOptions())
	token := f.createInvite(t)

	holder := f.dial(t, nil)
	readFrame(t, holder)
	require.NoError(t, holder.WriteJSON(protocol.ClientMessage{Type: protocol.TypeJoinQueue, InviteToken: token}))
	started := readUntil(t, holder, protocol.TypeSessionStart)
	sessionToken := started.Token

	require.NoError(t, holder.Close())
	require.Eventually(t, func() bool {
		active, ok := f.reg.Active()
		return ok && active.GraceDeadline != nil
	}, 2*time.Second, 10*time.Millisecond)

	header := http.Header{}
	header.Add("Cookie", SessionCookie+"="+sessionToken)
	again := f.dial(t, header)

	msg := readUntil(t, again, protocol.TypeSessionStart)
	assert.Equal(t, sessionToken, msg.Token)

	active, ok := f.reg.Active()
	require.True(t, ok)
	client, ok := f.reg.Client(active.ClientID)
	require.True(t, ok)
	assert.Equal(t, registry.StateActive, client.State)
}
