// SPDX-License-Identifier: MIT

package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/demolab/sessionbroker/internal/hooks"
	"github.com/demolab/sessionbroker/internal/invite"
	"github.com/demolab/sessionbroker/internal/protocol"
	"github.com/demolab/sessionbroker/internal/ratelimit"
	"github.com/demolab/sessionbroker/internal/registry"
	"github.com/demolab/sessionbroker/internal/session"
	"github.com/demolab/sessionbroker/internal/spawn"
	"github.com/demolab/sessionbroker/internal/store"
)

const testIP = "10.0.0.1"

type sentMessage struct {
	clientID string
	msg      protocol.ServerMessage
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string][]protocol.ServerMessage
	seq  []sentMessage
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{sent: make(map[string][]protocol.ServerMessage)}
}

func (n *recordingNotifier) Send(clientID string, msg protocol.ServerMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[clientID] = append(n.sent[clientID], msg)
	n.seq = append(n.seq, sentMessage{clientID: clientID, msg: msg})
}

func (n *recordingNotifier) sequence() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMessage(nil), n.seq...)
}

func (n *recordingNotifier) byType(clientID, typ string) []protocol.ServerMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []protocol.ServerMessage
	for _, m := range n.sent[clientID] {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	reg      *registry.Registry
	invites  *invite.Service
	runner   *spawn.StubRunner
	notifier *recordingNotifier
	mgr      *session.Manager
	ctrl     *Controller
}

func newFixture(t *testing.T, queueCap int) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		reg:      registry.New(queueCap),
		runner:   spawn.NewStubRunner(),
		notifier: newRecordingNotifier(),
	}
	f.invites = invite.NewService(st, ratelimit.NewInviteLimiter(st, 100, time.Minute))
	bus := hooks.NewBus()
	f.mgr = session.NewManager(f.reg, bus, f.runner, f.notifier, session.Options{
		Timeout:     time.Hour,
		Grace:       10 * time.Second,
		EnvDir:      t.TempDir(),
		SessionURL:  "http://localhost:8080/terminal",
		Credentials: map[string]string{"CLAUDE_CODE_OAUTH_TOKEN": "tok"},
	})
	f.ctrl = NewController(f.reg, f.invites, f.mgr, bus, f.notifier, 15*time.Minute)
	return f
}

func (f *fixture) addClient(t *testing.T, id string) {
	t.Helper()
	f.reg.AddClient(registry.Client{ID: id, RemoteIP: testIP})
}

func (f *fixture) newInvite(t *testing.T, maxUsages int) string {
	t.Helper()
	rec, err := f.invites.Create(t.Context(), "test", time.Now().Add(time.Hour), maxUsages, "")
	require.NoError(t, err)
	return rec.Token
}

func TestJoinPromotesImmediatelyWhenIdle(t *testing.T) {
	f := newFixture(t, 10)
	f.addClient(t, "c1")
	tok := f.newInvite(t, 1)

	require.NoError(t, f.ctrl.Join(t.Context(), "c1", tok, testIP))

	active, ok := f.reg.Active()
	require.True(t, ok, "empty queue and idle slot promote immediately")
	assert.Equal(t, "c1", active.ClientID)
	assert.Equal(t, tok, active.InviteToken)

	started := f.notifier.byType("c1", protocol.TypeSessionStart)
	require.Len(t, started, 1)
	assert.NotEmpty(t, started[0].Token)
}

func TestFIFOPromotionOrder(t *testing.T) {
	f := newFixture(t, 10)
	for _, id := range []string{"a", "b", "c"} {
		f.addClient(t, id)
	}

	require.NoError(t, f.ctrl.Join(t.Context(), "a", f.newInvite(t, 1), testIP))
	require.NoError(t, f.ctrl.Join(t.Context(), "b", f.newInvite(t, 1), testIP))
	require.NoError(t, f.ctrl.Join(t.Context(), "c", f.newInvite(t, 1), testIP))

	// a holds the slot; b and c wait in order
	assert.Equal(t, []string{"b", "c"}, f.reg.QueueSnapshot())

	// positions broadcast: c saw position 2
	updates := f.notifier.byType("c", protocol.TypeQueueUpdate)
	require.NotEmpty(t, updates)
	assert.Equal(t, 2, updates[len(updates)-1].Position)
	assert.Equal(t, 30, updates[len(updates)-1].EstimatedWaitMin)

	// a ends; b must be promoted, c moves to position 1
	f.mgr.End(t.Context(), session.ReasonEnded)

	active, ok := f.reg.Active()
	require.True(t, ok)
	assert.Equal(t, "b", active.ClientID)

	updates = f.notifier.byType("c", protocol.TypeQueueUpdate)
	assert.Equal(t, 1, updates[len(updates)-1].Position)
}

func TestPromotionBroadcastsPositionsBeforeStart(t *testing.T) {
	f := newFixture(t, 10)
	for _, id := range []string{"a", "b", "c"} {
		f.addClient(t, id)
	}
	require.NoError(t, f.ctrl.Join(t.Context(), "a", f.newInvite(t, 1), testIP))
	require.NoError(t, f.ctrl.Join(t.Context(), "b", f.newInvite(t, 1), testIP))
	require.NoError(t, f.ctrl.Join(t.Context(), "c", f.newInvite(t, 1), testIP))

	f.mgr.End(t.Context(), session.ReasonEnded)

	// c must learn it moved to position 1 after a's session ended and
	// before b's session_started goes out.
	aEnd, cUpdate, bStart := -1, -1, -1
	for i, s := range f.notifier.sequence() {
		switch {
		case s.clientID == "a" && s.msg.Type == protocol.TypeSessionEnd:
			aEnd = i
		case s.clientID == "c" && s.msg.Type == protocol.TypeQueueUpdate && s.msg.Position == 1:
			if cUpdate == -1 {
				cUpdate = i
			}
		case s.clientID == "b" && s.msg.Type == protocol.TypeSessionStart:
			bStart = i
		}
	}
	require.NotEqual(t, -1, aEnd)
	require.NotEqual(t, -1, cUpdate)
	require.NotEqual(t, -1, bStart)
	assert.Greater(t, cUpdate, aEnd)
	assert.Less(t, cUpdate, bStart)
}

func TestJoinQueueFullDoesNotConsumeInvite(t *testing.T) {
	f := newFixture(t, 2)
	for _, id := range []string{"hold", "q1", "q2", "late"} {
		f.addClient(t, id)
	}
	// fill the slot and both queue places
	require.NoError(t, f.ctrl.Join(t.Context(), "hold", f.newInvite(t, 1), testIP))
	require.NoError(t, f.ctrl.Join(t.Context(), "q1", f.newInvite(t, 1), testIP))
	require.NoError(t, f.ctrl.Join(t.Context(), "q2", f.newInvite(t, 1), testIP))

	tok := f.newInvite(t, 1)
	err := f.ctrl.Join(t.Context(), "late", tok, testIP)
	var joinErr *JoinError
	require.ErrorAs(t, err, &joinErr)
	assert.Equal(t, protocol.CodeQueueFull, joinErr.Code)

	// the invite is untouched and still redeemable
	res, err := f.invites.Check(t.Context(), tok, testIP)
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.Equal(t, 0, res.Record.UsageCount)
}

func TestJoinDuplicateRejected(t *testing.T) {
	f := newFixture(t, 10)
	f.addClient(t, "hold")
	f.addClient(t, "c1")
	require.NoError(t, f.ctrl.Join(t.Context(), "hold", f.newInvite(t, 1), testIP))
	require.NoError(t, f.ctrl.Join(t.Context(), "c1", f.newInvite(t, 3), testIP))

	err := f.ctrl.Join(t.Context(), "c1", f.newInvite(t, 1), testIP)
	var joinErr *JoinError
	require.ErrorAs(t, err, &joinErr)
	assert.Equal(t, protocol.CodeAlreadyInQueue, joinErr.Code)

	// the active holder cannot rejoin either
	err = f.ctrl.Join(t.Context(), "hold", f.newInvite(t, 1), testIP)
	require.ErrorAs(t, err, &joinErr)
	assert.Equal(t, protocol.CodeAlreadyInQueue, joinErr.Code)
}

func TestJoinInvalidInvite(t *testing.T) {
	f := newFixture(t, 10)
	f.addClient(t, "c1")

	err := f.ctrl.Join(t.Context(), "c1", "WRONGWRONGWRONGWRONG", testIP)
	var joinErr *JoinError
	require.ErrorAs(t, err, &joinErr)
	assert.Equal(t, protocol.CodeInviteNotFound, joinErr.Code)

	c, _ := f.reg.Client("c1")
	assert.Equal(t, registry.StateConnected, c.State)
	assert.Equal(t, 0, f.reg.QueueLen())
}

func TestLeaveQueueBroadcastsAndEmits(t *testing.T) {
	f := newFixture(t, 10)
	for _, id := range []string{"hold", "b", "c"} {
		f.addClient(t, id)
	}
	require.NoError(t, f.ctrl.Join(t.Context(), "hold", f.newInvite(t, 1), testIP))
	require.NoError(t, f.ctrl.Join(t.Context(), "b", f.newInvite(t, 1), testIP))
	require.NoError(t, f.ctrl.Join(t.Context(), "c", f.newInvite(t, 1), testIP))

	f.ctrl.Leave(t.Context(), "b")

	assert.Equal(t, []string{"c"}, f.reg.QueueSnapshot())
	b, _ := f.reg.Client("b")
	assert.Equal(t, registry.StateConnected, b.State)

	updates := f.notifier.byType("c", protocol.TypeQueueUpdate)
	assert.Equal(t, 1, updates[len(updates)-1].Position)

	// leaving again is a no-op
	f.ctrl.Leave(t.Context(), "b")
}

func TestSpawnFailureSkipsToNextHead(t *testing.T) {
	f := newFixture(t, 10)
	for _, id := range []string{"hold", "b", "c"} {
		f.addClient(t, id)
	}
	require.NoError(t, f.ctrl.Join(t.Context(), "hold", f.newInvite(t, 1), testIP))
	require.NoError(t, f.ctrl.Join(t.Context(), "b", f.newInvite(t, 1), testIP))
	require.NoError(t, f.ctrl.Join(t.Context(), "c", f.newInvite(t, 1), testIP))

	// every further spawn fails; ending the session drains the queue
	f.runner.StartErr = errors.New("ENOENT")
	f.mgr.End(t.Context(), session.ReasonEnded)

	// b was notified of the spawn failure and reverted to connected
	failMsgs := f.notifier.byType("b", protocol.TypeError)
	require.NotEmpty(t, failMsgs)
	assert.Equal(t, protocol.CodeSessionSpawnFailed, failMsgs[0].Code)
	b, _ := f.reg.Client("b")
	assert.Equal(t, registry.StateConnected, b.State)
	assert.Equal(t, 0, f.reg.QueuePosition("b"), "failed client is not re-queued")

	// the loop moved on to c, whose spawn failed the same way
	require.NotEmpty(t, f.notifier.byType("c", protocol.TypeError))
	_, ok := f.reg.Active()
	assert.False(t, ok)
	assert.Equal(t, 0, f.reg.QueueLen())
}
