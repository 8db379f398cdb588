package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imadgeboyega/jobchat/internal/messaging"
)

type sentSignal struct {
	kind    string
	userID  int64
	connID  string
	event   string
	payload interface{}
}

type fakeSignals struct {
	mu     sync.Mutex
	sent   []sentSignal
	online map[int64]bool
}

func newFakeSignals(online ...int64) *fakeSignals {
	s := &fakeSignals{online: make(map[int64]bool)}
	for _, id := range online {
		s.online[id] = true
	}
	return s
}

func (s *fakeSignals) add(sig sentSignal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sig)
}

func (s *fakeSignals) NotifyUser(userID int64, event string, payload interface{}) {
	s.add(sentSignal{kind: "user", userID: userID, event: event, payload: payload})
}

func (s *fakeSignals) NotifyUserExcept(userID int64, exceptConn string, event string, payload interface{}) {
	s.add(sentSignal{kind: "user-except", userID: userID, connID: exceptConn, event: event, payload: payload})
}

func (s *fakeSignals) SendToConn(connID string, event string, payload interface{}) {
	s.add(sentSignal{kind: "conn", connID: connID, event: event, payload: payload})
}

func (s *fakeSignals) IsOnline(ctx context.Context, userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[userID]
}

func (s *fakeSignals) last() sentSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

func (s *fakeSignals) named(event string) []sentSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentSignal
	for _, sig := range s.sent {
		if sig.event == event {
			out = append(out, sig)
		}
	}
	return out
}

type fakeHistory struct {
	mu        sync.Mutex
	summaries []string
}

func (h *fakeHistory) RecordCall(ctx context.Context, callerID, calleeID int64, summary string) (*messaging.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.summaries = append(h.summaries, summary)
	return &messaging.Message{Content: summary}, nil
}

func (h *fakeHistory) all() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.summaries...)
}

var offer = json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

func newTestCalls(t *testing.T, ringTimeout time.Duration, online ...int64) (*CallRelay, *fakeSignals, *fakeHistory) {
	t.Helper()
	signals := newFakeSignals(online...)
	history := &fakeHistory{}
	relay := NewCallRelay(signals, history, ringTimeout, zap.NewNop())
	relay.async = func(f func()) { f() }
	return relay, signals, history
}

func ring(t *testing.T, r *CallRelay, callerID int64, callerConn string, calleeID int64) *Call {
	t.Helper()
	call, err := r.Initiate(context.Background(), callerID, callerConn, &CallUserPayload{
		UserToCall: calleeID,
		SignalData: offer,
		Name:       "Ada",
	})
	require.NoError(t, err)
	require.Equal(t, CallRinging, call.State)
	return call
}

func TestInitiateCall(t *testing.T) {
	ctx := context.Background()

	t.Run("rings every callee device", func(t *testing.T) {
		r, signals, _ := newTestCalls(t, time.Minute, 2)
		call := ring(t, r, 1, "a1", 2)

		sig := signals.last()
		assert.Equal(t, "user", sig.kind)
		assert.Equal(t, int64(2), sig.userID)
		assert.Equal(t, EventIncomingCall, sig.event)
		incoming := sig.payload.(IncomingCall)
		assert.Equal(t, call.ID, incoming.CallID)
		assert.Equal(t, CallAudio, incoming.Type)
		assert.JSONEq(t, string(offer), string(incoming.Signal))

		got, ok := r.Get(call.ID)
		require.True(t, ok)
		assert.Equal(t, CallRinging, got.State)
	})

	t.Run("offline callee gets call unavailable instead of ringing", func(t *testing.T) {
		// no record is kept and the caller's device hears back directly
		r, signals, _ := newTestCalls(t, time.Minute)
		call, err := r.Initiate(ctx, 1, "a1", &CallUserPayload{UserToCall: 2, SignalData: offer, Type: CallVideo})
		require.NoError(t, err)
		assert.Equal(t, CallStateEnded, call.State)

		sig := signals.last()
		assert.Equal(t, "conn", sig.kind)
		assert.Equal(t, "a1", sig.connID)
		assert.Equal(t, EventCallUnavailable, sig.event)
		assert.Equal(t, "offline", sig.payload.(CallUnavailable).Reason)

		_, ok := r.Get(call.ID)
		assert.False(t, ok)
	})

	t.Run("busy parties", func(t *testing.T) {
		r, signals, _ := newTestCalls(t, time.Minute, 2, 3, 4)
		ring(t, r, 1, "a1", 2)

		call, err := r.Initiate(ctx, 3, "c1", &CallUserPayload{UserToCall: 2, SignalData: offer})
		require.NoError(t, err)
		assert.Equal(t, CallStateEnded, call.State)
		assert.Equal(t, "busy", signals.last().payload.(CallUnavailable).Reason)
		assert.Equal(t, "c1", signals.last().connID)

		_, err = r.Initiate(ctx, 1, "a1", &CallUserPayload{UserToCall: 4, SignalData: offer})
		require.NoError(t, err)
		assert.Equal(t, "busy", signals.last().payload.(CallUnavailable).Reason)
	})

	t.Run("invalid requests", func(t *testing.T) {
		r, _, _ := newTestCalls(t, time.Minute, 1, 2)

		cases := map[string]*CallUserPayload{
			"self":         {UserToCall: 1, SignalData: offer},
			"no callee":    {SignalData: offer},
			"no signal":    {UserToCall: 2},
			"unknown type": {UserToCall: 2, SignalData: offer, Type: "hologram"},
		}
		for name, p := range cases {
			_, err := r.Initiate(ctx, 1, "a1", p)
			assert.ErrorIs(t, err, messaging.ErrInvalidArgument, name)
		}

		call := ring(t, r, 1, "a1", 2)
		require.NoError(t, r.End(ctx, 1, &CallRef{CallID: call.ID}))
	})

	t.Run("duplicate call id", func(t *testing.T) {
		r, _, _ := newTestCalls(t, time.Minute, 2, 4)
		_, err := r.Initiate(ctx, 1, "a1", &CallUserPayload{UserToCall: 2, SignalData: offer, CallID: "fixed"})
		require.NoError(t, err)

		_, err = r.Initiate(ctx, 3, "c1", &CallUserPayload{UserToCall: 4, SignalData: offer, CallID: "fixed"})
		assert.ErrorIs(t, err, messaging.ErrInvalidArgument)
	})
}

func TestAnswerCall(t *testing.T) {
	ctx := context.Background()
	r, signals, _ := newTestCalls(t, time.Minute, 2)
	call := ring(t, r, 1, "a1", 2)
	answer := json.RawMessage(`{"type":"answer"}`)

	err := r.Answer(ctx, 2, "b1", &AnswerCallPayload{CallID: "missing", Signal: answer})
	assert.ErrorIs(t, err, messaging.ErrNotFound)

	err = r.Answer(ctx, 3, "c1", &AnswerCallPayload{CallID: call.ID, Signal: answer})
	assert.ErrorIs(t, err, messaging.ErrForbidden)

	require.NoError(t, r.Answer(ctx, 2, "b1", &AnswerCallPayload{CallID: call.ID, Signal: answer}))

	accepted := signals.named(EventCallAccepted)
	require.Len(t, accepted, 1)
	assert.Equal(t, "conn", accepted[0].kind)
	assert.Equal(t, "a1", accepted[0].connID)
	assert.JSONEq(t, string(answer), string(accepted[0].payload.(CallSignal).Signal))

	elsewhere := signals.named(EventCallEnded)
	require.Len(t, elsewhere, 1)
	assert.Equal(t, "user-except", elsewhere[0].kind)
	assert.Equal(t, "b1", elsewhere[0].connID)
	assert.Equal(t, ReasonAnsweredElsewhere, elsewhere[0].payload.(CallEnded).Reason)

	got, ok := r.Get(call.ID)
	require.True(t, ok)
	assert.Equal(t, CallActive, got.State)

	err = r.Answer(ctx, 2, "b2", &AnswerCallPayload{CallID: call.ID, Signal: answer})
	assert.ErrorIs(t, err, messaging.ErrInvalidArgument)
}

func TestRejectCall(t *testing.T) {
	ctx := context.Background()
	r, signals, history := newTestCalls(t, time.Minute, 2)
	call := ring(t, r, 1, "a1", 2)

	assert.ErrorIs(t, r.Reject(ctx, 1, "a1", &CallRef{CallID: call.ID}), messaging.ErrForbidden)
	require.NoError(t, r.Reject(ctx, 2, "b1", &CallRef{CallID: call.ID}))

	rejected := signals.named(EventCallRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "a1", rejected[0].connID)
	assert.Equal(t, []string{"Declined audio call"}, history.all())

	_, ok := r.Get(call.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, r.Reject(ctx, 2, "b1", &CallRef{CallID: call.ID}), messaging.ErrNotFound)

	// both parties are free again
	ring(t, r, 1, "a1", 2)
}

func TestEndCall(t *testing.T) {
	ctx := context.Background()

	t.Run("caller cancels while ringing", func(t *testing.T) {
		r, signals, history := newTestCalls(t, time.Minute, 2)
		call := ring(t, r, 1, "a1", 2)

		assert.ErrorIs(t, r.End(ctx, 3, &CallRef{CallID: call.ID}), messaging.ErrForbidden)
		require.NoError(t, r.End(ctx, 1, &CallRef{CallID: call.ID}))

		sig := signals.last()
		assert.Equal(t, "user", sig.kind)
		assert.Equal(t, int64(2), sig.userID)
		assert.Equal(t, ReasonCancelled, sig.payload.(CallEnded).Reason)
		assert.Equal(t, []string{"Missed audio call"}, history.all())

		require.NoError(t, r.End(ctx, 1, &CallRef{CallID: call.ID}), "ending twice is a no-op")
		assert.Len(t, history.all(), 1)
	})

	t.Run("callee hangs up an active call", func(t *testing.T) {
		r, signals, history := newTestCalls(t, time.Minute, 2)
		clock := time.Date(2024, time.May, 1, 10, 0, 0, 0, time.UTC)
		r.now = func() time.Time { return clock }

		call, err := r.Initiate(ctx, 1, "a1", &CallUserPayload{UserToCall: 2, SignalData: offer, Type: CallVideo})
		require.NoError(t, err)
		require.NoError(t, r.Answer(ctx, 2, "b1", &AnswerCallPayload{CallID: call.ID}))

		clock = clock.Add(2*time.Minute + 5*time.Second)
		require.NoError(t, r.End(ctx, 2, &CallRef{CallID: call.ID}))

		sig := signals.last()
		assert.Equal(t, "conn", sig.kind)
		assert.Equal(t, "a1", sig.connID)
		assert.Equal(t, ReasonEnded, sig.payload.(CallEnded).Reason)
		assert.Equal(t, []string{"Video call (2m5s)"}, history.all())
	})

	t.Run("caller hangs up an active call", func(t *testing.T) {
		r, signals, _ := newTestCalls(t, time.Minute, 2)
		call := ring(t, r, 1, "a1", 2)
		require.NoError(t, r.Answer(ctx, 2, "b1", &AnswerCallPayload{CallID: call.ID}))

		require.NoError(t, r.End(ctx, 1, &CallRef{CallID: call.ID}))
		sig := signals.last()
		assert.Equal(t, "conn", sig.kind)
		assert.Equal(t, "b1", sig.connID)
	})
}

func TestRingTimeout(t *testing.T) {
	r, signals, history := newTestCalls(t, 20*time.Millisecond, 2)
	call := ring(t, r, 1, "a1", 2)

	require.Eventually(t, func() bool {
		_, ok := r.Get(call.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return len(history.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Missed audio call", history.all()[0])

	ended := signals.named(EventCallEnded)
	require.Len(t, ended, 2)
	for _, sig := range ended {
		assert.Equal(t, ReasonTimeout, sig.payload.(CallEnded).Reason)
	}
	assert.Equal(t, "a1", ended[0].connID)
	assert.Equal(t, int64(2), ended[1].userID)
}

func TestAnsweredCallDoesNotTimeOut(t *testing.T) {
	r, _, history := newTestCalls(t, 20*time.Millisecond, 2)
	call := ring(t, r, 1, "a1", 2)
	require.NoError(t, r.Answer(context.Background(), 2, "b1", &AnswerCallPayload{CallID: call.ID}))

	time.Sleep(60 * time.Millisecond)

	got, ok := r.Get(call.ID)
	require.True(t, ok)
	assert.Equal(t, CallActive, got.State)
	assert.Empty(t, history.all())
}

func TestICECandidate(t *testing.T) {
	ctx := context.Background()
	r, signals, _ := newTestCalls(t, time.Minute, 2)
	call := ring(t, r, 1, "a1", 2)
	candidate := json.RawMessage(`{"candidate":"candidate:1 1 udp"}`)

	require.NoError(t, r.ICECandidate(ctx, 1, &ICECandidatePayload{CallID: call.ID, Candidate: candidate}))
	sig := signals.last()
	assert.Equal(t, "user", sig.kind)
	assert.Equal(t, int64(2), sig.userID)

	require.NoError(t, r.ICECandidate(ctx, 2, &ICECandidatePayload{CallID: call.ID, Candidate: candidate}))
	assert.Equal(t, "a1", signals.last().connID)

	require.NoError(t, r.Answer(ctx, 2, "b1", &AnswerCallPayload{CallID: call.ID}))
	require.NoError(t, r.ICECandidate(ctx, 1, &ICECandidatePayload{CallID: call.ID, Candidate: candidate}))
	sig = signals.last()
	assert.Equal(t, "conn", sig.kind)
	assert.Equal(t, "b1", sig.connID)
	assert.JSONEq(t, string(candidate), string(sig.payload.(CallSignal).Candidate))

	assert.ErrorIs(t, r.ICECandidate(ctx, 3, &ICECandidatePayload{CallID: call.ID}), messaging.ErrForbidden)
	assert.ErrorIs(t, r.ICECandidate(ctx, 1, &ICECandidatePayload{CallID: "nope"}), messaging.ErrNotFound)
}

func TestConnectionClosed(t *testing.T) {
	t.Run("caller connection drops", func(t *testing.T) {
		r, signals, history := newTestCalls(t, time.Minute, 2)
		call := ring(t, r, 1, "a1", 2)

		r.ConnectionClosed(1, "a-other", false)
		_, ok := r.Get(call.ID)
		require.True(t, ok, "an unrelated connection does not end the call")

		r.ConnectionClosed(1, "a1", false)
		_, ok = r.Get(call.ID)
		assert.False(t, ok)

		sig := signals.last()
		assert.Equal(t, int64(2), sig.userID)
		assert.Equal(t, ReasonDisconnected, sig.payload.(CallEnded).Reason)
		assert.Equal(t, []string{"Missed audio call"}, history.all())
	})

	t.Run("callee goes offline while ringing", func(t *testing.T) {
		r, signals, _ := newTestCalls(t, time.Minute, 2)
		call := ring(t, r, 1, "a1", 2)

		r.ConnectionClosed(2, "b1", false)
		_, ok := r.Get(call.ID)
		require.True(t, ok, "other callee devices are still ringing")

		r.ConnectionClosed(2, "b2", true)
		_, ok = r.Get(call.ID)
		assert.False(t, ok)
		assert.Equal(t, "a1", signals.last().connID)
	})

	t.Run("answering device drops", func(t *testing.T) {
		r, signals, _ := newTestCalls(t, time.Minute, 2)
		call := ring(t, r, 1, "a1", 2)
		require.NoError(t, r.Answer(context.Background(), 2, "b1", &AnswerCallPayload{CallID: call.ID}))

		r.ConnectionClosed(2, "b1", false)
		_, ok := r.Get(call.ID)
		assert.False(t, ok)
		assert.Equal(t, "a1", signals.last().connID)
	})
}

func TestCallSummary(t *testing.T) {
	answered := time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC)
	call := &Call{Type: CallAudio, AnsweredAt: answered}

	assert.Equal(t, "Missed audio call", callSummary(call, "Missed", answered))
	assert.Equal(t, "Audio call (45s)", callSummary(call, "", answered.Add(45*time.Second+300*time.Millisecond)))

	call.Type = CallVideo
	assert.Equal(t, "Declined video call", callSummary(call, "Declined", answered))
	assert.Equal(t, "Video call (1h0m0s)", callSummary(call, "", answered.Add(time.Hour)))
}
