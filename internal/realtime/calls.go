// internal/realtime/calls.go

package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/imadgeboyega/jobchat/internal/messaging"
	"go.uber.org/zap"
)

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

type CallState int

const (
	CallIdle CallState = iota
	CallRinging
	CallActive
	CallStateEnded
)

func (s CallState) String() string {
	switch s {
	case CallRinging:
		return "ringing"
	case CallActive:
		return "active"
	case CallStateEnded:
		return "ended"
	default:
		return "idle"
	}
}

// call-ended reasons
const (
	ReasonEnded             = "ended"
	ReasonCancelled         = "cancelled"
	ReasonRejected          = "rejected"
	ReasonTimeout           = "timeout"
	ReasonDisconnected      = "disconnected"
	ReasonAnsweredElsewhere = "answered-elsewhere"
)

const (
	defaultRingTimeout = 45 * time.Second
	historyTimeout     = 5 * time.Second
)

var (
	ErrCallNotFound = fmt.Errorf("call %w", messaging.ErrNotFound)
	ErrNotCallParty = fmt.Errorf("%w: not a party to this call", messaging.ErrForbidden)
	ErrCallState    = fmt.Errorf("%w: call is not in a state that allows this", messaging.ErrInvalidArgument)
)

// signaler is the part of the hub the call relay talks through
type signaler interface {
	NotifyUser(userID int64, event string, payload interface{})
	NotifyUserExcept(userID int64, exceptConn string, event string, payload interface{})
	SendToConn(connID string, event string, payload interface{})
	IsOnline(ctx context.Context, userID int64) bool
}

// CallHistory stores a best-effort summary of a finished call
type CallHistory interface {
	RecordCall(ctx context.Context, callerID, calleeID int64, summary string) (*messaging.Message, error)
}

// Call is one ephemeral call session. It is never persisted.
type Call struct {
	ID         string
	CallerID   int64
	CalleeID   int64
	Type       CallType
	State      CallState
	StartedAt  time.Time
	AnsweredAt time.Time

	callerConn string
	calleeConn string
	timer      *time.Timer
}

func (c *Call) party(userID int64) bool {
	return userID == c.CallerID || userID == c.CalleeID
}

// CallRelay owns the lifecycle of every call it has seen ring. A user takes part in at
// most one ringing or active call at a time. Signals are routed to the exact caller
// connection that placed the call and, once answered, the callee connection that took it.
type CallRelay struct {
	mu     sync.Mutex
	calls  map[string]*Call
	byUser map[int64]string

	signals     signaler
	history     CallHistory
	ringTimeout time.Duration
	logger      *zap.Logger

	now   func() time.Time
	async func(func())
}

// NewCallRelay creates the relay. history may be nil to skip call summaries.
func NewCallRelay(signals signaler, history CallHistory, ringTimeout time.Duration, logger *zap.Logger) *CallRelay {
	if ringTimeout <= 0 {
		ringTimeout = defaultRingTimeout
	}
	return &CallRelay{
		calls:       make(map[string]*Call),
		byUser:      make(map[int64]string),
		signals:     signals,
		history:     history,
		ringTimeout: ringTimeout,
		logger:      logger,
		now:         time.Now,
		async:       func(f func()) { go f() },
	}
}

// Initiate rings the callee on every device. A callee with no live connection, or a
// party already in a call, gets the caller a call-unavailable instead.
func (r *CallRelay) Initiate(ctx context.Context, callerID int64, callerConn string, p *CallUserPayload) (*Call, error) {
	if p.UserToCall <= 0 || p.UserToCall == callerID {
		return nil, fmt.Errorf("%w: invalid callee", messaging.ErrInvalidArgument)
	}
	if len(p.SignalData) == 0 {
		return nil, fmt.Errorf("%w: signal data is required", messaging.ErrInvalidArgument)
	}
	callType := p.Type
	if callType == "" {
		callType = CallAudio
	}
	if callType != CallAudio && callType != CallVideo {
		return nil, fmt.Errorf("%w: unknown call type %q", messaging.ErrInvalidArgument, callType)
	}

	call := &Call{
		ID:         p.CallID,
		CallerID:   callerID,
		CalleeID:   p.UserToCall,
		Type:       callType,
		State:      CallStateEnded,
		StartedAt:  r.now(),
		callerConn: callerConn,
	}
	if call.ID == "" {
		call.ID = uuid.New().String()
	}

	if !r.signals.IsOnline(ctx, call.CalleeID) {
		callsTotal.WithLabelValues("unavailable").Inc()
		r.signals.SendToConn(callerConn, EventCallUnavailable, CallUnavailable{CallID: call.ID, UserID: call.CalleeID, Reason: "offline"})
		return call, nil
	}

	r.mu.Lock()
	if _, exists := r.calls[call.ID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: call id already in use", messaging.ErrInvalidArgument)
	}
	_, callerBusy := r.byUser[callerID]
	_, calleeBusy := r.byUser[call.CalleeID]
	if callerBusy || calleeBusy {
		r.mu.Unlock()
		callsTotal.WithLabelValues("busy").Inc()
		r.signals.SendToConn(callerConn, EventCallUnavailable, CallUnavailable{CallID: call.ID, UserID: call.CalleeID, Reason: "busy"})
		return call, nil
	}

	call.State = CallRinging
	r.calls[call.ID] = call
	r.byUser[callerID] = call.ID
	r.byUser[call.CalleeID] = call.ID
	id := call.ID
	call.timer = time.AfterFunc(r.ringTimeout, func() { r.expire(id) })
	r.mu.Unlock()

	callsTotal.WithLabelValues("initiated").Inc()
	r.logger.Info("call ringing",
		zap.String("call_id", call.ID),
		zap.Int64("caller_id", callerID),
		zap.Int64("callee_id", call.CalleeID),
		zap.String("type", string(callType)),
	)

	r.signals.NotifyUser(call.CalleeID, EventIncomingCall, IncomingCall{
		CallID: call.ID,
		From:   callerID,
		Name:   p.Name,
		Type:   callType,
		Signal: p.SignalData,
	})
	return call, nil
}

// Answer relays the callee's answer to the caller's connection only. The callee's
// other devices stop ringing.
func (r *CallRelay) Answer(ctx context.Context, calleeID int64, calleeConn string, p *AnswerCallPayload) error {
	r.mu.Lock()
	call, ok := r.calls[p.CallID]
	if !ok {
		r.mu.Unlock()
		return ErrCallNotFound
	}
	if call.CalleeID != calleeID {
		r.mu.Unlock()
		return ErrNotCallParty
	}
	if call.State != CallRinging {
		r.mu.Unlock()
		return ErrCallState
	}
	call.State = CallActive
	call.AnsweredAt = r.now()
	call.calleeConn = calleeConn
	call.timer.Stop()
	callerConn := call.callerConn
	r.mu.Unlock()

	callsTotal.WithLabelValues("answered").Inc()
	r.signals.SendToConn(callerConn, EventCallAccepted, CallSignal{CallID: call.ID, From: calleeID, Signal: p.Signal})
	r.signals.NotifyUserExcept(calleeID, calleeConn, EventCallEnded, CallEnded{CallID: call.ID, From: calleeID, Reason: ReasonAnsweredElsewhere})
	return nil
}

// Reject declines a ringing call
func (r *CallRelay) Reject(ctx context.Context, calleeID int64, calleeConn string, p *CallRef) error {
	r.mu.Lock()
	call, ok := r.calls[p.CallID]
	if !ok {
		r.mu.Unlock()
		return ErrCallNotFound
	}
	if call.CalleeID != calleeID {
		r.mu.Unlock()
		return ErrNotCallParty
	}
	if call.State != CallRinging {
		r.mu.Unlock()
		return ErrCallState
	}
	r.finishLocked(call)
	r.mu.Unlock()

	callsTotal.WithLabelValues("rejected").Inc()
	r.signals.SendToConn(call.callerConn, EventCallRejected, CallSignal{CallID: call.ID, From: calleeID})
	r.signals.NotifyUserExcept(calleeID, calleeConn, EventCallEnded, CallEnded{CallID: call.ID, From: calleeID, Reason: ReasonRejected})
	r.record(call, "Declined")
	return nil
}

// End hangs up or cancels a call. Ending an unknown or already ended call is a no-op.
func (r *CallRelay) End(ctx context.Context, userID int64, p *CallRef) error {
	r.mu.Lock()
	call, ok := r.calls[p.CallID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if !call.party(userID) {
		r.mu.Unlock()
		return ErrNotCallParty
	}
	wasRinging := call.State == CallRinging
	r.finishLocked(call)
	r.mu.Unlock()

	if wasRinging {
		callsTotal.WithLabelValues("cancelled").Inc()
	} else {
		callsTotal.WithLabelValues("ended").Inc()
	}

	reason := ReasonEnded
	if wasRinging && userID == call.CallerID {
		reason = ReasonCancelled
	}
	r.notifyEnded(call, userID, reason)
	r.recordFinished(call, wasRinging)
	return nil
}

// ICECandidate relays a candidate to the other party of a live call
func (r *CallRelay) ICECandidate(ctx context.Context, userID int64, p *ICECandidatePayload) error {
	r.mu.Lock()
	call, ok := r.calls[p.CallID]
	if !ok {
		r.mu.Unlock()
		return ErrCallNotFound
	}
	if !call.party(userID) {
		r.mu.Unlock()
		return ErrNotCallParty
	}
	callerConn, calleeConn := call.callerConn, call.calleeConn
	r.mu.Unlock()

	signal := CallSignal{CallID: call.ID, From: userID, Candidate: p.Candidate}
	switch {
	case userID == call.CalleeID:
		r.signals.SendToConn(callerConn, EventICECandidate, signal)
	case calleeConn != "":
		r.signals.SendToConn(calleeConn, EventICECandidate, signal)
	default:
		r.signals.NotifyUser(call.CalleeID, EventICECandidate, signal)
	}
	return nil
}

// ConnectionClosed ends calls bound to the closed connection. A callee whose last
// connection closes while ringing also ends the call.
func (r *CallRelay) ConnectionClosed(userID int64, connID string, last bool) {
	r.mu.Lock()
	var ended []*Call
	var ringing []bool
	for _, call := range r.calls {
		bound := call.callerConn == connID || call.calleeConn == connID
		if bound || (last && call.CalleeID == userID) {
			ringing = append(ringing, call.State == CallRinging)
			r.finishLocked(call)
			ended = append(ended, call)
		}
	}
	r.mu.Unlock()

	for i, call := range ended {
		callsTotal.WithLabelValues("disconnected").Inc()
		r.notifyEnded(call, userID, ReasonDisconnected)
		r.recordFinished(call, ringing[i])
	}
}

// Get returns a snapshot of a live call
func (r *CallRelay) Get(callID string) (Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[callID]
	if !ok {
		return Call{}, false
	}
	return *call, true
}

func (r *CallRelay) expire(callID string) {
	r.mu.Lock()
	call, ok := r.calls[callID]
	if !ok || call.State != CallRinging {
		r.mu.Unlock()
		return
	}
	r.finishLocked(call)
	r.mu.Unlock()

	callsTotal.WithLabelValues("timeout").Inc()
	r.logger.Info("call timed out", zap.String("call_id", call.ID))

	ended := CallEnded{CallID: call.ID, Reason: ReasonTimeout}
	r.signals.SendToConn(call.callerConn, EventCallEnded, ended)
	r.signals.NotifyUser(call.CalleeID, EventCallEnded, ended)
	r.record(call, "Missed")
}

func (r *CallRelay) finishLocked(call *Call) {
	if call.timer != nil {
		call.timer.Stop()
	}
	call.State = CallStateEnded
	delete(r.calls, call.ID)
	if r.byUser[call.CallerID] == call.ID {
		delete(r.byUser, call.CallerID)
	}
	if r.byUser[call.CalleeID] == call.ID {
		delete(r.byUser, call.CalleeID)
	}
}

// notifyEnded tells the party other than actor that the call is over
func (r *CallRelay) notifyEnded(call *Call, actor int64, reason string) {
	ended := CallEnded{CallID: call.ID, From: actor, Reason: reason}
	if actor == call.CalleeID {
		r.signals.SendToConn(call.callerConn, EventCallEnded, ended)
		return
	}
	if call.calleeConn != "" {
		r.signals.SendToConn(call.calleeConn, EventCallEnded, ended)
		return
	}
	r.signals.NotifyUser(call.CalleeID, EventCallEnded, ended)
}

func (r *CallRelay) recordFinished(call *Call, wasRinging bool) {
	if wasRinging {
		r.record(call, "Missed")
		return
	}
	r.record(call, "")
}

func (r *CallRelay) record(call *Call, outcome string) {
	if r.history == nil {
		return
	}
	summary := callSummary(call, outcome, r.now())

	r.async(func() {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()
		if _, err := r.history.RecordCall(ctx, call.CallerID, call.CalleeID, summary); err != nil {
			r.logger.Warn("failed to record call", zap.String("call_id", call.ID), zap.Error(err))
		}
	})
}

// callSummary renders "Missed audio call", "Declined video call" or "Audio call (2m5s)"
func callSummary(call *Call, outcome string, end time.Time) string {
	if outcome != "" {
		return fmt.Sprintf("%s %s call", outcome, call.Type)
	}
	name := "Audio"
	if call.Type == CallVideo {
		name = "Video"
	}
	return fmt.Sprintf("%s call (%s)", name, end.Sub(call.AnsweredAt).Round(time.Second))
}
