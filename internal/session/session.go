// Provides OCPP-J protocol sessions: framing, request correlation and direction whitelists
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sw/ocpp/gateway/internal/helpers"
	"sw/ocpp/gateway/internal/logging"
	svc "sw/ocpp/gateway/internal/models/service"
	"sw/ocpp/gateway/internal/ocpp"

	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

const DefaultCallTimeout = 60 * time.Second

type Kind int

const (
	KindStation Kind = iota
	KindBridge
)

func (k Kind) String() string {
	if k == KindBridge {
		return "bridge"
	}
	return "station"
}

type State int32

const (
	StateConnecting State = iota
	StateInitializing
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateInitializing:
		return "Initializing"
	case StateActive:
		return "Active"
	}
	return "Closed"
}

// Conn is the transport a session writes to. *connection.Connection implements it.
type Conn interface {
	GUID() string
	URL() string
	RemoteAddr() string
	Send(data []byte) error
	Ping() error
	PingAndWait(ctx context.Context, wait time.Duration) error
	Close(code int, reason string) error
	IsClosed() bool
	IncrementPingFailures() int32
	ResetPingFailures()
}

// RequestHandler computes the CallResult payload for an inbound Call.
type RequestHandler interface {
	HandleRequest(ctx context.Context, id Identity, action ocpp.Action, payload json.RawMessage) (any, error)
}

type RequestHandlerFunc func(ctx context.Context, id Identity, action ocpp.Action, payload json.RawMessage) (any, error)

func (f RequestHandlerFunc) HandleRequest(ctx context.Context, id Identity, action ocpp.Action, payload json.RawMessage) (any, error) {
	return f(ctx, id, action, payload)
}

type IdentityValidator interface {
	ValidateStationIdentity(ctx context.Context, tenant string, token string, stationID string) (*svc.Station, error)
}

type LastSeenRecorder interface {
	RecordLastSeen(ctx context.Context, tenant string, stationID string, ts time.Time) error
}

// Frame directions reported to a FrameObserver
const (
	FrameIn  = "in"
	FrameOut = "out"
)

// FrameObserver sees every frame read or written by a session.
type FrameObserver func(id Identity, direction string, data []byte)

type Options struct {
	Validator   IdentityValidator
	LastSeen    LastSeenRecorder
	Handler     RequestHandler
	CallTimeout time.Duration
	Observer    FrameObserver
}

type callOutcome struct {
	payload json.RawMessage
	err     error
}

type pendingCall struct {
	action ocpp.Action
	done   chan callOutcome
}

type Session struct {
	kind        Kind
	identity    Identity
	conn        Conn
	allowed     ocpp.ActionSet
	validator   IdentityValidator
	lastSeen    LastSeenRecorder
	handler     RequestHandler
	observer    FrameObserver
	callTimeout time.Duration
	pending     *xsync.MapOf[string, *pendingCall]
	state       *atomic.Int32
	log         *log.Entry
}

func newSession(kind Kind, allowed ocpp.ActionSet, conn Conn, id Identity, opts Options) *Session {
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Session{
		kind:        kind,
		identity:    id,
		conn:        conn,
		allowed:     allowed,
		validator:   opts.Validator,
		lastSeen:    opts.LastSeen,
		handler:     opts.Handler,
		observer:    opts.Observer,
		callTimeout: timeout,
		pending:     xsync.NewMapOf[string, *pendingCall](),
		state:       atomic.NewInt32(int32(StateConnecting)),
		log:         logging.ForStation(id.Tenant, id.StationID, "").WithField("kind", kind.String()),
	}
}

// NewStationSession accepts station initiated commands and records last seen on initialize.
func NewStationSession(conn Conn, id Identity, opts Options) *Session {
	return newSession(KindStation, ocpp.StationActions, conn, id, opts)
}

// NewBridgeSession accepts remote control commands relayed from the REST bridge.
func NewBridgeSession(conn Conn, id Identity, opts Options) *Session {
	opts.LastSeen = nil
	return newSession(KindBridge, ocpp.BridgeActions, conn, id, opts)
}

func (s *Session) Kind() Kind              { return s.kind }
func (s *Session) Identity() Identity      { return s.identity }
func (s *Session) Key() string             { return s.identity.Key() }
func (s *Session) Conn() Conn              { return s.conn }
func (s *Session) State() State            { return State(s.state.Load()) }
func (s *Session) IsActive() bool          { return s.State() == StateActive }
func (s *Session) Log() *log.Entry         { return s.log }
func (s *Session) PendingCalls() int       { return s.pending.Size() }
func (s *Session) Allowed() ocpp.ActionSet { return s.allowed }

// Initialize validates the identity against storage and moves the session to Active.
// Any failure leaves the session Closed; the caller closes the transport.
func (s *Session) Initialize(ctx context.Context) error {
	if !s.state.CAS(int32(StateConnecting), int32(StateInitializing)) {
		return fmt.Errorf("initialize in state %s", s.State())
	}

	if s.validator != nil {
		station, err := s.validator.ValidateStationIdentity(ctx, s.identity.Tenant, s.identity.Token, s.identity.StationID)
		if err != nil {
			s.state.Store(int32(StateClosed))
			return fmt.Errorf("%w: %s: %v", ocpp.ErrIdentityValidationFailed, s.identity.Key(), err)
		}
		if station != nil {
			s.identity.SiteID = station.SiteID
			s.identity.SiteAreaID = station.SiteAreaID
			s.identity.CompanyID = station.CompanyID
		}
	}

	if s.lastSeen != nil {
		go s.recordLastSeen(helpers.Now())
	}

	if !s.state.CAS(int32(StateInitializing), int32(StateActive)) {
		return ocpp.ErrConnectionClosed
	}
	s.log.Debugf("session initialized, site: %s, site area: %s, company: %s",
		s.identity.SiteID, s.identity.SiteAreaID, s.identity.CompanyID)
	return nil
}

func (s *Session) recordLastSeen(ts time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.lastSeen.RecordLastSeen(ctx, s.identity.Tenant, s.identity.StationID, ts); err != nil {
		s.log.Warnf("unable to record last seen: %s", err)
	}
}

// HandleMessage processes one inbound frame. Every Call gets exactly one reply.
// The returned error is a transport failure; protocol errors are answered in-band.
func (s *Session) HandleMessage(ctx context.Context, data []byte) error {
	if s.State() == StateClosed {
		return ocpp.ErrConnectionClosed
	}
	s.observe(FrameIn, data)

	msg, err := ocpp.ParseMessage(data)
	if err != nil {
		var frameErr *ocpp.FrameError
		if !errors.As(err, &frameErr) {
			frameErr = &ocpp.FrameError{Cause: ocpp.ToError(err)}
		}
		msgId := frameErr.MessageID
		if msgId == "" {
			msgId = ocpp.UnknownMessageId
		}
		s.log.Warnf("invalid frame: %s", err)
		return s.send(ocpp.NewCallError(msgId, frameErr.Cause))
	}

	switch m := msg.(type) {
	case *ocpp.Call:
		return s.handleCall(ctx, m)
	case *ocpp.CallResult:
		s.resolve(m.MsgId, callOutcome{payload: m.Payload})
	case *ocpp.CallError:
		s.resolve(m.MsgId, callOutcome{err: m.AsError()})
	}
	return nil
}

func (s *Session) handleCall(ctx context.Context, call *ocpp.Call) error {
	result, err := s.invoke(ctx, call)
	if err == nil {
		reply, marshalErr := ocpp.NewCallResult(call.MsgId, result)
		if marshalErr == nil {
			return s.send(reply)
		}
		err = marshalErr
	}

	ocppErr := ocpp.ToError(err)
	s.log.WithField(logging.FieldAction, string(call.Action)).
		Warnf("call %s failed: %s", call.MsgId, err)
	return s.send(ocpp.NewCallError(call.MsgId, ocppErr))
}

func (s *Session) invoke(ctx context.Context, call *ocpp.Call) (result any, err error) {
	if !s.allowed.Contains(call.Action) {
		return nil, fmt.Errorf("%w: %s on %s session", ocpp.ErrNotAllowedForDirection, call.Action, s.kind)
	}
	if s.handler == nil {
		return nil, fmt.Errorf("%w: %s", ocpp.ErrNotImplemented, call.Action)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic in %s handler: %v", ocpp.ErrInternal, call.Action, r)
		}
	}()
	return s.handler.HandleRequest(ctx, s.identity, call.Action, call.Payload)
}

// SendCall sends a Call to the peer and waits for its CallResult payload.
// A CallError comes back as *ocpp.Error, no reply as *ocpp.TimeoutError.
func (s *Session) SendCall(ctx context.Context, action ocpp.Action, payload any) (json.RawMessage, error) {
	if s.State() == StateClosed {
		return nil, ocpp.ErrConnectionClosed
	}
	call, err := ocpp.NewCall(action, payload)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(call)
	if err != nil {
		return nil, err
	}

	pc := &pendingCall{action: action, done: make(chan callOutcome, 1)}
	s.pending.Store(call.MsgId, pc)

	if err := s.sendRaw(data); err != nil {
		s.pending.Delete(call.MsgId)
		return nil, err
	}

	timer := time.NewTimer(s.callTimeout)
	defer timer.Stop()

	select {
	case outcome := <-pc.done:
		return outcome.payload, outcome.err
	case <-timer.C:
		if _, ok := s.pending.LoadAndDelete(call.MsgId); ok {
			s.log.WithField(logging.FieldAction, string(action)).
				Warnf("call %s timed out after %s", call.MsgId, s.callTimeout)
			return nil, &ocpp.TimeoutError{MessageID: call.MsgId, Action: string(action), Timeout: s.callTimeout}
		}
	case <-ctx.Done():
		if _, ok := s.pending.LoadAndDelete(call.MsgId); ok {
			return nil, ctx.Err()
		}
	}
	// resolved concurrently with the timer
	outcome := <-pc.done
	return outcome.payload, outcome.err
}

func (s *Session) resolve(msgId string, outcome callOutcome) {
	pc, ok := s.pending.LoadAndDelete(msgId)
	if !ok {
		s.log.Warnf("dropping reply for unknown or expired message %s", msgId)
		return
	}
	pc.done <- outcome
}

// Ping checks the peer is answering, waiting up to wait for the pong.
func (s *Session) Ping(ctx context.Context, wait time.Duration) error {
	return s.conn.PingAndWait(ctx, wait)
}

// Close moves the session to Closed, rejects outstanding Calls and closes the transport.
// The transport is closed even when the session already is, e.g. after a failed Initialize.
func (s *Session) Close(code int, reason string) error {
	if State(s.state.Swap(int32(StateClosed))) == StateClosed {
		return s.conn.Close(code, reason)
	}
	s.pending.Range(func(msgId string, pc *pendingCall) bool {
		if _, ok := s.pending.LoadAndDelete(msgId); ok {
			pc.done <- callOutcome{err: ocpp.ErrConnectionClosed}
		}
		return true
	})
	return s.conn.Close(code, reason)
}

func (s *Session) send(msg ocpp.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.sendRaw(data)
}

func (s *Session) sendRaw(data []byte) error {
	if s.log.Logger.IsLevelEnabled(log.DebugLevel) {
		s.log.Debug("<-Send: ", string(data))
	}
	if err := s.conn.Send(data); err != nil {
		return err
	}
	s.observe(FrameOut, data)
	return nil
}

func (s *Session) observe(direction string, data []byte) {
	if s.observer != nil {
		s.observer(s.identity, direction, data)
	}
}
