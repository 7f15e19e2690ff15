package eip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"taglink/logging"
)

// Dialer opens the transport. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithTimeout sets the per-request deadline. Default 5s.
func WithTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithDialer replaces the TCP dialer.
func WithDialer(d Dialer) SessionOption {
	return func(s *Session) { s.dialer = d }
}

// WithReconnectPolicy sets the policy used after a fault.
func WithReconnectPolicy(p ReconnectPolicy) SessionOption {
	return func(s *Session) { s.policy = p }
}

// WithLogger sets the structured logger.
func WithLogger(l logging.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// WithStateHandler registers a transition observer at construction time.
func WithStateHandler(h StateHandler) SessionOption {
	return func(s *Session) { s.sm.addHandler(h) }
}

// SessionStats are cumulative counters for one Session.
type SessionStats struct {
	Requests   uint64
	Discarded  uint64 // responses dropped for a sequence mismatch
	Faults     uint64
	Reconnects uint64
}

// Session is a registered EtherNet/IP encapsulation session with one target.
//
// At most one request is outstanding at a time. Each request carries a
// sequence number in the sender context and only the response echoing that
// number is accepted.
type Session struct {
	addr    string
	timeout time.Duration
	dialer  Dialer
	policy  ReconnectPolicy
	log     logging.Logger
	sm      stateMachine

	// ioMu serializes requests and guards the fields below it.
	ioMu   sync.Mutex
	conn   net.Conn
	handle uint32
	seq    uint64

	// connectMu admits one Connect at a time. Disconnect does not take it.
	connectMu sync.Mutex

	// lifeMu guards the lifecycle fields. gen changes on every Connect and
	// Disconnect so a Connect can tell it was overtaken.
	lifeMu          sync.Mutex
	closed          bool
	gen             uint64
	connectCancel   context.CancelFunc
	reconnectCancel context.CancelFunc
	reconnectDone   chan struct{}

	requests   atomic.Uint64
	discarded  atomic.Uint64
	faults     atomic.Uint64
	reconnects atomic.Uint64
}

// NewSession creates a session for host or host:port. It does not connect.
func NewSession(address string, opts ...SessionOption) *Session {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, strconv.Itoa(DefaultPort))
	}
	s := &Session{
		addr:    address,
		timeout: 5 * time.Second,
		dialer:  &net.Dialer{KeepAlive: 30 * time.Second},
		policy:  DefaultReconnectPolicy(),
		log:     logging.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("target", s.addr)
	return s
}

// Address returns the target host:port.
func (s *Session) Address() string { return s.addr }

// State returns the current state.
func (s *Session) State() State { return s.sm.get() }

// Handle returns the target-issued session handle, or 0.
func (s *Session) Handle() uint32 {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.handle
}

// Timeout returns the per-request deadline.
func (s *Session) Timeout() time.Duration { return s.timeout }

// AddStateHandler registers a transition observer.
func (s *Session) AddStateHandler(h StateHandler) { s.sm.addHandler(h) }

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		Requests:   s.requests.Load(),
		Discarded:  s.discarded.Load(),
		Faults:     s.faults.Load(),
		Reconnects: s.reconnects.Load(),
	}
}

// Connect opens the transport and registers a session. On failure the
// session is left Disconnected and the error returned; Connect never retries.
// A Disconnect issued while Connect is dialing or registering wins: the new
// transport is closed and Connect returns ErrConnectAborted.
func (s *Session) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()
	s.stopReconnect()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.lifeMu.Lock()
	s.closed = false
	s.gen++
	gen := s.gen
	s.connectCancel = cancel
	s.lifeMu.Unlock()
	defer func() {
		s.lifeMu.Lock()
		if s.gen == gen {
			s.connectCancel = nil
		}
		s.lifeMu.Unlock()
	}()

	if s.State() == Connected {
		return nil
	}

	s.sm.set(Connecting, nil)
	conn, err := s.open(ctx)
	if err != nil {
		if s.overtaken(gen) {
			s.sm.transition(Connecting, Disconnected, ErrConnectAborted)
			return fmt.Errorf("%w: %v", ErrConnectAborted, err)
		}
		s.sm.set(Disconnected, err)
		return err
	}
	// Disconnect moves the state off Connecting, so the transition fails
	// when it ran after the overtaken check.
	if s.overtaken(gen) || !s.sm.transition(Connecting, Connected, nil) {
		s.drop(conn)
		s.sm.transition(Connecting, Disconnected, ErrConnectAborted)
		return ErrConnectAborted
	}
	return nil
}

func (s *Session) overtaken(gen uint64) bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.closed || s.gen != gen
}

// drop closes conn if it is still the session transport.
func (s *Session) drop(conn net.Conn) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	if s.conn != conn {
		return
	}
	if s.handle != 0 {
		frame, _ := EncodeRequest(UnRegisterSession, s.handle, 0, nil)
		_ = conn.SetWriteDeadline(time.Now().Add(s.timeout))
		_, _ = conn.Write(frame)
	}
	_ = conn.Close()
	s.conn = nil
	s.handle = 0
	logging.DebugDisconnect("eip", s.addr, "connect overtaken by disconnect")
}

// open dials and registers, returning the new transport. It replaces any
// previous one.
func (s *Session) open(ctx context.Context) (net.Conn, error) {
	logging.DebugConnect("eip", s.addr)

	dctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	conn, err := s.dialer.DialContext(dctx, "tcp", s.addr)
	if err != nil {
		logging.DebugConnectError("eip", s.addr, err)
		return nil, &TransportError{Op: "dial", Err: err}
	}

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = conn
	s.handle = 0

	reply, err := s.transactLocked(ctx, RegisterSession, 0, []byte{0x01, 0x00, 0x00, 0x00})
	if err == nil && reply.Session == 0 {
		err = fmt.Errorf("%w: RegisterSession returned session handle 0", ErrMalformedFrame)
	}
	if err != nil {
		_ = conn.Close()
		s.conn = nil
		logging.DebugError("eip", "RegisterSession", err)
		return nil, fmt.Errorf("register session with %s: %w", s.addr, err)
	}

	s.handle = reply.Session
	logging.DebugConnectSuccess("eip", s.addr, fmt.Sprintf("session=0x%08X", s.handle))
	s.log.Debug("session registered", "handle", s.handle)
	return conn, nil
}

// Disconnect stops any reconnect attempts, sends a best-effort
// UnRegisterSession and closes the transport. It always ends Disconnected.
func (s *Session) Disconnect() error {
	s.lifeMu.Lock()
	s.closed = true
	s.gen++
	cancelConnect := s.connectCancel
	s.connectCancel = nil
	s.lifeMu.Unlock()
	if cancelConnect != nil {
		cancelConnect()
	}
	s.stopReconnect()

	s.ioMu.Lock()
	var err error
	if s.conn != nil {
		logging.DebugDisconnect("eip", s.addr, "client disconnect requested")
		if s.handle != 0 {
			frame, _ := EncodeRequest(UnRegisterSession, s.handle, 0, nil)
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
			_, _ = s.conn.Write(frame)
		}
		err = s.conn.Close()
		s.conn = nil
	}
	s.handle = 0
	s.ioMu.Unlock()

	s.sm.set(Disconnected, nil)
	return err
}

// Send issues a SendRRData request carrying packet and returns the reply packet.
func (s *Session) Send(ctx context.Context, packet CommonPacket) (*CommonPacket, error) {
	cmd := CommandData{Packet: packet.Bytes()}
	reply, err := s.request(ctx, SendRRData, cmd.Bytes(), true)
	if err != nil {
		return nil, err
	}
	if reply.Status != 0 {
		return nil, &StatusError{Command: reply.Command, Status: reply.Status}
	}
	data, err := ParseCommandData(reply.Payload)
	if err != nil {
		return nil, err
	}
	return ParseCommonPacket(data.Packet)
}

// SendNop writes a NOP frame. The target sends no reply.
func (s *Session) SendNop() error {
	if s.State() != Connected {
		return ErrNotConnected
	}
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	frame, _ := EncodeRequest(NOP, s.handle, 0, nil)
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	defer s.conn.SetWriteDeadline(time.Time{})
	logging.DebugTX("eip", frame)
	if _, err := s.conn.Write(frame); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// request runs one sequenced exchange and faults the session on transport failure.
func (s *Session) request(ctx context.Context, command uint16, payload []byte, registered bool) (*Frame, error) {
	if s.State() != Connected {
		return nil, ErrNotConnected
	}

	s.ioMu.Lock()
	if s.conn == nil {
		s.ioMu.Unlock()
		return nil, ErrNotConnected
	}
	var handle uint32
	if registered {
		handle = s.handle
	}
	reply, err := s.transactLocked(ctx, command, handle, payload)
	faulted := IsTransport(err)
	if faulted && s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
		s.handle = 0
	}
	s.ioMu.Unlock()

	if faulted {
		s.fault(err)
	}
	return reply, err
}

// transactLocked writes one request and reads until the reply with the same
// sequence arrives. Mismatched replies are dropped. Must hold ioMu.
func (s *Session) transactLocked(ctx context.Context, command uint16, handle uint32, payload []byte) (*Frame, error) {
	s.seq++
	seq := s.seq
	s.requests.Add(1)

	frame, err := EncodeRequest(command, handle, seq, payload)
	if err != nil {
		return nil, err
	}

	conn := s.conn
	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	// Cancelling ctx expires the deadline so a blocked read returns.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	logging.DebugTX("eip", frame)
	if _, err := conn.Write(frame); err != nil {
		logging.DebugError("eip", "write", err)
		return nil, transportErr("write", err)
	}

	for {
		reply, err := ReadFrame(conn)
		if err != nil {
			// The stream cannot be resynchronized after a bad header,
			// so malformed framing is a transport failure too.
			logging.DebugError("eip", "read", err)
			return nil, transportErr("read", err)
		}
		logging.DebugRX("eip", reply.Bytes())

		if got := reply.Sequence(); got != seq || reply.Command != command {
			s.discarded.Add(1)
			logging.DebugLog("eip", "discarding reply: command 0x%02X sequence %d, want command 0x%02X sequence %d",
				reply.Command, got, command, seq)
			s.log.Warn("discarded unmatched reply", "want_seq", seq, "got_seq", got, "command", reply.Command)
			continue
		}
		return reply, nil
	}
}

func transportErr(op string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TransportError{Op: op, Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}
	return &TransportError{Op: op, Err: err}
}

// fault moves a connected session to Faulted and starts the reconnect policy.
func (s *Session) fault(cause error) {
	if !s.sm.transition(Connected, Faulted, cause) {
		return
	}
	s.faults.Add(1)
	s.log.Warn("session faulted", "error", cause)
	logging.DebugDisconnect("eip", s.addr, cause.Error())
	s.startReconnect()
}

// Reconnect drops the transport and runs the reconnect policy. It is a no-op
// unless the session is Connected.
func (s *Session) Reconnect() {
	if s.State() != Connected {
		return
	}
	s.ioMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
		s.handle = 0
	}
	s.ioMu.Unlock()
	s.fault(errors.New("reconnect requested"))
}

func (s *Session) startReconnect() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.closed || s.reconnectDone != nil {
		return
	}
	if s.policy.Disabled {
		go s.sm.transition(Faulted, Disconnected, errors.New("reconnect disabled"))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.reconnectCancel = cancel
	s.reconnectDone = done
	go s.reconnectLoop(ctx, done)
}

func (s *Session) stopReconnect() {
	s.lifeMu.Lock()
	cancel, done := s.reconnectCancel, s.reconnectDone
	s.reconnectCancel, s.reconnectDone = nil, nil
	s.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Session) reconnectLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		s.lifeMu.Lock()
		if s.reconnectDone == done {
			s.reconnectCancel, s.reconnectDone = nil, nil
		}
		s.lifeMu.Unlock()
	}()

	delay := s.policy.first()
	for attempt := 1; ; attempt++ {
		if s.policy.exhausted(attempt) {
			s.log.Error("reconnect attempts exhausted", "attempts", attempt-1)
			s.sm.transition(Faulted, Disconnected, fmt.Errorf("gave up after %d reconnect attempts", attempt-1))
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !s.sm.transition(Faulted, Connecting, nil) {
			return
		}
		_, err := s.open(ctx)
		if err == nil {
			if s.sm.transition(Connecting, Connected, nil) {
				s.reconnects.Add(1)
				s.log.Info("session reconnected", "attempt", attempt)
			}
			return
		}

		s.log.Debug("reconnect attempt failed", "attempt", attempt, "error", err)
		if !s.sm.transition(Connecting, Faulted, err) {
			return
		}
		delay = s.policy.next(delay)
	}
}

// Identify asks the target for its ListIdentity record over the session's
// transport. It does not require a registered session but does require one
// to be Connected, so it shares the request sequence.
func (s *Session) Identify(ctx context.Context) (*Identity, error) {
	reply, err := s.request(ctx, ListIdentity, nil, false)
	if err != nil {
		return nil, err
	}
	if reply.Status != 0 {
		return nil, &StatusError{Command: reply.Command, Status: reply.Status}
	}
	return parseListIdentity(reply.Payload)
}
