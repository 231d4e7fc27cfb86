package eip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"eiptag/logging"
)

// DefaultPort is the registered EtherNet/IP explicit messaging port.
const DefaultPort = 44818

// Endpoint identifies one controller.
type Endpoint struct {
	Host string
	Port uint16
}

// ParseEndpoint accepts "host" or "host:port".
func ParseEndpoint(s string) (Endpoint, error) {
	if s == "" {
		return Endpoint{}, errors.New("empty endpoint")
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port component.
		return Endpoint{Host: s, Port: DefaultPort}, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Endpoint{}, fmt.Errorf("invalid port in endpoint %q", s)
	}
	return Endpoint{Host: host, Port: uint16(port)}, nil
}

func (ep Endpoint) String() string {
	port := ep.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(ep.Host, strconv.Itoa(int(port)))
}

// State is the session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistered
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateRegistered:
		return "Registered"
	case StateFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// Dialer opens the transport. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithConnectTimeout bounds dialing plus registration.
func WithConnectTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.connectTimeout = d }
}

// WithRequestTimeout bounds each request/reply exchange.
func WithRequestTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.requestTimeout = d }
}

// WithProbeTimeout bounds the liveness probe issued by CheckHealth.
func WithProbeTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.probeTimeout = d }
}

// WithIdleThreshold sets how long a session may go without traffic before
// CheckHealth probes it.
func WithIdleThreshold(d time.Duration) SessionOption {
	return func(s *Session) { s.idleThreshold = d }
}

// WithDialer replaces the TCP dialer.
func WithDialer(d Dialer) SessionOption {
	return func(s *Session) { s.dialer = d }
}

// WithLogger sets the logger for lifecycle events.
func WithLogger(l *zap.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// Session owns one TCP connection and one registered session to a
// controller. Exchanges are single-flight: exactly one request is on the wire
// at a time, and its reply is read before the next request is written.
type Session struct {
	ep             Endpoint
	connectTimeout time.Duration
	requestTimeout time.Duration
	probeTimeout   time.Duration
	idleThreshold  time.Duration
	dialer         Dialer
	log            *zap.Logger

	// sem is the socket lock. A channel rather than a mutex so waiters can
	// give up when their context ends.
	sem chan struct{}

	mu           sync.Mutex
	conn         net.Conn
	state        State
	handle       uint32
	generation   uint64
	lastActivity time.Time

	seq atomic.Uint32
}

// NewSession creates a disconnected session for ep.
func NewSession(ep Endpoint, opts ...SessionOption) *Session {
	if ep.Port == 0 {
		ep.Port = DefaultPort
	}
	s := &Session{
		ep:             ep,
		connectTimeout: 5 * time.Second,
		requestTimeout: 5 * time.Second,
		probeTimeout:   2 * time.Second,
		idleThreshold:  10 * time.Second,
		dialer:         &net.Dialer{KeepAlive: 30 * time.Second},
		sem:            make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.L().Named("eip")
	}
	s.log = s.log.With(zap.String("endpoint", ep.String()))
	return s
}

func (s *Session) Endpoint() Endpoint { return s.ep }

// RequestTimeout reports the per-exchange timeout.
func (s *Session) RequestTimeout() time.Duration { return s.requestTimeout }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle returns the current session handle, or 0 when not registered.
func (s *Session) Handle() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Generation increments on every successful registration. Callers caching
// per-session state compare generations to detect a reconnect.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// NextSequence returns the next connected-messaging sequence number. The
// counter restarts with each registration and strictly increases within it;
// the low 16 bits go on the wire.
func (s *Session) NextSequence() uint32 {
	return s.seq.Add(1)
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) release() { <-s.sem }

// Connect dials the endpoint and registers a session. It is a no-op when
// already registered. On failure the session is left Faulted and Connect may
// be called again.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	if s.state == StateRegistered {
		s.mu.Unlock()
		return nil
	}
	old := s.conn
	s.conn = nil
	s.handle = 0
	s.state = StateConnecting
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	addr := s.ep.String()
	logging.DebugConnect("EIP", addr)

	dctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	conn, err := s.dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		logging.DebugConnectError("EIP", addr, err)
		if isTimeout(err) || errors.Is(dctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: dial %s: %v", ErrConnectTimeout, addr, err)
		} else {
			err = fmt.Errorf("dial %s: %w", addr, err)
		}
		s.setFaulted(err)
		return err
	}

	deadline, _ := dctx.Deadline()
	_ = conn.SetDeadline(deadline)

	handle, err := register(conn)
	if err != nil {
		_ = conn.Close()
		logging.DebugError("EIP", "RegisterSession", err)
		if isTimeout(err) {
			err = fmt.Errorf("%w: register session with %s", ErrConnectTimeout, addr)
		} else if !errors.Is(err, ErrProtocol) && !errors.As(err, new(*RejectedError)) {
			err = fmt.Errorf("%w: register session: %v", ErrProtocol, err)
		}
		s.setFaulted(err)
		return err
	}
	_ = conn.SetDeadline(time.Time{})

	s.mu.Lock()
	s.conn = conn
	s.handle = handle
	s.state = StateRegistered
	s.generation++
	s.lastActivity = time.Now()
	s.seq.Store(0)
	gen := s.generation
	s.mu.Unlock()

	logging.DebugConnectSuccess("EIP", addr, fmt.Sprintf("session=0x%08X", handle))
	s.log.Info("session registered", zap.Uint32("handle", handle), zap.Uint64("generation", gen))
	return nil
}

func register(conn net.Conn) (uint32, error) {
	req := EncodeRegisterSession()
	logging.DebugTX("EIP", req)
	if _, err := conn.Write(req); err != nil {
		return 0, err
	}
	raw, err := ReadFrame(conn)
	if err != nil {
		return 0, err
	}
	return DecodeRegisterSessionReply(raw)
}

// ReadFrame reads one complete frame. The header length field decides how
// many payload bytes follow; io.ReadFull keeps reading until they arrive.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	m, err := ParseHeader(header)
	if err != nil {
		return nil, err
	}
	if m.Length > MaxPayload {
		return nil, malformed("payload length %d exceeds maximum", m.Length)
	}
	frame := make([]byte, HeaderSize+int(m.Length))
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		return nil, err
	}
	logging.DebugRX("EIP", frame)
	return frame, nil
}

// Transact sends one command and waits for its reply. ctx bounds only the
// wait for the socket; once the request is written the reply is awaited for
// the request timeout regardless of ctx, so a cancelled caller never leaves
// a reply unread on the stream.
//
// A transport failure or timeout faults the session and returns
// ErrConnectionLost. A nonzero encapsulation status returns the reply along
// with a *RejectedError and leaves the session registered.
func (s *Session) Transact(ctx context.Context, command uint16, data []byte) (*Encap, error) {
	return s.exchange(ctx, command, data, s.requestTimeout)
}

func (s *Session) exchange(ctx context.Context, command uint16, data []byte, timeout time.Duration) (*Encap, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	return s.exchangeHeld(ctx, command, data, timeout)
}

// exchangeHeld performs one request/reply with the socket already held.
func (s *Session) exchangeHeld(ctx context.Context, command uint16, data []byte, timeout time.Duration) (*Encap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.state != StateRegistered {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w (state %s)", ErrNotConnected, state)
	}
	conn, handle := s.conn, s.handle
	s.mu.Unlock()

	req := (&Encap{Command: command, Session: handle, Data: data}).Marshal()

	_ = conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	logging.DebugTX("EIP", req)
	if _, err := conn.Write(req); err != nil {
		return nil, s.lost(CommandName(command)+" write", err)
	}

	raw, err := ReadFrame(conn)
	if err != nil {
		return nil, s.lost(CommandName(command)+" read", err)
	}
	reply, err := ParseEncap(raw)
	if err != nil {
		return nil, s.lost(CommandName(command)+" parse", err)
	}
	if reply.Command != command {
		return nil, s.lost(CommandName(command), malformed("reply command %s does not match request", CommandName(reply.Command)))
	}
	if reply.Session != 0 && reply.Session != handle {
		return nil, s.lost(CommandName(command), malformed("reply session 0x%08X, want 0x%08X", reply.Session, handle))
	}

	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if reply.Status != StatusSuccess {
		return reply, &RejectedError{Command: command, Status: reply.Status}
	}
	return reply, nil
}

// lost faults the session after a failed exchange. The stream position is
// unknown at this point, so the socket cannot be reused.
func (s *Session) lost(op string, cause error) error {
	err := fmt.Errorf("%w: %s: %w", ErrConnectionLost, op, cause)
	logging.DebugError("EIP", op, cause)
	s.setFaulted(err)
	return err
}

func (s *Session) setFaulted(cause error) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.handle = 0
	s.state = StateFaulted
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.log.Warn("session faulted", zap.Error(cause))
}

// SendRRData performs an unconnected exchange and returns the reply packet.
func (s *Session) SendRRData(ctx context.Context, cpf CommonPacket) (*CommonPacket, error) {
	cd := CommandData{Packet: cpf}
	reply, err := s.Transact(ctx, CommandSendRRData, cd.Marshal())
	if err != nil {
		return nil, err
	}
	rcd, err := ParseCommandData(reply.Data)
	if err != nil {
		return nil, err
	}
	return &rcd.Packet, nil
}

// SendUnitData performs a connected exchange and returns the reply packet.
func (s *Session) SendUnitData(ctx context.Context, cpf CommonPacket) (*CommonPacket, error) {
	cd := CommandData{Packet: cpf}
	reply, err := s.Transact(ctx, CommandSendUnitData, cd.Marshal())
	if err != nil {
		return nil, err
	}
	rcd, err := ParseCommandData(reply.Data)
	if err != nil {
		return nil, err
	}
	return &rcd.Packet, nil
}

// Identity asks the connected controller to identify itself.
func (s *Session) Identity(ctx context.Context) (*Identity, error) {
	reply, err := s.Transact(ctx, CommandListIdentity, nil)
	if err != nil {
		return nil, err
	}
	idents, err := ParseListIdentity(reply.Data, nil)
	if err != nil {
		return nil, err
	}
	if len(idents) == 0 {
		return nil, malformed("ListIdentity reply has no identity item")
	}
	return &idents[0], nil
}

// CheckHealth reports whether the session is usable. Recent traffic is
// enough; otherwise a ListIdentity probe must round-trip within the probe
// timeout. A failed probe faults the session. A socket held by another
// exchange past that timeout counts as healthy.
func (s *Session) CheckHealth(ctx context.Context) bool {
	s.mu.Lock()
	state, last := s.state, s.lastActivity
	s.mu.Unlock()

	if state != StateRegistered {
		return false
	}
	if time.Since(last) < s.idleThreshold {
		return true
	}

	pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	if err := s.acquire(pctx); err != nil {
		if ctx.Err() != nil {
			return false
		}
		// The exchange holding the socket faults the session if it fails.
		logging.DebugLog("EIP", "health check skipped: socket busy")
		return true
	}
	defer s.release()

	start := time.Now()
	_, err := s.exchangeHeld(pctx, CommandListIdentity, nil, s.probeTimeout)
	if err != nil {
		s.log.Debug("health probe failed", zap.Error(err))
		return false
	}
	logging.DebugLog("EIP", "health probe ok in %s", time.Since(start))
	return true
}

// Disconnect unregisters (best effort) and closes the transport. It waits
// for an in-flight exchange to finish and never fails.
func (s *Session) Disconnect() {
	s.sem <- struct{}{}
	defer s.release()

	s.mu.Lock()
	conn, handle, state := s.conn, s.handle, s.state
	s.conn = nil
	s.handle = 0
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn == nil {
		return
	}
	if state == StateRegistered && handle != 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.probeTimeout))
		req := EncodeUnregisterSession(handle)
		logging.DebugTX("EIP", req)
		_, _ = conn.Write(req)
	}
	_ = conn.Close()

	logging.DebugDisconnect("EIP", s.ep.String(), "client disconnect requested")
	s.log.Info("session closed", zap.Uint32("handle", handle))
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
