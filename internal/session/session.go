// Package session owns the lifetime of the backend link: dialing,
// authenticated handshake, framed reads and writes, and reconnection
// with exponential backoff. Consumers hand it commands and watch its
// state through the telemetry hub; they never see the connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/droid-deck/console/internal/config"
	"github.com/droid-deck/console/internal/protocol"
	"github.com/droid-deck/console/internal/telemetry"
	"github.com/droid-deck/console/internal/transport"
)

// State is the link session lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotStarted     = errors.New("session not started")
)

// Options configures a Session.
type Options struct {
	Endpoint string
	Dialer   transport.Dialer
	Hub      *telemetry.Hub
	Limits   protocol.ChannelLimits
	Timing   config.TimingConfig
	Logger   *log.Logger

	// AuthHeader, when set, supplies handshake headers per dial attempt.
	AuthHeader func() (http.Header, error)
}

// Session maintains one logical link to the droid backend.
type Session struct {
	endpoint   string
	dialer     transport.Dialer
	hub        *telemetry.Hub
	limits     protocol.ChannelLimits
	timing     config.TimingConfig
	logger     *log.Logger
	authHeader func() (http.Header, error)

	mu      sync.Mutex
	state   State
	pending [][]byte
	sendq   chan []byte
	cancel  context.CancelFunc
	done    chan struct{}
	started bool

	decodeErrs atomic.Uint64
}

// New validates options and builds a stopped session.
func New(opts Options) (*Session, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("session: endpoint is required")
	}
	endpoint := config.NormalizeEndpoint(opts.Endpoint)
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("session: endpoint %q: %w", opts.Endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("session: endpoint %q: scheme must be ws or wss", opts.Endpoint)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("session: endpoint %q has no host", opts.Endpoint)
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("session: dialer is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("session: hub is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Session{
		endpoint:   endpoint,
		dialer:     opts.Dialer,
		hub:        opts.Hub,
		limits:     opts.Limits,
		timing:     opts.Timing,
		logger:     opts.Logger,
		authHeader: opts.AuthHeader,
	}, nil
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DecodeErrors counts inbound frames that failed to decode. The session
// logs and skips them; the link stays up.
func (s *Session) DecodeErrors() uint64 {
	return s.decodeErrs.Load()
}

// Start launches the connect loop. Starting a started session is an
// error; a stopped session can be started again.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = StateConnecting
	go s.run(runCtx)
	return nil
}

// Stop tears the link down and waits for the loop to exit, bounded by
// the stop timeout. Stopping a stopped session is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(s.timing.StopTimeout):
		return fmt.Errorf("session: stop timed out after %v", s.timing.StopTimeout)
	}
	return nil
}

// Send encodes and transmits a command. While disconnected the encoded
// frame queues in FIFO order, oldest dropped on overflow, and flushes
// ahead of new traffic when the link returns. Validation failures
// surface immediately and nothing is queued.
func (s *Session) Send(cmd protocol.Command) error {
	frame, err := protocol.Encode(cmd, s.limits)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}
	if s.state == StateConnected && s.sendq != nil {
		select {
		case s.sendq <- frame:
			return nil
		default:
		}
		// Writer has fallen behind: evict the oldest queued frame so
		// this one keeps its place in send order. s.mu keeps other
		// senders out, so the retry cannot lose the freed slot.
		select {
		case <-s.sendq:
			s.logger.Printf("session: send queue full, dropping oldest frame")
		default:
		}
		select {
		case s.sendq <- frame:
			return nil
		default:
		}
	}
	s.enqueuePendingLocked(frame)
	return nil
}

// enqueuePendingLocked appends to the pending queue, dropping the
// oldest frame past capacity.
func (s *Session) enqueuePendingLocked(frame []byte) {
	if len(s.pending) >= s.timing.PendingQueueSize {
		drop := len(s.pending) - s.timing.PendingQueueSize + 1
		s.logger.Printf("session: pending queue full, dropping %d oldest frame(s)", drop)
		s.pending = append([][]byte{}, s.pending[drop:]...)
	}
	s.pending = append(s.pending, frame)
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		s.setState(StateDisconnected)
		s.publishState(StateDisconnected, 0, 0, "")
	}()

	backoff := &Backoff{
		Initial:    s.timing.ReconnectInitial,
		Max:        s.timing.ReconnectMax,
		Multiplier: s.timing.ReconnectMultiplier,
		Jitter:     s.timing.ReconnectJitter,
	}

	for {
		if ctx.Err() != nil {
			return
		}

		state := StateConnecting
		if backoff.Attempt() > 0 {
			state = StateReconnecting
		}
		s.setState(state)
		s.publishState(state, backoff.Attempt(), 0, "")

		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := backoff.Next()
			s.logger.Printf("session: dial %s failed (attempt %d, retry in %v): %v",
				s.endpoint, backoff.Attempt(), delay, err)
			s.publishState(StateReconnecting, backoff.Attempt(), delay, err.Error())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}

		backoff.Reset()
		s.attach(conn)
		s.publishState(StateConnected, 0, 0, "")
		s.logger.Printf("session: connected to %s", s.endpoint)

		err = s.serve(ctx, conn)
		s.detach()
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		reason := ""
		if err != nil {
			reason = err.Error()
			s.logger.Printf("session: link to %s lost: %v", s.endpoint, err)
		}

		delay := backoff.Next()
		s.setState(StateReconnecting)
		s.publishState(StateReconnecting, backoff.Attempt(), delay, reason)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) dial(ctx context.Context) (transport.Conn, error) {
	var header http.Header
	if s.authHeader != nil {
		h, err := s.authHeader()
		if err != nil {
			return nil, fmt.Errorf("mint handshake credentials: %w", err)
		}
		header = h
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.timing.DialTimeout)
	defer cancel()
	return s.dialer.DialContext(dialCtx, s.endpoint, header)
}

// attach installs a fresh send queue, flushing queued frames ahead of
// new traffic, and marks the session connected.
func (s *Session) attach(conn transport.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := s.timing.SendQueueSize
	if need := len(s.pending) + 1; size < need {
		size = need
	}
	sendq := make(chan []byte, size)
	for _, frame := range s.pending {
		sendq <- frame
	}
	s.pending = nil
	s.sendq = sendq
	s.state = StateConnected
}

// detach retires the send queue, preserving unsent frames in order.
func (s *Session) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendq != nil {
		for {
			select {
			case frame := <-s.sendq:
				s.pending = append(s.pending, frame)
				continue
			default:
			}
			break
		}
		s.sendq = nil
	}
}

// serve pumps the connection until it fails or the context ends. The
// writer runs in its own goroutine; the reader runs here.
func (s *Session) serve(ctx context.Context, conn transport.Conn) error {
	s.mu.Lock()
	sendq := s.sendq
	s.mu.Unlock()

	writeFailed := make(chan error, 1)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case frame := <-sendq:
				conn.SetWriteDeadline(time.Now().Add(s.timing.WriteTimeout))
				if err := conn.WriteMessage(frame); err != nil {
					// The frame did not go out; keep it for the next link.
					s.mu.Lock()
					s.pending = append([][]byte{frame}, s.pending...)
					s.mu.Unlock()
					writeFailed <- transport.Classify(err)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	readFailed := make(chan error, 1)
	go func() {
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				readFailed <- transport.Classify(err)
				return
			}
			ev, err := protocol.Decode(data)
			if err != nil {
				s.decodeErrs.Add(1)
				s.logger.Printf("session: discarding frame: %v", err)
				continue
			}
			s.hub.Publish(ev)
		}
	}()

	var reason error
	select {
	case reason = <-readFailed:
	case reason = <-writeFailed:
	case <-ctx.Done():
	}

	// Unblock both pumps and wait for the writer so no frame is lost
	// between the queue and the wire.
	conn.Close()
	<-writerDone
	return reason
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) publishState(st State, attempt int, delay time.Duration, errText string) {
	s.hub.Publish(&protocol.ConnectionState{
		Endpoint: s.endpoint,
		State:    st.String(),
		Attempt:  attempt,
		Delay:    delay,
		Err:      errText,
	})
}
