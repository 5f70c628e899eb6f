// Package transport implements the persistent duplex connection to the voice
// gateway.
//
// A [Session] multiplexes outbound audio frames and control messages against
// a stream of typed inbound events. Frames travel as binary WebSocket
// messages through a bounded FIFO queue drained by a single writer goroutine,
// so capture order is transmission order and a slow network can never stall
// the capture pipeline. On overflow the oldest queued frame is dropped with a
// logged warning. Control messages are JSON text messages written directly.
//
// The session never reconnects on its own: an unexpected closure surfaces as
// a single synthetic error event and a new connection is an explicit
// [Dial] call by the orchestrator.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/sitespeak/sitespeak/pkg/audio"
	"github.com/sitespeak/sitespeak/pkg/protocol"
	"github.com/sitespeak/sitespeak/pkg/voice"
)

const (
	// defaultConnectTimeout bounds connection establishment so a dial never
	// hangs indefinitely.
	defaultConnectTimeout = 15 * time.Second

	// defaultFrameQueue is the outbound frame queue depth. At 50 ms slices
	// this absorbs several seconds of transport stall before dropping.
	defaultFrameQueue = 256

	// defaultEventBuffer is the inbound event channel depth.
	defaultEventBuffer = 64
)

// Option is a functional option for configuring a Session at dial time.
type Option func(*Session)

// WithConnectTimeout overrides the connection establishment timeout.
// The default is 15 seconds.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.connectTimeout = d
		}
	}
}

// WithFrameQueue overrides the outbound frame queue depth.
func WithFrameQueue(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.frameQueue = n
		}
	}
}

// Stats reports cumulative transport counters for one session.
type Stats struct {
	FramesSent    uint64
	FramesDropped uint64
}

// Session is a live duplex connection to the voice gateway. All methods are
// safe for concurrent use.
type Session struct {
	conn   *websocket.Conn
	events chan protocol.Event
	frames chan audio.Frame

	connectTimeout time.Duration
	frameQueue     int

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	connected atomic.Bool
	sent      atomic.Uint64
	dropped   atomic.Uint64
}

// Dial opens the duplex connection to endpoint, authenticating with the
// bearer token in creds. A non-empty creds.SessionID resumes that gateway
// session. Dial blocks until the connection is established or the timeout
// elapses; it wraps [voice.ErrConnection] on any failure.
func Dial(ctx context.Context, endpoint string, creds voice.Credentials, opts ...Option) (*Session, error) {
	s := &Session{
		connectTimeout: defaultConnectTimeout,
		frameQueue:     defaultFrameQueue,
	}
	for _, o := range opts {
		o(s)
	}

	wsURL, err := sessionURL(endpoint, creds.SessionID)
	if err != nil {
		return nil, fmt.Errorf("transport: %w: %w", voice.ErrConnection, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + creds.Token},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w: %w", endpoint, voice.ErrConnection, err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s.conn = conn
	s.events = make(chan protocol.Event, defaultEventBuffer)
	s.frames = make(chan audio.Frame, s.frameQueue)
	s.ctx = sessCtx
	s.cancel = sessCancel
	s.connected.Store(true)

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()

	return s, nil
}

// sessionURL appends the resume session identifier to the endpoint URL.
func sessionURL(endpoint, sessionID string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if sessionID != "" {
		q := u.Query()
		q.Set("session", sessionID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connected reports whether the underlying connection is still up.
func (s *Session) Connected() bool { return s.connected.Load() }

// Events returns the inbound typed event stream. The channel is closed when
// the connection ends; a single consumer processes events in arrival order.
func (s *Session) Events() <-chan protocol.Event { return s.events }

// Stats returns cumulative frame counters.
func (s *Session) Stats() Stats {
	return Stats{
		FramesSent:    s.sent.Load(),
		FramesDropped: s.dropped.Load(),
	}
}

// SendFrame queues one capture frame for transmission. It never blocks: when
// the queue is full the oldest queued frame is dropped and a warning logged.
// Returns an error wrapping [voice.ErrConnection] if the session is closed.
func (s *Session) SendFrame(f audio.Frame) error {
	if !s.connected.Load() {
		return fmt.Errorf("transport: send frame: %w: session closed", voice.ErrConnection)
	}

	for {
		select {
		case s.frames <- f:
			return nil
		default:
		}
		// Queue full: drop the oldest frame and retry.
		select {
		case old := <-s.frames:
			s.dropped.Add(1)
			slog.Warn("transport: outbound frame queue full, dropping oldest",
				"dropped_seq", old.Seq,
				"queued_seq", f.Seq,
			)
		default:
		}
	}
}

// SendControl writes one control message as a JSON text message.
func (s *Session) SendControl(c protocol.Control) error {
	if !s.connected.Load() {
		return fmt.Errorf("transport: send control: %w: session closed", voice.ErrConnection)
	}
	data, err := protocol.EncodeControl(c)
	if err != nil {
		return err
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("transport: send control: %w: %w", voice.ErrConnection, err)
	}
	return nil
}

// Close tears the connection down. Idempotent; safe to call from any
// goroutine. A deliberate Close does not emit a synthetic error event.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.connected.Store(false)
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

// writeLoop drains the frame queue onto the wire in FIFO order. It owns all
// binary writes.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.frames:
			if err := s.conn.Write(s.ctx, websocket.MessageBinary, f.Data); err != nil {
				if s.ctx.Err() == nil {
					slog.Warn("transport: frame write failed", "seq", f.Seq, "err", err)
				}
				return
			}
			s.sent.Add(1)
		}
	}
}

// readLoop decodes inbound messages into typed events. It owns the events
// channel and closes it on exit. An unexpected connection loss emits exactly
// one synthetic error event before the channel closes.
func (s *Session) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			wasConnected := s.connected.Swap(false)
			if s.ctx.Err() != nil || !wasConnected {
				return
			}
			s.deliver(protocol.ErrorEvent{
				Code:    "connection_lost",
				Message: fmt.Sprintf("connection closed unexpectedly: %v", err),
				Fatal:   true,
			})
			return
		}

		if typ != websocket.MessageText {
			slog.Warn("transport: unexpected binary message from gateway", "bytes", len(data))
			continue
		}

		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			// Forward-compatible: unknown and malformed events are logged
			// and dropped, never fatal.
			slog.Warn("transport: dropping undecodable event", "err", err)
			continue
		}

		if ping, ok := ev.(protocol.Ping); ok {
			if err := s.SendControl(protocol.Pong{Correlation: ping.Correlation}); err != nil {
				slog.Warn("transport: pong failed", "err", err)
			}
			continue
		}

		s.deliver(ev)
	}
}

// deliver pushes an event to the consumer, giving up only when the session
// context is cancelled.
func (s *Session) deliver(ev protocol.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// IsClosedError reports whether err represents a normal, expected closure.
func IsClosedError(err error) bool {
	if err == nil {
		return false
	}
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.StatusNormalClosure
	}
	return errors.Is(err, context.Canceled)
}
