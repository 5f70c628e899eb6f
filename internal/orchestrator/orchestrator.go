// Package orchestrator wires transport, capture, playback and turn tracking
// into one voice session and exposes the control surface consumed by the UI
// layer: start, stop, clear, text input and configuration changes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sitespeak/sitespeak/internal/observe"
	"github.com/sitespeak/sitespeak/internal/turn"
	"github.com/sitespeak/sitespeak/pkg/audio"
	"github.com/sitespeak/sitespeak/pkg/audio/capture"
	"github.com/sitespeak/sitespeak/pkg/audio/format"
	"github.com/sitespeak/sitespeak/pkg/protocol"
	"github.com/sitespeak/sitespeak/pkg/transport"
	"github.com/sitespeak/sitespeak/pkg/voice"
)

// ConnState is the transport connection position.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (c ConnState) String() string {
	switch c {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Transport is the slice of the gateway session the orchestrator drives.
// *transport.Session satisfies it; tests substitute a fake.
type Transport interface {
	Events() <-chan protocol.Event
	SendFrame(f audio.Frame) error
	SendControl(c protocol.Control) error
	Connected() bool
	Stats() transport.Stats
	Close() error
}

// Dialer opens a gateway connection. The default wraps [transport.Dial].
type Dialer func(ctx context.Context, endpoint string, creds voice.Credentials, timeout time.Duration) (Transport, error)

// Playback is the slice of the playback engine the orchestrator drives.
type Playback interface {
	Render(chunk protocol.AudioChunk)
	Clear()
	Skipped() uint64
	Close() error
}

// SourceFactory produces a fresh capture source per listening stretch.
// Sources are single-use; the capture engine releases them on stop.
type SourceFactory func() (capture.Source, error)

// Config holds the session parameters fixed at construction. Language and
// voice changes go through [Orchestrator.SetLanguage] and
// [Orchestrator.SetVoice], which force a reconnect.
type Config struct {
	Endpoint    string
	Credentials voice.Credentials

	Language   string
	Voice      string
	Continuous bool

	Preference  format.Preference
	Slice       time.Duration
	ChunkTarget int
	ChunkMax    int

	ConnectTimeout time.Duration
}

// Option is a functional option for configuring an Orchestrator.
type Option func(*Orchestrator)

// WithDialer substitutes the gateway dialer, used by tests.
func WithDialer(d Dialer) Option {
	return func(o *Orchestrator) { o.dial = d }
}

// WithMetrics substitutes the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithNotify registers a hook invoked on every turn transition, for UI
// updates. See [turn.WithNotify] for constraints.
func WithNotify(fn func(turn.Change)) Option {
	return func(o *Orchestrator) { o.notify = fn }
}

// WithOnError registers a hook for user-visible session errors.
func WithOnError(fn func(error)) Option {
	return func(o *Orchestrator) { o.onError = fn }
}

// Snapshot is a point-in-time view of the session for the UI layer.
type Snapshot struct {
	SessionID  string
	Connection ConnState
	Turn       turn.State
	Transcript string
	Response   string
	Level      float64

	PermissionGranted bool
	Language          string
	Voice             string
}

// Orchestrator owns the session lifecycle: permission, format negotiation,
// transport, capture, turn tracking and playback. Start and Stop form a
// single serialized critical section so a stop cannot race a start into
// leaving the microphone open.
type Orchestrator struct {
	cfg     Config
	dial    Dialer
	source  SourceFactory
	play    Playback
	metrics *observe.Metrics
	notify  func(turn.Change)
	onError func(error)

	negotiated format.Negotiated
	machine    *turn.Machine
	engine     *capture.Engine

	mu          sync.Mutex
	sess        Transport
	handle      *capture.Handle
	connState   ConnState
	sessionID   string
	permission  bool
	pumpDone    chan struct{}
	playSkipped uint64

	// turn timing, touched only by the event pump
	turnStart    time.Time
	speechEnd    time.Time
	sawFirstResp bool
}

// New creates an Orchestrator. The source factory and playback engine are
// required; everything else has production defaults.
func New(cfg Config, src SourceFactory, play Playback, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		source:    src,
		play:      play,
		connState: Disconnected,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.dial == nil {
		o.dial = func(ctx context.Context, endpoint string, creds voice.Credentials, timeout time.Duration) (Transport, error) {
			var topts []transport.Option
			if timeout > 0 {
				topts = append(topts, transport.WithConnectTimeout(timeout))
			}
			return transport.Dial(ctx, endpoint, creds, topts...)
		}
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}

	o.negotiated = format.Negotiate(format.Detect(), cfg.Preference)
	o.machine = turn.NewMachine(
		turn.WithContinuous(cfg.Continuous),
		turn.WithNotify(o.onChange),
	)
	o.engine = capture.New(capture.Config{
		Format:      o.negotiated,
		Slice:       cfg.Slice,
		ChunkTarget: cfg.ChunkTarget,
		ChunkMax:    cfg.ChunkMax,
	})
	return o
}

// Format returns the negotiated transport format for this session.
func (o *Orchestrator) Format() format.Negotiated { return o.negotiated }

// Snapshot returns the current session view.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		SessionID:         o.sessionID,
		Connection:        o.connState,
		Turn:              o.machine.State(),
		Transcript:        o.machine.Transcript(),
		Response:          o.machine.Response(),
		Level:             o.engine.Level(),
		PermissionGranted: o.permission,
		Language:          o.cfg.Language,
		Voice:             o.cfg.Voice,
	}
}

// RequestPermission verifies microphone access by briefly acquiring the
// capture device. Success is sticky. A refusal wraps
// [voice.ErrPermissionDenied] and is never retried automatically.
func (o *Orchestrator) RequestPermission(ctx context.Context) error {
	o.mu.Lock()
	if o.permission {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	src, err := o.source()
	if err != nil {
		return fmt.Errorf("orchestrator: acquire source: %w", err)
	}
	if _, err := src.Open(ctx); err != nil {
		_ = src.Close()
		return fmt.Errorf("orchestrator: probe microphone: %w", err)
	}
	if err := src.Close(); err != nil {
		slog.Warn("orchestrator: probe source close failed", "err", err)
	}

	o.mu.Lock()
	o.permission = true
	o.mu.Unlock()
	return nil
}

// Start begins listening: ensures permission, connects the transport if
// needed, announces the recording and acquires the microphone. Starting
// while already capturing is a no-op. On a connection failure the session
// stays Disconnected and capture is never started.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.RequestPermission(ctx); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.handle != nil {
		select {
		case <-o.handle.Done():
			o.handle = nil
		default:
			return nil
		}
	}

	if err := o.connectLocked(ctx); err != nil {
		return err
	}

	start := protocol.StartRecording{
		Language:   o.cfg.Language,
		Voice:      o.cfg.Voice,
		Format:     o.negotiated.Codec,
		SampleRate: o.negotiated.SampleRate,
	}
	if err := o.sess.SendControl(start); err != nil {
		return fmt.Errorf("orchestrator: announce recording: %w", err)
	}

	src, err := o.source()
	if err != nil {
		return fmt.Errorf("orchestrator: acquire source: %w", err)
	}

	sess := o.sess
	handle, err := o.engine.Start(ctx, src, func(f audio.Frame) {
		if err := sess.SendFrame(f); err != nil {
			slog.Warn("orchestrator: frame send failed", "err", err)
			return
		}
		o.metrics.RecordFrame(context.Background(), string(f.Codec))
	})
	if err != nil {
		if errors.Is(err, capture.ErrCaptureActive) {
			return nil
		}
		return fmt.Errorf("orchestrator: start capture: %w", err)
	}
	o.handle = handle
	return nil
}

// connectLocked dials the gateway when no live connection exists. Caller
// holds o.mu.
func (o *Orchestrator) connectLocked(ctx context.Context) error {
	if o.sess != nil && o.sess.Connected() {
		return nil
	}
	o.releaseSessionLocked()

	// A previous pump may still be draining its event stream. It must be
	// gone before a new session is installed, or its exit path could act
	// on the new session's state. The pump takes o.mu to run effects, so
	// the wait has to drop the lock.
	for {
		done := o.pumpDone
		if done == nil {
			break
		}
		o.pumpDone = nil
		o.mu.Unlock()
		<-done
		o.mu.Lock()
		if o.sess != nil {
			// Another caller connected while the lock was down.
			if o.sess.Connected() {
				return nil
			}
			o.releaseSessionLocked()
		}
	}

	o.connState = Connecting
	dialStart := time.Now()
	sess, err := o.dial(ctx, o.cfg.Endpoint, o.cfg.Credentials, o.cfg.ConnectTimeout)
	if err != nil {
		o.connState = Disconnected
		return fmt.Errorf("orchestrator: connect: %w", err)
	}

	o.sess = sess
	o.connState = Connected
	o.machine.SetConnected(true)
	o.metrics.ConnectDuration.Record(ctx, time.Since(dialStart).Seconds())
	o.metrics.ActiveSessions.Add(ctx, 1)

	o.pumpDone = make(chan struct{})
	go o.pump(sess, o.pumpDone)
	return nil
}

// Stop ends listening: releases the microphone, tells the gateway to stop
// and returns the turn state to idle. In continuous mode the transport stays
// open for the next start; otherwise it is closed. Idempotent and safe from
// any state, including concurrently with Start.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopLocked()
}

func (o *Orchestrator) stopLocked() error {
	var errs []error

	if o.handle != nil {
		if err := o.handle.Stop(); err != nil {
			errs = append(errs, err)
		}
		o.handle = nil
	}

	if o.sess != nil && o.sess.Connected() {
		if err := o.sess.SendControl(protocol.StopRecording{}); err != nil {
			errs = append(errs, err)
		}
	}

	o.machine.Stop()

	if !o.cfg.Continuous {
		o.teardownLocked()
	}
	return errors.Join(errs...)
}

// teardownLocked closes the transport and resets session identity. Caller
// holds o.mu.
func (o *Orchestrator) teardownLocked() {
	o.releaseSessionLocked()
	o.connState = Disconnected
	o.machine.SetConnected(false)
	o.sessionID = ""
}

// releaseSessionLocked closes the installed transport, folding its frame
// drop count and the playback skip count into metrics. Caller holds o.mu.
func (o *Orchestrator) releaseSessionLocked() {
	if o.sess == nil {
		return
	}
	ctx := context.Background()
	if st := o.sess.Stats(); st.FramesDropped > 0 {
		o.metrics.FramesDropped.Add(ctx, int64(st.FramesDropped))
	}
	if s := o.play.Skipped(); s > o.playSkipped {
		o.metrics.ChunksSkipped.Add(ctx, int64(s-o.playSkipped))
		o.playSkipped = s
	}
	_ = o.sess.Close()
	o.sess = nil
	o.metrics.ActiveSessions.Add(ctx, -1)
}

// ProcessText sends typed input through the session, bypassing audio. The
// turn moves straight to processing since no speech events will arrive.
func (o *Orchestrator) ProcessText(ctx context.Context, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.connectLocked(ctx); err != nil {
		return err
	}
	msg := protocol.TextInput{Text: text, Language: o.cfg.Language}
	if err := o.sess.SendControl(msg); err != nil {
		return fmt.Errorf("orchestrator: send text: %w", err)
	}
	o.machine.BeginTextTurn(text)
	return nil
}

// Clear drops any queued agent audio without touching the session.
func (o *Orchestrator) Clear() {
	o.play.Clear()
}

// SetLanguage changes the session language. A live session is torn down;
// the next start reconnects with the new value.
func (o *Orchestrator) SetLanguage(lang string) error {
	return o.reconfigure(func(c *Config) { c.Language = lang })
}

// SetVoice changes the synthesis voice. A live session is torn down; the
// next start reconnects with the new value.
func (o *Orchestrator) SetVoice(voiceID string) error {
	return o.reconfigure(func(c *Config) { c.Voice = voiceID })
}

func (o *Orchestrator) reconfigure(apply func(*Config)) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	err := o.stopLocked()
	o.teardownLocked()
	apply(&o.cfg)
	return err
}

// Close tears the whole session down: capture, transport and playback.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	stopErr := o.stopLocked()
	o.teardownLocked()
	pump := o.pumpDone
	o.mu.Unlock()

	if pump != nil {
		<-pump
	}
	return errors.Join(stopErr, o.play.Close())
}

// ── Event pump ────────────────────────────────────────────────────────────────

// pump is the single consumer of the transport event stream, so the turn
// machine observes transitions in arrival order.
func (o *Orchestrator) pump(sess Transport, done chan struct{}) {
	defer close(done)

	for ev := range sess.Events() {
		switch e := ev.(type) {
		case protocol.Ready:
			o.mu.Lock()
			if o.sess == sess {
				o.sessionID = e.SessionID
			}
			o.mu.Unlock()
			slog.Info("orchestrator: session ready", "session_id", e.SessionID)

		case protocol.AudioChunk:
			o.play.Render(e)

		default:
			o.track(ev)
			effects := o.machine.Apply(ev)
			o.execute(ev, effects)
		}
	}

	// Stream ended: the transport already surfaced a synthetic error event
	// if the closure was unexpected. Shared state is only touched while
	// this pump's session is still the installed one; a reconfigure may
	// already have replaced it with a successor.
	o.mu.Lock()
	if o.sess == sess {
		if o.handle != nil {
			_ = o.handle.Stop()
			o.handle = nil
		}
		o.connState = Disconnected
		o.machine.SetConnected(false)
	}
	o.mu.Unlock()
}

// track records turn timing metrics around the event flow.
func (o *Orchestrator) track(ev protocol.Event) {
	ctx := context.Background()
	now := time.Now()

	switch ev.(type) {
	case protocol.SpeechStarted:
		o.turnStart = now
		o.speechEnd = time.Time{}
		o.sawFirstResp = false
	case protocol.SpeechStopped:
		o.speechEnd = now
	case protocol.ResponseDelta:
		if !o.sawFirstResp && !o.speechEnd.IsZero() {
			o.sawFirstResp = true
			o.metrics.FirstResponseLatency.Record(ctx, now.Sub(o.speechEnd).Seconds())
		}
	case protocol.ResponseFinal:
		if !o.turnStart.IsZero() {
			o.metrics.TurnDuration.Record(ctx, now.Sub(o.turnStart).Seconds())
			o.turnStart = time.Time{}
		}
	}
}

// execute runs the side effects the turn machine requested.
func (o *Orchestrator) execute(ev protocol.Event, effects []turn.Effect) {
	for _, eff := range effects {
		switch eff {
		case turn.EffectStopCapture:
			o.mu.Lock()
			if o.handle != nil {
				_ = o.handle.Stop()
				o.handle = nil
			}
			o.mu.Unlock()

		case turn.EffectInterruptPlayback:
			o.play.Clear()
			o.metrics.BargeIns.Add(context.Background(), 1)

		case turn.EffectSurfaceError:
			if e, ok := ev.(protocol.ErrorEvent); ok {
				o.metrics.RecordError(context.Background(), e.Code)
				err := fmt.Errorf("%w: %s: %s", voice.ErrConnection, e.Code, e.Message)
				if !e.Fatal {
					err = fmt.Errorf("session error %s: %s", e.Code, e.Message)
				}
				slog.Error("orchestrator: session error", "code", e.Code, "fatal", e.Fatal)
				if o.onError != nil {
					o.onError(err)
				}
			}
		}
	}
}

func (o *Orchestrator) onChange(c turn.Change) {
	if o.notify != nil {
		o.notify(c)
	}
}
