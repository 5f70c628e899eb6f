// Package turn tracks conversation turn state for a voice session.
//
// Turn boundaries are decided remotely: the gateway runs voice-activity
// detection and announces speech start and stop, so the local machine is a
// reactive projection of gateway events plus local intent. The transition
// function is pure and returns a list of effects for the caller to execute;
// Machine layers transcript and response accumulation on top.
package turn

import (
	"log/slog"
	"sync"

	"github.com/sitespeak/sitespeak/pkg/protocol"
)

// State is the turn position within a session.
type State int

const (
	// Idle means no turn is in progress.
	Idle State = iota
	// Listening means the user is (or may start) speaking.
	Listening
	// Processing means an utterance ended and the agent is thinking.
	Processing
	// Speaking means the agent is producing a response.
	Speaking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Effect is a side effect the caller must execute after a transition.
// Transition itself never touches hardware, transport or playback.
type Effect int

const (
	// EffectClearTurn resets transcript and response for a new turn.
	EffectClearTurn Effect = iota
	// EffectStopCapture releases the microphone.
	EffectStopCapture
	// EffectInterruptPlayback drops queued agent audio on barge-in.
	EffectInterruptPlayback
	// EffectSurfaceError reports the error event to the user.
	EffectSurfaceError
)

// ── Pure transition function ──────────────────────────────────────────────────

// Transition computes the next state and effects for one gateway event.
// Event and state pairs without a defined transition keep the current state
// and produce no effects. Pure: same inputs, same outputs.
func Transition(s State, ev protocol.Event, continuous bool) (State, []Effect) {
	switch e := ev.(type) {
	case protocol.SpeechStarted:
		effects := []Effect{EffectClearTurn}
		if s == Speaking {
			// Barge-in: the user talks over the agent.
			effects = append(effects, EffectInterruptPlayback)
		}
		return Listening, effects

	case protocol.SpeechStopped:
		if s == Listening {
			return Processing, nil
		}
		return s, nil

	case protocol.PartialTranscript:
		// Accumulation happens in Machine; the state does not move.
		return s, nil

	case protocol.FinalTranscript:
		return Processing, nil

	case protocol.ResponseDelta:
		if s == Processing || s == Speaking {
			return Speaking, nil
		}
		return s, nil

	case protocol.ResponseFinal:
		return afterTurn(continuous), nil

	case protocol.MicOpened:
		return Listening, nil

	case protocol.MicClosed:
		return afterTurn(continuous), []Effect{EffectStopCapture}

	case protocol.ErrorEvent:
		return Idle, []Effect{EffectStopCapture, EffectSurfaceError}

	default:
		_ = e
		return s, nil
	}
}

// afterTurn is the rest state between turns: continuous conversation re-arms
// listening, one-shot mode returns to idle.
func afterTurn(continuous bool) State {
	if continuous {
		return Listening
	}
	return Idle
}

// ── Machine ───────────────────────────────────────────────────────────────────

// Change describes one observed transition, delivered to the notify hook.
type Change struct {
	From    State
	To      State
	Effects []Effect
}

// Option is a functional option for configuring a Machine.
type Option func(*Machine)

// WithContinuous enables continuous conversation: completed turns re-arm
// listening instead of returning to idle.
func WithContinuous(on bool) Option {
	return func(m *Machine) { m.continuous = on }
}

// WithNotify registers a hook invoked after every applied event, including
// ones that did not move the state. Called with the machine lock held; the
// hook must not call back into the Machine.
func WithNotify(fn func(Change)) Option {
	return func(m *Machine) { m.notify = fn }
}

// Machine is the stateful layer over Transition: it gates events on
// connection state, accumulates transcript and response text, and runs the
// notify hook. Safe for concurrent use, though in practice a single event
// pump feeds it so transitions are observed in arrival order.
type Machine struct {
	continuous bool
	notify     func(Change)

	mu         sync.Mutex
	state      State
	connected  bool
	transcript string
	response   string
}

// NewMachine returns a Machine in the Idle state, disconnected.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetConnected flips the connection gate. While disconnected every applied
// event is dropped with a warning.
func (m *Machine) SetConnected(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = on
}

// State returns the current turn state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transcript returns the accumulated user transcript for the current turn.
func (m *Machine) Transcript() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transcript
}

// Response returns the accumulated agent response for the current turn.
func (m *Machine) Response() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.response
}

// Apply feeds one gateway event through the transition function, updates
// text accumulation and returns the effects for the caller to execute.
// Events arriving while disconnected are dropped.
func (m *Machine) Apply(ev protocol.Event) []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		slog.Warn("turn: dropping event while disconnected", "event", protocol.EventName(ev))
		return nil
	}

	from := m.state
	next, effects := Transition(m.state, ev, m.continuous)

	for _, eff := range effects {
		if eff == EffectClearTurn {
			m.transcript = ""
			m.response = ""
		}
	}

	switch e := ev.(type) {
	case protocol.PartialTranscript:
		// Latest partial replaces, never appends: the recognizer re-emits
		// the whole hypothesis each time.
		if m.state == Listening || m.state == Processing {
			m.transcript = e.Text
		}
	case protocol.FinalTranscript:
		m.transcript = e.Text
	case protocol.ResponseDelta:
		if m.state == Processing || m.state == Speaking {
			m.response += e.Text
		}
	case protocol.ResponseFinal:
		m.response = e.Text
	}

	m.state = next
	m.emit(Change{From: from, To: next, Effects: effects})
	return effects
}

// Stop applies the local stop intent: the turn ends and the microphone is
// released regardless of state or connection.
func (m *Machine) Stop() []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	m.state = Idle
	effects := []Effect{EffectStopCapture}
	m.emit(Change{From: from, To: Idle, Effects: effects})
	return effects
}

// BeginTextTurn starts a turn for typed input: no speech events will arrive,
// so the transcript is set directly and the state forced to Processing.
func (m *Machine) BeginTextTurn(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	m.transcript = text
	m.response = ""
	m.state = Processing
	m.emit(Change{From: from, To: Processing})
}

// Reset returns the machine to Idle and clears accumulated text. Used when
// a session is torn down.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	m.state = Idle
	m.transcript = ""
	m.response = ""
	m.emit(Change{From: from, To: Idle})
}

func (m *Machine) emit(c Change) {
	if m.notify != nil {
		m.notify(c)
	}
}
