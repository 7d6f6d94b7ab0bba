package session

import (
	"log/slog"
	"sync"
	"time"
)

// Status is the lifecycle state of a live interview session
type Status string

const (
	StatusInactive   Status = "INACTIVE"
	StatusConnecting Status = "CONNECTING"
	StatusActive     Status = "ACTIVE"
	StatusFinished   Status = "FINISHED"
)

// Mode selects what happens when the session finishes: generate mode builds
// a question set and never produces feedback, practice mode runs the
// candidate against an existing question set and is scored afterwards.
type Mode string

const (
	ModeGenerate Mode = "generate"
	ModePractice Mode = "practice"
)

// Turn is one finalized utterance. Transient: held in memory for the session
// and flattened into the feedback prompt, never persisted verbatim.
type Turn struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// Event is a tagged variant dispatched through the reducer. One type per
// event the voice agent bridge can emit, plus the user-initiated ones.
type Event interface{ isEvent() }

type StartRequested struct{}
type DisconnectRequested struct{}
type CallStarted struct{}
type CallEnded struct{}
type TranscriptTurn struct {
	Role    string
	Content string
}
type SpeechStarted struct{}
type SpeechEnded struct{}
type AgentError struct{ Err error }

func (StartRequested) isEvent()      {}
func (DisconnectRequested) isEvent() {}
func (CallStarted) isEvent()         {}
func (CallEnded) isEvent()           {}
func (TranscriptTurn) isEvent()      {}
func (SpeechStarted) isEvent()       {}
func (SpeechEnded) isEvent()         {}
func (AgentError) isEvent()          {}

// Effect is a side effect the caller must run after a dispatch. The reducer
// never performs I/O itself so transitions stay testable without a transport.
type Effect interface{ isEffect() }

// EffectStartCall tells the runner to begin the voice session on the bridge.
type EffectStartCall struct{ Mode Mode }

// EffectStopCall tells the runner to issue a stop to the bridge.
type EffectStopCall struct{}

// EffectTimerStart starts the one-second duration counter.
type EffectTimerStart struct{}

// EffectTimerStop stops the duration counter.
type EffectTimerStop struct{}

// EffectFinish carries the accumulated transcript out of the machine when the
// session reaches its terminal state with at least one recorded turn. Emitted
// at most once per machine regardless of how many finish events arrive.
type EffectFinish struct {
	Mode  Mode
	Turns []Turn
}

func (EffectStartCall) isEffect()  {}
func (EffectStopCall) isEffect()   {}
func (EffectTimerStart) isEffect() {}
func (EffectTimerStop) isEffect()  {}
func (EffectFinish) isEffect()     {}

// Machine is the session state machine. All mutation goes through Dispatch;
// events from the bridge goroutine and the client goroutine serialize on the
// internal mutex. FINISHED is terminal: a new session needs a new machine.
type Machine struct {
	mu sync.Mutex

	sessionID string
	mode      Mode

	status   Status
	turns    []Turn
	speaking bool
	finished bool // finish effects already emitted

	startedAt time.Time
	endedAt   time.Time
	clock     func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Machine) { m.clock = clock }
}

func NewMachine(sessionID string, mode Mode, opts ...Option) *Machine {
	m := &Machine{
		sessionID: sessionID,
		mode:      mode,
		status:    StatusInactive,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) ID() string { return m.sessionID }

func (m *Machine) Mode() Mode { return m.mode }

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Machine) Speaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speaking
}

// Turns returns a copy of the accumulated transcript in arrival order.
func (m *Machine) Turns() []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// Duration returns whole seconds of active call time.
func (m *Machine) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startedAt.IsZero() {
		return 0
	}
	end := m.endedAt
	if end.IsZero() {
		end = m.clock()
	}
	return end.Sub(m.startedAt).Truncate(time.Second)
}

// Dispatch runs one event through the reducer and returns the effects the
// caller must execute, in order.
func (m *Machine) Dispatch(ev Event) []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev := ev.(type) {
	case StartRequested:
		if m.status != StatusInactive {
			slog.Warn("Start ignored in current state", "session_id", m.sessionID, "status", m.status)
			return nil
		}
		m.status = StatusConnecting
		return []Effect{EffectStartCall{Mode: m.mode}}

	case CallStarted:
		if m.status != StatusConnecting {
			slog.Warn("Call-start ignored in current state", "session_id", m.sessionID, "status", m.status)
			return nil
		}
		m.status = StatusActive
		m.startedAt = m.clock()
		return []Effect{EffectTimerStart{}}

	case TranscriptTurn:
		// Append-only, arrival order, no dedup, no size bound.
		if m.status == StatusActive || m.status == StatusConnecting {
			m.turns = append(m.turns, Turn{Role: ev.Role, Content: ev.Content})
		}
		return nil

	case SpeechStarted:
		m.speaking = true
		return nil

	case SpeechEnded:
		m.speaking = false
		return nil

	case AgentError:
		// Logged only; errors from the voice transport never force a
		// transition. The bridge follows up with call-end if the call died.
		slog.Error("Voice agent error", "error", ev.Err, "session_id", m.sessionID, "status", m.status)
		return nil

	case CallEnded:
		return m.finishLocked(nil)

	case DisconnectRequested:
		// User hang-up also issues an explicit stop to the bridge.
		return m.finishLocked([]Effect{EffectStopCall{}})
	}

	return nil
}

// finishLocked transitions to FINISHED and emits the terminal effects exactly
// once. Duplicate finish events (a disconnect followed by the bridge's own
// call-end, or double event delivery) are silently ignored.
func (m *Machine) finishLocked(prefix []Effect) []Effect {
	if m.finished || m.status == StatusInactive {
		return nil
	}
	m.finished = true
	m.status = StatusFinished
	if m.endedAt.IsZero() {
		m.endedAt = m.clock()
	}

	effects := append(prefix, Effect(EffectTimerStop{}))
	if len(m.turns) > 0 {
		turns := make([]Turn, len(m.turns))
		copy(turns, m.turns)
		effects = append(effects, EffectFinish{Mode: m.mode, Turns: turns})
	}
	slog.Info("Session finished", "session_id", m.sessionID, "mode", m.mode, "turns", len(m.turns))
	return effects
}
