package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mockmate/mockmate/backend/models"
	"github.com/mockmate/mockmate/backend/repository"
	"github.com/mockmate/mockmate/backend/session"
)

// ClientMessage is what the browser sends over the session socket.
type ClientMessage struct {
	Type string `json:"type"` // "start", "stop"
}

// ServerMessage is what the runner streams back: session status changes,
// finalized transcript turns, speech activity, duration ticks, and the
// terminal navigation instruction.
type ServerMessage struct {
	Type     string `json:"type"` // "status", "transcript", "speech", "duration", "navigate"
	Status   string `json:"status,omitempty"`
	Role     string `json:"role,omitempty"`
	Content  string `json:"content,omitempty"`
	Speaking bool   `json:"speaking,omitempty"`
	Seconds  int    `json:"seconds,omitempty"`
	Path     string `json:"path,omitempty"`
}

// SessionRunner owns one live session: it translates bridge events into
// machine dispatches, executes the effects the reducer returns, and streams
// progress to the connected client. It is the BridgeListener for its bridge.
type SessionRunner struct {
	machine  *session.Machine
	bridge   VoiceAgentBridge
	feedback *FeedbackService
	registry *session.Registry

	user       *models.User
	interview  *models.Interview // nil in generate mode
	workflowID string
	feedbackID string // optional, regeneration

	send chan []byte

	mu          sync.Mutex
	tickerStop  chan struct{}
	tickerAlive bool
}

func NewSessionRunner(
	machine *session.Machine,
	bridge VoiceAgentBridge,
	feedback *FeedbackService,
	registry *session.Registry,
	user *models.User,
	interview *models.Interview,
	workflowID string,
	feedbackID string,
) *SessionRunner {
	return &SessionRunner{
		machine:    machine,
		bridge:     bridge,
		feedback:   feedback,
		registry:   registry,
		user:       user,
		interview:  interview,
		workflowID: workflowID,
		feedbackID: feedbackID,
		send:       make(chan []byte, 256),
	}
}

// Send is the outbound channel drained by the socket write pump.
func (r *SessionRunner) Send() <-chan []byte { return r.send }

// HandleClientMessage processes one message from the browser.
func (r *SessionRunner) HandleClientMessage(messageBytes []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		slog.Error("Failed to unmarshal client message", "error", err, "session_id", r.machine.ID())
		return
	}

	r.registry.Touch(r.machine.ID())

	switch msg.Type {
	case "start":
		r.dispatch(session.StartRequested{})
	case "stop":
		r.dispatch(session.DisconnectRequested{})
	default:
		slog.Warn("Unknown client message type", "type", msg.Type, "session_id", r.machine.ID())
	}
}

// Abandon force-finishes the session; used by the registry's idle sweep and
// on socket teardown.
func (r *SessionRunner) Abandon() {
	r.dispatch(session.DisconnectRequested{})
}

// BridgeListener implementation

func (r *SessionRunner) OnCallStart() {
	r.registry.Touch(r.machine.ID())
	r.dispatch(session.CallStarted{})
}

func (r *SessionRunner) OnCallEnd() {
	r.dispatch(session.CallEnded{})
}

func (r *SessionRunner) OnTranscript(role, content string) {
	r.registry.Touch(r.machine.ID())
	r.dispatch(session.TranscriptTurn{Role: role, Content: content})
	r.push(ServerMessage{Type: "transcript", Role: role, Content: content})
}

func (r *SessionRunner) OnSpeechStart() {
	r.dispatch(session.SpeechStarted{})
	r.push(ServerMessage{Type: "speech", Speaking: true})
}

func (r *SessionRunner) OnSpeechEnd() {
	r.dispatch(session.SpeechEnded{})
	r.push(ServerMessage{Type: "speech", Speaking: false})
}

func (r *SessionRunner) OnError(err error) {
	// Logged by the machine; no transition, no user-facing error text.
	r.dispatch(session.AgentError{Err: err})
}

func (r *SessionRunner) dispatch(ev session.Event) {
	before := r.machine.Status()
	effects := r.machine.Dispatch(ev)
	if after := r.machine.Status(); after != before {
		r.push(ServerMessage{Type: "status", Status: string(after)})
	}
	for _, effect := range effects {
		r.runEffect(effect)
	}
}

func (r *SessionRunner) runEffect(effect session.Effect) {
	switch effect := effect.(type) {
	case session.EffectStartCall:
		r.startCall(effect.Mode)
	case session.EffectStopCall:
		if err := r.bridge.Stop(context.Background()); err != nil {
			slog.Error("Failed to stop voice session", "error", err, "session_id", r.machine.ID())
		}
	case session.EffectTimerStart:
		r.startTicker()
	case session.EffectTimerStop:
		r.stopTicker()
	case session.EffectFinish:
		go r.finish(effect)
	}
}

func (r *SessionRunner) startCall(mode session.Mode) {
	sessionsStarted.WithLabelValues(string(mode)).Inc()

	var target StartTarget
	if mode == session.ModeGenerate {
		target = StartTarget{
			WorkflowID: r.workflowID,
			Variables: map[string]string{
				"username": r.user.FullName,
				"userid":   r.user.ID,
			},
		}
	} else {
		target = StartTarget{Questions: r.interview.Questions}
	}

	if err := r.bridge.Start(context.Background(), target, r); err != nil {
		// A failed start is indistinguishable from a dropped transport:
		// log it and finish the session so the client is not stranded.
		slog.Error("Failed to start voice session", "error", err, "session_id", r.machine.ID())
		r.dispatch(session.AgentError{Err: err})
		r.dispatch(session.CallEnded{})
	}
}

// finish runs the terminal side effects: generate mode goes straight to the
// listing, practice mode runs the feedback pipeline and navigates to the
// feedback view on success, the listing on any failure.
func (r *SessionRunner) finish(effect session.EffectFinish) {
	sessionsFinished.WithLabelValues(string(effect.Mode)).Inc()
	defer r.registry.Remove(r.machine.ID())

	if effect.Mode == session.ModeGenerate {
		r.push(ServerMessage{Type: "navigate", Path: "/interviews"})
		return
	}

	r.push(ServerMessage{Type: "status", Status: "PROCESSING"})

	feedbackID, err := r.feedback.CreateFeedback(context.Background(), CreateFeedbackParams{
		InterviewID: r.interview.ID,
		UserID:      r.user.ID,
		Transcript:  effect.Turns,
		FeedbackID:  r.feedbackID,
	})
	if err != nil {
		slog.Error("Feedback generation failed", "error", err, "interview_id", r.interview.ID, "user_id", r.user.ID)
		r.push(ServerMessage{Type: "navigate", Path: "/interviews"})
		return
	}

	slog.Info("Session feedback ready", "interview_id", r.interview.ID, "feedback_id", feedbackID)
	r.push(ServerMessage{Type: "navigate", Path: "/interviews/" + r.interview.ID + "/feedback"})
}

func (r *SessionRunner) startTicker() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tickerAlive {
		return
	}
	r.tickerAlive = true
	r.tickerStop = make(chan struct{})

	go func(stop chan struct{}) {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.push(ServerMessage{Type: "duration", Seconds: int(r.machine.Duration().Seconds())})
			}
		}
	}(r.tickerStop)
}

func (r *SessionRunner) stopTicker() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tickerAlive {
		close(r.tickerStop)
		r.tickerAlive = false
	}
}

func (r *SessionRunner) push(msg ServerMessage) {
	messageBytes, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal server message", "error", err, "session_id", r.machine.ID())
		return
	}
	select {
	case r.send <- messageBytes:
	default:
		slog.Warn("Client channel full, dropping message", "session_id", r.machine.ID(), "type", msg.Type)
	}
}

// SessionSocketHandler upgrades the session WebSocket and wires a runner to
// the connection for its lifetime.
type SessionSocketHandler struct {
	repo            *repository.GORMRepository
	feedbackService *FeedbackService
	registry        *session.Registry
	workflowID      string
	upgrader        websocket.Upgrader

	// newBridge builds a bridge per session; swapped out in tests.
	newBridge func() VoiceAgentBridge

	mu      sync.Mutex
	runners map[string]*SessionRunner
}

func NewSessionSocketHandler(
	repo *repository.GORMRepository,
	feedbackService *FeedbackService,
	registry *session.Registry,
	voiceConfig VoiceConfig,
	upgrader websocket.Upgrader,
) *SessionSocketHandler {
	return &SessionSocketHandler{
		repo:            repo,
		feedbackService: feedbackService,
		registry:        registry,
		workflowID:      voiceConfig.WorkflowID,
		upgrader:        upgrader,
		newBridge: func() VoiceAgentBridge {
			return NewVapiBridge(voiceConfig.APIKey, voiceConfig.BaseURL)
		},
		runners: make(map[string]*SessionRunner),
	}
}

// AbandonSession force-finishes the runner for the machine, if it is still
// connected. Hooked up to the registry's idle sweep.
func (h *SessionSocketHandler) AbandonSession(m *session.Machine) {
	h.mu.Lock()
	runner := h.runners[m.ID()]
	h.mu.Unlock()
	if runner != nil {
		slog.Warn("Forcing finish of idle session", "session_id", m.ID())
		runner.Abandon()
	}
}

func (h *SessionSocketHandler) track(runner *SessionRunner) {
	h.mu.Lock()
	h.runners[runner.machine.ID()] = runner
	h.mu.Unlock()
}

func (h *SessionSocketHandler) untrack(sessionID string) {
	h.mu.Lock()
	delete(h.runners, sessionID)
	h.mu.Unlock()
}

func (h *SessionSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	mode := session.Mode(r.URL.Query().Get("mode"))
	if mode != session.ModeGenerate && mode != session.ModePractice {
		http.Error(w, "mode must be generate or practice", http.StatusBadRequest)
		return
	}

	var interview *models.Interview
	if mode == session.ModePractice {
		interviewID := r.URL.Query().Get("interview_id")
		if interviewID == "" {
			http.Error(w, "interview_id is required in practice mode", http.StatusBadRequest)
			return
		}
		found, err := h.repo.GetInterviewByID(r.Context(), interviewID)
		if err != nil {
			http.Error(w, "Failed to load interview", http.StatusInternalServerError)
			return
		}
		if found == nil || (found.UserID != user.ID && !found.Finalized) {
			http.Error(w, "Interview not found", http.StatusNotFound)
			return
		}
		interview = found
	}

	machine := session.NewMachine(uuid.New().String(), mode)
	runner := NewSessionRunner(
		machine,
		h.newBridge(),
		h.feedbackService,
		h.registry,
		user,
		interview,
		h.workflowID,
		r.URL.Query().Get("feedback_id"),
	)

	interviewID := ""
	if interview != nil {
		interviewID = interview.ID
	}
	if !h.registry.Register(machine, interviewID, user.ID) {
		http.Error(w, "Interview already has a live session", http.StatusConflict)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		h.registry.Remove(machine.ID())
		return
	}

	slog.Info("Session socket established", "session_id", machine.ID(), "user_id", user.ID, "mode", mode)

	h.track(runner)
	go writePump(conn, runner.Send())
	readPump(conn, runner)
	h.untrack(machine.ID())
	// A session torn down before any transcript turn never runs the finish
	// path, so the registry slot is freed here as well.
	h.registry.Remove(machine.ID())
}

// readPump reads client messages until the socket closes, then abandons the
// session so the bridge and timers are torn down.
func readPump(conn *websocket.Conn, runner *SessionRunner) {
	defer func() {
		runner.Abandon()
		conn.Close()
	}()

	conn.SetReadLimit(64 * 1024)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, messageBytes, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Error("WebSocket error", "error", err)
			}
			return
		}
		runner.HandleClientMessage(messageBytes)
	}
}

func writePump(conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
