package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mockmate/mockmate/backend/models"
	"github.com/mockmate/mockmate/backend/repository"
	"github.com/mockmate/mockmate/backend/session"
)

// fakeBridge records Start/Stop calls without touching the network. Events
// are injected by the test calling the runner's listener methods directly.
type fakeBridge struct {
	mu       sync.Mutex
	started  []StartTarget
	stops    int
	startErr error
}

func (b *fakeBridge) Start(ctx context.Context, target StartTarget, listener BridgeListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startErr != nil {
		return b.startErr
	}
	b.started = append(b.started, target)
	return nil
}

func (b *fakeBridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops++
	return nil
}

func (b *fakeBridge) startCalls() []StartTarget {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]StartTarget(nil), b.started...)
}

func (b *fakeBridge) stopCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stops
}

// drainMessages collects decoded server messages until the predicate is
// satisfied or the timeout hits.
func drainMessages(t *testing.T, runner *SessionRunner, timeout time.Duration, done func(msgs []ServerMessage) bool) []ServerMessage {
	t.Helper()

	var msgs []ServerMessage
	deadline := time.After(timeout)
	for {
		select {
		case raw := <-runner.Send():
			var msg ServerMessage
			require.NoError(t, json.Unmarshal(raw, &msg))
			msgs = append(msgs, msg)
			if done(msgs) {
				return msgs
			}
		case <-deadline:
			t.Fatalf("timed out waiting for messages, got %+v", msgs)
		}
	}
}

func hasNavigate(msgs []ServerMessage) bool {
	for _, m := range msgs {
		if m.Type == "navigate" {
			return true
		}
	}
	return false
}

func navigatePath(msgs []ServerMessage) string {
	for _, m := range msgs {
		if m.Type == "navigate" {
			return m.Path
		}
	}
	return ""
}

func statusSequence(msgs []ServerMessage) []string {
	var out []string
	for _, m := range msgs {
		if m.Type == "status" {
			out = append(out, m.Status)
		}
	}
	return out
}

func newPracticeRunner(t *testing.T, generate func(ctx context.Context, prompt string) (string, error)) (*SessionRunner, *fakeBridge, *repository.GORMRepository, *models.Interview) {
	t.Helper()

	repo := setupTestRepo(t)
	user, interview := seedInterview(t, repo)

	bridge := &fakeBridge{}
	registry := session.NewRegistry(time.Minute, nil)
	t.Cleanup(registry.Close)

	feedbackService := newTestFeedbackService(repo, nil, generate)
	machine := session.NewMachine("sess-test", session.ModePractice)
	require.True(t, registry.Register(machine, interview.ID, user.ID))

	runner := NewSessionRunner(machine, bridge, feedbackService, registry, user, interview, "", "")
	return runner, bridge, repo, interview
}

func TestSessionRunnerPracticeFlow(t *testing.T) {
	runner, bridge, repo, interview := newPracticeRunner(t, func(ctx context.Context, prompt string) (string, error) {
		return validModelResponse, nil
	})

	runner.HandleClientMessage([]byte(`{"type":"start"}`))

	calls := bridge.startCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, interview.Questions, calls[0].Questions)
	assert.Empty(t, calls[0].WorkflowID)

	runner.OnCallStart()
	runner.OnSpeechStart()
	runner.OnTranscript("assistant", "What is a goroutine?")
	runner.OnSpeechEnd()
	runner.OnTranscript("user", "A lightweight thread.")
	runner.OnCallEnd()

	msgs := drainMessages(t, runner, 2*time.Second, hasNavigate)

	assert.Equal(t, []string{"CONNECTING", "ACTIVE", "FINISHED", "PROCESSING"}, statusSequence(msgs))
	assert.Equal(t, "/interviews/"+interview.ID+"/feedback", navigatePath(msgs))

	// The transcript was streamed to the client as it arrived.
	var transcripts []string
	for _, m := range msgs {
		if m.Type == "transcript" {
			transcripts = append(transcripts, m.Role+": "+m.Content)
		}
	}
	assert.Equal(t, []string{"assistant: What is a goroutine?", "user: A lightweight thread."}, transcripts)

	// And feedback was persisted.
	stored, err := repo.GetFeedbackByInterviewAndUser(context.Background(), interview.ID, runner.user.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 74.5, stored.TotalScore)
}

func TestSessionRunnerPracticeFeedbackFailure(t *testing.T) {
	runner, _, repo, interview := newPracticeRunner(t, func(ctx context.Context, prompt string) (string, error) {
		return "garbage", nil
	})

	runner.HandleClientMessage([]byte(`{"type":"start"}`))
	runner.OnCallStart()
	runner.OnTranscript("user", "answer")
	runner.OnCallEnd()

	msgs := drainMessages(t, runner, 2*time.Second, hasNavigate)

	// Failure still navigates, to the listing instead of the feedback view.
	assert.Equal(t, "/interviews", navigatePath(msgs))

	stored, err := repo.GetFeedbackByInterviewAndUser(context.Background(), interview.ID, runner.user.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestSessionRunnerGenerateFlow(t *testing.T) {
	repo := setupTestRepo(t)
	user, _ := seedInterview(t, repo)

	bridge := &fakeBridge{}
	registry := session.NewRegistry(time.Minute, nil)
	t.Cleanup(registry.Close)

	machine := session.NewMachine("sess-gen", session.ModeGenerate)
	require.True(t, registry.Register(machine, "", user.ID))

	runner := NewSessionRunner(machine, bridge, nil, registry, user, nil, "wf-42", "")

	runner.HandleClientMessage([]byte(`{"type":"start"}`))

	calls := bridge.startCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "wf-42", calls[0].WorkflowID)
	assert.Equal(t, user.FullName, calls[0].Variables["username"])
	assert.Equal(t, user.ID, calls[0].Variables["userid"])

	runner.OnCallStart()
	runner.OnTranscript("assistant", "Generating your questions now.")
	runner.OnCallEnd()

	msgs := drainMessages(t, runner, 2*time.Second, hasNavigate)
	assert.Equal(t, "/interviews", navigatePath(msgs), "generate mode goes to the listing, never the feedback pipeline")

	// Session slot is released once finished.
	waitFor(t, time.Second, func() bool { return registry.Count() == 0 })
}

func TestSessionRunnerStopIssuesBridgeStop(t *testing.T) {
	runner, bridge, _, _ := newPracticeRunner(t, func(ctx context.Context, prompt string) (string, error) {
		return validModelResponse, nil
	})

	runner.HandleClientMessage([]byte(`{"type":"start"}`))
	runner.OnCallStart()
	runner.OnTranscript("user", "partial session")
	runner.HandleClientMessage([]byte(`{"type":"stop"}`))

	assert.Equal(t, 1, bridge.stopCalls())
	assert.Equal(t, session.StatusFinished, runner.machine.Status())

	// The bridge's trailing call-end must not re-run the finish path.
	runner.OnCallEnd()
	assert.Equal(t, 1, bridge.stopCalls())
}

func TestSessionRunnerStartFailureFinishesSession(t *testing.T) {
	runner, bridge, _, _ := newPracticeRunner(t, nil)
	bridge.startErr = assert.AnError

	runner.HandleClientMessage([]byte(`{"type":"start"}`))

	assert.Equal(t, session.StatusFinished, runner.machine.Status())
}

func TestSessionRunnerIgnoresUnknownMessages(t *testing.T) {
	runner, bridge, _, _ := newPracticeRunner(t, nil)

	runner.HandleClientMessage([]byte(`{"type":"dance"}`))
	runner.HandleClientMessage([]byte(`not json`))

	assert.Empty(t, bridge.startCalls())
	assert.Equal(t, session.StatusInactive, runner.machine.Status())
}

func TestAbandonSessionFinishesRunner(t *testing.T) {
	runner, _, _, _ := newPracticeRunner(t, nil)

	handler := &SessionSocketHandler{runners: map[string]*SessionRunner{}}
	handler.track(runner)

	runner.HandleClientMessage([]byte(`{"type":"start"}`))
	runner.OnCallStart()

	handler.AbandonSession(runner.machine)
	assert.Equal(t, session.StatusFinished, runner.machine.Status())

	// Untracked sessions are a no-op.
	handler.untrack(runner.machine.ID())
	handler.AbandonSession(runner.machine)
}

func newSocketHandler(t *testing.T, repo *repository.GORMRepository) *SessionSocketHandler {
	t.Helper()

	registry := session.NewRegistry(time.Minute, nil)
	t.Cleanup(registry.Close)

	handler := NewSessionSocketHandler(repo, nil, registry, VoiceConfig{WorkflowID: "wf-42"}, websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	})
	handler.newBridge = func() VoiceAgentBridge { return &fakeBridge{} }
	return handler
}

func TestSocketTeardownWithoutTurnsFreesInterview(t *testing.T) {
	repo := setupTestRepo(t)
	user, interview := seedInterview(t, repo)
	handler := newSocketHandler(t, repo)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), UserContextKey, user)))
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?mode=practice&interview_id=" + interview.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "start"}))
	waitFor(t, time.Second, func() bool { return handler.registry.Count() == 1 })

	// Drop the socket before any transcript turn arrives. The interview slot
	// must come free without waiting for the idle sweep.
	conn.Close()
	waitFor(t, time.Second, func() bool { return handler.registry.Count() == 0 })

	other := session.NewMachine("sess-retry", session.ModePractice)
	assert.True(t, handler.registry.Register(other, interview.ID, user.ID), "a retry should not see the interview as busy")
	handler.registry.Remove("sess-retry")
}

func TestSessionSocketHandlerValidation(t *testing.T) {
	repo := setupTestRepo(t)
	user, interview := seedInterview(t, repo)
	handler := newSocketHandler(t, repo)

	withUser := func(req *http.Request, u *models.User) *http.Request {
		return req.WithContext(context.WithValue(req.Context(), UserContextKey, u))
	}

	t.Run("unauthenticated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/ws?mode=practice", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing mode", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, withUser(httptest.NewRequest("GET", "/api/v1/ws", nil), user))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("practice without interview", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, withUser(httptest.NewRequest("GET", "/api/v1/ws?mode=practice", nil), user))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown interview", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, withUser(httptest.NewRequest("GET", "/api/v1/ws?mode=practice&interview_id=nope", nil), user))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("draft interview hidden from stranger", func(t *testing.T) {
		stranger := &models.User{Email: "bob@example.com", Password: "hashed", FullName: "Bob", Role: "user"}
		require.NoError(t, repo.CreateUser(context.Background(), stranger))

		draft := &models.Interview{
			UserID: user.ID, Role: "Draft", Level: "Mid", Type: models.InterviewTypeTechnical,
			Questions: []string{"q"}, Finalized: false,
		}
		require.NoError(t, repo.CreateInterview(context.Background(), draft))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, withUser(httptest.NewRequest("GET", "/api/v1/ws?mode=practice&interview_id="+draft.ID, nil), stranger))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("busy interview conflicts", func(t *testing.T) {
		other := session.NewMachine("sess-busy", session.ModePractice)
		require.True(t, handler.registry.Register(other, interview.ID, user.ID))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, withUser(httptest.NewRequest("GET", "/api/v1/ws?mode=practice&interview_id="+interview.ID, nil), user))
		assert.Equal(t, http.StatusConflict, rec.Code)

		handler.registry.Remove("sess-busy")
	})
}
