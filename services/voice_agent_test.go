package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingListener captures bridge events for assertions.
type recordingListener struct {
	mu          sync.Mutex
	callStarts  int
	callEnds    int
	transcripts []string
	speech      []bool
	errs        []error
}

func (l *recordingListener) OnCallStart() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callStarts++
}

func (l *recordingListener) OnCallEnd() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callEnds++
}

func (l *recordingListener) OnTranscript(role, content string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transcripts = append(l.transcripts, role+": "+content)
}

func (l *recordingListener) OnSpeechStart() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.speech = append(l.speech, true)
}

func (l *recordingListener) OnSpeechEnd() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.speech = append(l.speech, false)
}

func (l *recordingListener) OnError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *recordingListener) snapshot() *recordingListener {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &recordingListener{
		callStarts:  l.callStarts,
		callEnds:    l.callEnds,
		transcripts: append([]string(nil), l.transcripts...),
		speech:      append([]bool(nil), l.speech...),
		errs:        append([]error(nil), l.errs...),
	}
}

func TestDispatchVoiceEvent(t *testing.T) {
	tests := []struct {
		name   string
		event  vapiEvent
		verify func(t *testing.T, l *recordingListener)
	}{
		{
			name:  "call start",
			event: vapiEvent{Type: "call-start"},
			verify: func(t *testing.T, l *recordingListener) {
				assert.Equal(t, 1, l.callStarts)
			},
		},
		{
			name:  "call end",
			event: vapiEvent{Type: "call-end"},
			verify: func(t *testing.T, l *recordingListener) {
				assert.Equal(t, 1, l.callEnds)
			},
		},
		{
			name:  "final transcript forwarded",
			event: vapiEvent{Type: "transcript", TranscriptType: "final", Role: "user", Transcript: "hello"},
			verify: func(t *testing.T, l *recordingListener) {
				assert.Equal(t, []string{"user: hello"}, l.transcripts)
			},
		},
		{
			name:  "partial transcript dropped",
			event: vapiEvent{Type: "transcript", TranscriptType: "partial", Role: "user", Transcript: "hel"},
			verify: func(t *testing.T, l *recordingListener) {
				assert.Empty(t, l.transcripts)
			},
		},
		{
			name:  "speech started",
			event: vapiEvent{Type: "speech-update", Status: "started"},
			verify: func(t *testing.T, l *recordingListener) {
				assert.Equal(t, []bool{true}, l.speech)
			},
		},
		{
			name:  "speech stopped",
			event: vapiEvent{Type: "speech-update", Status: "stopped"},
			verify: func(t *testing.T, l *recordingListener) {
				assert.Equal(t, []bool{false}, l.speech)
			},
		},
		{
			name:  "error event",
			event: vapiEvent{Type: "error", Error: "pipeline died"},
			verify: func(t *testing.T, l *recordingListener) {
				require.Len(t, l.errs, 1)
				assert.Contains(t, l.errs[0].Error(), "pipeline died")
			},
		},
		{
			name:  "unknown event ignored",
			event: vapiEvent{Type: "billing-update"},
			verify: func(t *testing.T, l *recordingListener) {
				assert.Equal(t, 0, l.callStarts+l.callEnds)
				assert.Empty(t, l.transcripts)
				assert.Empty(t, l.errs)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listener := &recordingListener{}
			dispatchVoiceEvent(tt.event, listener)
			tt.verify(t, listener.snapshot())
		})
	}
}

func TestFormatQuestionList(t *testing.T) {
	got := formatQuestionList([]string{"What is a goroutine?", "Explain select."})
	assert.Equal(t, "- What is a goroutine?\n- Explain select.", got)

	assert.Equal(t, "", formatQuestionList(nil))
}

// fakeVapiServer stands in for the hosted voice API: it records the start
// request and streams a scripted event sequence over the listen socket.
func fakeVapiServer(t *testing.T, events []vapiEvent) (*httptest.Server, *json.RawMessage) {
	t.Helper()

	var startBody json.RawMessage
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)

	mux.HandleFunc("/listen", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for _, event := range events {
			require.NoError(t, conn.WriteJSON(event))
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})

	mux.HandleFunc("/call", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		startBody = body

		listenURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/listen"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "call-123",
			"monitor": map[string]string{"listenUrl": listenURL},
		})
	})

	mux.HandleFunc("/call/call-123/stop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return server, &startBody
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestVapiBridgePracticeSession(t *testing.T) {
	events := []vapiEvent{
		{Type: "call-start"},
		{Type: "transcript", TranscriptType: "final", Role: "assistant", Transcript: "Tell me about Go."},
		{Type: "transcript", TranscriptType: "partial", Role: "user", Transcript: "It is"},
		{Type: "transcript", TranscriptType: "final", Role: "user", Transcript: "It is a compiled language."},
		{Type: "call-end"},
	}
	server, startBody := fakeVapiServer(t, events)
	defer server.Close()

	bridge := NewVapiBridge("test-key", server.URL)
	listener := &recordingListener{}

	err := bridge.Start(context.Background(), StartTarget{
		Questions: []string{"Tell me about Go."},
	}, listener)
	require.NoError(t, err)
	assert.Equal(t, "call-123", bridge.callID)

	var start vapiStartRequest
	require.NoError(t, json.Unmarshal(*startBody, &start))
	assert.Empty(t, start.WorkflowID)
	require.NotNil(t, start.Assistant)
	require.Len(t, start.Assistant.Model.Messages, 1)
	assert.Contains(t, start.Assistant.Model.Messages[0].Content, "- Tell me about Go.")
	assert.NotContains(t, start.Assistant.Model.Messages[0].Content, "{{questions}}")

	waitFor(t, 2*time.Second, func() bool {
		s := listener.snapshot()
		return s.callEnds == 1
	})

	s := listener.snapshot()
	assert.Equal(t, 1, s.callStarts)
	assert.Equal(t, []string{
		"assistant: Tell me about Go.",
		"user: It is a compiled language.",
	}, s.transcripts, "only final transcripts are forwarded")
	assert.Empty(t, s.errs)

	require.NoError(t, bridge.Stop(context.Background()))
}

func TestVapiBridgeGenerateSession(t *testing.T) {
	server, startBody := fakeVapiServer(t, []vapiEvent{{Type: "call-end"}})
	defer server.Close()

	bridge := NewVapiBridge("test-key", server.URL)
	listener := &recordingListener{}

	err := bridge.Start(context.Background(), StartTarget{
		WorkflowID: "wf-42",
		Variables:  map[string]string{"username": "Alice", "userid": "u-1"},
	}, listener)
	require.NoError(t, err)

	var start vapiStartRequest
	require.NoError(t, json.Unmarshal(*startBody, &start))
	assert.Equal(t, "wf-42", start.WorkflowID)
	assert.Nil(t, start.Assistant)
	require.NotNil(t, start.WorkflowOverrides)
	assert.Equal(t, "Alice", start.WorkflowOverrides.VariableValues["username"])
	assert.Equal(t, "u-1", start.WorkflowOverrides.VariableValues["userid"])
}

func TestVapiBridgeStartFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer server.Close()

	bridge := NewVapiBridge("test-key", server.URL)
	err := bridge.Start(context.Background(), StartTarget{Questions: []string{"q"}}, &recordingListener{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestVapiBridgeStopWithoutCall(t *testing.T) {
	bridge := NewVapiBridge("test-key", "http://127.0.0.1:0")
	assert.NoError(t, bridge.Stop(context.Background()), "stop before start is a no-op")
}

// The idle sweep can issue Stop from its own goroutine while Start is still
// in flight on the runner's.
func TestVapiBridgeStopConcurrentWithStart(t *testing.T) {
	server, _ := fakeVapiServer(t, []vapiEvent{{Type: "call-end"}})
	defer server.Close()

	bridge := NewVapiBridge("test-key", server.URL)
	listener := &recordingListener{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			if err := bridge.Stop(context.Background()); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	require.NoError(t, bridge.Start(context.Background(), StartTarget{Questions: []string{"q"}}, listener))
	<-done

	require.NoError(t, bridge.Stop(context.Background()))
}
