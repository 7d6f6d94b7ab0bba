package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// BridgeListener receives voice agent events, one method per event type so a
// test can drive the session machine with synthetic sequences.
type BridgeListener interface {
	OnCallStart()
	OnCallEnd()
	OnTranscript(role, content string) // finalized turns only
	OnSpeechStart()
	OnSpeechEnd()
	OnError(err error)
}

// StartTarget selects what the voice session runs against: a pre-configured
// workflow (generate mode) or the inline interviewer persona plus a question
// list (practice mode).
type StartTarget struct {
	WorkflowID string
	Variables  map[string]string
	Questions  []string
}

// VoiceAgentBridge is the thin adapter around the hosted real-time voice
// service. No retry, backoff, or reconnection: a dropped connection surfaces
// only as whatever event the transport emits.
type VoiceAgentBridge interface {
	Start(ctx context.Context, target StartTarget, listener BridgeListener) error
	Stop(ctx context.Context) error
}

// interviewerPrompt is the fixed persona used in practice mode. The question
// list is substituted into {{questions}}.
const interviewerPrompt = `You are a professional job interviewer conducting a real-time voice interview with a candidate. Your goal is to assess their qualifications, motivation, and fit for the role.

Ask the following questions one at a time and listen to the candidate's answers before moving on:
{{questions}}

Engage naturally and react appropriately. Keep your responses short and conversational, like in a real voice interview. Be professional, yet warm and welcoming. Answer questions about the role briefly; if uncertain, redirect the candidate to HR for more details.`

type VapiBridge struct {
	apiKey  string
	baseURL string
	client  *http.Client
	dialer  *websocket.Dialer

	// callID is written by Start and read by Stop, which the idle sweep can
	// call from its own goroutine.
	mu     sync.Mutex
	callID string
}

type vapiAssistant struct {
	FirstMessage string `json:"firstMessage"`
	Model        struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	} `json:"model"`
}

type vapiStartRequest struct {
	WorkflowID        string            `json:"workflowId,omitempty"`
	WorkflowOverrides *vapiOverrides    `json:"workflowOverrides,omitempty"`
	Assistant         *vapiAssistant    `json:"assistant,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type vapiOverrides struct {
	VariableValues map[string]string `json:"variableValues,omitempty"`
}

type vapiStartResponse struct {
	ID      string `json:"id"`
	Monitor struct {
		ListenURL string `json:"listenUrl"`
	} `json:"monitor"`
}

// vapiEvent is the envelope of every message on the listen socket. Transcript
// events carry a transcriptType of "partial" or "final"; only final ones are
// forwarded to the listener.
type vapiEvent struct {
	Type           string `json:"type"`
	Role           string `json:"role,omitempty"`
	TranscriptType string `json:"transcriptType,omitempty"`
	Transcript     string `json:"transcript,omitempty"`
	Status         string `json:"status,omitempty"` // for speech-update events
	Error          string `json:"error,omitempty"`
}

func NewVapiBridge(apiKey, baseURL string) *VapiBridge {
	return &VapiBridge{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		dialer: websocket.DefaultDialer,
	}
}

// Start begins a voice session and spawns the event listener. The listener
// goroutine lives until the transport closes the socket.
func (b *VapiBridge) Start(ctx context.Context, target StartTarget, listener BridgeListener) error {
	request := vapiStartRequest{}
	if target.WorkflowID != "" {
		request.WorkflowID = target.WorkflowID
		request.WorkflowOverrides = &vapiOverrides{VariableValues: target.Variables}
	} else {
		assistant := &vapiAssistant{FirstMessage: "Hello! Thank you for taking the time to speak with me today. Shall we get started?"}
		assistant.Model.Provider = "openai"
		assistant.Model.Model = "gpt-4"
		assistant.Model.Messages = []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{{
			Role:    "system",
			Content: strings.Replace(interviewerPrompt, "{{questions}}", formatQuestionList(target.Questions), 1),
		}}
		request.Assistant = assistant
	}

	jsonData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal start request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", b.baseURL+"/call", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to start voice session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("voice API error: %d - %s", resp.StatusCode, string(body))
	}

	var started vapiStartResponse
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		return fmt.Errorf("failed to decode start response: %w", err)
	}
	b.mu.Lock()
	b.callID = started.ID
	b.mu.Unlock()

	slog.Info("Voice session started", "call_id", started.ID, "workflow_id", target.WorkflowID)

	go b.listen(started.ID, started.Monitor.ListenURL, listener)
	return nil
}

// Stop ends the voice session. The call-end event still arrives through the
// listen socket; Stop only issues the command.
func (b *VapiBridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	callID := b.callID
	b.mu.Unlock()
	if callID == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, "POST", b.baseURL+"/call/"+callID+"/stop", nil)
	if err != nil {
		return fmt.Errorf("failed to create stop request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to stop voice session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("voice API error: %d - %s", resp.StatusCode, string(body))
	}

	slog.Info("Voice session stop issued", "call_id", callID)
	return nil
}

func (b *VapiBridge) listen(callID, listenURL string, listener BridgeListener) {
	conn, _, err := b.dialer.Dial(listenURL, nil)
	if err != nil {
		listener.OnError(fmt.Errorf("failed to connect event stream: %w", err))
		return
	}
	defer conn.Close()

	for {
		_, messageBytes, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				listener.OnError(err)
			}
			return
		}

		var event vapiEvent
		if err := json.Unmarshal(messageBytes, &event); err != nil {
			slog.Error("Failed to unmarshal voice event", "error", err, "call_id", callID)
			continue
		}

		dispatchVoiceEvent(event, listener)
	}
}

// dispatchVoiceEvent maps one wire event onto the typed listener surface.
func dispatchVoiceEvent(event vapiEvent, listener BridgeListener) {
	switch event.Type {
	case "call-start":
		listener.OnCallStart()
	case "call-end":
		listener.OnCallEnd()
	case "transcript":
		// Partial/interim transcripts are discarded.
		if event.TranscriptType == "final" {
			listener.OnTranscript(event.Role, event.Transcript)
		}
	case "speech-update":
		switch event.Status {
		case "started":
			listener.OnSpeechStart()
		case "stopped":
			listener.OnSpeechEnd()
		}
	case "error":
		listener.OnError(fmt.Errorf("voice agent: %s", event.Error))
	default:
		slog.Debug("Ignoring voice event", "type", event.Type)
	}
}

// formatQuestionList renders the question list the way the interviewer
// persona expects it, one bullet per question.
func formatQuestionList(questions []string) string {
	var sb strings.Builder
	for _, q := range questions {
		sb.WriteString("- ")
		sb.WriteString(q)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
