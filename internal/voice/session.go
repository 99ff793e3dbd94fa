// Package voice implements the realtime voice channel: a long-lived
// websocket session with its own turn-taking state machine, dispatching
// tool calls through the same dispatcher as the planner. Voice sessions
// skip the gather/execute split; every call dispatches as execute.
package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"taskpilot/internal/capability"
	"taskpilot/internal/dispatch"
	"taskpilot/internal/llm"
	"taskpilot/internal/logging"
)

// ConnState is the connection lifecycle.
type ConnState string

const (
	ConnIdle       ConnState = "idle"
	ConnConnecting ConnState = "connecting"
	ConnOpen       ConnState = "open"
	ConnClosed     ConnState = "closed"
)

// TurnState is the embedded turn-taking sub-state while open.
type TurnState string

const (
	TurnIdle             TurnState = "idle"
	TurnUserSpeaking     TurnState = "userSpeaking"
	TurnServerProcessing TurnState = "serverProcessing"
)

// TurnDetection holds the voice-activity-detection thresholds forwarded
// to the streaming transport.
type TurnDetection struct {
	Threshold         float64 `json:"threshold" yaml:"threshold"`
	SilenceDurationMs int     `json:"silence_duration_ms" yaml:"silence_duration_ms"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms" yaml:"prefix_padding_ms"`
}

// EventKind tags a transcript entry.
type EventKind string

const (
	EventTranscript EventKind = "transcript"
	EventToolCall   EventKind = "toolCall"
	EventToolResult EventKind = "toolResult"
	EventDenied     EventKind = "approvalDenied"
)

// Event is one entry in the session transcript.
type Event struct {
	Kind    EventKind `json:"kind"`
	CallID  string    `json:"callId,omitempty"`
	Name    string    `json:"name,omitempty"`
	Payload string    `json:"payload"`
	IsError bool      `json:"isError,omitempty"`
	At      time.Time `json:"at"`
}

// wireEvent is the message shape on the streaming transport.
type wireEvent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Call *struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"call,omitempty"`
	Error string `json:"error,omitempty"`
}

// Options configures a voice session.
type Options struct {
	Instructions string
	// Capabilities narrows the toolset exposed on this session. Empty
	// means every execute-stage capability.
	Capabilities  []string
	Voice         string
	TurnDetection TurnDetection

	// ImmediateExecution applies tool calls as they arrive. When false,
	// every call waits in the confirmation gate.
	ImmediateExecution bool

	// ApprovalTimeout bounds the confirmation gate wait.
	ApprovalTimeout time.Duration
}

// Session is one realtime voice interaction. No automatic reconnection:
// after Close a new session must be created.
type Session struct {
	ID string

	dispatcher *dispatch.Dispatcher
	opts       Options
	gate       *Gate
	logger     *zap.Logger

	// writeMu serializes writes to the websocket. The transport allows
	// only one concurrent writer.
	writeMu sync.Mutex

	mu         sync.RWMutex
	connState  ConnState
	turnState  TurnState
	conn       *websocket.Conn
	transcript []Event

	done chan struct{}
	wg   sync.WaitGroup
}

// NewSession creates a session in the idle state.
func NewSession(dispatcher *dispatch.Dispatcher, opts Options) *Session {
	return &Session{
		ID:         uuid.NewString(),
		dispatcher: dispatcher,
		opts:       opts,
		gate:       NewGate(opts.ApprovalTimeout),
		logger:     logging.Get(logging.CategoryVoice),
		connState:  ConnIdle,
		turnState:  TurnIdle,
		done:       make(chan struct{}),
	}
}

// Gate returns the session's confirmation gate, for the approval surface.
func (s *Session) Gate() *Gate { return s.gate }

// ConnState returns the connection lifecycle state.
func (s *Session) ConnState() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connState
}

// TurnState returns the turn-taking sub-state.
func (s *Session) TurnState() TurnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turnState
}

// Transcript returns a copy of the session transcript.
func (s *Session) Transcript() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event(nil), s.transcript...)
}

// Connect dials the streaming transport, sends the session configuration
// (instructions, voice, VAD thresholds, tool catalogue) and starts the
// read loop.
func (s *Session) Connect(ctx context.Context, url string) error {
	s.mu.Lock()
	if s.connState != ConnIdle {
		state := s.connState
		s.mu.Unlock()
		return fmt.Errorf("cannot connect from state %s", state)
	}
	s.connState = ConnConnecting
	s.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		s.mu.Lock()
		s.connState = ConnClosed
		s.mu.Unlock()
		return fmt.Errorf("transport dial failed: %w", err)
	}

	tools := s.toolCatalogue()
	setup := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"instructions":   s.opts.Instructions,
			"voice":          s.opts.Voice,
			"turn_detection": s.opts.TurnDetection,
			"tools":          tools,
		},
	}
	if err := conn.WriteJSON(setup); err != nil {
		conn.Close()
		s.mu.Lock()
		s.connState = ConnClosed
		s.mu.Unlock()
		return fmt.Errorf("session setup failed: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connState = ConnOpen
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop()

	s.logger.Info("voice session open",
		zap.String("session", s.ID),
		zap.Int("tools", len(tools)))
	return nil
}

func (s *Session) toolCatalogue() []map[string]any {
	var defs []llm.ToolDefinition
	if len(s.opts.Capabilities) > 0 {
		defs = s.dispatcher.CatalogueFor(s.opts.Capabilities)
	} else {
		defs = s.dispatcher.Catalogue(capability.StageExecute)
	}
	out := make([]map[string]any, len(defs))
	for i, d := range defs {
		out[i] = map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"parameters":  d.InputSchema,
		}
	}
	return out
}

// SendAudio forwards an audio chunk to the transport without retaining
// it. Chunks sent while the connection is not open are rejected.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.connState != ConnOpen {
		s.mu.Unlock()
		return fmt.Errorf("session is %s, not open", s.connState)
	}
	conn := s.conn
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, chunk)
}

// Close shuts the session down. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.connState == ConnClosed {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	s.connState = ConnClosed
	s.conn = nil
	s.mu.Unlock()

	close(s.done)
	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.wg.Wait()
	s.logger.Info("voice session closed", zap.String("session", s.ID))
	return err
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Warn("transport failure, closing session",
					zap.String("session", s.ID), zap.Error(err))
				s.closeFromReadLoop()
			}
			return
		}

		var ev wireEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("malformed transport event", zap.Error(err))
			continue
		}
		s.HandleEvent(ev)
	}
}

// closeFromReadLoop mirrors Close without waiting on the read loop itself.
func (s *Session) closeFromReadLoop() {
	s.mu.Lock()
	if s.connState == ConnClosed {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.connState = ConnClosed
	s.conn = nil
	s.mu.Unlock()

	close(s.done)
	if conn != nil {
		conn.Close()
	}
}

// HandleEvent drives the turn state machine and routes tool calls. Split
// out from the read loop so the state machine is directly testable.
func (s *Session) HandleEvent(ev wireEvent) {
	switch ev.Type {
	case "speech_started":
		s.setTurn(TurnUserSpeaking)
	case "speech_stopped":
		s.setTurn(TurnServerProcessing)
	case "transcript":
		s.record(Event{Kind: EventTranscript, Payload: ev.Text, At: time.Now().UTC()})
	case "response_done":
		s.setTurn(TurnIdle)
	case "tool_call":
		if ev.Call != nil {
			s.handleToolCall(ev.Call.ID, ev.Call.Name, ev.Call.Arguments)
		}
	case "error":
		s.record(Event{Kind: EventTranscript, Payload: ev.Error, IsError: true, At: time.Now().UTC()})
	}
}

func (s *Session) setTurn(t TurnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnState = t
}

func (s *Session) record(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, e)
}

// handleToolCall dispatches one call, always with stage execute. With
// immediate execution off the call first waits in the confirmation gate;
// a denial (explicit or by timeout) means the handler never runs.
func (s *Session) handleToolCall(callID, name, rawArgs string) {
	s.record(Event{Kind: EventToolCall, CallID: callID, Name: name, Payload: rawArgs, At: time.Now().UTC()})

	if !s.opts.ImmediateExecution {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-s.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		approved := s.gate.Await(ctx, callID)
		cancel()
		if !approved {
			s.record(Event{Kind: EventDenied, CallID: callID, Name: name,
				Payload: "denied", At: time.Now().UTC()})
			s.sendResult(callID, "", "user denied the request")
			return
		}
	}

	out, err := s.dispatcher.Dispatch(context.Background(), capability.StageExecute, dispatch.Request{
		ID:           callID,
		Name:         name,
		RawArguments: rawArgs,
	})
	if err != nil {
		s.record(Event{Kind: EventToolResult, CallID: callID, Name: name,
			Payload: err.Error(), IsError: true, At: time.Now().UTC()})
		s.sendResult(callID, "", err.Error())
		return
	}

	s.record(Event{Kind: EventToolResult, CallID: callID, Name: name,
		Payload: out.Result, At: time.Now().UTC()})
	s.sendResult(callID, out.Result, "")
}

func (s *Session) sendResult(callID, result, errMsg string) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return
	}
	msg := map[string]any{
		"type":    "tool_result",
		"call_id": callID,
		"result":  result,
	}
	if errMsg != "" {
		msg["error"] = errMsg
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Warn("failed to send tool result", zap.Error(err))
	}
}
