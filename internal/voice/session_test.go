package voice

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"taskpilot/internal/board"
	"taskpilot/internal/capability"
	"taskpilot/internal/dispatch"
	"taskpilot/internal/toolset"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// go.opencensus.io starts this worker in a package init; it can
		// never be stopped and is not a leak in this module's code.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

func newTestSession(t *testing.T, opts Options) (*Session, *board.Store) {
	t.Helper()
	b := board.NewStore()
	reg := capability.NewRegistry()
	toolset.Register(reg, b)
	s := NewSession(dispatch.New(reg, b), opts)
	t.Cleanup(func() { s.Close() })
	return s, b
}

func mustList(t *testing.T, b *board.Store, col board.Column) []*board.Task {
	t.Helper()
	tasks, err := b.List(col)
	require.NoError(t, err)
	return tasks
}

func toolCallEvent(id, name, args string) wireEvent {
	ev := wireEvent{Type: "tool_call"}
	ev.Call = &struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}{ID: id, Name: name, Arguments: args}
	return ev
}

func TestTurnStateMachine(t *testing.T) {
	s, _ := newTestSession(t, Options{ImmediateExecution: true})

	require.Equal(t, TurnIdle, s.TurnState())

	s.HandleEvent(wireEvent{Type: "speech_started"})
	assert.Equal(t, TurnUserSpeaking, s.TurnState())

	s.HandleEvent(wireEvent{Type: "speech_stopped"})
	assert.Equal(t, TurnServerProcessing, s.TurnState())

	s.HandleEvent(wireEvent{Type: "transcript", Text: "move the report to today"})
	s.HandleEvent(wireEvent{Type: "response_done"})
	assert.Equal(t, TurnIdle, s.TurnState())

	transcript := s.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, EventTranscript, transcript[0].Kind)
	assert.Equal(t, "move the report to today", transcript[0].Payload)
}

func TestErrorEventRecorded(t *testing.T) {
	s, _ := newTestSession(t, Options{ImmediateExecution: true})

	s.HandleEvent(wireEvent{Type: "error", Error: "rate limited"})

	transcript := s.Transcript()
	require.Len(t, transcript, 1)
	assert.True(t, transcript[0].IsError)
	assert.Equal(t, "rate limited", transcript[0].Payload)
}

func TestImmediateExecutionDispatches(t *testing.T) {
	s, b := newTestSession(t, Options{ImmediateExecution: true})

	s.HandleEvent(toolCallEvent("call-1", "create_task", `{"title":"buy milk"}`))

	tasks := mustList(t, b, board.ColumnBacklog)
	require.Len(t, tasks, 1)
	assert.Equal(t, "buy milk", tasks[0].Title)

	transcript := s.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, EventToolCall, transcript[0].Kind)
	assert.Equal(t, EventToolResult, transcript[1].Kind)
	assert.False(t, transcript[1].IsError)
}

func TestDispatchErrorSurfacedNotFatal(t *testing.T) {
	s, b := newTestSession(t, Options{ImmediateExecution: true})
	before := b.Version()

	s.HandleEvent(toolCallEvent("call-1", "create_task", `{}`))

	assert.Equal(t, before, b.Version())
	transcript := s.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, EventToolResult, transcript[1].Kind)
	assert.True(t, transcript[1].IsError)

	// The session keeps going after a bad call.
	s.HandleEvent(toolCallEvent("call-2", "create_task", `{"title":"ok"}`))
	assert.Len(t, mustList(t, b, board.ColumnBacklog), 1)
}

func TestApprovedCallRuns(t *testing.T) {
	s, b := newTestSession(t, Options{ApprovalTimeout: 5 * time.Second})

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.HandleEvent(toolCallEvent("call-1", "create_task", `{"title":"approved"}`))
	}()

	require.Eventually(t, func() bool {
		return len(s.Gate().Pending()) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Gate().Approve("call-1"))
	<-done

	tasks := mustList(t, b, board.ColumnBacklog)
	require.Len(t, tasks, 1)
	assert.Equal(t, "approved", tasks[0].Title)
}

func TestDeniedCallNeverRuns(t *testing.T) {
	s, b := newTestSession(t, Options{ApprovalTimeout: 5 * time.Second})
	before := b.Version()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.HandleEvent(toolCallEvent("call-1", "create_task", `{"title":"denied"}`))
	}()

	require.Eventually(t, func() bool {
		return len(s.Gate().Pending()) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Gate().Deny("call-1"))
	<-done

	assert.Equal(t, before, b.Version())
	assert.Empty(t, mustList(t, b, board.ColumnBacklog))

	var denied bool
	for _, e := range s.Transcript() {
		if e.Kind == EventDenied && e.CallID == "call-1" {
			denied = true
		}
	}
	assert.True(t, denied, "expected a denial entry in the transcript")
}

func TestApprovalTimeoutDenies(t *testing.T) {
	s, b := newTestSession(t, Options{ApprovalTimeout: 30 * time.Millisecond})
	before := b.Version()

	s.HandleEvent(toolCallEvent("call-1", "create_task", `{"title":"ignored"}`))

	assert.Equal(t, before, b.Version())
	transcript := s.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, EventDenied, transcript[1].Kind)
}

func TestGateDecisionWithoutPendingCall(t *testing.T) {
	g := NewGate(time.Second)
	assert.ErrorIs(t, g.Approve("nope"), ErrNoPendingApproval)
	assert.ErrorIs(t, g.Deny("nope"), ErrNoPendingApproval)
}

// fakeTransport is a websocket endpoint standing in for the realtime
// voice provider. It captures the session setup message and lets tests
// script server-to-client events.
type fakeTransport struct {
	t        *testing.T
	upgrader websocket.Upgrader

	setup   chan map[string]any
	results chan map[string]any
	conns   chan *websocket.Conn
}

func newFakeTransport(t *testing.T) (*fakeTransport, *httptest.Server) {
	ft := &fakeTransport{
		t:       t,
		setup:   make(chan map[string]any, 1),
		results: make(chan map[string]any, 4),
		conns:   make(chan *websocket.Conn, 1),
	}
	srv := httptest.NewServer(http.HandlerFunc(ft.handle))
	t.Cleanup(srv.Close)
	return ft, srv
}

func (ft *fakeTransport) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := ft.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ft.t.Errorf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var setup map[string]any
	if err := conn.ReadJSON(&setup); err != nil {
		ft.t.Errorf("reading setup: %v", err)
		return
	}
	ft.setup <- setup
	ft.conns <- conn

	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		ft.results <- msg
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectSendsSessionSetup(t *testing.T) {
	ft, srv := newFakeTransport(t)
	s, _ := newTestSession(t, Options{
		Instructions:       "you manage a task board",
		Voice:              "verse",
		TurnDetection:      TurnDetection{Threshold: 0.6, SilenceDurationMs: 400},
		ImmediateExecution: true,
	})

	require.NoError(t, s.Connect(t.Context(), wsURL(srv)))
	assert.Equal(t, ConnOpen, s.ConnState())

	setup := <-ft.setup
	assert.Equal(t, "session.update", setup["type"])
	sess, ok := setup["session"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "you manage a task board", sess["instructions"])
	assert.Equal(t, "verse", sess["voice"])
	tools, ok := sess["tools"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, tools)

	require.NoError(t, s.Close())
	assert.Equal(t, ConnClosed, s.ConnState())
	// Idempotent.
	require.NoError(t, s.Close())
}

func TestToolCallRoundTripOverTransport(t *testing.T) {
	ft, srv := newFakeTransport(t)
	s, b := newTestSession(t, Options{ImmediateExecution: true})

	require.NoError(t, s.Connect(t.Context(), wsURL(srv)))
	<-ft.setup
	conn := <-ft.conns

	call := map[string]any{
		"type": "tool_call",
		"call": map[string]any{
			"id":        "call-9",
			"name":      "create_task",
			"arguments": `{"title":"from voice"}`,
		},
	}
	data, err := json.Marshal(call)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	select {
	case result := <-ft.results:
		assert.Equal(t, "tool_result", result["type"])
		assert.Equal(t, "call-9", result["call_id"])
		assert.NotContains(t, result, "error")
	case <-time.After(2 * time.Second):
		t.Fatal("no tool result arrived on the transport")
	}

	tasks := mustList(t, b, board.ColumnBacklog)
	require.Len(t, tasks, 1)
	assert.Equal(t, "from voice", tasks[0].Title)

	require.NoError(t, s.Close())
}

func TestTransportFailureClosesSession(t *testing.T) {
	ft, srv := newFakeTransport(t)
	s, _ := newTestSession(t, Options{ImmediateExecution: true})

	require.NoError(t, s.Connect(t.Context(), wsURL(srv)))
	<-ft.setup
	conn := <-ft.conns

	// Drop the server side of the connection.
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return s.ConnState() == ConnClosed
	}, 2*time.Second, 10*time.Millisecond)

	// No reconnection: the session is finished.
	err := s.Connect(t.Context(), wsURL(srv))
	require.Error(t, err)
	assert.Equal(t, ConnClosed, s.ConnState())

	err = s.SendAudio([]byte("chunk"))
	require.Error(t, err)
}

func TestConnectRefusedWhileOpen(t *testing.T) {
	ft, srv := newFakeTransport(t)
	s, _ := newTestSession(t, Options{ImmediateExecution: true})

	require.NoError(t, s.Connect(t.Context(), wsURL(srv)))
	<-ft.setup

	err := s.Connect(t.Context(), wsURL(srv))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open")

	require.NoError(t, s.Close())
}

func TestSendAudioRequiresOpenConnection(t *testing.T) {
	s, _ := newTestSession(t, Options{ImmediateExecution: true})
	err := s.SendAudio([]byte("chunk"))
	require.Error(t, err)
}

// Audio is forwarded chunk by chunk and never retained, so a long
// session's footprint does not grow with the audio pushed through it.
func TestSendAudioStreamsEveryChunk(t *testing.T) {
	var upgrader websocket.Upgrader
	received := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		// Session setup message.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		count := 0
		for {
			kind, _, err := conn.ReadMessage()
			if err != nil {
				received <- count
				return
			}
			if kind == websocket.BinaryMessage {
				count++
			}
		}
	}))
	t.Cleanup(srv.Close)

	s, _ := newTestSession(t, Options{ImmediateExecution: true})
	require.NoError(t, s.Connect(t.Context(), wsURL(srv)))

	chunk := bytes.Repeat([]byte{0x7f}, 1024)
	for i := 0; i < 1000; i++ {
		require.NoError(t, s.SendAudio(chunk))
	}
	require.NoError(t, s.Close())

	select {
	case got := <-received:
		assert.Equal(t, 1000, got)
	case <-time.After(5 * time.Second):
		t.Fatal("transport never finished reading")
	}
}
