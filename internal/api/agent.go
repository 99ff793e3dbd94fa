package api

import (
	"net/http"

	"taskpilot/internal/planner"
	"taskpilot/internal/verify"
)

type runRequest struct {
	Request string `json:"request"`
	Context string `json:"context,omitempty"`
}

type stageRequest struct {
	TodoList     []string          `json:"todoList"`
	QueryResults map[string]string `json:"queryResults,omitempty"`
	Context      string            `json:"context,omitempty"`
}

type verifyRequest struct {
	TodoList []string `json:"todoList"`
	Results  string   `json:"results"`
}

type sessionResponse struct {
	SessionID    string                    `json:"sessionId"`
	Stage        planner.Stage             `json:"stage"`
	Message      string                    `json:"message,omitempty"`
	TodoList     []string                  `json:"todoList,omitempty"`
	QueryResults map[string]string         `json:"queryResults,omitempty"`
	Transcript   []planner.TranscriptEntry `json:"transcript,omitempty"`
	Verification *verify.Report            `json:"verification,omitempty"`
	Error        string                    `json:"error,omitempty"`
	Usage        any                       `json:"usage,omitempty"`
}

func sessionToResponse(s *planner.Session) sessionResponse {
	resp := sessionResponse{
		SessionID:    s.ID,
		Stage:        s.Stage(),
		TodoList:     s.TodoList(),
		QueryResults: s.Gathered(),
		Transcript:   s.Transcript(),
		Verification: s.Report(),
		Error:        s.Err(),
		Usage:        s.Usage(),
	}
	// The message is the model's last prose turn.
	for _, e := range resp.Transcript {
		if e.Kind == planner.EntryText && !e.IsError {
			resp.Message = e.Payload
		}
	}
	return resp
}

// handleAgentRun drives the full plan, gather, execute, verify cycle for a
// natural-language request.
func (s *Server) handleAgentRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Request == "" {
		writeError(w, http.StatusBadRequest, "request must not be empty")
		return
	}

	sess := s.pipeline.Run(r.Context(), req.Request, req.Context)
	s.snapshotBoard(r.Context())
	writeJSON(w, statusFor(sess), sessionToResponse(sess))
}

// handleAgentGather starts from a caller-supplied todo list and runs the
// gather stage.
func (s *Server) handleAgentGather(w http.ResponseWriter, r *http.Request) {
	var req stageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.TodoList) == 0 {
		writeError(w, http.StatusBadRequest, "todoList must not be empty")
		return
	}

	sess := s.pipeline.RunGather(r.Context(), req.TodoList, req.Context)
	writeJSON(w, statusFor(sess), sessionToResponse(sess))
}

// handleAgentExecute starts from a todo list plus gathered results and
// runs the execute stage.
func (s *Server) handleAgentExecute(w http.ResponseWriter, r *http.Request) {
	var req stageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.TodoList) == 0 {
		writeError(w, http.StatusBadRequest, "todoList must not be empty")
		return
	}

	sess := s.pipeline.RunExecute(r.Context(), req.TodoList, req.QueryResults, req.Context)
	s.snapshotBoard(r.Context())
	writeJSON(w, statusFor(sess), sessionToResponse(sess))
}

// handleAgentVerify judges a transcript against its todo list. Advisory
// only; nothing on the board changes.
func (s *Server) handleAgentVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.TodoList) == 0 {
		writeError(w, http.StatusBadRequest, "todoList must not be empty")
		return
	}

	report, err := s.verifier.Verify(r.Context(), req.TodoList, req.Results)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAgentSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.pipeline.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, sessionToResponse(sess))
}

// statusFor maps a finished session to an HTTP status. Sessions that
// ended in the error state still return their transcript for display.
func statusFor(s *planner.Session) int {
	if s.Stage() == planner.StageError {
		return http.StatusUnprocessableEntity
	}
	return http.StatusOK
}
