package api

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskpilot/internal/capability"
	"taskpilot/internal/voice"
)

type voiceBootstrapRequest struct {
	Instructions         string               `json:"instructions,omitempty"`
	SelectedCapabilities []string             `json:"selectedCapabilities,omitempty"`
	Voice                string               `json:"voice,omitempty"`
	TurnDetection        *voice.TurnDetection `json:"turnDetection,omitempty"`
	ImmediateExecution   *bool                `json:"immediateExecution,omitempty"`
}

type voiceCredentials struct {
	SessionID    string `json:"sessionId"`
	URL          string `json:"url"`
	ClientSecret string `json:"clientSecret"`
}

type callRequest struct {
	CallID string `json:"callId"`
}

// handleVoiceBootstrap creates a voice session and returns connection
// credentials for the external streaming transport. Requested
// capabilities are validated against the registry up front: a typo or a
// name the voice flow cannot run fails here instead of mid-conversation.
func (s *Server) handleVoiceBootstrap(w http.ResponseWriter, r *http.Request) {
	var req voiceBootstrapRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	reg := s.dispatcher.Registry()
	for _, name := range req.SelectedCapabilities {
		def, err := reg.Get(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown capability: %s", name))
			return
		}
		// Voice sessions dispatch at the execute stage only; advertising
		// a gather-only name would make every invocation a stage
		// violation.
		if !def.AllowedIn(capability.StageExecute) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("capability not available to voice sessions: %s", name))
			return
		}
	}

	opts := s.opts.VoiceDefaults
	if req.Instructions != "" {
		opts.Instructions = req.Instructions
	}
	if req.Voice != "" {
		opts.Voice = req.Voice
	}
	if req.TurnDetection != nil {
		opts.TurnDetection = *req.TurnDetection
	}
	if req.ImmediateExecution != nil {
		opts.ImmediateExecution = *req.ImmediateExecution
	}
	opts.Capabilities = req.SelectedCapabilities

	vs := voice.NewSession(s.dispatcher, opts)
	s.voiceMu.Lock()
	s.voiceSessions[vs.ID] = vs
	s.voiceMu.Unlock()

	s.logger.Info("voice session created",
		zap.String("session", vs.ID),
		zap.Int("capabilities", len(req.SelectedCapabilities)))

	writeJSON(w, http.StatusCreated, voiceCredentials{
		SessionID:    vs.ID,
		URL:          s.opts.VoiceURL,
		ClientSecret: uuid.NewString(),
	})
}

func (s *Server) voiceSession(w http.ResponseWriter, r *http.Request) (*voice.Session, bool) {
	s.voiceMu.Lock()
	vs, ok := s.voiceSessions[r.PathValue("id")]
	s.voiceMu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown voice session")
		return nil, false
	}
	return vs, true
}

func (s *Server) handleVoiceSession(w http.ResponseWriter, r *http.Request) {
	vs, ok := s.voiceSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":        vs.ID,
		"connectionState":  vs.ConnState(),
		"turnState":        vs.TurnState(),
		"transcript":       vs.Transcript(),
		"pendingApprovals": vs.Gate().Pending(),
	})
}

func (s *Server) handleVoiceApprove(w http.ResponseWriter, r *http.Request) {
	s.decideCall(w, r, true)
}

func (s *Server) handleVoiceDeny(w http.ResponseWriter, r *http.Request) {
	s.decideCall(w, r, false)
}

func (s *Server) decideCall(w http.ResponseWriter, r *http.Request, approve bool) {
	vs, ok := s.voiceSession(w, r)
	if !ok {
		return
	}
	var req callRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var err error
	if approve {
		err = vs.Gate().Approve(req.CallID)
	} else {
		err = vs.Gate().Deny(req.CallID)
	}
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"callId": req.CallID})
}

func (s *Server) handleVoiceClose(w http.ResponseWriter, r *http.Request) {
	s.voiceMu.Lock()
	vs, ok := s.voiceSessions[r.PathValue("id")]
	delete(s.voiceSessions, r.PathValue("id"))
	s.voiceMu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown voice session")
		return
	}

	if err := vs.Close(); err != nil {
		s.logger.Warn("voice session close", zap.String("session", vs.ID), zap.Error(err))
	}
	s.snapshotBoard(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": vs.ID})
}
