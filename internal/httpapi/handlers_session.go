package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/opencode-ai/opencode/internal/config"
	"github.com/opencode-ai/opencode/internal/logging"
	"github.com/opencode-ai/opencode/internal/pipeline"
	"github.com/opencode-ai/opencode/pkg/model"
)

// initializeRequest is the body for POST /initialize.
type initializeRequest struct {
	WorkspaceDir  string `json:"workspaceDir"`
	SessionID     string `json:"sessionID,omitempty"`
	InitialPrompt string `json:"initialPrompt,omitempty"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.WorkspaceDir == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "workspaceDir is required")
		return
	}
	if err := s.ctrl.Initialize(r.Context(), req.WorkspaceDir, req.SessionID, req.InitialPrompt); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	if fileCfg, err := config.Load(req.WorkspaceDir); err != nil {
		logging.Warn().Err(err).Str("workspaceDir", req.WorkspaceDir).Msg("httpapi: config load failed, no MCP catalog seeded")
	} else {
		s.ctrl.SetMcpConfigFile(config.BuildServerConfig(fileCfg))
	}

	writeSuccess(w)
}

// imageRequest is one inline-image attachment as enqueued over the wire.
type imageRequest struct {
	ID       string `json:"id,omitempty"`
	MimeType string `json:"mimeType"`
	Base64   string `json:"base64"`
}

// enqueueRequest is the body for POST /enqueue.
type enqueueRequest struct {
	Text   string         `json:"text"`
	Images []imageRequest `json:"images,omitempty"`
	Meta   *struct {
		Source     string `json:"source,omitempty"`
		SourceID   string `json:"sourceID,omitempty"`
		SenderName string `json:"senderName,omitempty"`
	} `json:"meta,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}

	images := make([]pipeline.ImageAttachment, len(req.Images))
	for i, img := range req.Images {
		images[i] = pipeline.ImageAttachment{ID: img.ID, MimeType: img.MimeType, Base64: img.Base64}
	}
	var meta *model.MessageMeta
	if req.Meta != nil {
		meta = &model.MessageMeta{
			Source:     model.MessageSource(req.Meta.Source),
			SourceID:   req.Meta.SourceID,
			SenderName: req.Meta.SenderName,
		}
	}

	item, err := s.ctrl.EnqueueUserMessage(r.Context(), req.Text, images, meta)
	if err != nil {
		var full pipeline.ErrQueueFull
		if errors.As(err, &full) {
			writeError(w, http.StatusConflict, ErrCodeQueueFull, full.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queued": item.WasQueued, "queueID": item.ID})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	sessionID := s.ctrl.AgentState().SessionID
	s.ctrl.InterruptCurrentResponse(sessionID)
	writeSuccess(w)
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := s.ctrl.ResetSession(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionID": sessionID})
}

type switchSessionRequest struct {
	SessionID string `json:"sessionID"`
}

func (s *Server) handleSwitchSession(w http.ResponseWriter, r *http.Request) {
	var req switchSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "sessionID is required")
		return
	}
	if err := s.ctrl.SwitchToSession(r.Context(), req.SessionID); err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}
	writeSuccess(w)
}

type rewindSessionRequest struct {
	UserMessageID int64 `json:"userMessageID"`
}

func (s *Server) handleRewindSession(w http.ResponseWriter, r *http.Request) {
	var req rewindSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	result, err := s.ctrl.RewindSession(r.Context(), req.UserMessageID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rewindSessionResponse{
		Success:     result.Success,
		Content:     result.Text,
		Attachments: result.Attachments,
		Error:       result.Error,
	})
}

type rewindSessionResponse struct {
	Success     bool                `json:"success"`
	Content     string              `json:"content,omitempty"`
	Attachments []model.Attachment  `json:"attachments,omitempty"`
	Error       string              `json:"error,omitempty"`
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	asm := s.ctrl.Assembler()
	if asm == nil {
		writeJSON(w, http.StatusOK, []*model.StoredMessage{})
		return
	}
	writeJSON(w, http.StatusOK, asm.Messages())
}

func (s *Server) handleGetAgentState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.AgentState())
}

func (s *Server) handleGetSystemInitInfo(w http.ResponseWriter, r *http.Request) {
	info := s.live.SystemInitInfo()
	if info == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetLogLines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.live.LogLines())
}
