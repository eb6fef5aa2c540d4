package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/opencode/internal/event"
)

type permissionResponseRequest struct {
	Action string `json:"action"` // "deny" | "allow_once" | "always_allow"
}

func (s *Server) handlePermissionResponse(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	var req permissionResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	ok := s.ctrl.Permissions().RespondToPermission(requestID, req.Action)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

type askUserResponseRequest struct {
	Answers map[string]any `json:"answers"` // nil/omitted cancels the request
}

func (s *Server) handleAskUserQuestionResponse(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	var req askUserResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	ok := s.ctrl.Permissions().RespondToAskUser(requestID, req.Answers)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (s *Server) handleGetPendingInteractiveRequests(w http.ResponseWriter, r *http.Request) {
	perm := s.ctrl.Permissions()
	writeJSON(w, http.StatusOK, pendingInteractiveResponse{
		PermissionRequests: perm.PendingPermissionRequests(),
		AskUserRequestIDs:  perm.PendingAskUserRequestIDs(),
	})
}

type pendingInteractiveResponse struct {
	PermissionRequests []event.PermissionRequestData `json:"permissionRequests"`
	AskUserRequestIDs  []string                      `json:"askUserRequestIDs"`
}
