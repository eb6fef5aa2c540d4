package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleGetQueueStatus(w http.ResponseWriter, r *http.Request) {
	pipe := s.ctrl.Pipeline()
	if pipe == nil {
		writeJSON(w, http.StatusOK, []queueStatusEntry{})
		return
	}
	entries := pipe.QueueStatus()
	out := make([]queueStatusEntry, len(entries))
	for i, e := range entries {
		out[i] = queueStatusEntry{ID: e.ID, MessagePreview: e.Preview}
	}
	writeJSON(w, http.StatusOK, out)
}

type queueStatusEntry struct {
	ID             string `json:"id"`
	MessagePreview string `json:"messagePreview"`
}

func (s *Server) handleCancelQueueItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	pipe := s.ctrl.Pipeline()
	if pipe == nil {
		writeJSON(w, http.StatusOK, map[string]any{"text": nil})
		return
	}
	item, ok := pipe.CancelQueued(itemID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"text": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"text": item.Text})
}

func (s *Server) handleForceExecuteQueueItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	pipe := s.ctrl.Pipeline()
	if pipe == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": false})
		return
	}
	sessionID := s.ctrl.AgentState().SessionID
	ok := pipe.ForceExecute(itemID, func() { s.ctrl.InterruptCurrentResponse(sessionID) })
	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}
