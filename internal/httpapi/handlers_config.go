package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/opencode-ai/opencode/internal/agent"
	"github.com/opencode-ai/opencode/internal/controller"
	"github.com/opencode-ai/opencode/internal/mcp"
	"github.com/opencode-ai/opencode/internal/permission"
)

func (s *Server) handleGetMcpServers(w http.ResponseWriter, r *http.Request) {
	servers := s.ctrl.McpServers()
	if servers == nil {
		servers = []mcp.ServerDef{}
	}
	writeJSON(w, http.StatusOK, servers)
}

type setMcpServersRequest struct {
	Servers  []mcp.ServerDef `json:"servers"`
	Explicit bool            `json:"explicit"`
}

func (s *Server) handleSetMcpServers(w http.ResponseWriter, r *http.Request) {
	var req setMcpServersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	s.ctrl.SetMcpServers(r.Context(), req.Servers, req.Explicit)
	writeSuccess(w)
}

func (s *Server) handleGetAgents(w http.ResponseWriter, r *http.Request) {
	defs := s.ctrl.AgentDefs()
	if defs == nil {
		defs = map[string]*agent.Agent{}
	}
	writeJSON(w, http.StatusOK, defs)
}

type setAgentsRequest struct {
	Agents map[string]*agent.Agent `json:"agents"`
}

func (s *Server) handleSetAgents(w http.ResponseWriter, r *http.Request) {
	var req setAgentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	s.ctrl.SetAgents(r.Context(), req.Agents)
	writeSuccess(w)
}

type setSessionModelRequest struct {
	Model string `json:"model"`
}

func (s *Server) handleSetSessionModel(w http.ResponseWriter, r *http.Request) {
	var req setSessionModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	s.ctrl.SetSessionModel(r.Context(), req.Model)
	writeSuccess(w)
}

type setPermissionModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleSetPermissionMode(w http.ResponseWriter, r *http.Request) {
	var req setPermissionModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	s.ctrl.SetPermissionMode(r.Context(), permission.Mode(req.Mode))
	writeSuccess(w)
}

type setSystemPromptConfigRequest struct {
	Mode    string `json:"mode"`
	Content string `json:"content,omitempty"`
}

func (s *Server) handleSetSystemPromptConfig(w http.ResponseWriter, r *http.Request) {
	var req setSystemPromptConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	s.ctrl.SetSystemPromptConfig(r.Context(), controller.SystemPromptConfig{Mode: req.Mode, Content: req.Content})
	writeSuccess(w)
}
