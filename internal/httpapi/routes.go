package httpapi

// setupRoutes wires §6's inbound imperative interface to JSON endpoints,
// plus the /events SSE stream that re-emits the outbound event channel.
func (s *Server) setupRoutes() {
	r := s.router

	r.Post("/initialize", s.handleInitialize)
	r.Post("/enqueue", s.handleEnqueue)
	r.Post("/interrupt", s.handleInterrupt)
	r.Post("/reset", s.handleResetSession)
	r.Post("/switch", s.handleSwitchSession)
	r.Post("/rewind", s.handleRewindSession)

	r.Get("/queue", s.handleGetQueueStatus)
	r.Post("/queue/{itemID}/cancel", s.handleCancelQueueItem)
	r.Post("/queue/{itemID}/force", s.handleForceExecuteQueueItem)

	r.Get("/mcp-servers", s.handleGetMcpServers)
	r.Post("/mcp-servers", s.handleSetMcpServers)
	r.Get("/agents", s.handleGetAgents)
	r.Post("/agents", s.handleSetAgents)
	r.Post("/session-model", s.handleSetSessionModel)
	r.Post("/permission-mode", s.handleSetPermissionMode)
	r.Post("/system-prompt", s.handleSetSystemPromptConfig)

	r.Post("/permission/{requestID}", s.handlePermissionResponse)
	r.Post("/ask-user/{requestID}", s.handleAskUserQuestionResponse)

	r.Get("/messages", s.handleGetMessages)
	r.Get("/system-init", s.handleGetSystemInitInfo)
	r.Get("/log-lines", s.handleGetLogLines)
	r.Get("/agent-state", s.handleGetAgentState)
	r.Get("/pending-interactive", s.handleGetPendingInteractiveRequests)

	r.Get("/events", s.handleEvents)
}
