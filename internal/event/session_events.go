package event

// Event kinds emitted by the Session Controller, Message Pipeline, Stream
// Assembler and Permission & Policy Engine to the core's outbound broadcast
// channel. These are additional to (and reuse the same Bus as) the older
// SDK-compatible kinds declared in bus.go; UI clients of this service
// receive them through httpapi's single GET /events stream.
const (
	StatusChanged      EventType = "status"
	SystemInit         EventType = "system-init"
	SystemStatus       EventType = "system-status"
	AgentError         EventType = "agent-error"
	TurnMessageError   EventType = "message-error"
	MessageComplete    EventType = "message-complete"
	MessageStopped     EventType = "message-stopped"
	InitSnapshot       EventType = "init"

	MessageChunk     EventType = "message-chunk"
	ThinkingStart    EventType = "thinking-start"
	ThinkingChunk    EventType = "thinking-chunk"
	ToolUseStart     EventType = "tool-use-start"
	ToolInputDelta   EventType = "tool-input-delta"
	ToolResultStart  EventType = "tool-result-start"
	ToolResultDelta  EventType = "tool-result-delta"
	ToolResultDone   EventType = "tool-result-complete"
	ServerToolStart  EventType = "server-tool-use-start"
	ContentBlockStop EventType = "content-block-stop"

	SubagentToolStart    EventType = "subagent-tool-use-start"
	SubagentResultDelta  EventType = "subagent-result-delta"
	SubagentResultDone   EventType = "subagent-result-complete"

	MessageReplay  EventType = "message-replay"
	MessageSDKUUID EventType = "message-sdk-uuid"

	QueueAdded     EventType = "queue-added"
	QueueStarted   EventType = "queue-started"
	QueueCancelled EventType = "queue-cancelled"

	PermissionRequest  EventType = "permission:request"
	AskUserRequest     EventType = "ask-user-question:request"

	LogLine      EventType = "log"
	DebugMessage EventType = "debug-message"
)

// StatusData is the payload for StatusChanged.
type StatusData struct {
	SessionID string `json:"sessionID"`
	Status    string `json:"status"` // idle | running | error
}

// SystemInitData mirrors the subprocess's system_init event, re-broadcast
// verbatim to subscribers (with our session id, not the subprocess's).
type SystemInitData struct {
	SessionID     string   `json:"sessionID"`
	SubprocessID  string   `json:"subprocessSessionID"`
	Model         string   `json:"model"`
	Tools         []string `json:"tools,omitempty"`
	SlashCommands []string `json:"slashCommands,omitempty"`
	Agents        []string `json:"agents,omitempty"`
	Skills        []string `json:"skills,omitempty"`
	Plugins       []string `json:"plugins,omitempty"`
}

// SystemStatusData carries a status tag such as "compacting", or an empty
// string to clear it.
type SystemStatusData struct {
	SessionID string `json:"sessionID"`
	Status    string `json:"status"`
}

// TextData is a generic text-bearing payload, used by AgentError,
// TurnMessageError, LogLine and DebugMessage.
type TextData struct {
	SessionID string `json:"sessionID"`
	Text      string `json:"text"`
}

// MessageCompleteData carries the finished turn's usage summary.
type MessageCompleteData struct {
	SessionID    string `json:"sessionID"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	ToolCount    int    `json:"toolCount"`
	DurationMs   int64  `json:"durationMs"`
	PrimaryModel string `json:"primaryModel,omitempty"`
}

// SessionOnlyData is used by events whose payload is just a session id
// (MessageStopped).
type SessionOnlyData struct {
	SessionID string `json:"sessionID"`
}

// TextChunkData is the payload for MessageChunk/ThinkingChunk.
type TextChunkData struct {
	SessionID string `json:"sessionID"`
	Index     int    `json:"index"`
	Text      string `json:"text"`
}

// ToolUseStartData is the payload for ToolUseStart/ServerToolStart.
type ToolUseStartData struct {
	SessionID     string         `json:"sessionID"`
	ToolID        string         `json:"toolID"`
	Name          string         `json:"name"`
	Input         map[string]any `json:"input,omitempty"`
	ParentToolID  string         `json:"parentToolID,omitempty"`
}

// ToolInputDeltaData is the payload for ToolInputDelta.
type ToolInputDeltaData struct {
	SessionID   string         `json:"sessionID"`
	ToolID      string         `json:"toolID"`
	PartialJSON string         `json:"partialJSON"`
	ParsedInput map[string]any `json:"parsedInput,omitempty"`
}

// ToolResultData is the payload for ToolResultStart/Delta/Done.
type ToolResultData struct {
	SessionID string `json:"sessionID"`
	ToolID    string `json:"toolID"`
	Text      string `json:"text,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
}

// ContentBlockStopData is the payload for ContentBlockStop.
type ContentBlockStopData struct {
	SessionID string `json:"sessionID"`
	Index     int    `json:"index"`
}

// MessageReplayData carries a full stored message for UI reconciliation.
type MessageReplayData struct {
	SessionID string `json:"sessionID"`
	Role      string `json:"role"`
	MessageID int64  `json:"messageID"`
	Text      string `json:"text,omitempty"`
}

// MessageSDKUUIDData assigns a subprocess-issued UUID to a stored message.
type MessageSDKUUIDData struct {
	SessionID string `json:"sessionID"`
	MessageID int64  `json:"messageID"`
	UUID      string `json:"uuid"`
}

// QueueEventData is the payload for QueueAdded/QueueStarted/QueueCancelled.
type QueueEventData struct {
	SessionID string `json:"sessionID"`
	QueueID   string `json:"queueID"`
	Preview   string `json:"preview,omitempty"`
}

// PermissionRequestData is the payload for PermissionRequest.
type PermissionRequestData struct {
	SessionID      string `json:"sessionID"`
	RequestID      string `json:"requestID"`
	ToolName       string `json:"toolName"`
	TruncatedInput string `json:"truncatedInput"`
}

// AskUserQuestion is one question of an AskUserRequest.
type AskUserQuestion struct {
	Prompt      string   `json:"prompt"`
	Header      string   `json:"header"`
	Options     []string `json:"options"`
	MultiSelect bool     `json:"multiSelect"`
}

// AskUserRequestData is the payload for AskUserRequest.
type AskUserRequestData struct {
	SessionID string            `json:"sessionID"`
	RequestID string            `json:"requestID"`
	Questions []AskUserQuestion `json:"questions"`
}
