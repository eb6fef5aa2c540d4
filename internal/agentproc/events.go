package agentproc

import "encoding/json"

// EventKind tags the top-level variant of an event the agent subprocess
// emits on its stdout, one JSON object per line.
type EventKind string

const (
	EventSystemInit  EventKind = "system_init"
	EventSystemStatus EventKind = "system_status"
	EventStream      EventKind = "stream_event"
	EventAssistant   EventKind = "assistant"
	EventUser        EventKind = "user"
	EventResult      EventKind = "result"
	EventError       EventKind = "error"
)

// StreamSubKind tags the nested variant of a stream_event.
type StreamSubKind string

const (
	StreamBlockStart StreamSubKind = "content_block_start"
	StreamBlockDelta StreamSubKind = "content_block_delta"
	StreamBlockStop  StreamSubKind = "content_block_stop"
)

// BlockVariant tags the content-block kind carried by a block_start/delta.
type BlockVariant string

const (
	VariantText           BlockVariant = "text"
	VariantThinking       BlockVariant = "thinking"
	VariantToolUse        BlockVariant = "tool_use"
	VariantServerToolUse   BlockVariant = "server_tool_use"
	VariantToolResult      BlockVariant = "tool_result"
)

// DeltaVariant tags the delta kind carried by a content_block_delta.
type DeltaVariant string

const (
	DeltaText           DeltaVariant = "text"
	DeltaThinking       DeltaVariant = "thinking"
	DeltaInputJSON      DeltaVariant = "input_json"
	DeltaToolResultText DeltaVariant = "tool_result_text"
)

// Event is one decoded line from the subprocess's stdout.
type Event struct {
	Kind EventKind `json:"type"`

	// Populated for EventSystemInit.
	SessionID  string   `json:"session_id,omitempty"`
	Model      string   `json:"model,omitempty"`
	Tools      []string `json:"tools,omitempty"`
	Subagents  []string `json:"subagents,omitempty"`
	Skills     []string `json:"skills,omitempty"`
	Plugins    []string `json:"plugins,omitempty"`
	SlashCmds  []string `json:"slash_commands,omitempty"`

	// Populated for EventSystemStatus. Empty string clears the status.
	Status string `json:"status,omitempty"`

	// Populated for EventStream.
	StreamSub   StreamSubKind   `json:"stream_sub,omitempty"`
	Index       int             `json:"index,omitempty"`
	Block       *BlockPayload   `json:"content_block,omitempty"`
	Delta       *DeltaPayload   `json:"delta,omitempty"`
	ParentToolUseID string      `json:"parent_tool_use_id,omitempty"`

	// Populated for EventAssistant / EventUser.
	UUID    string          `json:"uuid,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`

	// Populated for EventResult.
	Result *ResultPayload `json:"result,omitempty"`

	// Populated for EventError.
	Error string `json:"error,omitempty"`
}

// BlockPayload is the content_block object on a content_block_start event.
type BlockPayload struct {
	Variant BlockVariant   `json:"type"`
	ID      string         `json:"id,omitempty"`
	Name    string         `json:"name,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
	Text    string         `json:"text,omitempty"`
	Content string         `json:"content,omitempty"` // tool_result text
	IsError bool           `json:"is_error,omitempty"`
}

// DeltaPayload is the delta object on a content_block_delta event.
type DeltaPayload struct {
	Variant     DeltaVariant `json:"type"`
	Text        string       `json:"text,omitempty"`
	PartialJSON string       `json:"partial_json,omitempty"`
}

// ModelUsagePayload is one model's usage row inside a result event.
type ModelUsagePayload struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CacheRead    int `json:"cache_read_input_tokens,omitempty"`
	CacheCreate  int `json:"cache_creation_input_tokens,omitempty"`
}

// ResultPayload is the aggregate usage/outcome of one turn.
type ResultPayload struct {
	Subtype   string                       `json:"subtype"` // "success" | "error"
	Usage     *ModelUsagePayload           `json:"usage,omitempty"`
	ModelUsage map[string]ModelUsagePayload `json:"modelUsage,omitempty"`
}

// UserMessage is what the Message Pipeline writes to the subprocess's
// stdin, one JSON object per line, to hand off a user turn.
type UserMessage struct {
	Type    string          `json:"type"` // always "user"
	Content json.RawMessage `json:"content"`
}

// ControlMessage is a non-turn stdin command: rewind-files, live model
// switch, and similar out-of-band capabilities the subprocess exposes
// alongside its turn protocol.
type ControlMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}
