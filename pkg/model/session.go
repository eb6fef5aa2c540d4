package model

// SessionState is the coarse state of a single-workspace session.
type SessionState string

const (
	StateIdle      SessionState = "idle"
	StateRunning   SessionState = "running"
	StateError     SessionState = "error"
	StatePrewarm   SessionState = "pre-warming" // unused: the controller tracks pre-warm in its own flag; never broadcast as session state
)

// MessageSource tags where an inbound message originated.
type MessageSource string

const (
	SourceDesktop        MessageSource = "desktop"
	SourceTelegramPrivate MessageSource = "telegram_private"
	SourceTelegramGroup   MessageSource = "telegram_group"
	SourceFeishuPrivate   MessageSource = "feishu_private"
	SourceFeishuGroup     MessageSource = "feishu_group"
)

// MessageMeta carries delivery-channel provenance for a stored message.
type MessageMeta struct {
	Source     MessageSource `json:"source,omitempty"`
	SourceID   string        `json:"sourceID,omitempty"`
	SenderName string        `json:"senderName,omitempty"`
}

// Attachment is a reference to a blob stored by the Session Store.
type Attachment struct {
	ID       string `json:"id"`
	MimeType string `json:"mimeType"`
	Path     string `json:"path"` // relative to the store's base dir
}

// ModelUsage is per-model token accounting for one turn.
type ModelUsage struct {
	Input      int `json:"input"`
	Output     int `json:"output"`
	CacheRead  int `json:"cacheRead,omitempty"`
	CacheWrite int `json:"cacheWrite,omitempty"`
}

// TurnUsage is the usage summary attached to the final assistant message
// of a completed turn.
type TurnUsage struct {
	InputTokens  int                   `json:"inputTokens"`
	OutputTokens int                   `json:"outputTokens"`
	CacheRead    int                   `json:"cacheRead,omitempty"`
	CacheWrite   int                   `json:"cacheWrite,omitempty"`
	PerModel     map[string]ModelUsage `json:"perModel,omitempty"`
	PrimaryModel string                `json:"primaryModel,omitempty"`
}

// Add accumulates another model's usage into the turn total and its
// per-model breakdown, recomputing the primary model (max input+output).
func (u *TurnUsage) Add(modelID string, mu ModelUsage) {
	u.InputTokens += mu.Input
	u.OutputTokens += mu.Output
	u.CacheRead += mu.CacheRead
	u.CacheWrite += mu.CacheWrite
	if u.PerModel == nil {
		u.PerModel = make(map[string]ModelUsage)
	}
	existing := u.PerModel[modelID]
	existing.Input += mu.Input
	existing.Output += mu.Output
	existing.CacheRead += mu.CacheRead
	existing.CacheWrite += mu.CacheWrite
	u.PerModel[modelID] = existing

	best := u.PrimaryModel
	bestTotal := -1
	for id, m := range u.PerModel {
		total := m.Input + m.Output
		if total > bestTotal {
			bestTotal = total
			best = id
		}
	}
	u.PrimaryModel = best
}

// StoredMessage is one line of a session transcript.
type StoredMessage struct {
	ID             int64          `json:"id"` // monotonic per session
	Role           string         `json:"role"` // "user" | "assistant"
	Text           string         `json:"text,omitempty"`   // plain-text shorthand
	Content        []ContentBlock `json:"content,omitempty"` // structured content, if any
	Timestamp      int64          `json:"timestamp"`
	SubprocessUUID string         `json:"subprocessUUID,omitempty"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	Meta           *MessageMeta   `json:"meta,omitempty"`

	// Only populated on the final assistant message of a turn.
	Usage      *TurnUsage `json:"usage,omitempty"`
	ToolCount  int        `json:"toolCount,omitempty"`
	DurationMs int64      `json:"durationMs,omitempty"`
}

// HasStructuredContent reports whether this message carries content blocks
// rather than (or in addition to) a plain-text body.
func (m *StoredMessage) HasStructuredContent() bool {
	return len(m.Content) > 0
}

// SessionMeta is one record in the metadata index.
type SessionMeta struct {
	ID                  string `json:"id"`
	WorkspaceDir        string `json:"workspaceDir"`
	Title               string `json:"title"`
	CreatedAt           int64  `json:"createdAt"`
	LastActiveAt        int64  `json:"lastActiveAt"`
	SubprocessSessionID string `json:"subprocessSessionID,omitempty"`
	Unified             bool   `json:"unified"`
	Source              string `json:"source,omitempty"`
	Usage               Usage  `json:"usage"`
	TranscriptLines      int   `json:"transcriptLines"`
}

// Usage is the session-lifetime aggregate token usage.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	CacheRead    int64 `json:"cacheRead"`
	CacheWrite   int64 `json:"cacheWrite"`
}

// Add merges a turn's usage into the session aggregate.
func (u *Usage) Add(t *TurnUsage) {
	if t == nil {
		return
	}
	u.InputTokens += int64(t.InputTokens)
	u.OutputTokens += int64(t.OutputTokens)
	u.CacheRead += int64(t.CacheRead)
	u.CacheWrite += int64(t.CacheWrite)
}
