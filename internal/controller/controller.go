// Package controller implements the Session Controller: the single-workspace
// process supervisor for the agent subprocess. It owns the subprocess handle
// exclusively (per the data model's ownership invariant) and drives it
// through pre-warm, resume, restart, abort, rewind and reset.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/opencode-ai/opencode/internal/agent"
	"github.com/opencode-ai/opencode/internal/agentproc"
	"github.com/opencode-ai/opencode/internal/assembler"
	"github.com/opencode-ai/opencode/internal/event"
	"github.com/opencode-ai/opencode/internal/logging"
	"github.com/opencode-ai/opencode/internal/mcp"
	"github.com/opencode-ai/opencode/internal/permission"
	"github.com/opencode-ai/opencode/internal/pipeline"
	"github.com/opencode-ai/opencode/internal/store"
	"github.com/opencode-ai/opencode/pkg/model"
)

// SystemPromptConfig is the system-prompt mode/content pair from the
// configuration state (§3): preset | replace | append.
type SystemPromptConfig struct {
	Mode    string // "preset" | "replace" | "append"
	Content string
}

// CredentialStrategy selects which ANTHROPIC_* environment variables are
// populated when building the subprocess's environment.
type CredentialStrategy string

const (
	StrategyAuthToken             CredentialStrategy = "auth-token"
	StrategyAPIKey                CredentialStrategy = "api-key"
	StrategyBoth                  CredentialStrategy = "both"
	StrategyAuthTokenThenClearKey CredentialStrategy = "auth-token-then-clear-api-key"
)

// ProviderConfig is the mutable provider-connection state: base URL plus
// credentials and the strategy used to inject them.
type ProviderConfig struct {
	BaseURL   string
	AuthToken string
	APIKey    string
	Strategy  CredentialStrategy
}

// Env renders this provider config as the ANTHROPIC_* environment subset
// used both for subprocess spawn and for the Message Pipeline's
// provider-switch detection (via Fingerprint).
func (p ProviderConfig) Env() map[string]string {
	out := make(map[string]string)
	if p.BaseURL != "" {
		out["ANTHROPIC_BASE_URL"] = p.BaseURL
	}
	switch p.Strategy {
	case StrategyAuthToken:
		out["ANTHROPIC_AUTH_TOKEN"] = p.AuthToken
	case StrategyAPIKey:
		out["ANTHROPIC_API_KEY"] = p.APIKey
	case StrategyBoth:
		out["ANTHROPIC_AUTH_TOKEN"] = p.AuthToken
		out["ANTHROPIC_API_KEY"] = p.APIKey
	case StrategyAuthTokenThenClearKey:
		out["ANTHROPIC_AUTH_TOKEN"] = p.AuthToken
		out["ANTHROPIC_API_KEY"] = ""
	}
	return out
}

// Deps wires a Controller to the components it coordinates. Store,
// PermEngine and Agents are required; New panics (a programming error, not
// a runtime one) if any of them is nil, mirroring the teacher's own
// component-wiring constructors.
type Deps struct {
	Store        *store.Store
	PermEngine   *permission.Engine
	Agents       *agent.Registry
	AgentCommand []string // base argv for the agent subprocess, e.g. {"claude-agent-sdk"}
	RuntimeDirs  []string // prepended to PATH, in order, ahead of platform defaults

	// ExecContext fixes the task context this Controller runs under for the
	// lifetime of the process: whether a cron-end-task tool server should be
	// offered, whether an im-cron tool server should be offered, and (for
	// the latter) the management API base URL it should call. A desktop
	// interactive launch leaves this at its zero value.
	ExecContext mcp.BuildExecContext
}

// Controller is the Session Controller. One instance supervises one
// workspace's subprocess across however many logical sessions the user
// switches between.
type Controller struct {
	mu sync.Mutex

	deps Deps

	workspaceDir string
	sessionID    string
	meta         *model.SessionMeta

	sessionRegistered bool
	pendingResumeAt   string

	asm  *assembler.Assembler
	pipe *pipeline.Pipeline

	proc        *agentproc.Process
	procCancel  context.CancelFunc
	terminated  chan struct{} // closed when the current subprocess's teardown finishes
	processing  bool
	preWarming  bool
	state       model.SessionState

	mcpOverride         []mcp.ServerDef
	mcpOverrideExplicit bool
	mcpConfig           *mcp.ServerConfig
	agentDefs           map[string]*agent.Agent
	systemPrompt        SystemPromptConfig
	sessionModel        string
	permissionMode      permission.Mode
	provider            ProviderConfig

	pendingConfigRestart bool

	prewarmTimer     *time.Timer
	prewarmFailCount int

	bufferedSystemInit *agentproc.Event

	rewindMu sync.Mutex // held by RewindSession; EnqueueUserMessage waits on it before reading state

	execCtx mcp.BuildExecContext
}

// New constructs an idle Controller for one workspace. Call initialize to
// bring it up.
func New(deps Deps) *Controller {
	if deps.Store == nil || deps.PermEngine == nil || deps.Agents == nil {
		panic("controller: Store, PermEngine and Agents are required")
	}
	deps.PermEngine.SetBashPermissions(primaryBashPermissions(deps.Agents))
	return &Controller{
		deps:           deps,
		permissionMode: permission.ModeAuto,
		state:          model.StateIdle,
		terminated:     closedChan(),
		agentDefs:      defaultSubagentDefs(deps.Agents),
		execCtx:        deps.ExecContext,
	}
}

// primaryBashPermissions seeds the Permission Engine's per-command Bash
// pattern table from the registry's default primary agent ("build"), the
// one a session without any custom primary-agent selection runs under.
// There is no per-subagent-dispatch signal in the agent subprocess's event
// stream (it reports a tool_use by name only, not which of its dispatched
// sub-agents issued it), so this is a session-wide table rather than one
// resolved per in-flight tool call.
func primaryBashPermissions(reg *agent.Registry) map[string]permission.PermissionAction {
	build, err := reg.Get("build")
	if err != nil || build.Permission.Bash == nil {
		return agent.BuiltInAgents()["build"].Permission.Bash
	}
	return build.Permission.Bash
}

// defaultSubagentDefs seeds the --agents catalog with the registry's
// sub-agents (build/plan/general/explore and any custom ones loaded into it)
// so a session that never calls SetAgents still offers them, per the
// registry's role as the default sub-agent catalog.
func defaultSubagentDefs(reg *agent.Registry) map[string]*agent.Agent {
	out := make(map[string]*agent.Agent)
	for _, a := range reg.ListSubagents() {
		out[a.Name] = a
	}
	return out
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// State reports the controller's current coarse state.
func (c *Controller) State() model.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Assembler exposes the live Stream Assembler for read paths (getMessages
// etc.) that sit outside the Controller's own operations.
func (c *Controller) Assembler() *assembler.Assembler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.asm
}

// Pipeline exposes the live Message Pipeline for enqueue/cancel/queue-status
// read paths.
func (c *Controller) Pipeline() *pipeline.Pipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipe
}

// Permissions exposes the Permission & Policy Engine for the inbound
// interactive-response operations (handlePermissionResponse,
// handleAskUserQuestionResponse) and their replay counterpart.
func (c *Controller) Permissions() *permission.Engine {
	return c.deps.PermEngine
}

// McpServers returns the current in-memory MCP override list (nil if the
// config file's catalog is in effect instead).
func (c *Controller) McpServers() []mcp.ServerDef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mcpOverride
}

// AgentDefs returns the sub-agent catalog currently offered to the
// subprocess's --agents flag.
func (c *Controller) AgentDefs() map[string]*agent.Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentDefs
}

// AgentStateSnapshot is the read-only status summary for getAgentState().
type AgentStateSnapshot struct {
	State          model.SessionState
	SessionID      string
	Model          string
	PermissionMode permission.Mode
	SystemPrompt   SystemPromptConfig
}

// AgentState reports the controller's current coarse status alongside the
// live config values a UI status panel would show.
func (c *Controller) AgentState() AgentStateSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return AgentStateSnapshot{
		State:          c.state,
		SessionID:      c.sessionID,
		Model:          c.sessionModel,
		PermissionMode: c.permissionMode,
		SystemPrompt:   c.systemPrompt,
	}
}

func (c *Controller) setState(s model.SessionState) {
	c.mu.Lock()
	c.state = s
	sessionID := c.sessionID
	c.mu.Unlock()
	event.Publish(event.Event{Type: event.StatusChanged, Data: event.StatusData{SessionID: sessionID, Status: string(s)}})
}

// initialize implements §4.6's initialize operation: adopt or create a
// session id, load its transcript, and either enqueue an initial prompt or
// schedule a pre-warm.
func (c *Controller) Initialize(ctx context.Context, workspaceDir, sessionID, initialPrompt string) error {
	c.mu.Lock()
	c.workspaceDir = workspaceDir
	c.mu.Unlock()

	var meta *model.SessionMeta
	if sessionID != "" {
		if m, ok := c.deps.Store.GetMetadata(ctx, sessionID); ok {
			meta = m
		}
	}
	if meta == nil {
		m, err := c.deps.Store.CreateSession(ctx, workspaceDir)
		if err != nil {
			return fmt.Errorf("controller: create session: %w", err)
		}
		meta = m
	}

	c.mu.Lock()
	c.sessionID = meta.ID
	c.meta = meta
	c.sessionRegistered = meta.SubprocessSessionID != ""
	seed := c.deps.Store.LoadTranscript(ctx, meta.ID)
	c.pipe = pipeline.New(meta.ID,
		func() error { return c.startStreamingSession(ctx, false) },
		c.sendToSubprocess,
		c.saveAttachment,
		c.renderUserMessage,
		c.persistItem,
	)
	c.asm = assembler.New(meta.ID, seed, c.pipe.SignalTurnComplete)
	c.mu.Unlock()

	c.pipe.Run(ctx)

	if initialPrompt != "" {
		_, err := c.EnqueueUserMessage(ctx, initialPrompt, nil, nil)
		return err
	}
	c.schedulePreWarm(ctx)
	return nil
}

// switchToSession implements §4.6's switchToSession: short-circuit if
// already there, else abort, persist to the OLD id, then adopt the new one.
func (c *Controller) SwitchToSession(ctx context.Context, targetID string) error {
	c.mu.Lock()
	if c.sessionID == targetID {
		c.mu.Unlock()
		return nil
	}
	oldID := c.sessionID
	c.mu.Unlock()

	c.abortCurrent()
	if oldID != "" {
		c.persistAll(ctx, oldID)
	}

	meta, ok := c.deps.Store.GetMetadata(ctx, targetID)
	if !ok {
		return fmt.Errorf("controller: unknown session id %q", targetID)
	}

	c.mu.Lock()
	c.sessionID = targetID
	c.meta = meta
	c.sessionRegistered = meta.SubprocessSessionID != ""
	c.pendingResumeAt = ""
	c.deps.PermEngine.ClearSession(oldID)
	seed := c.deps.Store.LoadTranscript(ctx, targetID)
	c.pipe = pipeline.New(targetID,
		func() error { return c.startStreamingSession(ctx, false) },
		c.sendToSubprocess,
		c.saveAttachment,
		c.renderUserMessage,
		c.persistItem,
	)
	c.asm = assembler.New(targetID, seed, c.pipe.SignalTurnComplete)
	c.mu.Unlock()

	c.pipe.Run(ctx)
	c.schedulePreWarm(ctx)
	return nil
}

// resetSession implements §4.6's resetSession: abort, persist to the old id,
// start a brand-new session id with all subprocess-resume state cleared.
func (c *Controller) ResetSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	oldID := c.sessionID
	workspaceDir := c.workspaceDir
	c.mu.Unlock()

	c.abortCurrent()
	if oldID != "" {
		c.persistAll(ctx, oldID)
	}

	meta, err := c.deps.Store.CreateSession(ctx, workspaceDir)
	if err != nil {
		return "", fmt.Errorf("controller: create session: %w", err)
	}

	c.mu.Lock()
	c.sessionID = meta.ID
	c.meta = meta
	c.sessionRegistered = false
	c.pendingResumeAt = ""
	c.deps.PermEngine.ClearSession(oldID)
	c.pipe = pipeline.New(meta.ID,
		func() error { return c.startStreamingSession(ctx, false) },
		c.sendToSubprocess,
		c.saveAttachment,
		c.renderUserMessage,
		c.persistItem,
	)
	c.asm = assembler.New(meta.ID, nil, c.pipe.SignalTurnComplete)
	c.mu.Unlock()

	c.pipe.Run(ctx)
	event.Publish(event.Event{Type: event.InitSnapshot, Data: event.SessionOnlyData{SessionID: meta.ID}})
	c.schedulePreWarm(ctx)
	return meta.ID, nil
}

// RewindResult is returned by rewindSession so the caller (the inbound
// imperative interface) can restore the removed message's content.
type RewindResult struct {
	Success     bool
	Text        string
	Attachments []model.Attachment
	Error       string
}

// rewindSession implements §4.6's rewindSession. Serialized via rewindMu,
// which EnqueueUserMessage waits on, so an enqueue arriving during a rewind
// reads state only after the truncation is done.
func (c *Controller) RewindSession(ctx context.Context, userMessageID int64) (RewindResult, error) {
	c.rewindMu.Lock()
	defer c.rewindMu.Unlock()

	c.mu.Lock()
	asm := c.asm
	sessionID := c.sessionID
	proc := c.proc
	c.mu.Unlock()
	if asm == nil {
		return RewindResult{Error: "no active session"}, nil
	}

	messages := asm.Messages()
	targetIdx := -1
	for i, m := range messages {
		if m.ID == userMessageID && m.Role == "user" {
			targetIdx = i
			break
		}
	}
	if targetIdx < 0 {
		return RewindResult{Error: "message not found"}, nil
	}
	removed := messages[targetIdx]

	anchor := ""
	for i := targetIdx - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" && messages[i].SubprocessUUID != "" {
			anchor = messages[i].SubprocessUUID
			break
		}
	}

	if proc != nil {
		// Best-effort: the subprocess's rewind-files capability is reached
		// over the same stdin channel as a user message; a failure here must
		// not block the rewind itself.
		if err := proc.SendControlMessage(agentproc.ControlMessage{Type: "rewind-files", Payload: anchor}); err != nil {
			logging.Warn().Err(err).Str("sessionID", sessionID).Msg("controller: rewind-files best-effort call failed")
		}
	}
	c.abortCurrent()

	truncated := asm.TruncateAt(targetIdx)
	if err := c.deps.Store.AppendMessages(ctx, sessionID, truncated); err != nil {
		return RewindResult{}, fmt.Errorf("controller: persist rewind: %w", err)
	}

	c.mu.Lock()
	c.pendingResumeAt = anchor
	c.mu.Unlock()
	c.schedulePreWarm(ctx)

	return RewindResult{Success: true, Text: removed.Text, Attachments: removed.Attachments}, nil
}

// InterruptCurrentResponse implements §4.6's interruptCurrentResponse.
func (c *Controller) InterruptCurrentResponse(sessionID string) {
	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()

	if proc != nil {
		done := make(chan struct{})
		go func() { proc.Interrupt(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}
	event.Publish(event.Event{Type: event.MessageStopped, Data: event.SessionOnlyData{SessionID: sessionID}})
	c.mu.Lock()
	c.processing = false
	c.mu.Unlock()
}

// abortCurrent aborts any live subprocess and waits for its teardown to
// finish, mirroring the §5 cancellation model's termination promise.
func (c *Controller) abortCurrent() {
	c.mu.Lock()
	cancel := c.procCancel
	terminated := c.terminated
	proc := c.proc
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if proc != nil {
		proc.Interrupt()
	}
	<-terminated
}

func (c *Controller) persistAll(ctx context.Context, sessionID string) {
	c.mu.Lock()
	asm := c.asm
	c.mu.Unlock()
	if asm == nil {
		return
	}
	if err := c.deps.Store.AppendMessages(ctx, sessionID, asm.Messages()); err != nil {
		logging.Warn().Err(err).Str("sessionID", sessionID).Msg("controller: persist on switch/reset failed")
	}
}

func (c *Controller) renderUserMessage(item *pipeline.QueueItem) {
	c.mu.Lock()
	asm := c.asm
	sessionID := c.sessionID
	c.mu.Unlock()
	if asm == nil {
		return
	}
	msg := &model.StoredMessage{
		Text:        item.Text,
		Role:        "user",
		Timestamp:   time.Now().UnixMilli(),
		Attachments: item.Attachments,
		Meta:        item.Meta,
	}
	asm.AppendUserMessage(msg)
	event.Publish(event.Event{Type: event.MessageReplay, Data: event.MessageReplayData{SessionID: sessionID, Role: "user", MessageID: msg.ID, Text: msg.Text}})
	if item.WasQueued {
		event.Publish(event.Event{Type: event.QueueStarted, Data: event.QueueEventData{SessionID: sessionID, QueueID: item.ID}})
	}
}

func (c *Controller) persistItem(item *pipeline.QueueItem) {
	c.mu.Lock()
	asm := c.asm
	sessionID := c.sessionID
	c.mu.Unlock()
	if asm == nil {
		return
	}
	if err := c.deps.Store.AppendMessages(context.Background(), sessionID, asm.Messages()); err != nil {
		logging.Warn().Err(err).Str("sessionID", sessionID).Msg("controller: persist enqueued message failed")
	}
}

// sendToSubprocess hands a pipeline-built wire payload to the live
// subprocess and marks the session running for the turn it starts. Called
// only while a subprocess is alive (the Pipeline calls startSession first
// when idle).
func (c *Controller) sendToSubprocess(content json.RawMessage) error {
	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("controller: no live subprocess")
	}
	c.setState(model.StateRunning)
	return proc.SendUserMessage(agentproc.UserMessage{Type: "user", Content: content})
}

// saveAttachment adapts the Session Store's context-taking SaveAttachment to
// the Pipeline's narrower SaveAttachment function type.
func (c *Controller) saveAttachment(sessionID, attachmentID, mimeType, base64Data string) (model.Attachment, error) {
	return c.deps.Store.SaveAttachment(context.Background(), sessionID, attachmentID, mimeType, base64Data)
}

// SetMcpConfigFile records the workspace config file's MCP catalog, used by
// BuildServerSpecs as the fallback when no in-memory override is active. It
// does not itself apply to a running subprocess (no live-update hook exists
// for the config-file catalog, unlike the in-memory override); the catalog
// is read when the next subprocess starts.
func (c *Controller) SetMcpConfigFile(cfg *mcp.ServerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mcpConfig = cfg
}

// SetMcpServers implements §4.6's setMcpServers setter.
func (c *Controller) SetMcpServers(ctx context.Context, override []mcp.ServerDef, explicit bool) {
	c.mu.Lock()
	c.mcpOverride = override
	c.mcpOverrideExplicit = explicit
	c.deps.PermEngine.SetMCPOverride(serverIDs(override), explicit)
	c.mu.Unlock()
	c.applyConfigChange(ctx)
}

func serverIDs(defs []mcp.ServerDef) []string {
	ids := make([]string, len(defs))
	for i, d := range defs {
		ids[i] = d.ID
	}
	return ids
}

// SetAgents implements §4.6's setAgents setter.
func (c *Controller) SetAgents(ctx context.Context, agents map[string]*agent.Agent) {
	c.mu.Lock()
	c.agentDefs = agents
	c.deps.PermEngine.SetHasSubagents(len(agents) > 0)
	c.mu.Unlock()
	c.applyConfigChange(ctx)
}

// SetSystemPromptConfig implements §4.6's setSystemPromptConfig setter.
func (c *Controller) SetSystemPromptConfig(ctx context.Context, cfg SystemPromptConfig) {
	c.mu.Lock()
	c.systemPrompt = cfg
	c.mu.Unlock()
	c.applyConfigChange(ctx)
}

// SetSessionModel implements §4.6's setSessionModel setter: calls the live
// subprocess's set-model capability if one is running, else just records it
// for the next start.
func (c *Controller) SetSessionModel(ctx context.Context, modelID string) {
	c.mu.Lock()
	c.sessionModel = modelID
	proc := c.proc
	c.mu.Unlock()
	if proc != nil {
		if err := proc.SendControlMessage(agentproc.ControlMessage{Type: "set_model", Payload: modelID}); err != nil {
			logging.Warn().Err(err).Msg("controller: live set-model call failed")
		}
	}
	c.resetPrewarmFailCount()
}

// SetPermissionMode implements §4.6's setPermissionMode setter.
func (c *Controller) SetPermissionMode(ctx context.Context, mode permission.Mode) {
	c.mu.Lock()
	c.permissionMode = mode
	c.deps.PermEngine.SetMode(mode)
	c.mu.Unlock()
	c.applyConfigChange(ctx)
}

// applyConfigChange implements the shared tail of the MCP, agents,
// system-prompt and permission-mode setters: if
// MCP/agents changed while a turn is mid-flight, defer the restart; else
// abort now. Either way, reschedule the pre-warm.
func (c *Controller) applyConfigChange(ctx context.Context) {
	c.mu.Lock()
	mid := c.processing
	c.mu.Unlock()

	if mid {
		c.mu.Lock()
		c.pendingConfigRestart = true
		c.mu.Unlock()
	} else {
		c.abortCurrent()
	}
	c.resetPrewarmFailCount()
	c.schedulePreWarm(ctx)
}
