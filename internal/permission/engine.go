package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/opencode-ai/opencode/internal/event"
)

// RequestTimeout is how long an interactive permission or ask-user request
// waits for a UI response before defaulting to deny/cancel.
const RequestTimeout = 10 * time.Minute

// In-process MCP server ids the MCP Integrator may add; gating for these is
// special-cased in step 1 of Decide rather than going through the override
// list, since they are never user-configured servers.
const (
	CronEndTaskServerID = "cron-end-task"
	IMCronServerID      = "im-cron"
)

// AskUserToolName is the structured user-question tool's name.
const AskUserToolName = "AskUserQuestion"

// Decision is the outcome of Engine.Decide.
type Decision struct {
	Allow bool
	// Reason is set when Allow is false, for logging/error messages.
	Reason string
	// AugmentedInput replaces the tool's input when set (AskUser protocol).
	AugmentedInput map[string]any
}

func allow() Decision            { return Decision{Allow: true} }
func deny(reason string) Decision { return Decision{Allow: false, Reason: reason} }

// ExecContext is the task context a tool request is being evaluated under.
type ExecContext struct {
	CronActive bool
	IMActive   bool
}

type pendingTool struct {
	sessionID string
	toolName  string
	respCh    chan Response
	timer     *time.Timer
}

type pendingAskUser struct {
	respCh chan *AskUserResponse
	timer  *time.Timer
}

// AskUserResponse is the user's answer set to an AskUser request, or nil on
// cancel.
type AskUserResponse struct {
	Answers map[string]any
}

// Engine implements the mode-driven Permission & Policy Engine of §4.3: the
// single gate every tool_use request from the agent subprocess passes
// through. It owns both the coarse tool-name-keyed mode table and the
// finer-grained checks (doom-loop detection, Bash command patterns) that a
// separate Checker type used to provide; those checks are consulted inline
// rather than through a second approval cache.
type Engine struct {
	mu sync.Mutex

	mode         Mode
	mcpOverride  *[]string // nil = allow-all, &[]string{} = deny-all, else allow-iff-in-list
	hasSubagents bool

	alwaysAllowed map[string]map[string]bool // sessionID -> toolName -> true

	pending       map[string]*pendingTool           // requestID -> pending
	pendingByTool map[string]map[string][]string    // sessionID -> toolName -> requestIDs

	pendingAsk map[string]*pendingAskUser // requestID -> pending

	// bashPermissions is the session-wide Bash pattern table (BuildPattern-
	// shaped: "git commit *", "rm *", "*") consulted for the Bash tool ahead
	// of the mode table's own blunt allow/ask/deny, giving per-command
	// granularity the tool-name-keyed mode rules can't express.
	bashPermissions map[string]PermissionAction
	doomLoop        *DoomLoopDetector
}

// NewEngine constructs an Engine in ModeAuto with no MCP restriction.
func NewEngine() *Engine {
	return &Engine{
		mode:          ModeAuto,
		alwaysAllowed: make(map[string]map[string]bool),
		pending:       make(map[string]*pendingTool),
		pendingByTool: make(map[string]map[string][]string),
		pendingAsk:    make(map[string]*pendingAskUser),
		doomLoop:      NewDoomLoopDetector(),
	}
}

// SetBashPermissions installs the Bash pattern table Decide consults for the
// Bash tool. Pass nil to fall back to the mode table's own else-action for
// every Bash command.
func (e *Engine) SetBashPermissions(patterns map[string]PermissionAction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bashPermissions = patterns
}

// decideBashPatterns classifies a Bash tool call's shell command(s) against
// the installed Bash pattern table (see MatchBashPermission), running every
// command mvdan.cc/sh's parser finds in the string (a command list joined
// with && or ; parses to more than one). ok is false when no table is
// installed or the command didn't parse, meaning the caller should fall
// back to the mode table's own else-action.
func (e *Engine) decideBashPatterns(input map[string]any) (action PermissionAction, ok bool) {
	e.mu.Lock()
	patterns := e.bashPermissions
	e.mu.Unlock()
	if len(patterns) == 0 {
		return "", false
	}
	cmdStr, _ := input["command"].(string)
	if cmdStr == "" {
		return "", false
	}
	cmds, err := ParseBashCommand(cmdStr)
	if err != nil || len(cmds) == 0 {
		return "", false
	}
	worst := ActionAllow
	for _, cmd := range cmds {
		switch MatchBashPermission(cmd, patterns) {
		case ActionDeny:
			return ActionDeny, true
		case ActionAsk:
			worst = ActionAsk
		}
	}
	return worst, true
}

// isDoomLoopChecked reports whether toolName is subject to doom-loop
// detection: the tools whose repeated identical use is actually worth
// flagging (file/shell/network side effects), not every read-only or
// structured tool a session makes (WebSearch, AskUserQuestion, Task, ...).
func isDoomLoopChecked(toolName string) bool {
	switch toolName {
	case "Bash", "Edit", "WebFetch":
		return true
	default:
		return false
	}
}

// SetMode updates the session-wide permission mode.
func (e *Engine) SetMode(m Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = m
}

func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// SetMCPOverride sets the in-memory MCP server override. With explicit
// false the override is cleared, meaning "fall back to config" (allow all);
// with explicit true an empty or nil ids list denies all user MCP servers
// and a non-empty list allows only those.
func (e *Engine) SetMCPOverride(ids []string, explicit bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !explicit {
		e.mcpOverride = nil
		return
	}
	cp := append([]string(nil), ids...)
	e.mcpOverride = &cp
}

// SetHasSubagents records whether any sub-agent definitions currently exist,
// gating the Task tool's delegation auto-allow (step 3).
func (e *Engine) SetHasSubagents(has bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hasSubagents = has
}

// mcpServerID extracts the server id from a "mcp__<server>__<tool>" name.
func mcpServerID(toolName string) (string, bool) {
	const prefix = "mcp__"
	if len(toolName) <= len(prefix) || toolName[:len(prefix)] != prefix {
		return "", false
	}
	rest := toolName[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '_' && i+1 < len(rest) && rest[i+1] == '_' {
			return rest[:i], true
		}
	}
	return rest, true
}

// Decide runs the full algorithm of §4.3 for one tool request. ctx governs
// the 10-minute interactive wait; execCtx supplies cron/IM context for the
// in-process MCP server gate. aborted is polled once before prompting (step
// 6) and the caller should also cancel ctx on abort to unblock an in-flight
// wait.
func (e *Engine) Decide(ctx context.Context, sessionID, toolName string, input map[string]any, execCtx ExecContext, aborted func() bool) (Decision, error) {
	if serverID, isMCP := mcpServerID(toolName); isMCP {
		switch serverID {
		case CronEndTaskServerID:
			if execCtx.CronActive {
				return allow(), nil
			}
			return deny("cron-end-task tool is only available during a scheduled task run"), nil
		case IMCronServerID:
			if execCtx.IMActive {
				return allow(), nil
			}
			return deny("IM cron tool is only available during an IM-originated turn"), nil
		default:
			e.mu.Lock()
			override := e.mcpOverride
			e.mu.Unlock()
			if override == nil {
				return allow(), nil
			}
			if len(*override) == 0 {
				return deny("MCP disabled"), nil
			}
			for _, id := range *override {
				if id == serverID {
					return allow(), nil
				}
			}
			return deny(fmt.Sprintf("MCP server %q not enabled", serverID)), nil
		}
	}

	if isDoomLoopChecked(toolName) && e.doomLoop.Check(sessionID, toolName, input) {
		return deny("repeated identical tool call detected, possible loop"), nil
	}

	e.mu.Lock()
	mode := e.mode
	rule := modeTable[mode]
	hasSubagents := e.hasSubagents
	e.mu.Unlock()

	if matchesAny(rule.autoAllow, toolName) {
		return allow(), nil
	}
	if toolName == "Task" && hasSubagents {
		return allow(), nil
	}
	if matchesAny(rule.autoDeny, toolName) {
		return deny("denied by permission mode"), nil
	}
	if e.isAlwaysAllowed(sessionID, toolName) {
		return allow(), nil
	}
	if aborted != nil && aborted() {
		return deny("turn aborted"), nil
	}
	if toolName == "Bash" {
		if action, ok := e.decideBashPatterns(input); ok {
			switch action {
			case ActionAllow:
				return allow(), nil
			case ActionDeny:
				return deny("denied by bash command pattern"), nil
			}
			// ActionAsk falls through to the interactive flow below.
		}
	}
	if toolName == AskUserToolName {
		return e.runAskUser(ctx, sessionID, input)
	}

	switch rule.elseAction {
	case ActionAllow:
		return allow(), nil
	case ActionDeny:
		return deny("denied by permission mode"), nil
	default:
		return e.requestPermission(ctx, sessionID, toolName, input)
	}
}

func (e *Engine) isAlwaysAllowed(sessionID, toolName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alwaysAllowed[sessionID] != nil && e.alwaysAllowed[sessionID][toolName]
}

func truncate(input map[string]any, max int) string {
	raw, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}

// requestPermission implements step 8: emit a permission request, wait for
// a response or the 10-minute timeout, and apply the always-allow/cascade
// behavior from the response model.
func (e *Engine) requestPermission(ctx context.Context, sessionID, toolName string, input map[string]any) (Decision, error) {
	requestID := ulid.Make().String()
	respCh := make(chan Response, 1)
	timer := time.NewTimer(RequestTimeout)

	e.mu.Lock()
	e.pending[requestID] = &pendingTool{sessionID: sessionID, toolName: toolName, respCh: respCh, timer: timer}
	if e.pendingByTool[sessionID] == nil {
		e.pendingByTool[sessionID] = make(map[string][]string)
	}
	e.pendingByTool[sessionID][toolName] = append(e.pendingByTool[sessionID][toolName], requestID)
	e.mu.Unlock()

	defer e.clearPendingTool(sessionID, toolName, requestID)

	event.Publish(event.Event{
		Type: event.PermissionRequest,
		Data: event.PermissionRequestData{
			SessionID:      sessionID,
			RequestID:      requestID,
			ToolName:       toolName,
			TruncatedInput: truncate(input, 500),
		},
	})

	select {
	case <-ctx.Done():
		timer.Stop()
		return deny("cancelled"), nil
	case <-timer.C:
		return deny("permission request timed out"), nil
	case resp := <-respCh:
		timer.Stop()
		return e.applyResponse(sessionID, toolName, resp), nil
	}
}

// RespondToPermission resolves a pending (or already-cascaded) permission
// request. Returns false if requestID is unknown.
func (e *Engine) RespondToPermission(requestID string, action string) bool {
	e.mu.Lock()
	p, ok := e.pending[requestID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	p.respCh <- Response{RequestID: requestID, Action: action}
	return true
}

func (e *Engine) applyResponse(sessionID, toolName string, resp Response) Decision {
	switch resp.Action {
	case "allow_once":
		e.cascade(sessionID, toolName)
		return allow()
	case "always_allow":
		e.mu.Lock()
		if e.alwaysAllowed[sessionID] == nil {
			e.alwaysAllowed[sessionID] = make(map[string]bool)
		}
		e.alwaysAllowed[sessionID][toolName] = true
		e.mu.Unlock()
		e.cascade(sessionID, toolName)
		return allow()
	default:
		return deny("denied by user")
	}
}

// cascade resolves every other pending request for the same tool name to
// allow, clearing their timers, per the rationale in §4.3: UIs surface one
// card at a time, so parallel requests for the same tool would otherwise
// stall until timeout.
func (e *Engine) cascade(sessionID, toolName string) {
	e.mu.Lock()
	ids := append([]string(nil), e.pendingByTool[sessionID][toolName]...)
	e.mu.Unlock()
	for _, id := range ids {
		e.mu.Lock()
		p, ok := e.pending[id]
		e.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case p.respCh <- Response{RequestID: id, Action: "allow_once"}:
		default:
		}
	}
}

func (e *Engine) clearPendingTool(sessionID, toolName, requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, requestID)
	ids := e.pendingByTool[sessionID][toolName]
	for i, id := range ids {
		if id == requestID {
			e.pendingByTool[sessionID][toolName] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// PendingPermissionRequests enumerates in-flight permission requests so a
// newly subscribed UI can recover interactive state (§4.3 Replay).
func (e *Engine) PendingPermissionRequests() []event.PermissionRequestData {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []event.PermissionRequestData
	for id, p := range e.pending {
		out = append(out, event.PermissionRequestData{SessionID: p.sessionID, RequestID: id, ToolName: p.toolName})
	}
	return out
}

// ClearSession drops always-allowed grants for a session (used on reset).
func (e *Engine) ClearSession(sessionID string) {
	e.mu.Lock()
	delete(e.alwaysAllowed, sessionID)
	delete(e.pendingByTool, sessionID)
	e.mu.Unlock()
	e.doomLoop.Clear(sessionID)
}
