package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/opencode-ai/opencode/internal/agent"
	"github.com/opencode-ai/opencode/internal/agentproc"
	"github.com/opencode-ai/opencode/internal/event"
	"github.com/opencode-ai/opencode/internal/logging"
	"github.com/opencode-ai/opencode/internal/mcp"
	"github.com/opencode-ai/opencode/internal/permission"
	"github.com/opencode-ai/opencode/pkg/model"
)

// watchdogTimeout bounds how long startStreamingSession waits for the first
// subprocess event before declaring the start a failure.
const watchdogTimeout = 60 * time.Second

// startStreamingSession implements §4.6's nine-step start algorithm. It is
// safe to call repeatedly and concurrently: the Pipeline calls it on every
// non-busy enqueue, and the pre-warm scheduler calls it on its own timer.
func (c *Controller) startStreamingSession(ctx context.Context, preWarm bool) error {
	// Step 1: await prior termination.
	c.mu.Lock()
	terminated := c.terminated
	c.mu.Unlock()
	<-terminated

	// Step 2: short-circuit if already alive or mid-spawn.
	c.mu.Lock()
	if c.proc != nil || c.processing {
		c.mu.Unlock()
		return nil
	}
	c.processing = true
	sessionID := c.sessionID
	registered := c.sessionRegistered
	resumeAt := c.pendingResumeAt
	workspace := c.workspaceDir
	c.mu.Unlock()

	if preWarm {
		c.mu.Lock()
		c.preWarming = true
		c.mu.Unlock()
	} else {
		c.setState(model.StateRunning)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.procCancel = cancel
	c.terminated = done
	c.mu.Unlock()

	env := c.buildEnvironment()
	spec := agentproc.Spec{Command: append([]string(nil), c.deps.AgentCommand...), Env: env, Dir: workspace}
	spec.Command = append(spec.Command, c.buildCommonOptions()...)
	// A pre-warm start elects resume from the session-registered flag (set
	// from metadata) just as a normal start does, yet its own system-init
	// never flips that flag; only a non-pre-warm start or a promotion does.
	spec.Command = c.applySessionOption(spec.Command, registered, sessionID, resumeAt)

	proc, err := agentproc.Spawn(runCtx, spec)
	if err != nil {
		cancel()
		c.finishStart(nil, false, done)
		return fmt.Errorf("controller: spawn: %w", err)
	}

	if proc.AlreadyInUse() && !registered {
		proc.Kill()
		<-proc.Done()
		resumeCmd := append([]string(nil), c.deps.AgentCommand...)
		resumeCmd = append(resumeCmd, c.buildCommonOptions()...)
		spec.Command = c.applySessionOption(resumeCmd, true, sessionID, resumeAt)
		proc, err = agentproc.Spawn(runCtx, spec)
		if err != nil {
			cancel()
			c.finishStart(nil, false, done)
			return fmt.Errorf("controller: resume re-spawn: %w", err)
		}
	}

	c.mu.Lock()
	c.proc = proc
	c.mu.Unlock()

	go c.consumeEvents(runCtx, proc, preWarm, done, cancel)
	return nil
}

// buildEnvironment implements step 3: credential injection plus PATH
// extension so the subprocess can find a bundled JS runtime.
func (c *Controller) buildEnvironment() []string {
	c.mu.Lock()
	providerEnv := c.provider.Env()
	runtimeDirs := append([]string(nil), c.deps.RuntimeDirs...)
	c.mu.Unlock()

	base := os.Environ()
	out := make([]string, 0, len(base)+len(providerEnv)+1)

	pathValue := ""
	for _, kv := range base {
		if isPathVar(kv) {
			pathValue = strings.SplitN(kv, "=", 2)[1]
			continue
		}
		if _, overridden := providerEnv[kvKey(kv)]; overridden {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range providerEnv {
		if v == "" {
			continue
		}
		out = append(out, k+"="+v)
	}

	home, _ := os.UserHomeDir()
	prefixDirs := append(append([]string(nil), runtimeDirs...), filepath.Join(home, ".bun", "bin"))
	out = append(out, pathEnvKey()+"="+strings.Join(prefixDirs, string(os.PathListSeparator))+string(os.PathListSeparator)+pathValue)

	return out
}

func pathEnvKey() string {
	if runtime.GOOS == "windows" {
		return "Path"
	}
	return "PATH"
}

func isPathVar(kv string) bool {
	return strings.EqualFold(kvKey(kv), "PATH")
}

func kvKey(kv string) string {
	if i := strings.IndexByte(kv, '='); i >= 0 {
		return kv[:i]
	}
	return kv
}

// buildCommonOptions implements step 4: the subprocess argv flags that are
// identical whether this is a fresh or resumed session — system prompt,
// setting sources, MCP servers, permission mode, and sub-agent definitions.
// canUseTool itself has no flag: it is realized by the Permission Engine
// intercepting tool_use block-start events in consumeEvents.
func (c *Controller) buildCommonOptions() []string {
	c.mu.Lock()
	systemPrompt := c.systemPrompt
	mode := c.permissionMode
	mcpOverride := c.mcpOverride
	mcpExplicit := c.mcpOverrideExplicit
	mcpConfig := c.mcpConfig
	execCtx := c.execCtx
	agents := c.agentDefs
	c.mu.Unlock()

	var opts []string
	opts = append(opts, "--setting-sources", "project")

	switch systemPrompt.Mode {
	case "replace":
		opts = append(opts, "--system-prompt", systemPrompt.Content)
	case "append":
		opts = append(opts, "--append-system-prompt", systemPrompt.Content)
	}

	specs := mcp.BuildServerSpecs(mcpOverride, mcpExplicit, mcpConfig, execCtx)
	if len(specs) > 0 {
		if encoded, err := json.Marshal(specs); err == nil {
			opts = append(opts, "--mcp-config", string(encoded))
		} else {
			logging.Warn().Err(err).Msg("controller: encode MCP server specs failed")
		}
	}

	opts = append(opts, "--permission-mode", subprocessPermissionMode(mode))
	if mode == permission.ModeFullAgency {
		opts = append(opts, "--dangerously-skip-permissions")
	}

	if len(agents) > 0 {
		specs := make(map[string]agent.SubagentSpec, len(agents))
		for name, a := range agents {
			specs[name] = a.ToSubagentSpec()
		}
		if encoded, err := json.Marshal(specs); err == nil {
			opts = append(opts, "--agents", string(encoded))
		} else {
			logging.Warn().Err(err).Msg("controller: encode sub-agent specs failed")
		}
	}

	return opts
}

// subprocessPermissionMode maps this service's permission mode vocabulary
// to the subprocess CLI's own flag values.
func subprocessPermissionMode(mode permission.Mode) string {
	switch mode {
	case permission.ModePlan:
		return "plan"
	case permission.ModeFullAgency:
		return "bypassPermissions"
	case permission.ModeCustom:
		return "default"
	default:
		return "default"
	}
}

// applySessionOption implements step 5: mutually-exclusive resume vs. fresh
// session argv, expressed as trailing flags on the base command.
func (c *Controller) applySessionOption(cmd []string, registered bool, sessionID, resumeAt string) []string {
	if registered {
		cmd = append(cmd, "--resume", sessionID)
		if resumeAt != "" {
			cmd = append(cmd, "--resume-session-at", resumeAt)
		}
		return cmd
	}
	return append(cmd, "--session-id", sessionID)
}

// consumeEvents implements steps 7–9: watchdog, event fan-in to the Stream
// Assembler, and teardown bookkeeping.
func (c *Controller) consumeEvents(ctx context.Context, proc *agentproc.Process, preWarm bool, done chan struct{}, cancel context.CancelFunc) {
	watchdog := time.NewTimer(watchdogTimeout)
	defer watchdog.Stop()

	gotFirstEvent := false
	registeredThisRun := false

	events := proc.Events()
loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			gotFirstEvent = true

			if c.isPreWarming() {
				// A pre-warmed subprocess has no caller awaiting turn
				// completion and no turn state to assemble; only its
				// system-init is worth keeping, buffered for replay. Checked
				// live (not the preWarm argument) since EnqueueUserMessage
				// can promote this same subprocess to active mid-loop.
				if ev.Kind == agentproc.EventSystemInit {
					c.bufferPreWarmInit(ev)
				}
				continue
			}

			if ev.Kind == agentproc.EventSystemInit && !registeredThisRun {
				registeredThisRun = true
				c.markRegistered(ctx, ev.SessionID)
			}

			c.maybeDecidePermission(ctx, ev)

			if asm := c.Assembler(); asm != nil {
				asm.HandleEvent(ev)
			}
			if ev.Kind == agentproc.EventResult {
				c.onTurnResult(ctx)
			}
			if ev.Kind == agentproc.EventError {
				c.reportError(ctx, ev.Error)
			}
		case <-watchdog.C:
			sessionID := c.currentSessionID()
			logging.Warn().Str("sessionID", sessionID).Msg("controller: startup watchdog fired, no subprocess event")
			event.Publish(event.Event{Type: event.AgentError, Data: event.TextData{SessionID: sessionID, Text: "agent did not respond in time"}})
			proc.Interrupt()
		case <-proc.Done():
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	c.finishStart(proc, gotFirstEvent && registeredThisRun, done)
	cancel()
}

func (c *Controller) currentSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// markRegistered implements step 8's non-pre-warm system-init handling:
// flip session-registered and persist the subprocess's session id.
func (c *Controller) markRegistered(ctx context.Context, subprocessSessionID string) {
	c.mu.Lock()
	c.sessionRegistered = true
	c.pendingResumeAt = ""
	sessionID := c.sessionID
	c.mu.Unlock()
	_ = c.deps.Store.UpdateMetadata(ctx, sessionID, func(m *model.SessionMeta) {
		m.SubprocessSessionID = subprocessSessionID
	})
}

// maybeDecidePermission dispatches a tool_use content-block-start event to
// the Permission Engine. The decision is relayed back over the control
// channel, keyed by the tool-use block's id, since the subprocess blocks on
// that channel awaiting a decision before executing the tool.
func (c *Controller) maybeDecidePermission(ctx context.Context, ev agentproc.Event) {
	if ev.Kind != agentproc.EventStream || ev.StreamSub != agentproc.StreamBlockStart || ev.Block == nil {
		return
	}
	if ev.Block.Variant != agentproc.VariantToolUse && ev.Block.Variant != agentproc.VariantServerToolUse {
		return
	}

	c.mu.Lock()
	sessionID := c.sessionID
	proc := c.proc
	execCtx := c.execCtx
	c.mu.Unlock()
	if proc == nil {
		return
	}

	permExecCtx := permission.ExecContext{CronActive: execCtx.CronActive, IMActive: execCtx.IMActive}
	toolName := ev.Block.Name
	toolID := ev.Block.ID
	input := ev.Block.Input

	go func() {
		decision, err := c.deps.PermEngine.Decide(ctx, sessionID, toolName, input, permExecCtx, func() bool { return ctx.Err() != nil })
		if err != nil {
			logging.Warn().Err(err).Str("tool", toolName).Msg("controller: permission decide failed")
			return
		}
		_ = proc.SendControlMessage(agentproc.ControlMessage{
			Type: "permission_decision",
			Payload: permissionDecisionWire{
				ToolID:         toolID,
				Allow:          decision.Allow,
				Reason:         decision.Reason,
				AugmentedInput: decision.AugmentedInput,
			},
		})
	}()
}

type permissionDecisionWire struct {
	ToolID         string         `json:"toolID"`
	Allow          bool           `json:"allow"`
	Reason         string         `json:"reason,omitempty"`
	AugmentedInput map[string]any `json:"augmentedInput,omitempty"`
}

// onTurnResult marks the session idle, wires the result event to the
// Pipeline's generator release and, if a deferred restart was requested
// mid-turn, performs it now.
func (c *Controller) onTurnResult(ctx context.Context) {
	c.mu.Lock()
	pipe := c.pipe
	restart := c.pendingConfigRestart
	c.pendingConfigRestart = false
	c.processing = false
	c.mu.Unlock()

	c.setState(model.StateIdle)
	if pipe != nil {
		pipe.SignalTurnComplete()
	}
	if restart {
		c.abortCurrent()
		c.schedulePreWarm(ctx)
	}
}

// finishStart implements step 9's finally block. Whether this start was
// pre-warm is read live (wasPreWarming) rather than from the caller's
// original intent, since a pre-warmed subprocess can be promoted to active
// mid-run by EnqueueUserMessage.
func (c *Controller) finishStart(proc *agentproc.Process, succeeded bool, done chan struct{}) {
	if proc != nil {
		proc.Close()
		<-proc.Done()
	}

	c.mu.Lock()
	c.proc = nil
	c.processing = false
	wasPreWarming := c.preWarming
	c.preWarming = false
	registered := c.sessionRegistered
	abortedByConfig := c.pendingConfigRestart
	c.mu.Unlock()
	close(done)

	if !wasPreWarming {
		if registered {
			c.setState(model.StateIdle)
		} else {
			c.setState(model.StateError)
		}
		return
	}

	if succeeded {
		c.mu.Lock()
		c.prewarmFailCount = 0
		c.mu.Unlock()
		return
	}
	if abortedByConfig {
		return
	}

	c.mu.Lock()
	c.prewarmFailCount++
	failCount := c.prewarmFailCount
	c.mu.Unlock()

	if failCount < 3 {
		c.schedulePreWarmRetry(context.Background(), failCount)
	}
	if !wasPreWarming && registered {
		c.schedulePreWarmRetry(context.Background(), failCount)
	}
}
