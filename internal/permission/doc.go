// Package permission implements the Permission & Policy Engine: the
// mode-driven gate every tool_use request from the agent subprocess passes
// through before it is allowed to run.
//
// Engine.Decide combines several independent checks, in order: in-process
// MCP server gating (cron-end-task/im-cron), doom-loop detection across
// repeated identical tool calls, the session's permission Mode
// (auto/plan/fullAgency/custom) and its tool-name glob tables, a
// session-wide Bash command pattern table for finer-than-tool-name
// granularity, the structured AskUserQuestion protocol, and finally an
// interactive request/response round trip with a 10-minute timeout.
//
//	engine := NewEngine()
//	engine.SetMode(ModeAuto)
//	decision, err := engine.Decide(ctx, sessionID, "Bash", map[string]any{
//		"command": "git commit -m 'fix bug'",
//	}, ExecContext{}, nil)
//
// # Bash pattern matching
//
// ParseBashCommand (via mvdan.cc/sh/v3's shell parser) and MatchBashPermission
// give the Bash tool per-command granularity the mode table's tool-name
// globs can't express:
//
//	commands, err := ParseBashCommand("git commit -m 'fix bug'")
//	// BashCommand{Name: "git", Subcommand: "commit", Args: [...]}
//	action := MatchBashPermission(commands[0], map[string]PermissionAction{
//		"git commit *": ActionAllow,
//		"rm *":         ActionDeny,
//	})
//
// # Doom loop detection
//
// DoomLoopDetector hashes each tool call's name and input and flags a
// session once the same call repeats DoomLoopThreshold times in a row,
// independent of the active permission mode.
//
// # Interactive requests
//
// A pending tool-permission or AskUserQuestion request is resolved by
// RespondToPermission/RespondToAskUser, keyed by request id; resolving one
// "always_allow" cascades to every other pending request for the same tool
// name, since a UI typically surfaces one card at a time.
package permission
