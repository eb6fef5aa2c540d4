package permission

// Mode is the session-wide permission mode, distinct from the
// PermissionAction values in permission.go: Mode drives the Engine's
// tool-name-keyed auto-allow/auto-deny lists (§4.3), while PermissionAction
// is the allow/deny/ask value of the Engine's Bash pattern table and of
// internal/agent's per-agent permission checks.
type Mode string

const (
	ModeAuto       Mode = "auto"
	ModePlan       Mode = "plan"
	ModeFullAgency Mode = "fullAgency"
	ModeCustom     Mode = "custom"
)

// modeRule is one mode's auto-allow/auto-deny tool-name glob lists; anything
// matching neither falls through to "else" (prompt, deny, or allow,
// depending on the mode).
type modeRule struct {
	autoAllow []string
	autoDeny  []string
	elseAction PermissionAction
}

var modeTable = map[Mode]modeRule{
	ModeAuto: {
		autoAllow:  []string{"Read", "Glob", "Grep", "Edit", "Write", "MultiEdit", "Todo*", "Skill"},
		autoDeny:   nil,
		elseAction: ActionAsk,
	},
	ModePlan: {
		autoAllow:  []string{"Read", "Glob", "Grep"},
		autoDeny:   []string{"*"},
		elseAction: ActionDeny,
	},
	ModeFullAgency: {
		autoAllow:  []string{"*"},
		autoDeny:   nil,
		elseAction: ActionAllow,
	},
	ModeCustom: {
		autoAllow:  []string{"Read", "Glob", "Grep", "Skill"},
		autoDeny:   nil,
		elseAction: ActionAsk,
	},
}

// matchToolName reports whether a tool name matches a glob from the mode
// tables. Supports "*" (match everything) and a trailing-"*" prefix glob
// (e.g. "mcp__playwright__*", "Todo*"); anything else is an exact match.
func matchToolName(pattern, tool string) bool {
	if pattern == "*" {
		return true
	}
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(tool) >= len(prefix) && tool[:len(prefix)] == prefix
	}
	return pattern == tool
}

func matchesAny(patterns []string, tool string) bool {
	for _, p := range patterns {
		if matchToolName(p, tool) {
			return true
		}
	}
	return false
}
