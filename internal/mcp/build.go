package mcp

import "strings"

// ServerDef is one declarative MCP server entry, either from the config file
// (preset or custom) or from an in-memory override list.
type ServerDef struct {
	ID      string
	BuiltIn bool
	Type    TransportType
	Command []string
	Env     map[string]string
	URL     string
	Headers map[string]string
}

// ServerConfig is the config file's view of MCP servers: the full catalog of
// known definitions plus per-server argument/env overrides, and the set of
// ids the user has enabled.
type ServerConfig struct {
	EnabledIDs []string
	Servers    []ServerDef
	ServerArgs map[string][]string
	ServerEnv  map[string]map[string]string
}

// BuildExecContext is the task context a BuildServerSpecs call runs under,
// used to decide whether the in-process cron tool servers are offered.
type BuildExecContext struct {
	CronActive        bool
	IMActive          bool
	ManagementBaseURL string // non-empty iff a management API endpoint is reachable
}

// ChildProcessSpec is one resolved server the subprocess should launch or
// dial, after runtime-selection and version-pinning have been applied.
type ChildProcessSpec struct {
	ID      string
	Type    TransportType
	Command []string
	Env     map[string]string
	URL     string
	Headers map[string]string
}

// pinnedVersions maps a builtin server id to the version this service pins
// its package to, eliminating a registry round-trip on every launch.
var pinnedVersions = map[string]string{
	"playwright": "0.0.29",
	"filesystem": "2024.11.5",
}

// bundledRuntimeLauncher is the argv prefix substituted for a bare "npx"
// invocation of a builtin server when BundledRuntimeAvailable is true;
// otherwise npx itself is used, with the non-interactive --yes flag added.
var bundledRuntimeLauncher = []string{"bun", "x"}

// BundledRuntimeAvailable reports whether this build carries a bundled
// JS runtime launcher. Overridable by callers that run in environments
// without one (e.g. a minimal CI container).
var BundledRuntimeAvailable = true

// BuildServerSpecs deterministically computes the set of child-process specs
// the subprocess should launch, per §4.2: it is a pure function of its
// inputs, with no side effects of its own (it neither spawns nor validates
// connectivity, and nothing in this package connects to a server).
//
// override/explicitOverride together encode the in-memory override: nil
// slice with explicitOverride=false means "fall back to config"; an empty
// (possibly nil) slice with explicitOverride=true means "no user servers";
// a non-empty slice with explicitOverride=true is used verbatim.
func BuildServerSpecs(override []ServerDef, explicitOverride bool, cfg *ServerConfig, execCtx BuildExecContext) []ChildProcessSpec {
	var defs []ServerDef
	switch {
	case explicitOverride:
		defs = override
	case cfg != nil:
		defs = mergeFromConfig(cfg)
	}

	specs := make([]ChildProcessSpec, 0, len(defs)+2)
	for _, d := range defs {
		specs = append(specs, resolveServer(d))
	}

	if execCtx.CronActive {
		specs = append(specs, ChildProcessSpec{ID: "cron-end-task", Type: TransportTypeStdio, Command: []string{"__in_process__", "cron-end-task"}})
	}
	if execCtx.IMActive && execCtx.ManagementBaseURL != "" {
		specs = append(specs, ChildProcessSpec{
			ID:      "im-cron",
			Type:    TransportTypeStdio,
			Command: []string{"__in_process__", "im-cron"},
			Env:     map[string]string{"MYAGENTS_MANAGEMENT_BASE_URL": execCtx.ManagementBaseURL},
		})
	}
	return specs
}

// mergeFromConfig reads the config file's enabled-id list and merges each
// enabled definition with its per-server argument/environment overrides.
// A missing config produces an empty list, not an error.
func mergeFromConfig(cfg *ServerConfig) []ServerDef {
	if cfg == nil {
		return nil
	}
	byID := make(map[string]ServerDef, len(cfg.Servers))
	for _, d := range cfg.Servers {
		byID[d.ID] = d
	}

	var out []ServerDef
	for _, id := range cfg.EnabledIDs {
		d, ok := byID[id]
		if !ok {
			continue
		}
		if extra, ok := cfg.ServerArgs[id]; ok {
			d.Command = append(append([]string(nil), d.Command...), extra...)
		}
		if env, ok := cfg.ServerEnv[id]; ok {
			merged := make(map[string]string, len(d.Env)+len(env))
			for k, v := range d.Env {
				merged[k] = v
			}
			for k, v := range env {
				merged[k] = v
			}
			d.Env = merged
		}
		out = append(out, d)
	}
	return out
}

// resolveServer applies runtime-selection (npx rewriting) and version
// pinning to one stdio server definition; remote (SSE/HTTP) definitions pass
// through unchanged, as do custom stdio definitions (kept verbatim).
func resolveServer(d ServerDef) ChildProcessSpec {
	spec := ChildProcessSpec{ID: d.ID, Type: d.Type, Env: d.Env, URL: d.URL, Headers: d.Headers}
	if d.Type != TransportTypeStdio && d.Type != TransportTypeLocal {
		return spec
	}

	cmd := append([]string(nil), d.Command...)
	cmd = pinVersion(d.ID, cmd)

	if d.BuiltIn && len(cmd) > 0 && cmd[0] == "npx" {
		if BundledRuntimeAvailable {
			cmd = append(append([]string(nil), bundledRuntimeLauncher...), cmd[1:]...)
		} else if !containsFlag(cmd, "--yes") {
			cmd = append([]string{cmd[0], "--yes"}, cmd[1:]...)
		}
	}
	spec.Command = cmd
	return spec
}

// pinVersion rewrites a trailing "@latest" package specifier to the pinned
// version for known builtin servers, to avoid a registry round-trip.
func pinVersion(id string, cmd []string) []string {
	pinned, ok := pinnedVersions[id]
	if !ok {
		return cmd
	}
	out := make([]string, len(cmd))
	for i, arg := range cmd {
		if strings.HasSuffix(arg, "@latest") {
			arg = strings.TrimSuffix(arg, "@latest") + "@" + pinned
		}
		out[i] = arg
	}
	return out
}

func containsFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}
