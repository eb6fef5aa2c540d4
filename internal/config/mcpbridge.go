package config

import (
	"github.com/opencode-ai/opencode/internal/agent"
	"github.com/opencode-ai/opencode/internal/mcp"
	"github.com/opencode-ai/opencode/internal/permission"
	"github.com/opencode-ai/opencode/pkg/types"
)

// BuildServerConfig translates a loaded config file's MCP section into the
// MCP Integrator's declarative shape. A server is enabled unless its
// Enabled field is explicitly set to false.
func BuildServerConfig(cfg *types.Config) *mcp.ServerConfig {
	if cfg == nil || len(cfg.MCP) == 0 {
		return nil
	}

	out := &mcp.ServerConfig{
		ServerArgs: make(map[string][]string),
		ServerEnv:  make(map[string]map[string]string),
	}
	for id, entry := range cfg.MCP {
		if entry.Enabled != nil && !*entry.Enabled {
			continue
		}
		out.EnabledIDs = append(out.EnabledIDs, id)
		out.Servers = append(out.Servers, mcp.ServerDef{
			ID:      id,
			Type:    mcpTransportType(entry),
			Command: entry.Command,
			Env:     entry.Environment,
			URL:     entry.URL,
			Headers: entry.Headers,
		})
	}
	return out
}

// mcpTransportType infers a transport from an MCPConfig entry: an explicit
// "local"/"remote" type string is used verbatim, otherwise a URL implies a
// remote server and a command implies a stdio one.
func mcpTransportType(entry types.MCPConfig) mcp.TransportType {
	switch entry.Type {
	case "local":
		return mcp.TransportTypeLocal
	case "remote":
		return mcp.TransportTypeRemote
	}
	if entry.URL != "" {
		return mcp.TransportTypeRemote
	}
	return mcp.TransportTypeStdio
}

// BuildAgentConfigs translates a loaded config file's Agent section into the
// sub-agent registry's own config shape, for Registry.LoadFromConfig.
func BuildAgentConfigs(cfg *types.Config) map[string]agent.AgentConfig {
	if cfg == nil || len(cfg.Agent) == 0 {
		return nil
	}

	out := make(map[string]agent.AgentConfig, len(cfg.Agent))
	for name, entry := range cfg.Agent {
		out[name] = agent.AgentConfig{
			Description: entry.Description,
			Mode:        agent.Mode(entry.Mode),
			Prompt:      entry.Prompt,
			Color:       entry.Color,
			Tools:       entry.Tools,
			Options:     entry.Options,
			Permission:  agentPermissionConfig(entry.Permission),
		}
	}
	return out
}

// agentPermissionConfig carries over the three permission axes that share a
// type between the config file's schema and the sub-agent registry's; Bash's
// per-command map has no equivalent in the config file's interface{}-typed
// field and is left unset.
func agentPermissionConfig(p *types.PermissionConfig) *agent.AgentPermissionConfig {
	if p == nil {
		return nil
	}
	return &agent.AgentPermissionConfig{
		Edit:        permission.PermissionAction(p.Edit),
		WebFetch:    permission.PermissionAction(p.WebFetch),
		ExternalDir: permission.PermissionAction(p.ExternalDir),
	}
}
