package config

import (
	"testing"

	"github.com/opencode-ai/opencode/internal/mcp"
	"github.com/opencode-ai/opencode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildServerConfigSkipsDisabledServers(t *testing.T) {
	disabled := false
	cfg := &types.Config{
		MCP: map[string]types.MCPConfig{
			"fs":     {Type: "local", Command: []string{"fs-server"}},
			"remote": {Type: "remote", URL: "https://example.com/mcp"},
			"off":    {Type: "local", Command: []string{"x"}, Enabled: &disabled},
		},
	}

	out := BuildServerConfig(cfg)
	require.NotNil(t, out)
	assert.Len(t, out.Servers, 2)

	byID := make(map[string]mcp.ServerDef, len(out.Servers))
	for _, d := range out.Servers {
		byID[d.ID] = d
	}
	assert.Equal(t, mcp.TransportTypeLocal, byID["fs"].Type)
	assert.Equal(t, mcp.TransportTypeRemote, byID["remote"].Type)
	assert.NotContains(t, byID, "off")
}

func TestBuildServerConfigNilWhenNoServers(t *testing.T) {
	assert.Nil(t, BuildServerConfig(&types.Config{}))
	assert.Nil(t, BuildServerConfig(nil))
}

func TestBuildAgentConfigsTranslatesPermission(t *testing.T) {
	cfg := &types.Config{
		Agent: map[string]types.AgentConfig{
			"reviewer": {
				Description: "reviews diffs",
				Mode:        "subagent",
				Permission:  &types.PermissionConfig{Edit: "deny", WebFetch: "allow"},
			},
		},
	}

	out := BuildAgentConfigs(cfg)
	require.Contains(t, out, "reviewer")
	reviewer := out["reviewer"]
	assert.Equal(t, "reviews diffs", reviewer.Description)
	require.NotNil(t, reviewer.Permission)
	assert.EqualValues(t, "deny", reviewer.Permission.Edit)
	assert.EqualValues(t, "allow", reviewer.Permission.WebFetch)
}
