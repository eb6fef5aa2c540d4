package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildServerSpecsFallsBackToConfig(t *testing.T) {
	cfg := &ServerConfig{
		EnabledIDs: []string{"fs"},
		Servers: []ServerDef{
			{ID: "fs", Type: TransportTypeStdio, Command: []string{"custom-fs-server"}},
			{ID: "unused", Type: TransportTypeStdio, Command: []string{"should-not-appear"}},
		},
	}
	specs := BuildServerSpecs(nil, false, cfg, BuildExecContext{})
	require.Len(t, specs, 1)
	assert.Equal(t, "fs", specs[0].ID)
}

func TestBuildServerSpecsExplicitEmptyOverrideMeansNoUserServers(t *testing.T) {
	cfg := &ServerConfig{
		EnabledIDs: []string{"fs"},
		Servers:    []ServerDef{{ID: "fs", Type: TransportTypeStdio, Command: []string{"x"}}},
	}
	specs := BuildServerSpecs(nil, true, cfg, BuildExecContext{})
	assert.Empty(t, specs)
}

func TestBuildServerSpecsExplicitOverrideUsedVerbatim(t *testing.T) {
	override := []ServerDef{{ID: "override-server", Type: TransportTypeRemote, URL: "https://example.test"}}
	specs := BuildServerSpecs(override, true, &ServerConfig{EnabledIDs: []string{"fs"}}, BuildExecContext{})
	require.Len(t, specs, 1)
	assert.Equal(t, "override-server", specs[0].ID)
	assert.Equal(t, "https://example.test", specs[0].URL)
}

func TestBuildServerSpecsRewritesNpxToBundledRuntime(t *testing.T) {
	cfg := &ServerConfig{
		EnabledIDs: []string{"playwright"},
		Servers: []ServerDef{
			{ID: "playwright", BuiltIn: true, Type: TransportTypeStdio, Command: []string{"npx", "@playwright/mcp@latest"}},
		},
	}
	specs := BuildServerSpecs(nil, false, cfg, BuildExecContext{})
	require.Len(t, specs, 1)
	assert.Equal(t, []string{"bun", "x", "@playwright/mcp@0.0.29"}, specs[0].Command)
}

func TestBuildServerSpecsKeepsCustomCommandVerbatim(t *testing.T) {
	cfg := &ServerConfig{
		EnabledIDs: []string{"custom"},
		Servers: []ServerDef{
			{ID: "custom", BuiltIn: false, Type: TransportTypeStdio, Command: []string{"npx", "some-custom-tool@latest"}},
		},
	}
	specs := BuildServerSpecs(nil, false, cfg, BuildExecContext{})
	require.Len(t, specs, 1)
	assert.Equal(t, []string{"npx", "some-custom-tool@latest"}, specs[0].Command)
}

func TestBuildServerSpecsMergesPerServerArgsAndEnv(t *testing.T) {
	cfg := &ServerConfig{
		EnabledIDs: []string{"fs"},
		Servers:    []ServerDef{{ID: "fs", Type: TransportTypeStdio, Command: []string{"fs-server"}, Env: map[string]string{"A": "1"}}},
		ServerArgs: map[string][]string{"fs": {"--root", "/tmp"}},
		ServerEnv:  map[string]map[string]string{"fs": {"B": "2"}},
	}
	specs := BuildServerSpecs(nil, false, cfg, BuildExecContext{})
	require.Len(t, specs, 1)
	assert.Equal(t, []string{"fs-server", "--root", "/tmp"}, specs[0].Command)
	assert.Equal(t, "1", specs[0].Env["A"])
	assert.Equal(t, "2", specs[0].Env["B"])
}

func TestBuildServerSpecsAddsCronEndTaskOnlyWhenCronActive(t *testing.T) {
	specs := BuildServerSpecs(nil, true, nil, BuildExecContext{CronActive: true})
	require.Len(t, specs, 1)
	assert.Equal(t, "cron-end-task", specs[0].ID)

	specs = BuildServerSpecs(nil, true, nil, BuildExecContext{})
	assert.Empty(t, specs)
}

func TestBuildServerSpecsAddsIMCronOnlyWithManagementEndpoint(t *testing.T) {
	specs := BuildServerSpecs(nil, true, nil, BuildExecContext{IMActive: true})
	assert.Empty(t, specs, "no management endpoint means no im-cron server")

	specs = BuildServerSpecs(nil, true, nil, BuildExecContext{IMActive: true, ManagementBaseURL: "http://127.0.0.1:9000"})
	require.Len(t, specs, 1)
	assert.Equal(t, "im-cron", specs[0].ID)
}
