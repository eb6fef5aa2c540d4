// Package mcp is the MCP Integrator: it computes the set of child-process
// specs the agent subprocess should launch or dial for Model Context
// Protocol servers, given a declarative server catalog, an in-memory
// override, and the current task's execution context (cron/IM).
//
// This package does not itself speak the MCP wire protocol or connect to a
// server — that happens inside the agent subprocess, which is handed the
// specs this package computes (command/env for stdio servers, url/headers
// for remote ones) on its own argv. BuildServerSpecs is a pure function: it
// has no side effects of its own.
//
// # Transport Types
//
//	TransportTypeStdio  - a subprocess speaking MCP over stdin/stdout
//	TransportTypeLocal  - a locally-executed command
//	TransportTypeRemote - an HTTP-reachable remote server
//
// # Basic Usage
//
//	cfg := &mcp.ServerConfig{
//		EnabledIDs: []string{"filesystem"},
//		Servers: []mcp.ServerDef{
//			{ID: "filesystem", BuiltIn: true, Type: mcp.TransportTypeStdio,
//				Command: []string{"npx", "@modelcontextprotocol/server-filesystem@latest"}},
//		},
//	}
//	specs := mcp.BuildServerSpecs(nil, false, cfg, mcp.BuildExecContext{})
package mcp
