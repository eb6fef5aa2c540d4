// Package main provides the entry point for the Agent Session Core local
// service: one workspace's Session Controller exposed over HTTP/SSE for a
// desktop host shell to drive.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opencode-ai/opencode/internal/agent"
	"github.com/opencode-ai/opencode/internal/config"
	"github.com/opencode-ai/opencode/internal/controller"
	"github.com/opencode-ai/opencode/internal/httpapi"
	"github.com/opencode-ai/opencode/internal/logging"
	"github.com/opencode-ai/opencode/internal/mcp"
	"github.com/opencode-ai/opencode/internal/permission"
	"github.com/opencode-ai/opencode/internal/store"
)

var (
	port           = flag.Int("port", 7890, "local HTTP/SSE port")
	agentCommand   = flag.String("agent-command", "", "agent subprocess argv, space separated (e.g. \"claude-agent-sdk\")")
	cronActive     = flag.Bool("cron", false, "run under a cron execution context (offers the cron-end-task tool server)")
	imActive       = flag.Bool("im", false, "run under an IM execution context (offers the im-cron tool server)")
	managementPort = flag.String("management-port", os.Getenv("MYAGENTS_MANAGEMENT_PORT"), "management API port, required when -im is set")
	logLevel       = flag.String("log-level", "info", "log level: debug|info|warn|error")
	logPretty      = flag.Bool("log-pretty", false, "human-readable console log output")
	version        = flag.Bool("version", false, "print version and exit")
)

const Version = "0.1.0"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("agentcore %s\n", Version)
		os.Exit(0)
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(*logLevel),
		Output: os.Stderr,
		Pretty: *logPretty,
	})

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		logging.Fatal().Err(err).Msg("agentcore: failed to create data directories")
	}

	st, err := store.New(paths.StoragePath())
	if err != nil {
		logging.Fatal().Err(err).Msg("agentcore: failed to open session store")
	}

	cmd := strings.Fields(*agentCommand)
	if len(cmd) == 0 {
		logging.Fatal().Msg("agentcore: -agent-command is required")
	}

	execCtx := mcp.BuildExecContext{CronActive: *cronActive, IMActive: *imActive}
	if *imActive {
		if *managementPort == "" {
			logging.Fatal().Msg("agentcore: -im requires -management-port or MYAGENTS_MANAGEMENT_PORT")
		}
		execCtx.ManagementBaseURL = "http://127.0.0.1:" + *managementPort
	}

	ctrl := controller.New(controller.Deps{
		Store:        st,
		PermEngine:   permission.NewEngine(),
		Agents:       agent.NewRegistry(),
		AgentCommand: cmd,
		ExecContext:  execCtx,
	})

	httpCfg := httpapi.DefaultConfig()
	httpCfg.Port = *port
	srv := httpapi.New(httpCfg, ctrl)

	go func() {
		logging.Info().Int("port", *port).Msg("agentcore: listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("agentcore: server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("agentcore: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("agentcore: shutdown error")
	}
}
