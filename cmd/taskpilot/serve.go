package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"taskpilot/internal/api"
	"taskpilot/internal/board"
	"taskpilot/internal/capability"
	"taskpilot/internal/config"
	"taskpilot/internal/dispatch"
	"taskpilot/internal/llm"
	"taskpilot/internal/logging"
	"taskpilot/internal/persist"
	"taskpilot/internal/planner"
	"taskpilot/internal/toolset"
	"taskpilot/internal/verify"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and voice endpoint",
	Long: `Starts the taskpilot server: the agent pipeline endpoints, the board
snapshot endpoint, and the voice session bootstrap plus its approval
surface. The board is restored from SQLite on startup and snapshotted
after mutating runs.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Logging.Debug() && !verbose {
		if err := logging.Initialize(true); err != nil {
			return err
		}
	}
	logger := logging.Get(logging.CategoryBoot)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Model channel.
	clientCfg, err := cfg.LLM.ClientConfig()
	if err != nil {
		return err
	}
	client, err := llm.NewClient(ctx, clientCfg)
	if err != nil {
		return fmt.Errorf("model channel: %w", err)
	}

	// Board, capabilities, dispatcher.
	b := board.NewStore()
	reg := capability.NewRegistry()
	toolset.Register(reg, b)
	dispatcher := dispatch.New(reg, b)

	// Persistence: restore the board, snapshot after mutating runs.
	store, err := persist.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()
	restored, err := store.LoadInto(ctx, b)
	if err != nil {
		return err
	}
	logger.Info("board loaded",
		zap.String("db", cfg.Storage.DatabasePath),
		zap.Int("tasks", restored))

	// Pipeline with hot-reloadable prompts.
	prompts, err := config.LoadPrompts(cfg.Storage.PromptsPath)
	if err != nil {
		return fmt.Errorf("loading prompts: %w", err)
	}
	pipelineOpts, err := cfg.Agent.PipelineOptions(prompts)
	if err != nil {
		return err
	}
	pipeline := planner.New(client, dispatcher, pipelineOpts)

	watcher, err := config.NewPromptWatcher(cfg.Storage.PromptsPath, pipeline.SetPrompts)
	if err != nil {
		return fmt.Errorf("prompt watcher: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	// HTTP surface.
	voiceOpts, err := cfg.Voice.SessionOptions()
	if err != nil {
		return err
	}
	var shutdownTimeout time.Duration
	if cfg.Server.ShutdownTimeout != "" {
		if shutdownTimeout, err = time.ParseDuration(cfg.Server.ShutdownTimeout); err != nil {
			return fmt.Errorf("server.shutdown_timeout: %w", err)
		}
	}
	srvOpts := api.Options{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: shutdownTimeout,
		VoiceURL:        cfg.Voice.URL,
		VoiceDefaults:   voiceOpts,
		Snapshots:       store,
	}
	server := api.NewServer(pipeline, verify.New(client, prompts.Verify), dispatcher, b, srvOpts)

	logger.Info("taskpilot starting",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("provider", cfg.LLM.Provider))

	err = server.Run(ctx)

	// Final snapshot on the way down.
	if snapErr := store.SaveSnapshot(context.Background(), b.Snapshot()); snapErr != nil {
		logger.Error("final snapshot failed", zap.Error(snapErr))
	}
	return err
}
