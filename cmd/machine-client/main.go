// Package main provides the machine-client binary: it hosts the persona
// dispatchers and the coordinator, seeds a bootstrap request for the
// given project, and works tasks until stopped.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/goblinsan/multi-agent-machine-client/config"
	"github.com/goblinsan/multi-agent-machine-client/coordinator"
	"github.com/goblinsan/multi-agent-machine-client/llm"
	"github.com/goblinsan/multi-agent-machine-client/persona"
	"github.com/goblinsan/multi-agent-machine-client/taskservice"
	"github.com/goblinsan/multi-agent-machine-client/transport"
	"github.com/goblinsan/multi-agent-machine-client/webfetch"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "machine-client"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		forceRescan bool
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "machine-client <project_id> [repo_url] [base_branch]",
		Short: "Multi-agent workflow client",
		Long: `machine-client drives software-engineering tasks end-to-end: it
fetches tasks from the task service, checks out the project repository,
and dispatches persona requests over the stream transport. Persona
responses are planned, applied as diffs, committed, and reviewed.`,
		Args: cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]
			repoURL := ""
			baseBranch := ""
			if len(args) > 1 {
				repoURL = args[1]
			}
			if len(args) > 2 {
				baseBranch = args[2]
			}
			return run(projectID, repoURL, baseBranch, forceRescan, logLevel)
		},
	}

	cmd.Flags().BoolVar(&forceRescan, "force-rescan", false, "Rescan the repository context even when a snapshot is current")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(projectID, repoURL, baseBranch string, forceRescan bool, logLevel string) error {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.NewLoader(logger).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tr, err := newTransport(cfg)
	if err != nil {
		return err
	}
	defer tr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	llmClient := llm.NewClient(cfg.LLM.Endpoint,
		llm.WithAPIKey(cfg.LLM.APIKey),
		llm.WithLogger(logger))
	fetcher := webfetch.NewFetcher(cfg.Dashboard.Timeout, webfetch.WithLogger(logger))
	fulfiller := persona.NewFulfiller(fetcher,
		cfg.Personas.MaxInformationIterations,
		cfg.Personas.MaxUniqueSources,
		logger)
	handler := persona.NewHandler(llmClient, cfg, fulfiller, logger)

	for _, name := range cfg.Personas.Allowed {
		dispatcher := persona.NewDispatcher(tr, handler, cfg, name, logger)
		go func() {
			if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("dispatcher stopped", "persona", dispatcher.Group(), "error", err)
			}
		}()
	}

	tasks := taskservice.NewClient(cfg.Dashboard.BaseURL, cfg.Dashboard.APIKey,
		taskservice.WithLogger(logger))
	coord := coordinator.New(cfg, tr, tasks, logger)

	if err := seedBootstrap(ctx, tr, cfg, projectID, repoURL, baseBranch, forceRescan); err != nil {
		return err
	}

	logger.Info("machine-client ready",
		"version", Version,
		"project", projectID,
		"transport", cfg.Transport.Type,
		"personas", len(cfg.Personas.Allowed))

	if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// newTransport selects the stream backend from config.
func newTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport.Type {
	case "stream":
		tr, err := transport.NewRedis(cfg.Transport.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect transport: %w", err)
		}
		return tr, nil
	default:
		return transport.NewMemory(), nil
	}
}

// seedBootstrap appends the coordinator's kickoff request.
func seedBootstrap(ctx context.Context, tr transport.Transport, cfg *config.Config, projectID, repoURL, baseBranch string, forceRescan bool) error {
	payload, err := json.Marshal(map[string]any{
		"repo":         repoURL,
		"branch":       baseBranch,
		"force_rescan": forceRescan,
	})
	if err != nil {
		return fmt.Errorf("encode bootstrap payload: %w", err)
	}

	_, err = tr.Append(ctx, cfg.Transport.RequestStream, map[string]string{
		"workflow_id": uuid.NewString(),
		"step":        "bootstrap",
		"from":        appName,
		"to_persona":  "coordinator",
		"intent":      "work the project's task queue",
		"corr_id":     uuid.NewString(),
		"project_id":  projectID,
		"payload":     string(payload),
	})
	if err != nil {
		return fmt.Errorf("seed bootstrap request: %w", err)
	}
	return nil
}
