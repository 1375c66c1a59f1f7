package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhanglunet/agentsociety/internal/config"
	"github.com/zhanglunet/agentsociety/internal/conversation"
	"github.com/zhanglunet/agentsociety/internal/kernel"
	"github.com/zhanglunet/agentsociety/internal/observability"
	"github.com/zhanglunet/agentsociety/internal/org"
	"github.com/zhanglunet/agentsociety/internal/wiresurface"
	"github.com/zhanglunet/agentsociety/pkg/models"
)

// snapshotThresholds is a placeholder conversation.Thresholds used by the
// read-only snapshot commands, which never evaluate context pressure.
var snapshotThresholds = conversation.Thresholds{MaxTokens: 200_000, Warning: 0.7, Critical: 0.85, Hard: 0.95}

// buildRootCmd creates the root command with all subcommands attached.
// Kept separate from main() to make the command tree testable.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentsociety",
		Short: "agentsociety - a runtime kernel for LLM multi-agent organizations",
		Long: `agentsociety runs a hierarchy of LLM-backed agents that spawn, message
and terminate one another through a bounded-concurrency scheduler, with an
audit trail, a tool dispatcher, and an HTTP/WebSocket wire surface for
external callers.`,
		Version:      buildVersionString(),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildSnapshotCmd(),
		buildRoleCmd(),
		buildTokenCmd(),
	)

	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agentsociety kernel",
		Long: `Start the agentsociety kernel: load the org registry and conversation
store from the configured runtime directory, wire the message bus,
scheduler and tool dispatcher, and (if configured) serve the HTTP/WebSocket
wire surface.

Graceful shutdown is handled on SIGINT/SIGTERM; a second signal forces an
immediate shutdown that aborts in-flight LLM calls.`,
		Example: `  # Start with default config
  agentsociety serve

  # Start with a specific config file
  agentsociety serve --config /etc/agentsociety/production.yaml

  # Start with debug logging
  agentsociety serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if debug {
		cfg.Observability.Log.Level = "debug"
	}

	rt, err := kernel.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building runtime: %w", err)
	}

	// Create a context that cancels on the first shutdown signal.
	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt.Log.Info(runCtx, "agentsociety kernel started",
		"version", version,
		"commit", commit,
		"runtimeDir", cfg.RuntimeDir,
		"httpAddr", cfg.HTTP.ListenAddr,
		"maxConcurrent", cfg.MaxConcurrent,
	)

	rt.Start(runCtx)

	<-runCtx.Done()
	rt.Log.Info(context.Background(), "shutdown signal received, draining in-flight turns")

	// A second signal during drain forces an immediate shutdown.
	forceCtx, forceCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer forceCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan error, 1)
	go func() { done <- rt.Shutdown(shutdownCtx) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
	case <-forceCtx.Done():
		rt.Log.Warn(context.Background(), "second signal received, forcing shutdown")
		if err := rt.ForceShutdown(shutdownCtx); err != nil {
			return fmt.Errorf("forced shutdown: %w", err)
		}
	}

	rt.Log.Info(context.Background(), "agentsociety kernel stopped")
	return nil
}

func buildSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect or reclaim the persisted runtime directory",
	}
	cmd.AddCommand(buildSnapshotInspectCmd(), buildSnapshotGCCmd())
	return cmd
}

func buildSnapshotInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <runtimeDir>",
		Short: "Print role/agent counts and flag orphaned conversations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotInspect(cmd, args[0])
		},
	}
	return cmd
}

func runSnapshotInspect(cmd *cobra.Command, runtimeDir string) error {
	log := observability.NewNopLogger()
	orgReg := org.New(runtimeDir, log)
	if err := orgReg.Load(); err != nil {
		return fmt.Errorf("loading org registry: %w", err)
	}

	convMgr := conversation.New(runtimeDir, snapshotThresholds, 0, log)
	if err := convMgr.LoadAll(); err != nil {
		return fmt.Errorf("loading conversation store: %w", err)
	}

	agents := orgReg.AllAgents()
	roles := orgReg.AllRoles()

	var active, terminated int
	known := make(map[string]struct{}, len(agents))
	for _, a := range agents {
		known[a.ID] = struct{}{}
		if a.Status == models.AgentActive {
			active++
		} else {
			terminated++
		}
	}

	var orphaned []string
	entries, err := os.ReadDir(filepath.Join(runtimeDir, "conversations"))
	if err == nil {
		for _, ent := range entries {
			if ent.IsDir() {
				continue
			}
			id := strings.TrimSuffix(ent.Name(), ".json")
			if _, ok := known[id]; !ok {
				orphaned = append(orphaned, id)
			}
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "runtime dir:       %s\n", runtimeDir)
	fmt.Fprintf(out, "roles:             %d\n", len(roles))
	fmt.Fprintf(out, "agents (active):   %d\n", active)
	fmt.Fprintf(out, "agents (terminated): %d\n", terminated)
	if len(orphaned) == 0 {
		fmt.Fprintln(out, "orphaned conversations: none")
	} else {
		fmt.Fprintf(out, "orphaned conversations: %d\n", len(orphaned))
		for _, id := range orphaned {
			fmt.Fprintf(out, "  - %s\n", id)
		}
	}
	return nil
}

func buildSnapshotGCCmd() *cobra.Command {
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "gc <runtimeDir>",
		Short: "Remove conversation and contact files of terminated agents past a retention window",
		Long: `Removes the per-agent conversation and contact files of agents that
have been terminated for longer than --retention. The agent's registry
entry is kept for audit purposes; only the bulky per-agent files are
reclaimed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotGC(cmd, args[0], retention)
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 30*24*time.Hour, "minimum age of termination before reclaiming an agent's files")
	return cmd
}

func runSnapshotGC(cmd *cobra.Command, runtimeDir string, retention time.Duration) error {
	log := observability.NewNopLogger()
	orgReg := org.New(runtimeDir, log)
	if err := orgReg.Load(); err != nil {
		return fmt.Errorf("loading org registry: %w", err)
	}
	convMgr := conversation.New(runtimeDir, snapshotThresholds, 0, log)
	if err := convMgr.LoadAll(); err != nil {
		return fmt.Errorf("loading conversation store: %w", err)
	}

	cutoff := time.Now().Add(-retention)
	out := cmd.OutOrStdout()
	var reclaimed int
	for _, a := range orgReg.AllAgents() {
		if a.Status != models.AgentTerminated || a.TerminatedAt.IsZero() || a.TerminatedAt.After(cutoff) {
			continue
		}
		if err := convMgr.Drop(a.ID); err != nil {
			return fmt.Errorf("dropping conversation for %s: %w", a.ID, err)
		}
		if err := orgReg.DropContacts(a.ID); err != nil {
			return fmt.Errorf("dropping contacts for %s: %w", a.ID, err)
		}
		fmt.Fprintf(out, "reclaimed %s (terminated %s)\n", a.ID, a.TerminatedAt.Format(time.RFC3339))
		reclaimed++
	}
	fmt.Fprintf(out, "reclaimed %d agent(s)\n", reclaimed)
	return nil
}

func buildRoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Manage role definitions in the runtime directory's org registry",
	}
	cmd.AddCommand(buildRoleCreateCmd())
	return cmd
}

func buildRoleCreateCmd() *cobra.Command {
	var (
		runtimeDir   string
		rolePrompt   string
		llmServiceID string
		toolGroups   []string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoleCreate(cmd, runtimeDir, args[0], rolePrompt, llmServiceID, toolGroups)
		},
	}

	cmd.Flags().StringVar(&runtimeDir, "runtime-dir", ".", "Runtime directory holding org.json")
	cmd.Flags().StringVar(&rolePrompt, "prompt", "", "Role-specific system prompt fragment")
	cmd.Flags().StringVar(&llmServiceID, "llm-service", "", "Default LLM service id for agents in this role")
	cmd.Flags().StringSliceVar(&toolGroups, "tool-group", nil, "Tool group this role may invoke (repeatable)")

	return cmd
}

func runRoleCreate(cmd *cobra.Command, runtimeDir, name, rolePrompt, llmServiceID string, toolGroups []string) error {
	log := observability.NewNopLogger()
	orgReg := org.New(runtimeDir, log)
	if err := orgReg.Load(); err != nil {
		return fmt.Errorf("loading org registry: %w", err)
	}
	role, err := orgReg.CreateRole(name, rolePrompt, llmServiceID, toolGroups, models.RootAgentID)
	if err != nil {
		return fmt.Errorf("creating role: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created role %s (%s)\n", role.ID, role.Name)
	return nil
}

func buildTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint bearer tokens for the HTTP wire surface",
	}
	cmd.AddCommand(buildTokenIssueCmd())
	return cmd
}

func buildTokenIssueCmd() *cobra.Command {
	var (
		secret  string
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token against the HTTP auth secret",
		Long: `Signs a JWT bearer token that the wire surface's auth middleware will
accept. The secret must match the server's http.authToken (config file
or AGENTSOCIETY_HTTP_AUTH_TOKEN); production deployments typically mint tokens this way
out-of-band rather than exposing an issuing endpoint on the server itself.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenIssue(cmd, secret, subject, ttl)
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "HMAC secret matching the server's http.authToken (required)")
	cmd.Flags().StringVar(&subject, "subject", "", "Caller identity recorded in the token (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("secret")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}

func runTokenIssue(cmd *cobra.Command, secret, subject string, ttl time.Duration) error {
	token, err := wiresurface.IssueToken(secret, subject, ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
