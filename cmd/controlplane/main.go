// Command controlplane is the CLI for the agent control-plane engine.
//
// Usage:
//
//	controlplane serve --config config.yaml
//	controlplane chat --agent <agent-id>
//	controlplane migrate --config config.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/agentmesh/controlplane/pkg/config"
	"github.com/agentmesh/controlplane/pkg/logger"
	"github.com/agentmesh/controlplane/pkg/store"
)

// CLI defines the command-line interface as a kong.CLI command tree.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Run the scheduler and keep scheduled workflows firing."`
	Chat    ChatCmd    `cmd:"" help:"Start an interactive terminal chat session with an agent."`
	Migrate MigrateCmd `cmd:"" help:"Apply the store schema (idempotent) and exit."`

	Config   string `short:"c" help:"Path to config file (YAML)." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("controlplane version %s\n", version)
	return nil
}

// MigrateCmd opens the store, which applies the CREATE TABLE IF NOT
// EXISTS schema on connect, and exits — useful for a deploy step that
// wants migrations to run before the scheduler starts taking traffic.
type MigrateCmd struct{}

func (c *MigrateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	driver, dsn := cfg.Database.DSN()
	s, err := store.Open(driver, dsn, cfg.Database.MaxConns, cfg.Database.MaxIdle)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()
	fmt.Println("schema up to date")
	return nil
}

// ServeCmd builds the full component graph and runs the Scheduler until
// a shutdown signal arrives. HTTP routing is an external collaborator —
// this command is the headless half of the system: cron-triggered
// workflow runs plus the startup/shutdown reflection sweep.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down...")
		cancel()
	}()

	app, err := buildApp(ctx, cli.Config)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	if err := app.scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer app.scheduler.Stop(ctx)

	if err := app.denyPendingAndSweepMemory(ctx); err == nil {
		slog.Info("startup sweep complete")
	}

	slog.Info("controlplane scheduler running", "agents_endpoint", "(none — HTTP is an external adapter)")
	<-ctx.Done()

	// Mirror the startup sweep on the way out: deny pending approvals and
	// fire a best-effort reflection for every agent-bound session that
	// never got memory-processed.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := app.denyPendingAndSweepMemory(shutdownCtx); err != nil {
		slog.Warn("shutdown sweep failed", "error", err)
	}
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("controlplane"),
		kong.Description("Agent control-plane engine"),
		kong.UsageOnError(),
	)

	logLevel := cli.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}
	level, _ := logger.ParseLevel(logLevel)
	logger.Init(level, os.Stderr, "simple")

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
