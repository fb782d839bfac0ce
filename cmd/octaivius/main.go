// OctAIvius is the tool-server host for the OctAIvius desktop assistant.
//
// It supervises a set of MCP tool servers (local subprocesses speaking
// JSON-RPC over stdio, plus HTTP and WebSocket endpoints), keeps a
// persistent cache of the tools they expose, and provides a CLI for
// inspecting and invoking them. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	octaivius serve                       Supervise all configured servers
//	octaivius init [dir]                  Create a starter config and data directory
//	octaivius servers                     List configured servers
//	octaivius tools <server>              List cached tools for a server
//	octaivius call <server> <tool> [json] Invoke a tool once
//	octaivius version                     Print version and build information
//	octaivius -o json version             Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/DJDodds/OctAIvius-sub000/internal/buildinfo"
	"github.com/DJDodds/OctAIvius-sub000/internal/config"
	"github.com/DJDodds/OctAIvius-sub000/internal/orchestrator"
	"github.com/DJDodds/OctAIvius-sub000/internal/toolcache"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the octaivius command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of all transports and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "servers":
		return runServers(stdout, configPath, outputFmt)
	case "tools":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: octaivius tools <server>")
		}
		return runTools(ctx, stdout, configPath, outputFmt, cmdArgs[0])
	case "call":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: octaivius call <server> <tool> [json-args]")
		}
		return runCall(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runServe handles "octaivius serve": register every configured server,
// connect them all, and supervise until SIGINT/SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level, "text")
	logger.Info("starting", "build", buildinfo.String(), "config", cfgPath)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	cache, err := toolcache.NewStore(filepath.Join(cfg.DataDir, "toolcache.db"))
	if err != nil {
		return fmt.Errorf("open tool cache: %w", err)
	}
	defer cache.Close()

	mgr := orchestrator.NewManager(orchestrator.ManagerConfig{
		Logger:          logger,
		Cache:           cache,
		ConnectAttempts: cfg.MCP.ConnectAttempts,
		ConnectBackoff:  time.Duration(cfg.MCP.ConnectBackoffMS) * time.Millisecond,
	})

	ids := registerServers(mgr, cfg, logger)
	if len(ids) == 0 {
		return fmt.Errorf("no usable mcp server entries in %s", cfgPath)
	}

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancel it and trigger graceful shutdown.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// A server that fails to connect stays registered in error state;
	// the rest keep running.
	for _, id := range ids {
		if err := mgr.Connect(ctx, id); err != nil {
			logger.Warn("server connect failed", "server", id, "error", err)
		}
	}

	healthDone := mgr.StartHealthWatch(ctx,
		time.Duration(cfg.MCP.HealthIntervalSec)*time.Second)

	logger.Info("supervising tool servers", "servers", len(ids))
	<-ctx.Done()

	logger.Info("shutting down")
	mgr.Cleanup()
	<-healthDone
	return nil
}

// runServers prints the configured server entries without connecting.
func runServers(stdout io.Writer, configPath string, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	type row struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Transport string `json:"transport"`
		Target    string `json:"target"`
		Problem   string `json:"problem,omitempty"`
	}

	rows := make([]row, 0, len(cfg.MCP.Servers))
	for _, sc := range cfg.MCP.Servers {
		r := row{ID: sc.ID, Name: sc.Name, Transport: sc.Transport}
		if r.Transport == "" {
			r.Transport = "stdio"
		}
		if sc.Command != "" {
			r.Target = sc.Command
		} else {
			r.Target = sc.URL
		}
		if err := sc.Validate(); err != nil {
			r.Problem = err.Error()
		}
		rows = append(rows, r)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	for _, r := range rows {
		fmt.Fprintf(stdout, "%-20s %-6s %s", r.ID, r.Transport, r.Target)
		if r.Problem != "" {
			fmt.Fprintf(stdout, "  [%s]", r.Problem)
		}
		fmt.Fprintln(stdout)
	}
	return nil
}

// runTools prints the cached tool inventory for one server.
func runTools(ctx context.Context, stdout io.Writer, configPath string, outputFmt string, serverID string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	cache, err := toolcache.NewStore(filepath.Join(cfg.DataDir, "toolcache.db"))
	if err != nil {
		return fmt.Errorf("open tool cache: %w", err)
	}
	defer cache.Close()

	tools, err := cache.ToolsForServer(ctx, serverID)
	if err != nil {
		return err
	}
	if len(tools) == 0 {
		fmt.Fprintf(stdout, "no cached tools for %s (is it connected in a serve session?)\n", serverID)
		return nil
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tools)
	}
	for _, td := range tools {
		fmt.Fprintf(stdout, "%-30s %s\n", orchestrator.NamespacedName(serverID, td.Name), td.Description)
	}
	return nil
}

// runCall handles "octaivius call <server> <tool> [json-args]": connect
// to one server, invoke one tool, print the text result, disconnect.
func runCall(ctx context.Context, stdout io.Writer, configPath string, cmdArgs []string) error {
	serverID, toolName := cmdArgs[0], cmdArgs[1]

	var callArgs map[string]any
	if len(cmdArgs) > 2 {
		if err := json.Unmarshal([]byte(cmdArgs[2]), &callArgs); err != nil {
			return fmt.Errorf("parse tool arguments: %w", err)
		}
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	sc, ok := findServer(cfg, serverID)
	if !ok {
		return fmt.Errorf("server %q not in config", serverID)
	}
	if err := sc.Validate(); err != nil {
		return err
	}

	// One-shot invocations log quietly to stderr so stdout carries
	// only the tool result.
	logger := newLogger(os.Stderr, slog.LevelWarn, "text")

	mgr := orchestrator.NewManager(orchestrator.ManagerConfig{Logger: logger})
	if err := mgr.Register(toManagerConfig(sc)); err != nil {
		return err
	}
	defer mgr.Cleanup()

	if err := mgr.Connect(ctx, serverID); err != nil {
		return err
	}

	result, err := mgr.Invoke(ctx, serverID, toolName, callArgs, 60*time.Second)
	if err != nil {
		return fmt.Errorf("call %s on %s: %w", toolName, serverID, err)
	}
	fmt.Fprintln(stdout, result)
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// octaivius is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "OctAIvius - MCP tool server host")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: octaivius [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                        Supervise all configured tool servers")
	fmt.Fprintln(w, "  init [dir]                   Create a starter config and data directory")
	fmt.Fprintln(w, "  servers                      List configured servers")
	fmt.Fprintln(w, "  tools <server>               List cached tools for a server")
	fmt.Fprintln(w, "  call <server> <tool> [json]  Invoke a tool once")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/octaivius/config.yaml, /etc/octaivius/config.yaml")
	return nil
}

// registerServers validates and registers every config entry. Malformed
// entries are logged and skipped rather than aborting startup. Returns
// the registered ids.
func registerServers(mgr *orchestrator.Manager, cfg *config.Config, logger *slog.Logger) []string {
	var ids []string
	for _, sc := range cfg.MCP.Servers {
		if err := sc.Validate(); err != nil {
			logger.Warn("skipping malformed server entry", "error", err)
			continue
		}
		if err := mgr.Register(toManagerConfig(sc)); err != nil {
			logger.Warn("server registration failed", "server", sc.ID, "error", err)
			continue
		}
		ids = append(ids, sc.ID)
	}
	return ids
}

// toManagerConfig maps a YAML server entry to the orchestrator's config.
func toManagerConfig(sc config.ServerConfig) orchestrator.ServerConfig {
	name := sc.Name
	if name == "" {
		name = sc.ID
	}
	return orchestrator.ServerConfig{
		ID:             sc.ID,
		Name:           name,
		Transport:      sc.Transport,
		Command:        sc.Command,
		Args:           sc.Args,
		Dir:            sc.Dir,
		Env:            sc.Env,
		URL:            sc.URL,
		Headers:        sc.Headers,
		AutoRestart:    sc.AutoRestart,
		RestartBackoff: sc.RestartBackoff(),
		InitTimeout:    sc.InitTimeout(),
		SkipInitialize: sc.SkipInitialize,
		ReadyPattern:   sc.ReadyPattern,
		SettleDelay:    sc.SettleDelay(),
		IncludeTools:   sc.IncludeTools,
		ExcludeTools:   sc.ExcludeTools,
	}
}

func findServer(cfg *config.Config, id string) (config.ServerConfig, bool) {
	for _, sc := range cfg.MCP.Servers {
		if sc.ID == id {
			return sc, true
		}
	}
	return config.ServerConfig{}, false
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
