// Package main provides the upstack binary.
//
// Usage:
//
//	upstack <command> [flags]
//
// Commands:
//
//	validate    - Parse and lint a stack descriptor
//	config      - Print the resolved stack and start plan as JSON
//	up          - Bring a stack up
//	down        - Stop and remove a run
//	ps          - Show container state for a run
//	logs        - Show logs for one service of a run
//	rm          - Remove a stopped run from the history
//	serve       - Run the status HTTP API
//	hash-token  - Hash an API token for the config file
//	version     - Show version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/upstack-io/upstack/internal/core/envfile"
	"github.com/upstack-io/upstack/internal/core/lint"
	"github.com/upstack-io/upstack/internal/core/plan"
	"github.com/upstack-io/upstack/internal/core/probe"
	"github.com/upstack-io/upstack/internal/core/run"
	"github.com/upstack-io/upstack/internal/core/stack"
	"github.com/upstack-io/upstack/internal/shell/api"
	"github.com/upstack-io/upstack/internal/shell/docker"
	"github.com/upstack-io/upstack/internal/shell/runner"
	"github.com/upstack-io/upstack/internal/shell/store"
)

// Version information (set by build flags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitValidationError = 2
	ExitDatabaseError   = 3
	ExitDockerError     = 4
	ExitRunError        = 5
	ExitHTTPServerError = 6
	ExitUsageError      = 7
)

func main() {
	os.Exit(dispatch(os.Args[1:]))
}

func dispatch(args []string) int {
	if len(args) < 1 {
		usage()
		return ExitUsageError
	}

	cmd, rest := args[0], args[1:]

	switch cmd {
	case "validate":
		return cmdValidate(rest)
	case "config":
		return cmdConfig(rest)
	case "up":
		return cmdUp(rest)
	case "down":
		return cmdDown(rest)
	case "ps":
		return cmdPs(rest)
	case "logs":
		return cmdLogs(rest)
	case "rm":
		return cmdRm(rest)
	case "serve":
		return cmdServe(rest)
	case "hash-token":
		return cmdHashToken(rest)
	case "version":
		fmt.Printf("upstack %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		return ExitUsageError
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: upstack <command> [flags]

commands:
  validate   -f <file>              parse and lint a stack descriptor
  config     -f <file>              print the resolved stack and start plan
  up         -f <file>              bring a stack up
  down       <run-id> [-f <file>]   stop and remove a run
  ps         <run-id>               show container state for a run
  logs       <run-id> <service>     show logs for one service
  rm         <run-id>               remove a stopped run from the history
  serve                             run the status HTTP API
  hash-token <token>                hash an API token for the config file
  version                           show version`)
}

// =============================================================================
// validate
// =============================================================================

func cmdValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	file := fs.String("f", "compose.yaml", "Path to stack descriptor")
	fs.Parse(args)

	st, workDir, err := loadDescriptor(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid descriptor: %v\n", err)
		return ExitValidationError
	}

	findings := lint.Lint(lint.Input{
		Stack:   st,
		EnvVars: loadEnvVars(st, workDir),
	})

	for _, f := range findings {
		fmt.Printf("%s  %-20s %s: %s\n", f.Severity, f.Rule, f.Field, f.Message)
	}
	if findings.HasErrors() {
		return ExitValidationError
	}

	fmt.Printf("ok: %d service(s), %d finding(s)\n", len(st.Services), len(findings))
	return ExitSuccess
}

// =============================================================================
// config
// =============================================================================

func cmdConfig(args []string) int {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	file := fs.String("f", "compose.yaml", "Path to stack descriptor")
	fs.Parse(args)

	st, _, err := loadDescriptor(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid descriptor: %v\n", err)
		return ExitValidationError
	}

	out := struct {
		Stack *stack.Stack    `json:"stack"`
		Plan  *plan.StartPlan `json:"plan"`
	}{
		Stack: st,
		Plan:  plan.Build(st),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		return ExitConfigError
	}
	return ExitSuccess
}

// =============================================================================
// up
// =============================================================================

func cmdUp(args []string) int {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	file := fs.String("f", "compose.yaml", "Path to stack descriptor")
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, logger, code := loadToolConfig(*configPath)
	if code != ExitSuccess {
		return code
	}

	st, workDir, err := loadDescriptor(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid descriptor: %v\n", err)
		return ExitValidationError
	}

	findings := lint.Lint(lint.Input{Stack: st, EnvVars: loadEnvVars(st, workDir)})
	for _, f := range findings {
		fmt.Fprintf(os.Stderr, "%s  %-20s %s: %s\n", f.Severity, f.Rule, f.Field, f.Message)
	}
	if findings.HasErrors() {
		return ExitValidationError
	}

	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		logger.Error("failed to open run store", "dsn", cfg.Database.DSN, "error", err)
		return ExitDatabaseError
	}
	defer s.Close()

	engine, err := docker.NewEngineClient(cfg.Docker.Host)
	if err != nil {
		logger.Error("failed to create engine client", "error", err)
		return ExitDockerError
	}
	defer engine.Close()

	if err := engine.Ping(); err != nil {
		logger.Error("engine unreachable", "error", err)
		return ExitDockerError
	}

	r := run.New(st.Name)
	ctx := context.Background()
	if err := s.CreateRun(ctx, r); err != nil {
		logger.Error("failed to record run", "error", err)
		return ExitDatabaseError
	}

	rn := runner.NewRunner(engine, logger, workDir)

	// Interrupt aborts the run cleanly: gates stop waiting, partial
	// resources are torn down, and the run is recorded as failed.
	upCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	upErr := rn.Up(upCtx, st, plan.Build(st), r)
	stop()

	if err := s.UpdateRun(ctx, r); err != nil {
		logger.Error("failed to update run", "run_id", r.ID, "error", err)
	}

	if upErr != nil {
		fmt.Fprintf(os.Stderr, "up failed: %v\n", upErr)
		return ExitRunError
	}

	fmt.Printf("run %s started (%d services)\n", r.ID, len(r.Services))
	return ExitSuccess
}

// =============================================================================
// down
// =============================================================================

func cmdDown(args []string) int {
	fs := flag.NewFlagSet("down", flag.ExitOnError)
	file := fs.String("f", "", "Path to stack descriptor (enables volume cleanup)")
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: upstack down <run-id> [-f <file>]")
		return ExitUsageError
	}
	runID := fs.Arg(0)

	cfg, logger, code := loadToolConfig(*configPath)
	if code != ExitSuccess {
		return code
	}

	var st *stack.Stack
	if *file != "" {
		var err error
		st, _, err = loadDescriptor(*file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid descriptor: %v\n", err)
			return ExitValidationError
		}
	}

	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		logger.Error("failed to open run store", "error", err)
		return ExitDatabaseError
	}
	defer s.Close()

	ctx := context.Background()
	r, err := s.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "run %s not found\n", runID)
		} else {
			logger.Error("failed to load run", "run_id", runID, "error", err)
		}
		return ExitDatabaseError
	}

	engine, err := docker.NewEngineClient(cfg.Docker.Host)
	if err != nil {
		logger.Error("failed to create engine client", "error", err)
		return ExitDockerError
	}
	defer engine.Close()

	rn := runner.NewRunner(engine, logger, ".")
	downErr := rn.Down(ctx, r, st)

	if err := s.UpdateRun(ctx, r); err != nil {
		logger.Error("failed to update run", "run_id", r.ID, "error", err)
	}

	if downErr != nil {
		fmt.Fprintf(os.Stderr, "down failed: %v\n", downErr)
		return ExitRunError
	}

	fmt.Printf("run %s stopped\n", r.ID)
	return ExitSuccess
}

// =============================================================================
// ps
// =============================================================================

func cmdPs(args []string) int {
	fs := flag.NewFlagSet("ps", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: upstack ps <run-id>")
		return ExitUsageError
	}
	runID := fs.Arg(0)

	cfg, logger, code := loadToolConfig(*configPath)
	if code != ExitSuccess {
		return code
	}

	engine, err := docker.NewEngineClient(cfg.Docker.Host)
	if err != nil {
		logger.Error("failed to create engine client", "error", err)
		return ExitDockerError
	}
	defer engine.Close()

	rn := runner.NewRunner(engine, logger, ".")
	states, err := rn.Ps(context.Background(), runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ps failed: %v\n", err)
		return ExitDockerError
	}

	fmt.Printf("%-12s %-14s %-10s %-10s\n", "SERVICE", "CONTAINER", "STATUS", "HEALTH")
	healths := make([]probe.Health, 0, len(states))
	for _, st := range states {
		id := st.ContainerID
		if len(id) > 12 {
			id = id[:12]
		}
		health := string(st.Health)
		if health == "" {
			health = "-"
		} else {
			healths = append(healths, st.Health)
		}
		fmt.Printf("%-12s %-14s %-10s %-10s\n", st.Name, id, st.Status, health)
	}
	fmt.Printf("\noverall: %s\n", probe.Aggregate(healths))
	return ExitSuccess
}

// =============================================================================
// logs
// =============================================================================

func cmdLogs(args []string) int {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	tail := fs.String("tail", "100", "Number of log lines to show")
	fs.Parse(args)

	if fs.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "usage: upstack logs <run-id> <service>")
		return ExitUsageError
	}
	runID, service := fs.Arg(0), fs.Arg(1)

	cfg, logger, code := loadToolConfig(*configPath)
	if code != ExitSuccess {
		return code
	}

	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		logger.Error("failed to open run store", "error", err)
		return ExitDatabaseError
	}
	defer s.Close()

	ctx := context.Background()
	r, err := s.GetRun(ctx, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run %s not found\n", runID)
		return ExitDatabaseError
	}

	state := r.Service(service)
	if state == nil || state.ContainerID == "" {
		fmt.Fprintf(os.Stderr, "service %s has no container in run %s\n", service, runID)
		return ExitUsageError
	}

	engine, err := docker.NewEngineClient(cfg.Docker.Host)
	if err != nil {
		logger.Error("failed to create engine client", "error", err)
		return ExitDockerError
	}
	defer engine.Close()

	rn := runner.NewRunner(engine, logger, ".")
	out, err := rn.Logs(ctx, state.ContainerID, *tail)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logs failed: %v\n", err)
		return ExitDockerError
	}

	fmt.Print(out)
	return ExitSuccess
}

// =============================================================================
// rm
// =============================================================================

// cmdRm removes a run from the history. Runs with containers still up must
// be taken down first; rm never touches engine resources.
func cmdRm(args []string) int {
	fs := flag.NewFlagSet("rm", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: upstack rm <run-id>")
		return ExitUsageError
	}
	runID := fs.Arg(0)

	cfg, logger, code := loadToolConfig(*configPath)
	if code != ExitSuccess {
		return code
	}

	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		logger.Error("failed to open run store", "error", err)
		return ExitDatabaseError
	}
	defer s.Close()

	ctx := context.Background()
	r, err := s.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "run %s not found\n", runID)
		} else {
			logger.Error("failed to load run", "run_id", runID, "error", err)
		}
		return ExitDatabaseError
	}

	switch r.Status {
	case run.StatusPending, run.StatusStopped, run.StatusFailed:
	default:
		fmt.Fprintf(os.Stderr, "run %s is %s; take it down before removing\n", runID, r.Status)
		return ExitUsageError
	}

	if err := s.DeleteRun(ctx, runID); err != nil {
		logger.Error("failed to delete run", "run_id", runID, "error", err)
		return ExitDatabaseError
	}

	fmt.Printf("run %s removed\n", runID)
	return ExitSuccess
}

// =============================================================================
// hash-token
// =============================================================================

func cmdHashToken(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: upstack hash-token <token>")
		return ExitUsageError
	}

	hash, err := api.HashToken(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash failed: %v\n", err)
		return ExitConfigError
	}

	fmt.Println(hash)
	return ExitSuccess
}

// =============================================================================
// Helpers
// =============================================================================

// loadDescriptor reads and parses a stack descriptor, returning the stack and
// the directory relative paths resolve against.
func loadDescriptor(path string) (*stack.Stack, string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}

	st, err := stack.Parse(string(content))
	if err != nil {
		return nil, "", err
	}

	if st.Name == "" {
		st.Name = filepath.Base(filepath.Dir(mustAbs(path)))
	}

	return st, filepath.Dir(mustAbs(path)), nil
}

// loadEnvVars reads the env files services reference, keyed by the declared
// path. Unreadable files are omitted so lint can report them.
func loadEnvVars(st *stack.Stack, workDir string) map[string]map[string]string {
	out := make(map[string]map[string]string)
	for _, svc := range st.Services {
		for _, path := range svc.EnvFiles {
			if _, done := out[path]; done {
				continue
			}
			full := path
			if !filepath.IsAbs(full) {
				full = filepath.Join(workDir, path)
			}
			content, err := os.ReadFile(full)
			if err != nil {
				continue
			}
			vars, err := envfile.Parse(string(content))
			if err != nil {
				continue
			}
			out[path] = vars
		}
	}
	return out
}

func loadToolConfig(configPath string) (*Config, *slog.Logger, int) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return nil, nil, ExitConfigError
	}
	return cfg, SetupLogger(cfg), ExitSuccess
}

func mustAbs(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
