// Command healflow runs self-healing DAG workflows.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const usage = `healflow runs DAG workflows that recover from step failures.

Usage:
  healflow run <definition.{json,yaml}>
  healflow resume <run_id>
  healflow cancel <run_id>
  healflow resolve <run_id> <step> <retry|skip|abort>
  healflow status [-events=false] <run_id>
  healflow serve
  healflow version

Configuration: ~/.healflow/settings.json, overridden by HEALFLOW_* env vars.`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.Getenv)
	stop()
	os.Exit(code)
}

// run executes one CLI invocation and returns its exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage)
		return exitUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "version", "--version", "-v":
		fmt.Fprintln(stdout, version)
		return exitOK
	case "help", "--help", "-h":
		fmt.Fprintln(stdout, usage)
		return exitOK
	case "run", "resume", "cancel", "resolve", "status", "serve":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s\n", cmd, usage)
		return exitUsage
	}

	cfg, err := loadConfig(getenv)
	if err != nil {
		fmt.Fprintf(stderr, "Error: config: %v\n", err)
		return exitUsage
	}
	a, err := newApp(ctx, cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitForError(err)
	}
	defer a.Close()

	c := &cli{app: a, stdout: stdout, stderr: stderr}
	switch cmd {
	case "run":
		return c.runCmd(ctx, rest)
	case "resume":
		return c.resumeCmd(ctx, rest)
	case "cancel":
		return c.cancelCmd(ctx, rest)
	case "resolve":
		return c.resolveCmd(ctx, rest)
	case "status":
		return c.statusCmd(ctx, rest)
	default:
		return c.serve(ctx)
	}
}
