package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/rendis/healflow/internal/store"
	"github.com/rendis/healflow/pkg/schema"
)

// cli carries the process streams and the wired app into each subcommand.
type cli struct {
	app    *app
	stdout io.Writer
	stderr io.Writer
}

func (c *cli) printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(c.stderr, "Error: encode output: %v\n", err)
		return
	}
	fmt.Fprintln(c.stdout, string(data))
}

func (c *cli) fail(err error) int {
	fmt.Fprintf(c.stderr, "Error: %v\n", err)
	return exitForError(err)
}

// finishRun prints the run and maps its status. An interrupted run keeps
// its progress in the store.
func (c *cli) finishRun(run *store.RunState, err error) int {
	if err != nil && run != nil && errors.Is(err, context.Canceled) {
		c.printJSON(run)
		fmt.Fprintf(c.stderr, "Interrupted: run %s detached; continue with `healflow resume %s`\n", run.RunID, run.RunID)
		return exitUsage
	}
	if err != nil {
		return c.fail(err)
	}
	c.printJSON(run)
	return exitForRun(run.Status)
}

func (c *cli) runCmd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		fmt.Fprintln(c.stderr, "usage: healflow run <definition.{json,yaml}>")
		return exitUsage
	}

	doc, err := c.app.loader.LoadFile(fs.Arg(0))
	if err != nil {
		return c.fail(err)
	}
	return c.finishRun(c.app.engine.Execute(ctx, doc))
}

func (c *cli) resumeCmd(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(c.stderr, "usage: healflow resume <run_id>")
		return exitUsage
	}
	return c.finishRun(c.app.engine.Resume(ctx, args[0]))
}

func (c *cli) cancelCmd(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(c.stderr, "usage: healflow cancel <run_id>")
		return exitUsage
	}
	run, err := c.app.engine.Cancel(ctx, args[0])
	if err != nil {
		return c.fail(err)
	}
	c.printJSON(run)
	return exitOK
}

func (c *cli) resolveCmd(ctx context.Context, args []string) int {
	if len(args) != 3 {
		fmt.Fprintln(c.stderr, "usage: healflow resolve <run_id> <step> <retry|skip|abort>")
		return exitUsage
	}
	decision, err := schema.ParseDecision(args[2])
	if err != nil {
		fmt.Fprintf(c.stderr, "Error: %v\n", err)
		return exitUsage
	}
	return c.finishRun(c.app.engine.ResolveEscalation(ctx, args[0], args[1], decision))
}

func (c *cli) statusCmd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	events := fs.Bool("events", true, "include the event log")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		fmt.Fprintln(c.stderr, "usage: healflow status [-events=false] <run_id>")
		return exitUsage
	}

	rep, err := c.app.engine.Status(ctx, fs.Arg(0))
	if err != nil {
		return c.fail(err)
	}
	if !*events {
		rep.Events = nil
	}
	c.printJSON(rep)
	return exitOK
}
