package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/basket/taskstream/internal/tui"
)

func runStatusCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "print the snapshot as JSON")
	watch := fs.Bool("watch", false, "refresh every second until q is pressed")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: taskstream status [-watch] [-json]")
		return 2
	}

	c, err := cf.client()
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	fetch := func() tui.Snapshot {
		reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return c.Fetch(reqCtx)
	}

	if *watch && !*jsonOut && isTerminal(stdout) {
		if err := tui.RunStatus(ctx, fetch); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(stderr, "status: %v\n", err)
			return 1
		}
		return 0
	}

	snap := fetch()
	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			fmt.Fprintf(stderr, "status: encode: %v\n", err)
			return 1
		}
	} else {
		fmt.Fprint(stdout, tui.RenderStatus(snap))
	}
	if !snap.Healthy {
		return 1
	}
	return 0
}
