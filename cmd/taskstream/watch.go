package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskstream/internal/config"
	"github.com/basket/taskstream/internal/tui"
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// clientFlags are shared by watch and status.
type clientFlags struct {
	url   *string
	token *string
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		url:   fs.String("url", "", "gateway base URL (default from bind_addr)"),
		token: fs.String("token", "", "bearer token (default from auth_token)"),
	}
}

// client resolves flags against config.yaml and the environment.
func (f clientFlags) client() (*tui.Client, error) {
	base, token := strings.TrimSpace(*f.url), strings.TrimSpace(*f.token)
	if base == "" || token == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("config load: %w", err)
		}
		if base == "" {
			base = gatewayURL(cfg.BindAddr)
		}
		if token == "" {
			token = cfg.AuthToken
		}
	}
	return tui.NewClient(base, token, nil), nil
}

func runWatchCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	project := fs.String("project", "", "project id")
	agent := fs.String("agent", "", "agent id")
	plain := fs.Bool("plain", false, "print events line by line instead of the interactive view")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 || *project == "" || *agent == "" {
		fmt.Fprintln(stderr, "usage: taskstream watch -project P -agent A [-plain] <task_id>")
		return 2
	}

	c, err := cf.client()
	if err != nil {
		fmt.Fprintf(stderr, "watch: %v\n", err)
		return 1
	}
	target := tui.Target{ProjectID: *project, AgentID: *agent, TaskID: fs.Arg(0)}

	var res tui.Result
	if !*plain && isTerminal(stdout) {
		res, err = tui.Run(ctx, c, target)
	} else {
		res, err = tui.RunPlain(ctx, c, target, stdout)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 130
		}
		fmt.Fprintf(stderr, "watch: %v\n", err)
		return 1
	}

	switch res.Status {
	case "failed", "cancelled":
		fmt.Fprintf(stderr, "task %s %s\n", res.TaskID, res.Status)
		return 1
	}
	if res.Outcome == tui.OutcomeTimeout {
		fmt.Fprintf(stderr, "task %s still %s; stream timed out\n", res.TaskID, res.Status)
	}
	return 0
}
