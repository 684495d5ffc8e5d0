package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/basket/taskstream/internal/config"
	"github.com/basket/taskstream/internal/doctor"
)

var runDiagnosis = doctor.Run

func runDoctorCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "print results as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err != nil {
		// Keep going so the report shows what is wrong.
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	diag := runDiagnosis(ctx, cfgPtr, Version)

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(stderr, "Error encoding json: %v\n", err)
			return 1
		}
	} else {
		fmt.Fprintf(stdout, "Taskstream Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(stdout, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
		fmt.Fprintln(stdout, "---")
		for _, res := range diag.Results {
			fmt.Fprintf(stdout, "[%-4s] %-12s %s\n", res.Status, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Fprintf(stdout, "       %s\n", res.Detail)
			}
		}
	}

	if !diag.Healthy() {
		return 1
	}
	return 0
}
