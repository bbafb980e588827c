package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/skillgate/internal/config"
	"github.com/basket/skillgate/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("doctor")
	jsonOutput := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		// Keep going: the checks below show what is wrong.
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version)
	if *jsonOutput {
		if err := encodeJSON(os.Stdout, diag); err != nil {
			return fail("Error encoding json: %v", err)
		}
	} else {
		writeDiagnosis(os.Stdout, diag)
	}
	if diag.Failed() > 0 {
		return 1
	}
	return 0
}

func writeDiagnosis(w io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(w, "skillgate doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(w, "---")
	for _, res := range diag.Results {
		fmt.Fprintf(w, "[%-4s] %-15s: %s\n", res.Status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "       %s\n", res.Detail)
		}
	}
}
