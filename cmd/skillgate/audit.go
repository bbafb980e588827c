package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/basket/skillgate/internal/audit"
	"github.com/basket/skillgate/internal/config"
	"github.com/basket/skillgate/internal/persistence"
	"github.com/basket/skillgate/internal/pricing"
)

func openStore() (*persistence.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	store, err := persistence.Open(cfg.Audit.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return store, nil
}

func runAuditCommand(ctx context.Context, args []string, _ bool) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: skillgate audit <tail|stats> ...")
		return 2
	}
	sub := strings.ToLower(strings.TrimSpace(args[0]))

	fs := newFlagSet("audit " + sub)
	limit := fs.Int("n", 20, "number of entries")
	auditCtx := fs.String("context", "", "filter by context (agent, tool, script)")
	skill := fs.String("skill", "", "filter by skill")
	since := fs.Duration("since", 0, "only entries newer than this, e.g. 24h")
	asJSON := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	filter := persistence.AuditFilter{Context: *auditCtx, Skill: *skill, Limit: *limit}
	if *since > 0 {
		filter.Since = time.Now().Add(-*since)
	}

	store, err := openStore()
	if err != nil {
		return fail("%v", err)
	}
	defer store.Close()

	switch sub {
	case "tail":
		entries, err := store.ListAudit(ctx, filter)
		if err != nil {
			return fail("%v", err)
		}
		if *asJSON {
			if err := encodeJSON(os.Stdout, entries); err != nil {
				return fail("encode: %v", err)
			}
			return 0
		}
		writeAuditTable(os.Stdout, entries)
		return 0
	case "stats":
		sum, err := store.SummarizeAudit(ctx, filter)
		if err != nil {
			return fail("%v", err)
		}
		usage, err := store.UsageByModel(ctx, filter)
		if err != nil {
			return fail("%v", err)
		}
		stats := auditStats{AuditSummary: sum, Models: costsOf(usage)}
		if *asJSON {
			if err := encodeJSON(os.Stdout, stats); err != nil {
				return fail("encode: %v", err)
			}
			return 0
		}
		writeAuditStats(os.Stdout, stats)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown audit subcommand %q\n", sub)
		return 2
	}
}

// auditStats is the `audit stats` report.
type auditStats struct {
	persistence.AuditSummary
	Models []modelCost `json:"models"`
}

type modelCost struct {
	persistence.ModelUsage
	EstimatedUSD float64 `json:"estimated_usd"`
}

func costsOf(usage []persistence.ModelUsage) []modelCost {
	out := make([]modelCost, 0, len(usage))
	for _, u := range usage {
		out = append(out, modelCost{ModelUsage: u, EstimatedUSD: pricing.Estimate(u.Model, u.InputTokens, u.OutputTokens)})
	}
	return out
}

func writeAuditStats(w io.Writer, s auditStats) {
	fmt.Fprintf(w, "entries:   %d (%d failed, %d via fallback)\n", s.Total, s.Failed, s.FallbackUsed)
	fmt.Fprintf(w, "avg time:  %.0fms\n", s.AvgDurationMS)
	fmt.Fprintf(w, "tokens:    %d in / %d out\n", s.InputTokens, s.OutputTokens)
	if len(s.Models) == 0 {
		return
	}
	var total float64
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tCALLS\tIN\tOUT\tEST. USD")
	for _, m := range s.Models {
		total += m.EstimatedUSD
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.4f\n", m.Model, m.Calls, m.InputTokens, m.OutputTokens, m.EstimatedUSD)
	}
	tw.Flush()
	fmt.Fprintf(w, "est. cost: $%.4f\n", total)
}

func writeAuditTable(w io.Writer, entries []audit.Entry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tCONTEXT\tSKILL\tTOOL\tOK\tMS\tROUTE\tERROR")
	for _, e := range entries {
		ok := "yes"
		if !e.Success {
			ok = "no"
		}
		route := e.Policy
		if e.FallbackUsed {
			route += " -> " + e.FallbackTool
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Timestamp.Local().Format("01-02 15:04:05"), e.Context, orDash(e.Skill), orDash(e.Tool),
			ok, e.DurationMS, orDash(route), oneLine(e.Error, 60))
	}
	tw.Flush()
}

func runSessionsCommand(ctx context.Context, args []string, _ bool) int {
	fs := newFlagSet("sessions")
	limit := fs.Int("n", 20, "number of sessions")
	asJSON := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	store, err := openStore()
	if err != nil {
		return fail("%v", err)
	}
	defer store.Close()

	if fs.NArg() == 1 {
		rec, err := store.GetSession(ctx, fs.Arg(0))
		if err != nil {
			return fail("%v", err)
		}
		if err := encodeJSON(os.Stdout, rec); err != nil {
			return fail("encode: %v", err)
		}
		return 0
	}

	recs, err := store.ListSessions(ctx, *limit)
	if err != nil {
		return fail("%v", err)
	}
	if *asJSON {
		if err := encodeJSON(os.Stdout, recs); err != nil {
			return fail("encode: %v", err)
		}
		return 0
	}
	writeSessionTable(os.Stdout, recs)
	return 0
}

func writeSessionTable(w io.Writer, recs []persistence.SessionRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTARTED\tSTATUS\tPOLICY\tTOOLS\tTOKENS\tLAST TOOL")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d/%d\t%s\n",
			r.SessionID, r.StartedAt.Local().Format("01-02 15:04:05"), r.Status, orDash(r.Policy),
			r.ToolCalls, r.InputTokens, r.OutputTokens, orDash(r.LastTool))
	}
	tw.Flush()
}
