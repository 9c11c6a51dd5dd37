package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/casegate/pkg/config"
	"github.com/Mindburn-Labs/casegate/pkg/contracts"
	"github.com/Mindburn-Labs/casegate/pkg/router"
	"github.com/Mindburn-Labs/casegate/pkg/store"
)

type processFlags struct {
	file     string
	verdicts string
	seed     string
	asJSON   bool
}

func newProcessCmd(g *globals) *cobra.Command {
	var pf processFlags
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run a file of event envelopes (one JSON document per line) through the pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runProcess(ctx, g, pf, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVarP(&pf.file, "file", "f", "", "envelope file, JSON lines (required; - for stdin)")
	f.StringVar(&pf.verdicts, "decisions", "", "standing reviewer verdicts (default $DATA_DIR/verdicts.yaml)")
	f.StringVar(&pf.seed, "seed", "", "JSON array of patterns to load before processing")
	f.BoolVar(&pf.asJSON, "json", false, "print runs as JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// processSummary is what one process invocation did.
type processSummary struct {
	Accepted int             `json:"accepted"`
	Rejected int             `json:"rejected"`
	Resolved int             `json:"resolved"`
	Runs     []contracts.Run `json:"runs"`
	// Pending counts the reviews still open per reason.
	Pending map[contracts.ReviewReason]int `json:"pending_reviews,omitempty"`
}

func runProcess(ctx context.Context, g *globals, pf processFlags, out io.Writer) error {
	profile, err := config.LoadProfile(g.cfg.ProfilePath)
	if err != nil {
		return err
	}
	a, err := openPipeline(ctx, g.cfg, profile, g.logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	if pf.seed != "" {
		n, err := a.seedPatterns(ctx, pf.seed)
		if err != nil {
			return err
		}
		g.logger.InfoContext(ctx, "patterns seeded", "count", n)
	}
	verdictPath := pf.verdicts
	if verdictPath == "" {
		verdictPath = filepath.Join(g.cfg.DataDir, defaultVerdictsFile)
	}
	verdicts, err := loadVerdicts(verdictPath)
	if err != nil {
		return err
	}

	in := io.Reader(os.Stdin)
	if pf.file != "-" {
		fh, err := os.Open(pf.file)
		if err != nil {
			return fmt.Errorf("open envelopes: %w", err)
		}
		defer fh.Close()
		in = fh
	}

	var sum processSummary
	if sum.Accepted, sum.Rejected, err = ingest(ctx, a, in); err != nil {
		return err
	}
	if err := a.router.Drain(ctx); err != nil {
		return err
	}
	if sum.Resolved, err = applyVerdicts(ctx, a, verdictIndex(verdicts)); err != nil {
		return err
	}
	sum.Runs = a.runs.List(ctx, store.RunFilter{})
	sum.Pending = a.router.Reviews().Counts()
	return printSummary(out, sum, pf.asJSON)
}

// ingest decodes and accepts every line. Bad envelopes are logged and
// counted; they do not stop the batch.
func ingest(ctx context.Context, a *app, in io.Reader) (accepted, rejected int, err error) {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		env, err := router.DecodeEnvelope(raw)
		if err == nil {
			_, err = a.router.Accept(ctx, env)
		}
		if err != nil {
			rejected++
			a.logger.WarnContext(ctx, "envelope rejected", "line", line, "error", err)
			continue
		}
		accepted++
	}
	if err := sc.Err(); err != nil {
		return accepted, rejected, fmt.Errorf("read envelopes: %w", err)
	}
	return accepted, rejected, nil
}

// applyVerdicts resolves paused runs whose case has a standing verdict,
// draining after each round since a resumed run may pause again. A verdict
// is used at most once per case.
func applyVerdicts(ctx context.Context, a *app, verdicts map[string]Verdict) (int, error) {
	used := make(map[string]bool)
	resolved := 0
	for {
		progressed := false
		for _, rv := range a.router.Reviews().Pending() {
			v, ok := verdicts[rv.CaseID]
			if !ok || used[rv.CaseID] {
				continue
			}
			used[rv.CaseID] = true
			_, err := a.router.SubmitHumanFeedback(ctx, router.HumanFeedback{
				RunID:    rv.RunID,
				Approved: v.Approve,
				Reviewer: v.Reviewer,
				Token:    v.Token,
				Comment:  v.Comment,
			})
			if err != nil {
				a.logger.WarnContext(ctx, "verdict not applied", "case_id", rv.CaseID, "run_id", rv.RunID, "error", err)
				continue
			}
			resolved++
			progressed = true
		}
		if !progressed {
			return resolved, nil
		}
		if err := a.router.Drain(ctx); err != nil {
			return resolved, err
		}
	}
}

func printSummary(out io.Writer, sum processSummary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN\tCASE\tEVENT\tSTATUS\tFINAL\tREVIEW")
	for _, r := range sum.Runs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.CaseID, r.EventType, r.Status, orDash(string(r.FinalAction)), orDash(r.PendingReviewID))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "\naccepted %d, rejected %d, verdicts applied %d\n", sum.Accepted, sum.Rejected, sum.Resolved); err != nil {
		return err
	}
	if len(sum.Pending) == 0 {
		return nil
	}
	reasons := make([]string, 0, len(sum.Pending))
	for reason, n := range sum.Pending {
		reasons = append(reasons, fmt.Sprintf("%s %d", reason, n))
	}
	sort.Strings(reasons)
	_, err := fmt.Fprintf(out, "pending reviews: %s\n", strings.Join(reasons, ", "))
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
