package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/casegate/pkg/escalation"
	"github.com/Mindburn-Labs/casegate/pkg/ledger"
)

// OpenReview is a review request the ledger has not seen resolved.
type OpenReview struct {
	RunID       string    `json:"run_id"`
	CaseID      string    `json:"case_id"`
	Reason      string    `json:"reason"`
	Summary     string    `json:"summary,omitempty"`
	Description string    `json:"description"`
	RequestedAt time.Time `json:"requested_at"`
}

// openReviews replays entries and keeps, per run, the last review request
// that no later verdict, cancellation or failure settled.
func openReviews(entries []ledger.Entry) []OpenReview {
	open := make(map[string]OpenReview)
	seen := make(map[string]bool)
	var order []string
	for _, e := range entries {
		switch e.Action {
		case ledger.ActionHumanReviewRequested:
			if !seen[e.RunID] {
				seen[e.RunID] = true
				order = append(order, e.RunID)
			}
			open[e.RunID] = OpenReview{
				RunID: e.RunID, CaseID: e.CaseID, Reason: e.Decision, Summary: e.Reasoning,
				Description: e.ActionDescription, RequestedAt: e.Timestamp,
			}
		case ledger.ActionHumanApproved, ledger.ActionHumanRejected, ledger.ActionRunCancelled, ledger.ActionRunFailed:
			delete(open, e.RunID)
		}
	}
	out := make([]OpenReview, 0, len(open))
	for _, id := range order {
		if rv, ok := open[id]; ok {
			out = append(out, rv)
		}
	}
	return out
}

func newReviewCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Inspect open reviews and record reviewer verdicts",
	}
	cmd.AddCommand(newReviewListCmd(g), newVerdictCmd(g, true), newVerdictCmd(g, false))
	return cmd
}

func newReviewListCmd(g *globals) *cobra.Command {
	var reason string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List review requests the ledger shows as unresolved",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openLedger(cmd.Context(), g.cfg, g.logger)
			if a != nil {
				defer func() { _ = a.close() }()
			}
			if err != nil {
				return err
			}
			reviews := openReviews(a.ledger.Entries(ledger.Filter{}))
			if reason != "" {
				kept := reviews[:0]
				for _, rv := range reviews {
					if strings.EqualFold(rv.Reason, reason) {
						kept = append(kept, rv)
					}
				}
				reviews = kept
			}
			return printReviews(cmd.OutOrStdout(), reviews, asJSON)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "only this review reason, e.g. POLICY_ESCALATE")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printReviews(out io.Writer, reviews []OpenReview, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(reviews)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN\tCASE\tREASON\tREQUESTED\tSUMMARY")
	for _, rv := range reviews {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			rv.RunID, rv.CaseID, rv.Reason, rv.RequestedAt.Format(time.RFC3339), orDash(rv.Summary))
	}
	return tw.Flush()
}

func newVerdictCmd(g *globals, approve bool) *cobra.Command {
	var v Verdict
	var path string
	use, short := "reject", "Record a standing rejection for a case"
	if approve {
		use, short = "approve", "Record a standing approval for a case"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long:  short + ". The next process run applies it when the case pauses for review.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v.Approve = approve
			if g.cfg.ReviewerSecret != "" && v.Token == "" {
				return fmt.Errorf("--token is required when REVIEWER_SECRET is set")
			}
			if v.Token == "" && v.Reviewer == "" {
				return errors.New("--reviewer or --token is required")
			}
			if path == "" {
				path = filepath.Join(g.cfg.DataDir, defaultVerdictsFile)
			}
			if err := putVerdict(path, v); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s recorded for case %s in %s\n", use, v.CaseID, path)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&v.CaseID, "case", "", "case id (required)")
	f.StringVar(&v.Reviewer, "reviewer", "", "reviewer name")
	f.StringVar(&v.Token, "token", "", "signed reviewer token")
	f.StringVar(&v.Comment, "comment", "", "reviewer comment, recorded in the ledger")
	f.StringVar(&path, "decisions", "", "verdicts file (default $DATA_DIR/verdicts.yaml)")
	_ = cmd.MarkFlagRequired("case")
	return cmd
}

func newTokenCmd(g *globals) *cobra.Command {
	var reviewer string
	var ttl time.Duration
	var roles []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed reviewer token from REVIEWER_SECRET",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if g.cfg.ReviewerSecret == "" {
				return errors.New("REVIEWER_SECRET is not set")
			}
			auth, err := escalation.NewReviewerAuth([]byte(g.cfg.ReviewerSecret))
			if err != nil {
				return err
			}
			tok, err := auth.Issue(reviewer, ttl, roles...)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer identity (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", 8*time.Hour, "token lifetime")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "roles to embed")
	_ = cmd.MarkFlagRequired("reviewer")
	return cmd
}
