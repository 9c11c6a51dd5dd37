package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/casegate/pkg/artifacts"
	"github.com/Mindburn-Labs/casegate/pkg/ledger"
)

func newVerifyCmd(g *globals) *cobra.Command {
	var bundle string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-verify the persisted ledger chain, or an archived bundle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if bundle != "" {
				store, err := artifacts.NewStore(ctx, g.cfg.Archive)
				if err != nil {
					return err
				}
				b, err := artifacts.NewArchive(store, g.logger).Get(ctx, bundle)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(out, "bundle %s OK: %d entries, head %s\n", b.BundleID, b.EntryCount, b.ChainHead)
				return err
			}

			a, err := openLedger(ctx, g.cfg, g.logger)
			if a != nil {
				defer func() { _ = a.close() }()
			}
			if err != nil {
				var ie *ledger.IntegrityError
				if errors.As(err, &ie) {
					_, _ = fmt.Fprintf(out, "ledger BROKEN at entry %d (%s): %s\n", ie.Index, ie.EntryID, ie.Reason)
				}
				return err
			}
			_, err = fmt.Fprintf(out, "ledger OK: %d entries, head %s\n", a.ledger.Len(), a.ledger.Head())
			return err
		},
	}
	cmd.Flags().StringVar(&bundle, "bundle", "", "content hash of an archived bundle to verify instead")
	return cmd
}

func newExportCmd(g *globals) *cobra.Command {
	var f ledger.Filter
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Archive an evidence bundle of the ledger, optionally narrowed to a run or case",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openLedger(ctx, g.cfg, g.logger)
			if a != nil {
				defer func() { _ = a.close() }()
			}
			if err != nil {
				return fmt.Errorf("refusing to export: %w", err)
			}
			b, err := a.ledger.ExportBundle(f)
			if err != nil {
				return err
			}
			store, err := artifacts.NewStore(ctx, g.cfg.Archive)
			if err != nil {
				return err
			}
			hash, err := artifacts.NewArchive(store, g.logger).Put(ctx, b)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d entries\n", hash, b.BundleID, b.EntryCount)
			return err
		},
	}
	cmd.Flags().StringVar(&f.RunID, "run", "", "export only this run")
	cmd.Flags().StringVar(&f.CaseID, "case", "", "export only this case")
	return cmd
}
