// casegate runs case events through the decision pipeline and inspects the
// audit ledger it leaves behind.
//
// Usage:
//
//	casegate process -f events.jsonl [--decisions verdicts.yaml] [--seed patterns.json]
//	casegate verify [--bundle sha256:...]
//	casegate export [--run ID | --case ID]
//	casegate review list | approve --case ID | reject --case ID
//	casegate token --reviewer NAME [--ttl 8h]
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/casegate/pkg/config"
	"github.com/Mindburn-Labs/casegate/pkg/contracts"
	"github.com/Mindburn-Labs/casegate/pkg/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

type globals struct {
	envFile string
	profile string
	mode    string

	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run executes the CLI and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	return 0
}

func newRootCmd(logOut io.Writer) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "casegate",
		Short:         "Governed case-resolution pipeline with a hash-chained audit ledger",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.load(logOut)
		},
	}
	f := root.PersistentFlags()
	f.StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	f.StringVar(&g.profile, "profile", "", "tuning profile YAML (overrides PROFILE_PATH)")
	f.StringVar(&g.mode, "mode", "", "execution mode OBSERVE, TRAIN or ACT (overrides CASEGATE_MODE)")

	root.AddCommand(
		newProcessCmd(g),
		newVerifyCmd(g),
		newExportCmd(g),
		newReviewCmd(g),
		newTokenCmd(g),
	)
	return root
}

func (g *globals) load(logOut io.Writer) error {
	if err := config.LoadDotEnv(g.envFile); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if g.profile != "" {
		cfg.ProfilePath = g.profile
	}
	if g.mode != "" {
		m := contracts.ExecutionMode(strings.ToUpper(g.mode))
		switch m {
		case contracts.ModeObserve, contracts.ModeTrain, contracts.ModeAct:
			cfg.Mode = m
		default:
			return fmt.Errorf("--mode: unknown mode %q", g.mode)
		}
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logging.Init(level, cfg.LogFormat, logOut)
	g.cfg = cfg
	g.logger = logging.New("casegate")
	return nil
}
