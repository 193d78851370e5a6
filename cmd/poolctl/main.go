// Command poolctl runs distributions and inspects pool state against the
// configured store without going through the HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmx/staking-engine/internal/account"
	"github.com/atmx/staking-engine/internal/app"
	"github.com/atmx/staking-engine/internal/config"
	"github.com/atmx/staking-engine/internal/distribution"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globals struct {
	envFile string
	verbose bool
}

func newRootCmd(out io.Writer) *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:          "poolctl",
		Short:        "Staking pool administration",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.envFile, "env-file", "", "Load configuration from this file")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Log to stderr")
	root.SetOut(out)

	root.AddCommand(
		newDistributeCmd(g),
		newMigrateCmd(g),
		newPoolCmd(g),
		newAccountCmd(g),
	)
	return root
}

func (g *globals) open(ctx context.Context, opts app.Options) (*app.App, error) {
	var files []string
	if g.envFile != "" {
		files = append(files, g.envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return nil, err
	}
	level := slog.LevelWarn
	if g.verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return app.Open(ctx, cfg, opts, logger)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newDistributeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "distribute [period]",
		Short: "Run the daily distribution for a period (default: yesterday, UTC)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			period := app.PeriodToDistribute(time.Now())
			if len(args) == 1 {
				period = args[0]
			}

			// Ctrl-C cancels the run; accounts already credited stay credited
			// and a later run for the same period resumes.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := g.open(ctx, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := a.Orchestrator.RunDistribution(ctx, period)
			if errors.Is(err, distribution.ErrAlreadyDistributed) {
				fmt.Fprintf(cmd.OutOrStdout(), "period %s already distributed\n", period)
				return nil
			}
			if perr := printJSON(cmd, sum); perr != nil {
				return perr
			}
			return err
		},
	}
}

func newMigrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context(), app.Options{Migrate: true})
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Postgres == nil {
				return errors.New("DATABASE_URL is not set")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newPoolCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "pool",
		Short: "Show the pool state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()
			pool, err := a.Store.GetPoolState(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, pool)
		},
	}
}

func newAccountCmd(g *globals) *cobra.Command {
	var txs bool
	cmd := &cobra.Command{
		Use:   "account ID",
		Short: "Show an account and, optionally, its transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := g.open(ctx, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			acct, err := a.Store.GetAccount(ctx, args[0])
			if err != nil {
				return err
			}
			view := account.AccountView{Account: acct}
			if txs {
				if view.Transactions, err = a.Store.TransactionsByAccount(ctx, args[0]); err != nil {
					return err
				}
				if view.Referrals, err = a.Store.ReferralsByReferrer(ctx, args[0]); err != nil {
					return err
				}
			}
			return printJSON(cmd, view)
		},
	}
	cmd.Flags().BoolVar(&txs, "transactions", false, "Include transactions and referrals")
	return cmd
}
