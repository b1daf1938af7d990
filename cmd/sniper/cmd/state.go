package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/pool-sniper/internal/agent"
	"github.com/Rajchodisetti/pool-sniper/internal/alerts"
	"github.com/Rajchodisetti/pool-sniper/internal/config"
	"github.com/Rajchodisetti/pool-sniper/internal/journal"
	"github.com/Rajchodisetti/pool-sniper/internal/outbox"
	"github.com/Rajchodisetti/pool-sniper/internal/risk"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and operate on the persisted state",
	Long: `Operator commands against the state file. Stop the agent first; the
state file has a single writer.

Subcommands:
  show       - print positions, risk state and pending submissions
  resume     - return from read-only to active
  halt       - force read-only (latched)
  reconcile  - resolve a pending submission against the chain
  reset      - drop a position settled by hand, without booking PnL

Examples:
  sniper state show --trades 20
  sniper state reconcile <pool>`,
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current state",
	Args:  cobra.NoArgs,
	RunE:  runStateShow,
}

var stateResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume trading after a read-only halt",
	Args:  cobra.NoArgs,
	RunE:  runStateResume,
}

var stateHaltCmd = &cobra.Command{
	Use:   "halt <reason>",
	Short: "Halt new entries until resumed",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateHalt,
}

var stateReconcileCmd = &cobra.Command{
	Use:   "reconcile <pool>",
	Short: "Resolve the pending submission on a pool",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateReconcile,
}

var stateResetCmd = &cobra.Command{
	Use:   "reset <pool>",
	Short: "Forget a position or pending submission on a pool",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateReset,
}

var (
	showTrades int
	showAudit  int
)

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateShowCmd, stateResumeCmd, stateHaltCmd, stateReconcileCmd, stateResetCmd)

	stateShowCmd.Flags().IntVar(&showTrades, "trades", 0, "also list the last N journaled trades")
	stateShowCmd.Flags().IntVar(&showAudit, "audit", 0, "also list the last N outbox entries")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runStateShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	out := map[string]any{"state": store.Snapshot(), "nav": store.NAV().String(), "exposure": store.Exposure().String()}

	if showTrades > 0 {
		trades, err := recentTrades(cmd.Context(), cfg.Journal, showTrades)
		if err != nil {
			return err
		}
		out["trades"] = trades
	}
	if showAudit > 0 {
		entries, err := outbox.Tail(cfg.State.OutboxPath, showAudit)
		if err != nil {
			return err
		}
		out["audit"] = entries
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func recentTrades(ctx context.Context, cfg config.Journal, n int) ([]journal.TradeRecord, error) {
	j, err := journal.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if j == nil {
		return nil, nil
	}
	defer j.Close()
	return j.Trades(ctx, n)
}

// operator opens the store behind a governor for a one-shot state change.
func operator(cmd *cobra.Command) (*risk.Governor, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	return risk.NewGovernor(store, risk.Config{
		ShockDropFraction: dec(cfg.Risk.Shock.DropFraction),
		ShockWindow:       sec(cfg.Risk.Shock.WindowSeconds),
		ExitSlippageBps:   cfg.Strategy.ExitSlippageBps,
		ReentryCooldown:   sec(cfg.Risk.ReentryCooldownSecs),
	}, alerts.LogNotifier{}), nil
}

func runStateResume(cmd *cobra.Command, args []string) error {
	gov, err := operator(cmd)
	if err != nil {
		return err
	}
	state, err := gov.Resume()
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), state)
}

func runStateHalt(cmd *cobra.Command, args []string) error {
	gov, err := operator(cmd)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), gov.Halt(args[0]))
}

func runStateReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	app, err := buildApp(cmd.Context(), cfg, buildOptions{})
	if err != nil {
		return err
	}
	defer app.close()

	rec, err := app.agent(nil).Reconcile(cmd.Context(), args[0])
	if errors.Is(err, agent.ErrNothingPending) {
		fmt.Fprintf(cmd.OutOrStdout(), "nothing pending on %s\n", args[0])
		return nil
	}
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", args[0], err)
	}
	return printJSON(cmd.OutOrStdout(), rec)
}

func runStateReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if err := store.Reset(args[0]); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), store.Snapshot())
}
