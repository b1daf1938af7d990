package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/pool-sniper/internal/feed"
	"github.com/Rajchodisetti/pool-sniper/internal/portfolio"
)

var replayCmd = &cobra.Command{
	Use:   "replay <capture.jsonl>",
	Short: "Run the agent over a recorded feed, fully offline",
	Long: `Replay a JSONL capture of venue payloads through the full pipeline.
Quotes come from the last observed pool price and swaps are simulated, so
nothing leaves the process. Each line is {"venue": "...", "payload": {...}}.

Use --state to keep the replay away from the live state file.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

var (
	replayPace  time.Duration
	replayState string
)

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().DurationVar(&replayPace, "pace", 0, "delay between replayed frames")
	replayCmd.Flags().StringVar(&replayState, "state", "data/replay-state.json", "state file for the replay")
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfg.State.Path = replayState
	cfg.State.OutboxPath = replayState + ".outbox.jsonl"
	cfg.State.RedisURL = ""
	cfg.Journal.Type = "none"

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app, err := buildApp(ctx, cfg, buildOptions{offline: true})
	if err != nil {
		return err
	}
	defer app.close()
	app.sinks = []portfolio.Sink{}

	src := feed.ReplaySource{Path: args[0], Pace: replayPace}
	if err := app.agent(feed.NewStream(cfg.Feed.BufferSize, src)).Run(ctx); err != nil {
		return err
	}

	return printJSON(cmd.OutOrStdout(), app.store.Snapshot())
}
