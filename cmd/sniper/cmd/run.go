package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/grafana/pyroscope-go"
	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/pool-sniper/internal/feed"
	"github.com/Rajchodisetti/pool-sniper/internal/observ"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Trade live venue feeds",
	Long: `Connect to every configured venue feed and run the agent until
interrupted. Without DRY_RUN=false, quotes are real but swaps are simulated.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if len(cfg.Feed.Venues) == 0 {
		return errors.New("no feed.venues configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Ops.PyroscopeURL != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "pool-sniper",
			ServerAddress:   cfg.Ops.PyroscopeURL,
			Tags:            map[string]string{"dry_run": fmt.Sprint(cfg.Execution.DryRun)},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseSpace,
				pyroscope.ProfileGoroutines,
			},
		})
		if err != nil {
			observ.Warn("pyroscope_start_failed", map[string]any{"error": err.Error()})
		} else {
			defer func() { _ = profiler.Stop() }()
		}
	}

	app, err := buildApp(ctx, cfg, buildOptions{})
	if err != nil {
		return err
	}
	defer app.close()

	subs, err := subscriptions(cfg.Feed)
	if err != nil {
		return err
	}
	sources := make([]feed.Source, len(subs))
	for i, s := range subs {
		sources[i] = s
	}
	ag := app.agent(feed.NewStream(cfg.Feed.BufferSize, sources...))

	health := func() (string, map[string]any) {
		status, details := ag.Health()
		venues := map[string]string{}
		connected := 0
		for _, s := range subs {
			st := s.ConnectionState()
			venues[s.Name()] = st.String()
			if st == feed.StateConnected {
				connected++
			}
		}
		details["feeds"] = venues
		if connected == 0 {
			status = "failed"
		} else if connected < len(subs) && status == "healthy" {
			status = "degraded"
		}
		return status, details
	}
	serveOps(ctx, cfg.Ops.ListenAddr, health, func() any { return app.store.Snapshot() })

	observ.Log("sniper_starting", map[string]any{
		"version": observ.Version(),
		"dry_run": cfg.Execution.DryRun,
		"venues":  len(subs),
		"state":   cfg.State.Path,
	})
	return ag.Run(ctx)
}
