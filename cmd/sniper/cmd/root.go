package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/pool-sniper/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "sniper",
	Short: "Autonomous Solana DEX trading agent",
	Long: `sniper watches Raydium, Meteora and Pump.fun pools, enters on new-pool
snipes and momentum breakouts, and exits on stop-loss, take-profit or a
liquidity shock. Every trade passes the risk governor, and all state lives
in one atomically written state file.

Dry-run is the default. Set DRY_RUN=false and SOL_KEYPAIR_PATH to trade.`,
	SilenceUsage: true,
}

var configPath string

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/sniper.yaml", "path to YAML config (empty for defaults)")
}

// loadConfig reads --config. A missing default file falls back to the
// built-in defaults; a missing explicit file is an error.
func loadConfig(cmd *cobra.Command) (config.Root, error) {
	path := configPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}
