package cli

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/lazypower/forgettable/internal/config"
	"github.com/lazypower/forgettable/internal/logging"
)

var (
	configPath string
	verbosity  int
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "forgettable",
	Short: "Decaying frequency distributions over HTTP",
	Long: "Forgettable counts observations per key and bin and forgets them over time. " +
		"Old counts decay as a Poisson process, so distributions track recent behaviour.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.forgettable/config.yaml)")
	rootCmd.PersistentFlags().IntVarP(&verbosity, "verbose", "v", 0, "Log verbosity")
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", "", "Server URL for client commands (default $FORGETTABLE_URL or http://127.0.0.1:6666)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(incrCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(distCmd)
	rootCmd.AddCommand(decayCmd)
}

// loadConfig resolves the config file, applies env overrides and returns a
// logger at the effective verbosity.
func loadConfig(cmd *cobra.Command) (config.Config, logr.Logger, error) {
	path, optional := configPath, false
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return config.Config{}, logr.Discard(), err
		}
		optional = true
	}
	cfg, err := config.Load(path, optional)
	if err != nil {
		return cfg, logr.Discard(), err
	}
	if cmd.Flags().Changed("verbose") {
		cfg.Log.Verbosity = verbosity
	}
	log := logging.New(os.Stderr, cfg.Log.Verbosity)
	cfg.ApplyEnv(log)
	if err := cfg.Validate(); err != nil {
		return cfg, log, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, log, nil
}
