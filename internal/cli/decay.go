package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/forgettable/internal/engine"
	"github.com/lazypower/forgettable/internal/store"
)

var decayCmd = &cobra.Command{
	Use:   "decay [key]...",
	Short: "Decay stored distributions now",
	Long:  "Open the configured store directly and decay the given keys, or every key when none are given.",
	RunE:  runDecay,
}

func runDecay(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	st, err := store.OpenSharded(ctx, cfg.StoreDSNs(), store.Options{PoolSize: cfg.Store.PoolSize, Logger: log})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	eng := engine.New(st,
		engine.WithRate(cfg.Decay.Rate),
		engine.WithMaxAttempts(cfg.Decay.MaxAttempts),
		engine.WithLogger(log),
	)

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		n, err := eng.Sweep(ctx)
		fmt.Fprintf(out, "decayed %d distributions\n", n)
		return err
	}
	for _, key := range args {
		snap, err := eng.Decay(ctx, key)
		if err != nil {
			return fmt.Errorf("decay %s: %w", key, err)
		}
		fmt.Fprintf(out, "%s\tz=%d\tbins=%d\n", key, snap.Z, len(snap.Bins))
	}
	return nil
}
