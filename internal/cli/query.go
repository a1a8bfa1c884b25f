package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/forgettable/internal/client"
	"github.com/lazypower/forgettable/internal/engine"
)

var (
	incrCount int64
	distTop   int
)

var incrCmd = &cobra.Command{
	Use:   "incr <key> <bin>...",
	Short: "Record observations of one or more bins",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		c := client.New(serverURL)
		if err := c.Increment(ctx, args[0], incrCount, args[1:]...); err != nil {
			return clientErr(ctx, c, "incr", err)
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key> <bin>",
	Short: "Show the probability of one bin",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		c := client.New(serverURL)
		p, err := c.Bin(ctx, args[0], args[1])
		if err != nil {
			return clientErr(ctx, c, "get", err)
		}
		printProbabilities(cmd.OutOrStdout(), []engine.Probability{p})
		return nil
	},
}

var distCmd = &cobra.Command{
	Use:   "dist <key>",
	Short: "Show a key's distribution, most probable first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		c := client.New(serverURL)
		var (
			dist []engine.Probability
			err  error
		)
		if distTop > 0 {
			dist, err = c.MostProbable(ctx, args[0], distTop)
		} else {
			dist, err = c.Distribution(ctx, args[0])
		}
		if err != nil {
			return clientErr(ctx, c, "dist", err)
		}
		printProbabilities(cmd.OutOrStdout(), dist)
		return nil
	},
}

func init() {
	incrCmd.Flags().Int64VarP(&incrCount, "count", "n", 1, "Observations to add per bin")
	distCmd.Flags().IntVarP(&distTop, "top", "n", 0, "Only show the n most probable bins")
}

// clientErr adds a hint when the server did not answer at all.
func clientErr(ctx context.Context, c *client.Client, op string, err error) error {
	var se *client.StatusError
	if !errors.As(err, &se) && !c.Healthy(ctx) {
		return fmt.Errorf("%s: server not reachable at %s (start it with 'forgettable serve' or set --url): %w", op, c.URL(), err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func printProbabilities(w io.Writer, dist []engine.Probability) {
	for _, p := range dist {
		fmt.Fprintf(w, "%s\t%s\n", p.Bin, strconv.FormatFloat(p.Probability, 'f', 6, 64))
	}
}
