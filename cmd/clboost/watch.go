package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/defistate/clboost/streams/jsonrpc/client"
)

const watchBufferSize = 100

func runWatch(cmd *cobra.Command, _ []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	logger, err := newLogger(level)
	if err != nil {
		return err
	}
	url, _ := cmd.Flags().GetString("url")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.NewClient(ctx, client.Config{
		URL:        url,
		Logger:     logger.With("component", "jsonrpc-client"),
		BufferSize: watchBufferSize,
	})
	if err != nil {
		return err
	}

	for {
		select {
		case state := <-c.State():
			for _, p := range state.Pools {
				logger.Info("pool",
					"sequence", state.Sequence,
					"id", p.ID,
					"period", p.Period,
					"tick", p.Tick,
					"liquidity", p.Liquidity,
					"boostedLiquidity", p.BoostedLiquidity,
					"ticks", len(p.Ticks),
					"positions", len(p.Positions),
				)
			}
		case <-c.Err():
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
