package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/defistate/clboost/cmd/clboost/config"
	"github.com/defistate/clboost/protocols/clboost"
	"github.com/defistate/clboost/protocols/clboost/pool"
	natsstream "github.com/defistate/clboost/streams/nats"
)

func newPool(pc config.PoolConfig, clock pool.Clock, ledger *votingLedger, logger Logger, reg prometheus.Registerer, sinks pool.Sinks) (*pool.Pool, error) {
	return pool.New(&pool.Config{
		ID:          pc.ID,
		TickSpacing: pc.TickSpacing,
		Fee:         pc.Fee,
		Logger:      logger,
		Registry:    reg,
		Clock:       clock,
		Authorizer:  ledger,
		VotingPower: ledger,
		Events:      sinks,
	})
}

// connectNATS returns a publisher when a NATS URL is configured.
func connectNATS(cfg config.Config, logger Logger, reg prometheus.Registerer) (*natsstream.Publisher, func(), error) {
	if cfg.NATSURL == "" {
		return nil, func() {}, nil
	}
	ncfg := natsstream.DefaultConfig()
	ncfg.URL = cfg.NATSURL
	ncfg.Stream = cfg.NATSStream
	return natsstream.Connect(ncfg, logger, reg)
}

func runReplay(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	scenarioPath, _ := cmd.Flags().GetString("scenario")
	if scenarioPath == "" {
		return fmt.Errorf("--scenario is required")
	}
	sc, err := LoadScenario(scenarioPath)
	if err != nil {
		return err
	}
	pc, ok := cfg.Pool(sc.Pool)
	if !ok {
		return fmt.Errorf("scenario pool %d is not configured", sc.Pool)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ledger, err := newVotingLedger(cfg, logger.With("component", "ledger"))
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	publisher, closeNATS, err := connectNATS(cfg, logger.With("component", "nats"), reg)
	if err != nil {
		return err
	}
	defer closeNATS()

	var sinks pool.Sinks
	if publisher != nil {
		sinks = append(sinks, publisher)
	}
	clock := newManualClock(sc.Start)
	p, err := newPool(pc, clock, ledger, logger.With("component", "pool"), reg, sinks)
	if err != nil {
		return err
	}

	if resume, _ := cmd.Flags().GetBool("resume"); resume {
		if err := restore(ctx, st, p, sc.Start); err != nil {
			return err
		}
	}

	r := &runner{pool: p, clock: clock, ledger: ledger}
	g, gctx := errgroup.WithContext(ctx)
	pubCtx, stopPublisher := context.WithCancel(context.Background())
	defer stopPublisher()
	if publisher != nil {
		g.Go(func() error { return publisher.Run(pubCtx) })
	}
	g.Go(func() error {
		defer stopPublisher()
		return replay(gctx, logger, r, sc.Steps)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	view, err := p.View()
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if err := st.Save(ctx, p.Snapshot()); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func restore(ctx context.Context, st *stores, p *pool.Pool, now uint32) error {
	state, ok, err := st.Load(ctx, p.ID())
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return nil
	}
	if uint64(now/pool.Week) < state.LastPeriod {
		return fmt.Errorf("clock %d precedes stored period %d", now, state.LastPeriod)
	}
	return p.Restore(state)
}

// replay applies steps in order and logs how the read model changed after
// each of them.
func replay(ctx context.Context, logger Logger, r *runner, steps []Step) error {
	var prev []clboost.Pool
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		attrs, err := r.apply(step)
		switch {
		case err != nil && step.ExpectError:
			logger.Info("step failed as expected", "step", i, "op", step.Op, "error", err)
		case err != nil:
			return fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		case step.ExpectError:
			return fmt.Errorf("step %d (%s): expected an error", i, step.Op)
		default:
			logger.Info("step", append([]any{"step", i, "op", step.Op}, attrs...)...)
		}

		view, err := r.pool.View()
		if errors.Is(err, pool.ErrNotInitialized) {
			continue
		}
		if err != nil {
			return err
		}
		next := []clboost.Pool{view}
		if diff := clboost.Differ(prev, next); !diff.IsEmpty() {
			logger.Debug("read model changed", "step", i,
				"additions", len(diff.Additions), "updates", len(diff.Updates), "deletions", len(diff.Deletions))
		}
		prev = next
	}
	return nil
}
