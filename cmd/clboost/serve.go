package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/defistate/clboost/api/http"
	"github.com/defistate/clboost/cmd/clboost/config"
	"github.com/defistate/clboost/protocols/clboost/pool"
	"github.com/defistate/clboost/streams/jsonrpc/server"
)

const streamBufferSize = 64

func wallClock() uint32 {
	return uint32(time.Now().Unix())
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
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
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	publisher, closeNATS, err := connectNATS(cfg, logger.With("component", "nats"), reg)
	if err != nil {
		return err
	}
	defer closeNATS()

	// the streamer needs the pools as sources and the pools need the
	// streamer as a sink; forward is filled in once both exist
	forward := &lateSink{}
	sinks := pool.Sinks{forward}
	if publisher != nil {
		sinks = append(sinks, publisher)
	}

	pools := make([]*pool.Pool, 0, len(cfg.Pools))
	for _, pc := range cfg.Pools {
		p, err := newPool(pc, pool.ClockFunc(wallClock), ledger, logger.With("component", "pool"), reg, sinks)
		if err != nil {
			return fmt.Errorf("pool %d: %w", pc.ID, err)
		}
		if err := restore(ctx, st, p, wallClock()); err != nil {
			return fmt.Errorf("pool %d: %w", pc.ID, err)
		}
		if !p.Slot0().Unlocked && pc.InitialTick != nil {
			sqrt, err := sqrtAtTick(*pc.InitialTick)
			if err != nil {
				return fmt.Errorf("pool %d: %w", pc.ID, err)
			}
			if err := p.Initialize(sqrt); err != nil {
				return fmt.Errorf("pool %d: %w", pc.ID, err)
			}
		}
		pools = append(pools, p)
	}

	sources := make([]server.Source, len(pools))
	queryable := make([]httpapi.Pool, len(pools))
	for i, p := range pools {
		sources[i], queryable[i] = p, p
	}
	streamer, err := server.New(server.Config{
		Sources:    sources,
		Logger:     logger.With("component", "stream"),
		Registry:   reg,
		BufferSize: streamBufferSize,
	})
	if err != nil {
		return err
	}
	forward.set(streamer)
	rpcServer, err := server.NewRPCServer(streamer)
	if err != nil {
		return err
	}
	defer rpcServer.Stop()

	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.Handle("/stream", rpcServer.WebsocketHandler([]string{"*"}))
	router.Mount("/", httpapi.NewServer(queryable, logger.With("component", "http")).Handler())
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving", "addr", cfg.HTTPAddr, "pools", len(pools))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return streamer.Run(gctx, cfg.StreamInterval) })
	g.Go(func() error { return saveLoop(gctx, logger, st, pools, cfg.SaveInterval) })

	pubCtx, stopPublisher := context.WithCancel(context.Background())
	defer stopPublisher()
	pubDone := make(chan error, 1)
	if publisher != nil {
		go func() { pubDone <- publisher.Run(pubCtx) }()
	} else {
		pubDone <- nil
	}

	err = g.Wait()
	stopPublisher()
	if perr := <-pubDone; err == nil {
		err = perr
	}
	if serr := saveAll(context.Background(), st, pools); err == nil {
		err = serr
	}
	return err
}

func saveLoop(ctx context.Context, logger Logger, st *stores, pools []*pool.Pool, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := saveAll(ctx, st, pools); err != nil {
				logger.Error("save snapshots failed", "error", err)
			}
		}
	}
}

func saveAll(ctx context.Context, st *stores, pools []*pool.Pool) error {
	var errs []error
	for _, p := range pools {
		if !p.Slot0().Unlocked {
			continue
		}
		if err := st.Save(ctx, p.Snapshot()); err != nil {
			errs = append(errs, fmt.Errorf("pool %d: %w", p.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// lateSink forwards to a sink set after construction. Events emitted before
// then are dropped.
type lateSink struct {
	sink atomic.Pointer[pool.EventSink]
}

func (l *lateSink) set(s pool.EventSink) { l.sink.Store(&s) }

func (l *lateSink) Emit(ev pool.Event) {
	if s := l.sink.Load(); s != nil {
		(*s).Emit(ev)
	}
}
