package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/redteamnet/arbiter/aggregator"
	"github.com/redteamnet/arbiter/api"
	"github.com/redteamnet/arbiter/cache"
	"github.com/redteamnet/arbiter/cycle"
	"github.com/redteamnet/arbiter/dispatch"
	"github.com/redteamnet/arbiter/logging"
	"github.com/redteamnet/arbiter/sandbox"
	"github.com/redteamnet/arbiter/scoring"
)

// Server wires the aggregation, scoring and query components together
// and owns their lifecycle.
type Server struct {
	cfg   Config
	store *cache.Store
	agg   *aggregator.Aggregator
	sched *cycle.Scheduler

	apiListener net.Listener
}

func New(ctx context.Context, cfg Config) (*Server, error) {
	addr, err := net.ResolveTCPAddr("tcp", cfg.RawAPIListener)
	if err != nil {
		return nil, err
	}
	apiListener, err := net.Listen(addr.Network(), addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %v", err)
	}

	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, err
		}
	}

	store, err := cache.Open(filepath.Join(cfg.DataDir, "cache"), defaultCacheHotSize)
	if err != nil {
		return nil, err
	}

	runner, err := sandbox.NewEngine(ctx,
		sandbox.WithPoolSize(cfg.Sandbox.PoolSize),
		sandbox.WithNetworkName(cfg.Sandbox.NetworkName),
		sandbox.WithAcquireTimeout(cfg.Sandbox.AcquireTimeout),
		sandbox.WithReadinessBudget(cfg.Sandbox.ReadyBudget),
	)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating sandbox engine: %w", err)
	}

	validators, err := cfg.Validators()
	if err != nil {
		store.Close()
		return nil, err
	}
	agg := aggregator.New(
		aggregator.NewStaticChain(validators),
		aggregator.NewHTTPFetcher(),
		aggregator.WithMinStake(cfg.Cycle.MinValidatorStake),
		aggregator.WithFetchTimeout(cfg.Cycle.FetchTimeout),
		aggregator.WithRevealDelay(cfg.Cycle.RevealDelay),
	)

	dispatcher := dispatch.New(runner, cfg.Sandbox.TaskTimeout)
	engine := scoring.NewEngine(runner, cfg.Sandbox.PollInterval, cfg.Sandbox.ScoreTimeout)
	pipeline := cycle.NewPipeline(runner, dispatcher, engine, store,
		sandbox.Limits{NanoCPUs: cfg.Sandbox.NanoCPUs, MemoryBytes: cfg.Sandbox.MemoryBytes},
		cfg.Cycle.SimilarityThreshold,
	)

	challenges, err := cfg.Challenges()
	if err != nil {
		store.Close()
		return nil, err
	}

	opts := []cycle.SchedulerOption{}
	if cfg.StorageURL != "" {
		opts = append(opts, cycle.WithRemote(cache.NewHTTPRemote(cfg.StorageURL, 5*time.Minute)))
	}
	sched := cycle.NewScheduler(
		agg, pipeline, store,
		cfg.BackupFile(),
		cfg.Cycle.EpochInterval,
		cfg.Cycle.FinalizeHour,
		cfg.Cycle.SimilarityThreshold,
		challenges,
		opts...,
	)

	return &Server{
		cfg:         cfg,
		store:       store,
		agg:         agg,
		sched:       sched,
		apiListener: apiListener,
	}, nil
}

func (s *Server) Close() error {
	return s.store.Close()
}

// APIAddr returns the address the result query API is listening on.
func (s *Server) APIAddr() net.Addr {
	return s.apiListener.Addr()
}

// Start runs the cycle loop, the query API and the metrics endpoint
// until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	serverGroup, ctx := errgroup.WithContext(ctx)

	logger := logging.FromContext(ctx)

	logger.Info("starting daily cycle scheduler")
	serverGroup.Go(func() error {
		err := s.sched.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	handler := api.NewHandler(logger, s.store, s.agg.Canonical, s.sched.IsDone)
	apiServer := &http.Server{Handler: handler.Router(), ReadHeaderTimeout: time.Second * 5}
	serverGroup.Go(func() error {
		logger.Sugar().Infof("result query API listening on %s", s.apiListener.Addr())
		err := apiServer.Serve(s.apiListener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	var metricsServer *http.Server
	if s.cfg.MetricsPort != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", *s.cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: time.Second * 5,
		}
		serverGroup.Go(func() error {
			logger.Sugar().Infof("metrics listening on %s", metricsServer.Addr)
			err := metricsServer.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	// Wait for the server to shut down gracefully
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Sugar().Errorf("failed to shutdown API server: %s", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Sugar().Errorf("failed to shutdown metrics server: %s", err)
		}
	}
	if err := serverGroup.Wait(); err != nil {
		logger.Sugar().Errorf("error when waiting to shutdown servers: %s", err)
	}
	return nil
}
