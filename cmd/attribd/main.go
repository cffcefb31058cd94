// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/adxyz/attrib/pkg/analytics"
	"github.com/adxyz/attrib/pkg/api"
	"github.com/adxyz/attrib/pkg/config"
	"github.com/adxyz/attrib/pkg/configcache"
	"github.com/adxyz/attrib/pkg/engine"
	"github.com/adxyz/attrib/pkg/identity"
	"github.com/adxyz/attrib/pkg/log"
	"github.com/adxyz/attrib/pkg/metric"
	"github.com/adxyz/attrib/pkg/model"
	"github.com/adxyz/attrib/pkg/storage"
	"github.com/adxyz/attrib/pkg/storage/postgres"
)

var (
	configPath = flag.String("config", "", "Path to YAML config (defaults apply when empty)")
	apiPort    = flag.Int("api-port", 0, "Override API port")
	opsPort    = flag.Int("ops-port", 0, "Override ops port")
	logLevel   = flag.String("log-level", "", "Override log level")
	production = flag.Bool("production", false, "Production mode")

	// Version info
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Daemon bundles everything attribd runs: the attribution engine, the
// capture API, and the ops endpoints.
type Daemon struct {
	cfg     *config.Config
	log     log.Logger
	metrics *metric.Metrics
	tracker *analytics.Tracker

	stores    *stores
	engine    *engine.Engine
	apiServer *api.Server

	httpAPI *http.Server
	httpOps *http.Server
}

// stores holds whichever backend was selected plus the optional cache.
type stores struct {
	kv     *storage.KV
	pg     *postgres.Store
	rdb    *redis.Client
	config engine.ConfigStore
}

func main() {
	flag.Parse()

	fmt.Printf("Attribution Daemon (attribd) %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.NewWithLevel(cfg.Log.Level)
	defer logger.Sync()

	daemon, err := NewDaemon(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create daemon", log.Err(err))
	}

	if err := daemon.Start(); err != nil {
		logger.Fatal("failed to start daemon", log.Err(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	daemon.Stop()
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if *apiPort != 0 {
		cfg.Server.APIPort = *apiPort
	}
	if *opsPort != 0 {
		cfg.Server.OpsPort = *opsPort
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	return cfg, nil
}

// NewDaemon wires the pipeline from config.
func NewDaemon(cfg *config.Config, logger log.Logger) (*Daemon, error) {
	metrics, err := metric.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	st, err := openStores(cfg, logger)
	if err != nil {
		return nil, err
	}

	tracker := analytics.NewTracker()

	var (
		eng       *engine.Engine
		apiServer *api.Server
	)

	resolver := identity.NewResolver(st.identityStore(), logger)

	eng = engine.New(engine.Deps{
		Events:       st.eventStore(),
		Identity:     resolver,
		Config:       st.config,
		Sink:         st.resultSink(),
		Logger:       logger,
		Metrics:      metrics,
		DefaultModel: model.Model(cfg.Attribution.DefaultModel),
		IOTimeout:    cfg.Attribution.IOTimeout,
	})

	apiServer = api.NewServer(api.Deps{
		Engine:      eng,
		Events:      st.eventWriter(),
		Conversions: st.conversionStore(),
		Results:     st.resultReader(),
		Configs:     st.configWriter(),
		Cache:       st.cacheInvalidator(),
		Identities:  st.identityStore(),
		Tracker:     tracker,
		Metrics:     metrics,
		Logger:      logger,
	})

	return &Daemon{
		cfg:       cfg,
		log:       logger,
		metrics:   metrics,
		tracker:   tracker,
		stores:    st,
		engine:    eng,
		apiServer: apiServer,
	}, nil
}

// Start brings up the API and ops listeners.
func (d *Daemon) Start() error {
	d.httpAPI = &http.Server{
		Addr:    fmt.Sprintf(":%d", d.cfg.Server.APIPort),
		Handler: d.apiServer.Router(*production),
	}
	go func() {
		d.log.Info("capture API listening", log.Int("port", d.cfg.Server.APIPort))
		if err := d.httpAPI.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Error("api server failed", log.Err(err))
		}
	}()

	d.httpOps = &http.Server{
		Addr:    fmt.Sprintf(":%d", d.cfg.Server.OpsPort),
		Handler: d.opsRouter(),
	}
	go func() {
		d.log.Info("ops server listening", log.Int("port", d.cfg.Server.OpsPort))
		if err := d.httpOps.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Error("ops server failed", log.Err(err))
		}
	}()

	return nil
}

// opsRouter serves health, metrics, and pipeline statistics.
func (d *Daemon) opsRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ok"}`)
	}).Methods("GET")

	r.Handle("/metrics", promhttp.HandlerFor(d.metrics.GetGatherer(), promhttp.HandlerOpts{})).Methods("GET")

	r.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(d.tracker.Stats()); err != nil {
			d.log.Warn("stats encode failed", log.Err(err))
		}
	}).Methods("GET")

	return r
}

// Stop drains the listeners and closes the stores.
func (d *Daemon) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if d.httpAPI != nil {
		if err := d.httpAPI.Shutdown(ctx); err != nil {
			d.log.Warn("api shutdown", log.Err(err))
		}
	}
	if d.httpOps != nil {
		if err := d.httpOps.Shutdown(ctx); err != nil {
			d.log.Warn("ops shutdown", log.Err(err))
		}
	}

	d.apiServer.Shutdown()
	d.stores.close(d.log)
	d.log.Info("shutdown complete")
}

// openStores selects the backend and builds the config store chain.
func openStores(cfg *config.Config, logger log.Logger) (*stores, error) {
	st := &stores{}

	switch cfg.Storage.Backend {
	case "postgres":
		pg, err := postgres.Open(cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate schema: %w", err)
		}
		st.pg = pg
		st.config = pg
	default:
		kvStore, err := storage.NewStorage(cfg.Storage.Backend, cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
		}
		st.kv = storage.NewKV(kvStore)
		st.config = st.kv
	}

	if cfg.Redis.Enabled {
		st.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		st.config = configcache.New(st.rdb, st.config, cfg.Redis.TTL, logger)
	}

	return st, nil
}

func (s *stores) eventStore() engine.EventStore {
	if s.pg != nil {
		return s.pg
	}
	return s.kv
}

func (s *stores) resultSink() engine.ResultSink {
	if s.pg != nil {
		return s.pg
	}
	return s.kv
}

func (s *stores) eventWriter() api.EventWriter {
	if s.pg != nil {
		return s.pg
	}
	return s.kv
}

func (s *stores) conversionStore() api.ConversionStore {
	if s.pg != nil {
		return s.pg
	}
	return s.kv
}

func (s *stores) resultReader() api.ResultReader {
	if s.pg != nil {
		return s.pg
	}
	return s.kv
}

func (s *stores) configWriter() api.ConfigWriter {
	if s.pg != nil {
		return s.pg
	}
	return s.kv
}

func (s *stores) identityStore() identity.Store {
	if s.pg != nil {
		return s.pg
	}
	return s.kv
}

func (s *stores) cacheInvalidator() api.CacheInvalidator {
	if cache, ok := s.config.(*configcache.Cache); ok {
		return cache
	}
	return nil
}

func (s *stores) close(logger log.Logger) {
	if s.kv != nil {
		if err := s.kv.Close(); err != nil {
			logger.Warn("kv close", log.Err(err))
		}
	}
	if s.pg != nil {
		if err := s.pg.Close(); err != nil {
			logger.Warn("postgres close", log.Err(err))
		}
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			logger.Warn("redis close", log.Err(err))
		}
	}
}
