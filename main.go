// Metricsdeck - Prometheus datasource dashboard and query proxy
// Copyright (C) 2025 Andy Dixon <andy@andydixon.com>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

//   __  __      _        _          _           _
//  |  \/  | ___| |_ _ __(_) ___ ___| |__   __ _| | __
//  | |\/| |/ _ \ __| '__| |/ __/ __| '_ \ / _` | |/ /
//  | |  | |  __/ |_| |  | | (__\__ \ | | | (_| |   <
//  |_|  |_|\___|\__|_|  |_|\___|___/_| |_|\__,_|_|\_\
//
// Prometheus datasource dashboard and query proxy - Andy Dixon <andy@andydixon.com> github.com/andydixon

// main wires the pieces together:
// 1. Load config and set up logging
// 2. Open the store (Postgres, or memory when no database is configured)
// 3. Build the upstream clients, governor, query log, discovery engine and catalog
// 4. Serve until SIGINT/SIGTERM, then drain
//
// Run with -debug for verbose logging:
//
//	./metricsdeck -debug
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/andydixon/metricsdeck/internal/catalog"
	"github.com/andydixon/metricsdeck/internal/config"
	"github.com/andydixon/metricsdeck/internal/discovery"
	"github.com/andydixon/metricsdeck/internal/governor"
	"github.com/andydixon/metricsdeck/internal/logging"
	"github.com/andydixon/metricsdeck/internal/models"
	"github.com/andydixon/metricsdeck/internal/promclient"
	"github.com/andydixon/metricsdeck/internal/querylog"
	"github.com/andydixon/metricsdeck/internal/store"
	"github.com/andydixon/metricsdeck/proxy"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}
	level := cfg.Log.Level
	if *debug {
		level = "debug"
	}
	logging.Init(logging.Config{Level: level, Format: cfg.Log.Format, Caller: *debug})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	clientOpts := promclient.Options{
		Timeout: cfg.Upstream.Timeout,
		Breaker: promclient.BreakerSettings{
			MaxRequests:  cfg.Breaker.MaxRequests,
			Interval:     cfg.Breaker.Interval,
			Timeout:      cfg.Breaker.Timeout,
			MinRequests:  cfg.Breaker.MinRequests,
			FailureRatio: cfg.Breaker.FailureRatio,
		},
	}
	global, err := promclient.ForDatasource(&models.Datasource{
		Name:     "default",
		URL:      cfg.Prometheus.URL,
		Type:     models.DatasourceTypePrometheus,
		AuthType: models.AuthNone,
	}, clientOpts)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to build default Prometheus client")
	}

	cat, err := catalog.NewManager(cfg.Catalog.Path)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load catalog")
	}
	if err := cat.Reload(); err != nil {
		logging.Warn().Err(err).Msg("using built-in catalog")
	}
	if cfg.Catalog.Watch {
		if err := cat.Watch(ctx); err != nil {
			logging.Warn().Err(err).Str("path", cat.Path()).Msg("catalog hot reload disabled")
		}
	}

	srv := proxy.NewServer(proxy.Deps{
		Store:     st,
		Registry:  promclient.NewRegistry(clientOpts),
		Global:    global,
		Semaphore: governor.NewSemaphore(cfg.Governor.MaxConcurrent),
		Sequencer: governor.NewSequencer(),
		QueryLog:  querylog.New(querylog.DefaultCapacity),
		Engine: discovery.NewEngine(discovery.Options{
			BatchSize:         cfg.Export.BatchSize,
			RequestsPerSecond: cfg.Export.RequestsPerSecond,
			ParallelBatches:   cfg.Export.ParallelBatches,
		}),
		Catalog: cat,
	}, proxy.Options{
		CORSOrigins:   cfg.Server.CORSOrigins,
		RateLimit:     cfg.Server.RateLimit,
		ActivityEvery: cfg.Export.ActivityEvery,
		KeepAlive:     cfg.Export.KeepAlive,
	})

	// No WriteTimeout: export streams stay open for as long as discovery runs.
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().
			Str("addr", cfg.Server.Addr).
			Str("prometheus", cfg.Prometheus.URL).
			Int("max_concurrent", cfg.Governor.MaxConcurrent).
			Msg("metricsdeck listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("server failed")
		}
	case <-ctx.Done():
		logging.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		logging.Warn().Msg("database.url not set, saved records are kept in memory only")
		return store.NewMemory(), nil
	}
	pg, err := store.OpenPostgres(ctx, store.PostgresConfig{
		URL:            cfg.Database.URL,
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return nil, err
	}
	return pg, nil
}
