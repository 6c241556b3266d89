/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/espwatch/espwatch/pkg/config"
	"github.com/espwatch/espwatch/pkg/core"
	"github.com/espwatch/espwatch/pkg/core/api"
	"github.com/espwatch/espwatch/pkg/db"
	"github.com/espwatch/espwatch/pkg/logger"
	"github.com/espwatch/espwatch/pkg/models"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/espwatch/core.json", "Path to core config file")
	flag.Parse()

	ctx := context.Background()

	cfgLoader := config.NewConfig(nil)

	var cfg models.CoreServiceConfig
	if err := cfgLoader.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logConfig := cfg.Logging
	if logConfig == nil {
		logConfig = &logger.Config{
			Level:  "info",
			Output: "stdout",
		}
	}

	coreLogger, err := logger.New(logConfig, "core")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	store, err := openStore(ctx, &cfg, coreLogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			coreLogger.Warn().Err(err).Msg("Failed to close store")
		}
	}()

	opts := []core.ServerOption{
		core.WithDefaultMaxDecompressedBytes(cfg.DefaultMaxDecompressedBytes),
		core.WithAgentRefreshInterval(cfg.AgentRefreshIntervalSeconds),
	}

	if cfg.RuleDir != "" {
		rules, stats, err := core.NewRuleEngine(cfg.RuleDir, coreLogger)
		if err != nil {
			return fmt.Errorf("failed to load rules: %w", err)
		}

		coreLogger.Info().
			Int("loaded", stats.Loaded).
			Int("skipped_invalid", stats.SkippedInvalid).
			Int("skipped_complex", stats.SkippedComplex).
			Msg("Rule engine loaded")

		opts = append(opts, core.WithRuleEngine(rules))
	}

	fanout := api.NewFanout(coreLogger)
	opts = append(opts, core.WithBroadcaster(fanout))

	coreServer := core.NewServer(store, coreLogger, opts...)

	apiServer := api.NewAPIServer(cfg.CORS,
		api.WithCore(coreServer),
		api.WithFanout(fanout),
		api.WithLogger(coreLogger))

	listenAddr := cfg.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8090"
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- apiServer.Start(listenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
	}

	coreLogger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	return apiServer.Stop(shutdownCtx)
}

func openStore(ctx context.Context, cfg *models.CoreServiceConfig, log logger.Logger) (db.Service, error) {
	if cfg.Database == nil {
		log.Warn().Msg("No database configured, using in-memory store")
		return db.NewMemoryStore(), nil
	}

	pool, err := db.NewPool(ctx, cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store, err := db.NewPostgresStore(ctx, pool, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	return store, nil
}
