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

	"github.com/espwatch/espwatch/pkg/agent"
	"github.com/espwatch/espwatch/pkg/config"
	"github.com/espwatch/espwatch/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/espwatch/agent.json", "Path to agent config file")
	flag.Parse()

	ctx := context.Background()

	cfgLoader := config.NewConfig(nil)

	var cfg agent.ServerConfig
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

	agentLogger, err := logger.New(logConfig, "agent")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	service, err := agent.NewService(&cfg, nil, agentLogger)
	if err != nil {
		return fmt.Errorf("failed to create agent service: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := service.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start agent service: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	agentLogger.Info().Msg("Shutting down")

	cancel()
	service.Stop()

	return nil
}
