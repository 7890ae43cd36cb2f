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
	"time"

	"github.com/rs/zerolog"

	"github.com/carverauto/peersync/pkg/config"
	"github.com/carverauto/peersync/pkg/daemon"
	"github.com/carverauto/peersync/pkg/lifecycle"
	"github.com/carverauto/peersync/pkg/logger"
	"github.com/carverauto/peersync/pkg/models"
	"github.com/carverauto/peersync/pkg/natsutil"
	"github.com/carverauto/peersync/pkg/version"
)

const serviceName = "peersyncd"

func main() {
	configPath := flag.String("config", "/etc/peersync/peersyncd.json", "Path to config file")
	kvBucket := flag.String("kv-bucket", config.DefaultKVBucket, "JetStream KV bucket holding config when CONFIG_SOURCE=kv")
	kvURL := flag.String("kv-url", "", "NATS URL for the config bucket (defaults to the NATS default URL)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(serviceName, version.GetFullVersion())

		return
	}

	if err := run(*configPath, *kvURL, *kvBucket); err != nil {
		log.Fatalf("peersyncd failed: %v", err)
	}
}

func run(configPath, kvURL, kvBucket string) error {
	ctx := context.Background()

	cfgLoader := config.NewConfig(nil)

	var watch *config.NatsKV

	if config.Source() == config.SourceKV {
		bootstrap := natsutil.Config{URL: kvURL, Name: serviceName + "-config"}

		nc, err := natsutil.Connect(&bootstrap, logger.NewWithWriter(os.Stderr, zerolog.WarnLevel, "", "config"))
		if err != nil {
			return err
		}
		defer nc.Close()

		store, err := config.NewNatsKV(ctx, nc, kvBucket)
		if err != nil {
			return err
		}

		cfgLoader.SetKVStore(store)
		watch = store
	}

	var cfg daemon.Config
	if err := cfgLoader.LoadAndValidate(ctx, configPath, &cfg); err != nil {
		return err
	}

	loggerConfig := cfg.Logging
	if loggerConfig == nil {
		loggerConfig = logger.DefaultConfig()
	}

	mainLogger, err := lifecycle.CreateComponentLogger(ctx, serviceName, loggerConfig)
	if err != nil {
		return err
	}

	shutdownTelemetry, err := lifecycle.InitializeTelemetry(ctx, serviceName, version.GetVersion(), loggerConfig, mainLogger)
	if err != nil {
		return err
	}

	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := shutdownTelemetry(flushCtx); err != nil {
			mainLogger.Warn().Err(err).Msg("Telemetry shutdown incomplete")
		}
	}()

	if safe, err := models.FilterSensitiveFields(&cfg); err == nil {
		mainLogger.Info().Interface("config", safe).Str("version", version.GetFullVersion()).Msg("Loaded configuration")
	}

	if watch != nil {
		watchLogLevel(ctx, watch, configPath, mainLogger)
	}

	svc, err := daemon.New(&cfg, mainLogger)
	if err != nil {
		return err
	}

	return lifecycle.RunService(ctx, &lifecycle.ServiceOptions{
		ServiceName:     serviceName,
		Service:         svc,
		ShutdownTimeout: time.Duration(cfg.Engine.ShutdownWait) + 5*time.Second,
		Logger:          mainLogger,
	})
}

// watchLogLevel applies logging.level and logging.debug changes from the KV
// document without a restart. Every other field needs one.
func watchLogLevel(ctx context.Context, store config.KVStore, configPath string, log logger.Logger) {
	err := config.WatchKV(ctx, store, config.KeyForPath(configPath), log, func(data []byte) {
		var next struct {
			Logging *logger.Config `json:"logging"`
		}

		if err := config.MergeOverlay(&next, data); err != nil || next.Logging == nil {
			return
		}

		if next.Logging.Debug {
			log.SetDebug(true)

			return
		}

		level, err := zerolog.ParseLevel(next.Logging.Level)
		if err != nil || next.Logging.Level == "" {
			return
		}

		log.SetLevel(level)
		log.Info().Str("level", level.String()).Msg("Log level updated from KV")
	})
	if err != nil {
		log.Warn().Err(err).Msg("KV config watch unavailable")
	}
}
