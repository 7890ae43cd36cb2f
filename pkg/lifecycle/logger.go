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

package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/carverauto/peersync/pkg/logger"
)

// CreateComponentLogger builds a logger from config tagged with component.
// A nil config uses the environment defaults.
func CreateComponentLogger(ctx context.Context, component string, config *logger.Config) (logger.Logger, error) {
	log, err := logger.New(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger.Component(log, component), nil
}

// InitializeTelemetry installs the metrics and trace pipelines for a service.
// Without OTLP export metrics go to the no-op provider. The returned func flushes and
// stops every pipeline, the log exporter included.
func InitializeTelemetry(
	ctx context.Context, name, version string, config *logger.Config, log logger.Logger,
) (func(context.Context) error, error) {
	var otelCfg *logger.OTelConfig
	if config != nil {
		otelCfg = config.OTel
	}

	_, err := logger.InitializeMetrics(ctx, logger.MetricsConfig{
		ServiceName:    name,
		ServiceVersion: version,
		OTel:           otelCfg,
	})

	switch {
	case errors.Is(err, logger.ErrOTelMetricsDisabled):
		log.Debug().Msg("OTLP metrics export disabled")
	case err != nil:
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if _, err := logger.InitializeTracing(ctx, logger.TracingConfig{
		ServiceName:    name,
		ServiceVersion: version,
		Logger:         log,
		OTel:           otelCfg,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	return logger.ShutdownOTel, nil
}
