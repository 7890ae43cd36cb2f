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

// Package logger provides JSON structured logging using zerolog, with an
// optional OTLP log exporter and the process-wide metrics and trace pipelines.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level      string      `json:"level" yaml:"level"`
	Debug      bool        `json:"debug" yaml:"debug"`
	Output     string      `json:"output" yaml:"output"`
	TimeFormat string      `json:"time_format" yaml:"time_format"`
	Component  string      `json:"component,omitempty" yaml:"component,omitempty"`
	OTel       *OTelConfig `json:"otel,omitempty" yaml:"otel,omitempty"`
}

func (c *Config) level() (zerolog.Level, error) {
	if c.Debug {
		return zerolog.DebugLevel, nil
	}

	if c.Level == "" {
		return zerolog.InfoLevel, nil
	}

	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}

	return level, nil
}

func (c *Config) writer() io.Writer {
	if c.Output == "stderr" {
		return os.Stderr
	}

	return os.Stdout
}

// New builds a Logger from cfg. When cfg.OTel is enabled, entries are also
// exported over OTLP; an unusable OTLP setup falls back to local output only.
func New(ctx context.Context, cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	level, err := cfg.level()
	if err != nil {
		return nil, err
	}

	out := cfg.writer()

	if cfg.OTel != nil && cfg.OTel.Enabled {
		otelWriter, otelErr := NewOTelWriter(ctx, *cfg.OTel)
		if otelErr == nil {
			out = NewMultiWriter(out, otelWriter)
		} else {
			fmt.Fprintf(os.Stderr, "otel log export disabled: %v\n", otelErr)
		}
	}

	return NewWithWriter(out, level, cfg.TimeFormat, cfg.Component), nil
}

// NewWithWriter builds a Logger writing JSON lines to out.
func NewWithWriter(out io.Writer, level zerolog.Level, timeFormat, component string) Logger {
	zc := zerolog.New(out).Level(level).With().Timestamp()
	if component != "" {
		zc = zc.Str("component", component)
	}

	zl := zc.Logger()
	if timeFormat != "" {
		zl = zl.Hook(timeFormatHook(timeFormat))
	}

	return &zeroLogger{zl: zl}
}

// timeFormatHook adds a formatted local time for readers that cannot parse
// the RFC3339 timestamp.
type timeFormatHook string

func (h timeFormatHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	e.Str("local_time", time.Now().Format(string(h)))
}

type zeroLogger struct {
	zl zerolog.Logger
}

func (l *zeroLogger) Trace() *zerolog.Event { return l.zl.Trace() }
func (l *zeroLogger) Debug() *zerolog.Event { return l.zl.Debug() }
func (l *zeroLogger) Info() *zerolog.Event  { return l.zl.Info() }
func (l *zeroLogger) Warn() *zerolog.Event  { return l.zl.Warn() }
func (l *zeroLogger) Error() *zerolog.Event { return l.zl.Error() }
func (l *zeroLogger) Fatal() *zerolog.Event { return l.zl.Fatal() }
func (l *zeroLogger) Panic() *zerolog.Event { return l.zl.Panic() }
func (l *zeroLogger) With() zerolog.Context { return l.zl.With() }

func (l *zeroLogger) SetLevel(level zerolog.Level) {
	l.zl = l.zl.Level(level)
}

func (l *zeroLogger) WithComponent(component string) zerolog.Logger {
	return l.zl.With().Str("component", component).Logger()
}

func (l *zeroLogger) WithFields(fields map[string]interface{}) zerolog.Logger {
	ctx := l.zl.With()
	for key, value := range fields {
		ctx = ctx.Interface(key, value)
	}

	return ctx.Logger()
}

func (l *zeroLogger) SetDebug(debug bool) {
	if debug {
		l.SetLevel(zerolog.DebugLevel)
	} else {
		l.SetLevel(zerolog.InfoLevel)
	}
}

// Component returns a Logger tagged with component, sharing l's output.
func Component(l Logger, component string) Logger {
	return &zeroLogger{zl: l.WithComponent(component)}
}
