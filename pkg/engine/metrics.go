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

package engine

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName              = "peersync.engine"
	metricInboundMessages  = "peersync_engine_inbound_messages_total"
	metricDiscarded        = "peersync_engine_discarded_messages_total"
	metricSyncOperations   = "peersync_engine_sync_operations_total"
	metricDeviceEvents     = "peersync_engine_device_events_total"
	metricDispatchDuration = "peersync_engine_dispatch_duration_seconds"

	outcomeDispatched = "dispatched"
	outcomeQueued     = "queued"
	outcomeDiscarded  = "discarded"

	reasonBusy        = "busy"
	reasonUnsupported = "unsupported"
	reasonCoalesced   = "coalesced"
	reasonClosed      = "closed"
)

var (
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	meterOnce sync.Once
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	inboundCounter metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	discardCounter metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	syncCounter metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	deviceCounter metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	dispatchHistogram metric.Float64Histogram
)

func initMeter() {
	meter := otel.Meter(meterName)

	inbound, err := meter.Int64Counter(
		metricInboundMessages,
		metric.WithDescription("Inbound sync messages by admission outcome"),
	)
	if err != nil {
		otel.Handle(err)
	}
	inboundCounter = inbound

	discarded, err := meter.Int64Counter(
		metricDiscarded,
		metric.WithDescription("Inbound sync messages dropped before dispatch"),
	)
	if err != nil {
		otel.Handle(err)
	}
	discardCounter = discarded

	ops, err := meter.Int64Counter(
		metricSyncOperations,
		metric.WithDescription("Sync operations issued locally"),
	)
	if err != nil {
		otel.Handle(err)
	}
	syncCounter = ops

	devices, err := meter.Int64Counter(
		metricDeviceEvents,
		metric.WithDescription("Peer online and offline transitions"),
	)
	if err != nil {
		otel.Handle(err)
	}
	deviceCounter = devices

	hist, err := meter.Float64Histogram(
		metricDispatchDuration,
		metric.WithDescription("Time spent handling one inbound message"),
		metric.WithUnit("s"),
	)
	if err != nil {
		otel.Handle(err)
	}
	dispatchHistogram = hist
}

func recordInbound(ctx context.Context, outcome string) {
	meterOnce.Do(initMeter)
	if inboundCounter == nil {
		return
	}

	inboundCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func recordDiscard(ctx context.Context, reason string) {
	recordInbound(ctx, outcomeDiscarded)

	if discardCounter == nil {
		return
	}

	discardCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func recordSync(ctx context.Context, mode string, devices int) {
	if devices == 0 {
		return
	}

	meterOnce.Do(initMeter)
	if syncCounter == nil {
		return
	}

	syncCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.Int("devices", devices),
	))
}

func recordDeviceEvent(ctx context.Context, online bool) {
	meterOnce.Do(initMeter)
	if deviceCounter == nil {
		return
	}

	event := "offline"
	if online {
		event = "online"
	}

	deviceCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

func recordDispatch(ctx context.Context, msgID string, d time.Duration) {
	meterOnce.Do(initMeter)
	if dispatchHistogram == nil {
		return
	}

	dispatchHistogram.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("msg_id", msgID)))
}
