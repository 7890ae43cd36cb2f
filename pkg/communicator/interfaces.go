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

//go:generate mockgen -destination=mock_communicator.go -package=communicator github.com/carverauto/peersync/pkg/communicator Communicator,Aggregator

// Package communicator defines the transport the sync engine talks through and
// ships an in-memory network, a NATS transport and send-side decorators.
package communicator

import (
	"context"
	"time"

	"github.com/carverauto/peersync/pkg/message"
)

// DefaultLabel addresses the main communicator of an instance.
const DefaultLabel = ""

// OnMessage receives a decoded message and the device that sent it.
type OnMessage func(source string, msg *message.Message)

// OnConnect is told when a remote device comes online or goes offline.
type OnConnect func(device string, online bool)

// SendConfig tunes one SendMessage call.
type SendConfig struct {
	// NonBlock fails fast instead of waiting for transport capacity.
	NonBlock bool
	// Timeout bounds the send; zero uses the communicator default.
	Timeout time.Duration
}

// Communicator moves messages between this instance and its peers.
type Communicator interface {
	RegOnMessageCallback(fn OnMessage) error
	RegOnConnectCallback(fn OnConnect) error

	// SendMessage queues msg for target. Synchronous failures are returned;
	// failures detected after the call returns are reported through onErr.
	SendMessage(ctx context.Context, target string, msg *message.Message, cfg SendConfig, onErr func(error)) error

	// GetTimeout is the response timeout to use for device.
	GetTimeout(device string) time.Duration

	// GetLocalIdentity returns this instance's device id.
	GetLocalIdentity() (string, error)

	IsDeviceOnline(device string) bool
	OnlineDevices() []string
}

// Aggregator hands out communicators bound to a label. Several device ids
// grouped under an equal identifier share the communicator of that label.
type Aggregator interface {
	AllocCommunicator(label string) (Communicator, error)
	ReleaseCommunicator(c Communicator)
}
