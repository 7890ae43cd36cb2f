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

package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultKVBucket holds configuration documents when no bucket is named.
const DefaultKVBucket = "peersync-config"

var errNilConn = errors.New("nats connection is nil")

// KVStore is the read side of a configuration bucket.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Watch delivers the value after every update of key, nil after a delete.
	// The channel closes when ctx is done.
	Watch(ctx context.Context, key string) (<-chan []byte, error)
}

// NatsKV reads configuration from a JetStream key-value bucket. The caller
// owns the connection.
type NatsKV struct {
	kv jetstream.KeyValue
}

var _ KVStore = (*NatsKV)(nil)

// NewNatsKV binds bucket on nc, creating it when it does not exist.
func NewNatsKV(ctx context.Context, nc *nats.Conn, bucket string) (*NatsKV, error) {
	if nc == nil {
		return nil, errNilConn
	}

	if bucket == "" {
		bucket = DefaultKVBucket
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "peersync configuration",
		})
	}

	if err != nil {
		return nil, fmt.Errorf("failed to bind KV bucket %s: %w", bucket, err)
	}

	return &NatsKV{kv: kv}, nil
}

func (n *NatsKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := n.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	return entry.Value(), true, nil
}

// Put stores value under key. The daemon never writes configuration; this is
// for seeding buckets from tooling and tests.
func (n *NatsKV) Put(ctx context.Context, key string, value []byte) error {
	if _, err := n.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("failed to put key %s: %w", key, err)
	}

	return nil
}

func (n *NatsKV) Watch(ctx context.Context, key string) (<-chan []byte, error) {
	watcher, err := n.kv.Watch(ctx, key, jetstream.UpdatesOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to watch key %s: %w", key, err)
	}

	ch := make(chan []byte, 1)

	go func() {
		defer close(ch)
		defer func() { _ = watcher.Stop() }()

		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-watcher.Updates():
				if !ok {
					return
				}

				if update == nil {
					continue
				}

				var value []byte

				switch update.Operation() {
				case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				default:
					value = update.Value()
				}

				select {
				case ch <- value:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}
