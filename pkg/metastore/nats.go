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

package metastore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NatsStore keeps metadata in a JetStream key-value bucket so several processes
// serving the same instance share watermarks. Keys are hex encoded because the
// bucket only accepts a restricted alphabet; hex keeps byte prefixes intact.
type NatsStore struct {
	nc *nats.Conn
	kv jetstream.KeyValue
}

func NewNatsStore(ctx context.Context, natsURL, bucket string, opts ...nats.Option) (*NatsStore, error) {
	if natsURL == "" {
		return nil, errNatsURLRequired
	}

	if bucket == "" {
		return nil, errBucketRequired
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "peersync metadata",
		History:     1,
	})
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("failed to create KV bucket: %w", err)
	}

	return &NatsStore{nc: nc, kv: kv}, nil
}

func encodeKey(key string) string {
	return hex.EncodeToString([]byte(key))
}

func decodeKey(k string) (string, bool) {
	b, err := hex.DecodeString(k)
	if err != nil {
		return "", false
	}

	return string(b), true
}

func (n *NatsStore) GetMetaData(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := n.kv.Get(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	return entry.Value(), true, nil
}

func (n *NatsStore) PutMetaData(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return errEmptyKey
	}

	if _, err := n.kv.Put(ctx, encodeKey(key), value); err != nil {
		return fmt.Errorf("failed to put key %s: %w", key, err)
	}

	return nil
}

func (n *NatsStore) GetMetaDataByPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	lister, err := n.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return map[string][]byte{}, nil
		}

		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	defer func() { _ = lister.Stop() }()

	hexPrefix := encodeKey(prefix)
	out := make(map[string][]byte)

	for k := range lister.Keys() {
		if !strings.HasPrefix(k, hexPrefix) {
			continue
		}

		key, ok := decodeKey(k)
		if !ok {
			continue
		}

		entry, err := n.kv.Get(ctx, k)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			// deleted between list and get
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to get key %s: %w", key, err)
		}

		out[key] = entry.Value()
	}

	return out, nil
}

func (n *NatsStore) DeleteMetaData(ctx context.Context, keys []string) error {
	for _, key := range keys {
		err := n.kv.Delete(ctx, encodeKey(key))
		if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("failed to delete key %s: %w", key, err)
		}
	}

	return nil
}

func (n *NatsStore) Close() error {
	n.nc.Close()

	return nil
}

var _ Store = (*NatsStore)(nil)
