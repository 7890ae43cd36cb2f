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

	"github.com/carverauto/peersync/pkg/logger"
)

// WatchKV calls onChange with every new non-empty value of key until ctx is
// done. Deletes are logged and skipped. onChange runs on the watch goroutine.
func WatchKV(ctx context.Context, store KVStore, key string, log logger.Logger, onChange func([]byte)) error {
	ch, err := store.Watch(ctx, key)
	if err != nil {
		return err
	}

	go func() {
		for data := range ch {
			if len(data) == 0 {
				log.Info().Str("key", key).Msg("KV config deleted, keeping current values")

				continue
			}

			log.Info().Str("key", key).Msg("KV config updated")
			onChange(data)
		}
	}()

	return nil
}

// MergeOverlay decodes data onto dst. Fields absent from data keep their
// current values.
func MergeOverlay(dst interface{}, data []byte) error {
	return decodeJSON(data, dst, "overlay")
}
