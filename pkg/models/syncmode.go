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

package models

import "fmt"

// SyncMode is the kind of synchronization a caller requests.
type SyncMode int

const (
	SyncModePush SyncMode = iota
	SyncModePull
	SyncModePushPull
	SyncModeAutoPush
	SyncModeAutoPull
	SyncModeResponsePull
	SyncModeQueryPush
	SyncModeQueryPull
	SyncModeQueryPushPull
	SyncModeSubscribeQuery
	SyncModeAutoSubscribeQuery
	SyncModeUnsubscribeQuery
)

//nolint:gochecknoglobals // fixed lookup table
var autoToManual = map[SyncMode]SyncMode{
	SyncModeAutoPush:           SyncModePush,
	SyncModeAutoPull:           SyncModePull,
	SyncModeAutoSubscribeQuery: SyncModeSubscribeQuery,
}

// Manual returns the manual counterpart of an auto mode and true, or the mode
// itself and false when it is not an auto mode.
func (m SyncMode) Manual() (SyncMode, bool) {
	if manual, ok := autoToManual[m]; ok {
		return manual, true
	}

	return m, false
}

// IsQuery reports whether the mode carries a bound query.
func (m SyncMode) IsQuery() bool {
	switch m {
	case SyncModeQueryPush, SyncModeQueryPull, SyncModeQueryPushPull,
		SyncModeSubscribeQuery, SyncModeAutoSubscribeQuery, SyncModeUnsubscribeQuery:
		return true
	default:
		return false
	}
}

// Pushes reports whether the mode sends local data to the peer.
func (m SyncMode) Pushes() bool {
	switch m {
	case SyncModePush, SyncModePushPull, SyncModeAutoPush, SyncModeQueryPush, SyncModeQueryPushPull:
		return true
	default:
		return false
	}
}

// Pulls reports whether the mode requests data from the peer.
func (m SyncMode) Pulls() bool {
	switch m {
	case SyncModePull, SyncModePushPull, SyncModeAutoPull, SyncModeResponsePull,
		SyncModeQueryPull, SyncModeQueryPushPull, SyncModeSubscribeQuery, SyncModeAutoSubscribeQuery:
		return true
	default:
		return false
	}
}

// IsSubscription reports whether the mode changes remote subscription state.
func (m SyncMode) IsSubscription() bool {
	return m == SyncModeSubscribeQuery || m == SyncModeAutoSubscribeQuery || m == SyncModeUnsubscribeQuery
}

func (m SyncMode) String() string {
	switch m {
	case SyncModePush:
		return "push"
	case SyncModePull:
		return "pull"
	case SyncModePushPull:
		return "push_pull"
	case SyncModeAutoPush:
		return "auto_push"
	case SyncModeAutoPull:
		return "auto_pull"
	case SyncModeResponsePull:
		return "response_pull"
	case SyncModeQueryPush:
		return "query_push"
	case SyncModeQueryPull:
		return "query_pull"
	case SyncModeQueryPushPull:
		return "query_push_pull"
	case SyncModeSubscribeQuery:
		return "subscribe_query"
	case SyncModeAutoSubscribeQuery:
		return "auto_subscribe_query"
	case SyncModeUnsubscribeQuery:
		return "unsubscribe_query"
	default:
		return "unknown"
	}
}

// ParseSyncMode is the inverse of String.
func ParseSyncMode(s string) (SyncMode, error) {
	for m := SyncModePush; m <= SyncModeUnsubscribeQuery; m++ {
		if m.String() == s {
			return m, nil
		}
	}

	return 0, fmt.Errorf("%w: unknown sync mode %q", ErrInvalidArgs, s)
}
