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

package watermark

import (
	"strings"

	"github.com/carverauto/peersync/pkg/hashutil"
	"github.com/carverauto/peersync/pkg/models"
)

const (
	queryKeyPrefix  = "querySyncWaterMarkKey"
	deleteKeyPrefix = "deleteSyncWaterMarkKey"
	userSegment     = "_user_"
	querySegment    = "_query_"

	hashHexLen = 64
)

// QueryKey is the metadata key of the watermark for query against (device, user).
// A nil query addresses the whole store; a query with a table adds the table
// hash so the table can be reset on its own.
func QueryKey(device, user string, query *models.Query) string {
	var b strings.Builder

	b.WriteString(queryKeyPrefix)
	b.WriteString(hashutil.HexSHA256(device))

	if query != nil && query.Table != "" {
		b.WriteString(hashutil.HexSHA256(query.Table))
	}

	b.WriteString(userSegment)
	b.WriteString(user)
	b.WriteString(querySegment)
	b.WriteString(query.Identify())

	return b.String()
}

// DeleteKey is the metadata key of the delete watermark of (device, user).
func DeleteKey(device, user string) string {
	return deleteKeyPrefix + hashutil.HexSHA256(device) + userSegment + user
}

func queryDevicePrefix(device, table string) string {
	p := queryKeyPrefix + hashutil.HexSHA256(device)
	if table != "" {
		p += hashutil.HexSHA256(table)
	}

	return p
}

func deleteDevicePrefix(device string) string {
	return deleteKeyPrefix + hashutil.HexSHA256(device) + userSegment
}

// userOfQueryKey extracts the user segment of a key that starts with the
// device prefix of length devicePrefixLen.
func userOfQueryKey(key string, devicePrefixLen int) (string, bool) {
	rest := key[devicePrefixLen:]

	if !strings.HasPrefix(rest, userSegment) {
		// table hash present
		if len(rest) < hashHexLen {
			return "", false
		}

		rest = rest[hashHexLen:]
	}

	if !strings.HasPrefix(rest, userSegment) {
		return "", false
	}

	rest = rest[len(userSegment):]

	// query ids are hex, so the last segment marker is the separator
	end := strings.LastIndex(rest, querySegment)
	if end < 0 {
		return "", false
	}

	return rest[:end], true
}
