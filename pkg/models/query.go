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

import (
	"fmt"
	"strings"

	"github.com/carverauto/peersync/pkg/hashutil"
)

// Query binds a sync to a subset of one table.
type Query struct {
	Table string `json:"table"`
	SQL   string `json:"sql,omitempty"`
	// Limit caps the number of rows per round; zero means unlimited.
	Limit uint32 `json:"limit,omitempty"`
}

// Validate rejects queries that cannot be sent to a peer.
func (q *Query) Validate() error {
	if q == nil {
		return nil
	}

	if strings.TrimSpace(q.Table) == "" {
		return fmt.Errorf("%w: query has no table", ErrInvalidQueryFormat)
	}

	if strings.ContainsRune(q.SQL, 0) {
		return fmt.Errorf("%w: query contains NUL", ErrInvalidQueryFormat)
	}

	return nil
}

// Identify returns a stable identifier for the query, used to key its watermark.
func (q *Query) Identify() string {
	if q == nil {
		return ""
	}

	return hashutil.HexSHA256Parts(q.Table, q.SQL)
}
