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

package ability

import (
	"maps"
)

// SyncOpinion is one side's judgment of a peer's schema.
type SyncOpinion struct {
	PermitSync         bool
	RequirePeerConvert bool
	CheckOnReceive     bool
}

// RelationalOpinion is a SyncOpinion per table.
type RelationalOpinion map[string]SyncOpinion

// Strategy is the outcome both sides agree on.
type Strategy struct {
	PermitSync       bool
	ConvertOnSend    bool
	ConvertOnReceive bool
	CheckOnReceive   bool
}

// Combine merges the two opinions. Sync is permitted only when both sides permit.
func Combine(local, remote SyncOpinion) Strategy {
	return Strategy{
		PermitSync:       local.PermitSync && remote.PermitSync,
		ConvertOnSend:    remote.RequirePeerConvert,
		ConvertOnReceive: local.RequirePeerConvert,
		CheckOnReceive:   local.CheckOnReceive,
	}
}

// CombineRelational merges per-table opinions. Tables missing on either side are denied.
func CombineRelational(local, remote RelationalOpinion) map[string]Strategy {
	out := make(map[string]Strategy, len(local))

	for table, lo := range local {
		ro, ok := remote[table]
		if !ok {
			out[table] = Strategy{}

			continue
		}

		out[table] = Combine(lo, ro)
	}

	return out
}

// MakeLocalOpinion judges remote against local for non-relational stores.
func MakeLocalOpinion(local, remote *Schema) SyncOpinion {
	if remote == nil || !remote.Type.known() {
		return SyncOpinion{}
	}

	switch {
	case local.Type == SchemaTypeNone && remote.Type == SchemaTypeNone:
		return SyncOpinion{PermitSync: true}
	case local.Type == SchemaTypeNone:
		// plain kv accepts anything
		return SyncOpinion{PermitSync: true}
	case remote.Type == SchemaTypeNone:
		// values from a plain kv peer must be validated before they land
		return SyncOpinion{PermitSync: true, CheckOnReceive: true}
	case local.Type != remote.Type:
		return SyncOpinion{}
	case local.Type == SchemaTypeFlatBuffer:
		return SyncOpinion{PermitSync: local.Raw == remote.Raw}
	case local.Type == SchemaTypeJSON:
		return jsonOpinion(local, remote)
	default:
		return SyncOpinion{}
	}
}

func jsonOpinion(local, remote *Schema) SyncOpinion {
	if local.Mode != remote.Mode {
		return SyncOpinion{}
	}

	if maps.Equal(local.Fields, remote.Fields) {
		return SyncOpinion{PermitSync: true}
	}

	if local.Mode != SchemaModeCompatible {
		return SyncOpinion{}
	}

	switch {
	case containsFields(remote.Fields, local.Fields):
		// remote is an upgrade of local: it converts down before sending
		return SyncOpinion{PermitSync: true, RequirePeerConvert: true}
	case containsFields(local.Fields, remote.Fields):
		return SyncOpinion{PermitSync: true, CheckOnReceive: true}
	default:
		return SyncOpinion{}
	}
}

func containsFields(super, sub map[string]string) bool {
	for k, v := range sub {
		if super[k] != v {
			return false
		}
	}

	return true
}

// MakeRelationalOpinion judges every local table against the remote schema.
// A table is permitted only when the remote defines the same columns.
func MakeRelationalOpinion(local, remote *Schema) RelationalOpinion {
	out := make(RelationalOpinion, len(local.Tables))

	for name, cols := range local.Tables {
		if remote == nil || remote.Type != SchemaTypeRelational {
			out[name] = SyncOpinion{}

			continue
		}

		rcols, ok := remote.Tables[name]
		out[name] = SyncOpinion{PermitSync: ok && maps.Equal(cols, rcols)}
	}

	return out
}
