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

// OpStatus is the internal per-device status of a sync operation. Every value at
// or above OpFinishedAll is terminal.
type OpStatus int

const (
	OpWaiting OpStatus = iota
	OpSyncing
	OpSendFinished
	OpRecvFinished
	OpFinishedAll
	OpFailed
	OpTimeout
	OpPermissionCheckFailed
	OpCommAbnormal
	OpSecurityOptionCheckFailure
	OpBusyFailure
	OpSchemaIncompatible
	OpQueryFormatFailure
	OpNotSupport
	OpInvalidArgs
	OpSchemaChanged
	OpUserChanged
	OpMaxLimits
)

// IsTerminal reports whether no further status change is accepted.
func (s OpStatus) IsTerminal() bool {
	return s >= OpFinishedAll
}

// IsCommFailure reports whether the status carries a transport error code.
func (s OpStatus) IsCommFailure() bool {
	return s == OpCommAbnormal || s == OpTimeout
}

// DBStatus is the user-facing result of a sync for one device. Communicators
// report precise transport failures in the same space.
type DBStatus int

const (
	DBStatusOK DBStatus = iota
	DBStatusDBError
	DBStatusBusy
	DBStatusTimeout
	DBStatusCommFailure
	DBStatusNoNetwork
	DBStatusPermissionCheckForbidSync
	DBStatusSecurityOptionCheckError
	DBStatusSchemaMismatch
	DBStatusNotSupport
	DBStatusInvalidQueryFormat
	DBStatusInvalidArgs
	DBStatusSchemaChanged
	DBStatusUserChanged
	DBStatusOverMaxLimits
)

func (s DBStatus) String() string {
	switch s {
	case DBStatusOK:
		return "ok"
	case DBStatusDBError:
		return "db_error"
	case DBStatusBusy:
		return "busy"
	case DBStatusTimeout:
		return "timeout"
	case DBStatusCommFailure:
		return "comm_failure"
	case DBStatusNoNetwork:
		return "no_network"
	case DBStatusPermissionCheckForbidSync:
		return "permission_check_forbid_sync"
	case DBStatusSecurityOptionCheckError:
		return "security_option_check_error"
	case DBStatusSchemaMismatch:
		return "schema_mismatch"
	case DBStatusNotSupport:
		return "not_support"
	case DBStatusInvalidQueryFormat:
		return "invalid_query_format"
	case DBStatusInvalidArgs:
		return "invalid_args"
	case DBStatusSchemaChanged:
		return "schema_changed"
	case DBStatusUserChanged:
		return "user_changed"
	case DBStatusOverMaxLimits:
		return "over_max_limits"
	default:
		return "unknown"
	}
}

// ProcessStatus is the coarse phase reported to progress callbacks.
type ProcessStatus int

const (
	ProcessPrepared ProcessStatus = iota
	ProcessProcessing
	ProcessFinished
)

//nolint:gochecknoglobals // fixed lookup table
var opToDBStatus = map[OpStatus]DBStatus{
	OpFinishedAll:                DBStatusOK,
	OpTimeout:                    DBStatusTimeout,
	OpPermissionCheckFailed:      DBStatusPermissionCheckForbidSync,
	OpCommAbnormal:               DBStatusCommFailure,
	OpSecurityOptionCheckFailure: DBStatusSecurityOptionCheckError,
	OpBusyFailure:                DBStatusBusy,
	OpSchemaIncompatible:         DBStatusSchemaMismatch,
	OpQueryFormatFailure:         DBStatusInvalidQueryFormat,
	OpNotSupport:                 DBStatusNotSupport,
	OpInvalidArgs:                DBStatusInvalidArgs,
	OpSchemaChanged:              DBStatusSchemaChanged,
	OpUserChanged:                DBStatusUserChanged,
	OpMaxLimits:                  DBStatusOverMaxLimits,
}

//nolint:gochecknoglobals // fixed lookup table
var opToProcess = map[OpStatus]ProcessStatus{
	OpWaiting:      ProcessPrepared,
	OpSyncing:      ProcessProcessing,
	OpSendFinished: ProcessProcessing,
	OpRecvFinished: ProcessProcessing,
}

// DBStatusOf maps an operation status to the user-facing status. Anything not in
// the table is reported as DBStatusDBError so callers never hang on an unknown code.
func DBStatusOf(s OpStatus) DBStatus {
	if st, ok := opToDBStatus[s]; ok {
		return st
	}

	return DBStatusDBError
}

// ProcessStatusOf maps an operation status to its phase, defaulting to finished.
func ProcessStatusOf(s OpStatus) ProcessStatus {
	if st, ok := opToProcess[s]; ok {
		return st
	}

	return ProcessFinished
}
