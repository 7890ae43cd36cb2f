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
	"errors"
	"fmt"
)

// Protocol incompatibility: fatal for the peer pairing, never retried here.
var (
	ErrVersionNotSupported = errors.New("peer protocol version not supported")
	ErrSchemaMismatch      = errors.New("schema mismatch")
	ErrSecurityOptionCheck = errors.New("security option check failed")
	ErrPermissionCheck     = errors.New("permission check forbids sync")
)

// Backpressure.
var ErrBusy = errors.New("sync engine busy")

// Lifecycle races: the peer or local object was torn down concurrently.
var (
	ErrObjectKilled         = errors.New("object killed")
	ErrCommunicatorNotFound = errors.New("feedback communicator not found")
)

// Argument and format errors.
var (
	ErrInvalidArgs        = errors.New("invalid arguments")
	ErrParseFail          = errors.New("parse failed")
	ErrInvalidQueryFormat = errors.New("invalid query format")
	ErrNotSupport         = errors.New("not supported")
)

// Communication failures.
var (
	ErrCommAbnormal    = errors.New("communication abnormal")
	ErrTimeout         = errors.New("sync timeout")
	ErrNeedAbilitySync = errors.New("ability sync required")
)

// CommError carries the precise transport code behind a communication failure.
type CommError struct {
	Device string
	Code   DBStatus
	Err    error
}

func (e *CommError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("send to %s failed (%s): %v", e.Device, e.Code, e.Err)
	}

	return fmt.Sprintf("send to %s failed (%s)", e.Device, e.Code)
}

// Unwrap lets errors.Is match ErrCommAbnormal as well as the cause.
func (e *CommError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrCommAbnormal, e.Err}
	}

	return []error{ErrCommAbnormal}
}

// CommCodeOf extracts the transport code from err, or DBStatusOK if there is none.
func CommCodeOf(err error) DBStatus {
	var ce *CommError
	if errors.As(err, &ce) {
		return ce.Code
	}

	return DBStatusOK
}

// StatusFromError converts a surfaced error into a terminal per-device status.
func StatusFromError(err error) OpStatus {
	switch {
	case err == nil:
		return OpFinishedAll
	case errors.Is(err, ErrTimeout):
		return OpTimeout
	case errors.Is(err, ErrCommAbnormal), errors.Is(err, ErrCommunicatorNotFound):
		return OpCommAbnormal
	case errors.Is(err, ErrSchemaMismatch):
		return OpSchemaIncompatible
	case errors.Is(err, ErrSecurityOptionCheck):
		return OpSecurityOptionCheckFailure
	case errors.Is(err, ErrPermissionCheck):
		return OpPermissionCheckFailed
	case errors.Is(err, ErrVersionNotSupported), errors.Is(err, ErrNotSupport):
		return OpNotSupport
	case errors.Is(err, ErrBusy):
		return OpBusyFailure
	case errors.Is(err, ErrInvalidQueryFormat):
		return OpQueryFormatFailure
	case errors.Is(err, ErrInvalidArgs):
		return OpInvalidArgs
	default:
		return OpFailed
	}
}
