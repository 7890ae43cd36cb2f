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

package communicator

import "errors"

var (
	errNilCallback        = errors.New("callback is nil")
	errNilMessage         = errors.New("message is nil")
	errLabelInUse         = errors.New("label already allocated")
	errDeviceUnreachable  = errors.New("device unreachable")
	errCommunicatorGone   = errors.New("communicator released")
	errCircuitOpen        = errors.New("circuit breaker is open")
	errNoMainCommunicator = errors.New("no main communicator")
)
