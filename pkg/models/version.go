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

// Software versions exchanged during ability sync. Each wire field is tied to the
// release that introduced it, so the numbering is append-only.
const (
	SoftwareRelease1 uint32 = iota + 1
	SoftwareRelease2
	SoftwareRelease3
	SoftwareRelease4
	SoftwareRelease5
	SoftwareRelease6
	SoftwareRelease7
	SoftwareRelease8
	SoftwareRelease9

	// SoftwareVersionCurrent is the version this build speaks.
	SoftwareVersionCurrent = SoftwareRelease9
)

// AbilityProtocolVersion is the version of the ability sync packet family.
const AbilityProtocolVersion uint32 = 1

// DataProtocolVersion is the version of the data sync packet family.
const DataProtocolVersion uint32 = 1
