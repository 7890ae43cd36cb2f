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

// Package version reports the build and protocol versions of peersync.
package version

import (
	"fmt"

	"github.com/carverauto/peersync/pkg/models"
)

// These variables are set via ldflags during build
//
//nolint:gochecknoglobals // intentionally global for ldflags injection
var (
	version = "dev"
	buildID = "dev"
)

// GetVersion returns the release version.
func GetVersion() string {
	return version
}

// GetBuildID returns the build ID.
func GetBuildID() string {
	return buildID
}

// GetFullVersion returns the release, build and the wire versions peers
// negotiate during ability sync.
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, software: %d, ability: %d, data: %d)",
		version, buildID, models.SoftwareVersionCurrent, models.AbilityProtocolVersion, models.DataProtocolVersion)
}
