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

package version

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/carverauto/peersync/pkg/models"
)

func TestGetFullVersion(t *testing.T) {
	full := GetFullVersion()

	assert.Contains(t, full, GetVersion())
	assert.Contains(t, full, "build: "+GetBuildID())
	assert.Contains(t, full, fmt.Sprintf("software: %d", models.SoftwareVersionCurrent))
}
