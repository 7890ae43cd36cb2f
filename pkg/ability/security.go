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
	"fmt"

	"github.com/carverauto/peersync/pkg/models"
)

// Security labels, ordered by sensitivity.
const (
	SecLabelNotSet int32 = iota
	SecLabelS0
	SecLabelS1
	SecLabelS2
	SecLabelS3
	SecLabelS4
)

// Security flags.
const (
	SecFlagECE int32 = iota
	SecFlagSECE
)

// SecurityOption is the data protection level a database was opened with.
type SecurityOption struct {
	Label int32 `json:"label"`
	Flag  int32 `json:"flag"`
}

// CheckSecurity decides whether two databases may exchange data. S0 and S1
// are accepted against each other and the pair runs at the higher of the two;
// otherwise the labels must match exactly, including both being unset.
func CheckSecurity(local, remote SecurityOption) (SecurityOption, error) {
	if local.Label == remote.Label {
		return local, nil
	}

	if isLowLabel(local.Label) && isLowLabel(remote.Label) {
		out := local
		if remote.Label > local.Label {
			out = remote
		}

		return out, nil
	}

	return SecurityOption{}, fmt.Errorf("%w: local label %d, remote label %d",
		models.ErrSecurityOptionCheck, local.Label, remote.Label)
}

func isLowLabel(l int32) bool {
	return l == SecLabelS0 || l == SecLabelS1
}
