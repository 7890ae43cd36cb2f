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

// Package models holds the types shared by every peersync component: peer
// identities, protocol versions, operation statuses and the error taxonomy.
package models

import "fmt"

// DefaultUser is the user value peers use when multi-user addressing is off.
const DefaultUser = ""

// PeerIdentity identifies one remote peer. It is comparable and used as a map key.
type PeerIdentity struct {
	Device string
	User   string
}

// NewPeerIdentity builds an identity for device and user.
func NewPeerIdentity(device, user string) PeerIdentity {
	return PeerIdentity{Device: device, User: user}
}

// IsDefaultUser reports whether the identity addresses the default user.
func (p PeerIdentity) IsDefaultUser() bool {
	return p.User == DefaultUser
}

func (p PeerIdentity) String() string {
	if p.IsDefaultUser() {
		return p.Device
	}

	return fmt.Sprintf("%s/%s", p.Device, p.User)
}
