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
	"github.com/carverauto/peersync/pkg/parcel"
)

// Bit names one optional capability of a database.
type Bit uint

const (
	BitRemoteQuery Bit = iota
	BitSubscribeQuery
	BitQuerySync
	BitMultiUser
	BitRelationalSync
	BitCompression

	bitCount
)

// DbAbility is the capability bitset exchanged during negotiation. Bits a peer
// does not know about are carried through untouched.
type DbAbility struct {
	bits []byte
}

// LocalAbility is everything this build supports.
func LocalAbility() DbAbility {
	var a DbAbility
	for b := Bit(0); b < bitCount; b++ {
		a.Set(b, true)
	}

	return a
}

// Has reports whether bit is set.
func (a DbAbility) Has(b Bit) bool {
	idx := int(b / 8)
	if idx >= len(a.bits) {
		return false
	}

	return a.bits[idx]&(1<<(b%8)) != 0
}

// Set switches bit on or off.
func (a *DbAbility) Set(b Bit, on bool) {
	idx := int(b / 8)
	for len(a.bits) <= idx {
		a.bits = append(a.bits, 0)
	}

	if on {
		a.bits[idx] |= 1 << (b % 8)
	} else {
		a.bits[idx] &^= 1 << (b % 8)
	}
}

// Intersect returns the capabilities both sides have.
func (a DbAbility) Intersect(o DbAbility) DbAbility {
	n := min(len(a.bits), len(o.bits))

	out := DbAbility{bits: make([]byte, n)}
	for i := 0; i < n; i++ {
		out.bits[i] = a.bits[i] & o.bits[i]
	}

	return out
}

func (a DbAbility) encode(enc parcel.Encoder) {
	enc.WriteBytes(a.bits)
}

func decodeAbility(r *parcel.Reader) DbAbility {
	b := r.ReadBytes()
	if len(b) == 0 {
		return DbAbility{}
	}

	return DbAbility{bits: b}
}
