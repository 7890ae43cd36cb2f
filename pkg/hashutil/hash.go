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

// Package hashutil builds the hashed segments of metadata keys.
package hashutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

var errDigestLength = errors.New("digest must be 64 hex characters")

// HexSHA256 returns the lowercase hex SHA-256 digest of s.
func HexSHA256(s string) string {
	sum := sha256.Sum256([]byte(s))

	return hex.EncodeToString(sum[:])
}

// HexSHA256Parts hashes parts joined by NUL so ("ab","c") and ("a","bc") differ.
func HexSHA256Parts(parts ...string) string {
	return HexSHA256(strings.Join(parts, "\x00"))
}

// ValidateHexDigest checks that s looks like a HexSHA256 output.
func ValidateHexDigest(s string) error {
	if len(s) != 2*sha256.Size {
		return errDigestLength
	}

	if _, err := hex.DecodeString(s); err != nil {
		return err
	}

	return nil
}

// EqualHexSHA256 reports whether digest is the HexSHA256 of s, in constant time.
func EqualHexSHA256(digest, s string) bool {
	want := HexSHA256(s)

	return subtle.ConstantTimeCompare([]byte(strings.ToLower(digest)), []byte(want)) == 1
}
