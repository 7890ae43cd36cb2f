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

package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHexSHA256(t *testing.T) {
	sum := sha256.Sum256([]byte("peersync"))

	require.Equal(t, hex.EncodeToString(sum[:]), HexSHA256("peersync"))
	require.NoError(t, ValidateHexDigest(HexSHA256("")))
}

func TestHexSHA256PartsSeparatesBoundaries(t *testing.T) {
	require.NotEqual(t, HexSHA256Parts("ab", "c"), HexSHA256Parts("a", "bc"))
	require.Equal(t, HexSHA256("a\x00b"), HexSHA256Parts("a", "b"))
}

func TestValidateHexDigest(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid", input: HexSHA256("x")},
		{name: "short", input: "abcd", wantErr: true},
		{name: "not hex", input: strings.Repeat("z", 64), wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateHexDigest(tc.input)
			if tc.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
		})
	}
}

func TestEqualHexSHA256(t *testing.T) {
	d := HexSHA256("device-1")

	require.True(t, EqualHexSHA256(d, "device-1"))
	require.True(t, EqualHexSHA256(strings.ToUpper(d), "device-1"))
	require.False(t, EqualHexSHA256(d, "device-2"))
}
