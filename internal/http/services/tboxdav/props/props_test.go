// Copyright 2023-2025 The Tboxdav Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package props

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatRFC1123(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	in := time.Date(2024, 3, 1, 13, 45, 6, 0, loc)
	got := FormatRFC1123(in)
	assert.Equal(t, "Fri, 01 Mar 2024 12:45:06 GMT", got)

	// round trip modulo the canonical UTC form
	back, err := ParseRFC1123(got)
	require.NoError(t, err)
	assert.True(t, back.Equal(in))
}

func TestFormatISO8601TruncatesToMilliseconds(t *testing.T) {
	in := time.Date(2024, 3, 1, 12, 45, 6, 123456789, time.UTC)
	got := FormatISO8601(in)
	assert.Equal(t, "2024-03-01T12:45:06.123Z", got)

	back, err := ParseISO8601(got)
	require.NoError(t, err)
	assert.Equal(t, in.Truncate(time.Millisecond), back.UTC())
}

func TestBoolRoundTrip(t *testing.T) {
	assert.Equal(t, "1", FormatBool(true))
	assert.Equal(t, "0", FormatBool(false))
	for _, v := range []bool{true, false} {
		assert.Equal(t, v, ParseBool(FormatBool(v)))
	}
	assert.True(t, ParseBool("true"))
	assert.False(t, ParseBool("no"))
}

func TestInt64RoundTrip(t *testing.T) {
	// values beyond 32 bits must survive
	for _, v := range []int64{0, 1, 4 << 30, 1<<62 - 1} {
		got, err := ParseInt64(FormatInt64(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestEscape(t *testing.T) {
	assert.Equal(t, "plain", Escape("plain"))
	assert.Equal(t, "a&amp;b", Escape("a&b"))
	assert.Equal(t, "&lt;tag&gt;", Escape("<tag>"))
}
