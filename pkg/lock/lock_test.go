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

package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time instead of sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager() (*Manager, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	m := NewManager()
	m.now = clock.now
	return m, clock
}

func timeouts(d time.Duration) []time.Duration {
	return []time.Duration{d}
}

func TestExclusiveLockIsExclusive(t *testing.T) {
	m, _ := newTestManager()

	l, err := m.Lock("k1", "/a.txt", ScopeExclusive, "<href>u1</href>", DepthZero, timeouts(60*time.Second))
	require.NoError(t, err)
	assert.Contains(t, l.Token, "opaquelocktoken:")

	_, err = m.Lock("k1", "/a.txt", ScopeExclusive, "<href>u2</href>", DepthZero, timeouts(60*time.Second))
	assert.Equal(t, ErrLocked, err)

	_, err = m.Lock("k1", "/a.txt", ScopeShared, "<href>u2</href>", DepthZero, timeouts(60*time.Second))
	assert.Equal(t, ErrLocked, err)
}

func TestSharedLocksCoexist(t *testing.T) {
	m, _ := newTestManager()

	_, err := m.Lock("k1", "/a.txt", ScopeShared, "<href>u1</href>", DepthZero, nil)
	require.NoError(t, err)
	_, err = m.Lock("k1", "/a.txt", ScopeShared, "<href>u2</href>", DepthZero, nil)
	require.NoError(t, err)

	// but an exclusive one is refused while any shared lock lives
	_, err = m.Lock("k1", "/a.txt", ScopeExclusive, "<href>u3</href>", DepthZero, nil)
	assert.Equal(t, ErrLocked, err)

	locks := m.ActiveLocks("/a.txt")
	assert.Len(t, locks, 2)
}

// at any observation point there is at most one exclusive lock on a
// resource, and a held exclusive lock excludes every shared one
func TestExclusiveInvariantUnderChurn(t *testing.T) {
	m, clock := newTestManager()

	for i := 0; i < 50; i++ {
		m.Lock("k1", "/a.txt", ScopeExclusive, "", DepthZero, timeouts(10*time.Second)) // nolint:errcheck
		m.Lock("k1", "/a.txt", ScopeShared, "", DepthZero, timeouts(10*time.Second))    // nolint:errcheck

		exclusive, shared := 0, 0
		for _, l := range m.ActiveLocks("/a.txt") {
			if l.Scope == ScopeExclusive {
				exclusive++
			} else {
				shared++
			}
		}
		assert.LessOrEqual(t, exclusive, 1)
		if exclusive == 1 {
			assert.Zero(t, shared)
		}
		clock.advance(3 * time.Second)
	}
}

func TestInfiniteDepthBlocksDescendants(t *testing.T) {
	m, _ := newTestManager()

	_, err := m.Lock("kdir", "/dir", ScopeExclusive, "", DepthInfinity, nil)
	require.NoError(t, err)

	_, err = m.Lock("kchild", "/dir/sub/file.txt", ScopeExclusive, "", DepthZero, nil)
	assert.Equal(t, ErrLocked, err)
	_, err = m.Lock("kchild", "/dir/sub/file.txt", ScopeShared, "", DepthZero, nil)
	assert.Equal(t, ErrLocked, err)

	// siblings outside the subtree are unaffected
	_, err = m.Lock("kother", "/dirother/file.txt", ScopeExclusive, "", DepthZero, nil)
	assert.NoError(t, err)
}

func TestZeroDepthDoesNotBlockDescendants(t *testing.T) {
	m, _ := newTestManager()

	_, err := m.Lock("kdir", "/dir", ScopeExclusive, "", DepthZero, nil)
	require.NoError(t, err)
	_, err = m.Lock("kchild", "/dir/file.txt", ScopeExclusive, "", DepthZero, nil)
	assert.NoError(t, err)
}

func TestLockBelowExistingIsRefusedUpward(t *testing.T) {
	m, _ := newTestManager()

	// a deep lock below the requested root also conflicts
	_, err := m.Lock("kchild", "/dir/file.txt", ScopeExclusive, "", DepthZero, nil)
	require.NoError(t, err)
	_, err = m.Lock("kdir", "/dir", ScopeExclusive, "", DepthInfinity, nil)
	assert.Equal(t, ErrLocked, err)
}

func TestRefresh(t *testing.T) {
	m, clock := newTestManager()

	l, err := m.Lock("k1", "/a.txt", ScopeExclusive, "", DepthZero, timeouts(60*time.Second))
	require.NoError(t, err)

	clock.advance(50 * time.Second)
	refreshed, err := m.Refresh("/a.txt", l.Token, timeouts(60*time.Second))
	require.NoError(t, err)
	assert.Equal(t, l.Token, refreshed.Token)

	// the refresh restarted the clock
	clock.advance(50 * time.Second)
	assert.Len(t, m.ActiveLocks("/a.txt"), 1)

	_, err = m.Refresh("/a.txt", "opaquelocktoken:unknown", nil)
	assert.Equal(t, ErrNoSuchLock, err)
}

func TestUnlock(t *testing.T) {
	m, _ := newTestManager()

	l, err := m.Lock("k1", "/a.txt", ScopeExclusive, "", DepthZero, nil)
	require.NoError(t, err)

	assert.Equal(t, ErrNoSuchLock, m.Unlock("/a.txt", "opaquelocktoken:wrong"))
	assert.NoError(t, m.Unlock("/a.txt", l.Token))
	assert.Empty(t, m.ActiveLocks("/a.txt"))

	// a fresh lock is possible afterwards
	_, err = m.Lock("k1", "/a.txt", ScopeExclusive, "", DepthZero, nil)
	assert.NoError(t, err)
}

// expiry is lazy: a timed-out lock is gone on the next access
func TestExpiry(t *testing.T) {
	m, clock := newTestManager()

	l, err := m.Lock("k1", "/a.txt", ScopeExclusive, "", DepthZero, timeouts(time.Second))
	require.NoError(t, err)

	clock.advance(2 * time.Second)

	// the token is dead
	assert.Equal(t, ErrNoSuchLock, m.Unlock("/a.txt", l.Token))

	// and the resource is lockable again
	_, err = m.Lock("k1", "/a.txt", ScopeExclusive, "", DepthZero, timeouts(time.Second))
	assert.NoError(t, err)
}

func TestTimeoutCap(t *testing.T) {
	m, _ := newTestManager()

	l, err := m.Lock("k1", "/a.txt", ScopeExclusive, "", DepthZero, timeouts(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, MaxTimeout, l.Timeout)

	l2, err := m.Lock("k2", "/b.txt", ScopeExclusive, "", DepthZero, nil)
	require.NoError(t, err)
	assert.Equal(t, MaxTimeout, l2.Timeout)
}

func TestValidate(t *testing.T) {
	m, _ := newTestManager()

	// unlocked resources validate without tokens
	assert.True(t, m.Validate("/a.txt", nil))

	l, err := m.Lock("k1", "/a.txt", ScopeExclusive, "", DepthZero, nil)
	require.NoError(t, err)

	assert.False(t, m.Validate("/a.txt", nil))
	assert.False(t, m.Validate("/a.txt", []string{"opaquelocktoken:wrong"}))
	assert.True(t, m.Validate("/a.txt", []string{l.Token}))
}

func TestValidateAncestorLock(t *testing.T) {
	m, _ := newTestManager()

	l, err := m.Lock("kdir", "/dir", ScopeExclusive, "", DepthInfinity, nil)
	require.NoError(t, err)

	assert.False(t, m.Validate("/dir/sub/file.txt", nil))
	assert.True(t, m.Validate("/dir/sub/file.txt", []string{l.Token}))
}

func TestReleaseResource(t *testing.T) {
	m, _ := newTestManager()

	_, err := m.Lock("kdir", "/dir", ScopeExclusive, "", DepthInfinity, nil)
	require.NoError(t, err)
	_, err = m.Lock("kother", "/other.txt", ScopeExclusive, "", DepthZero, nil)
	require.NoError(t, err)

	m.ReleaseResource("/dir")
	assert.Empty(t, m.ActiveLocks("/dir"))
	assert.Len(t, m.ActiveLocks("/other.txt"), 1)
}
