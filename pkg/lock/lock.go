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

// Package lock implements the in-memory advisory write-lock database used by
// the LOCK, UNLOCK and every mutating DAV method. Locks are memory-resident
// only; a restart drops them all.
package lock

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MaxTimeout caps every client-requested lock timeout. "Infinite" and absent
// Timeout headers map to it as well.
const MaxTimeout = 600 * time.Second

// Depth values a lock can be taken with.
const (
	DepthZero     = 0
	DepthInfinity = -1
)

var (
	// ErrLocked is returned when a conflicting lock is held on the resource
	// or one of its ancestors.
	ErrLocked = errors.New("lock: conflicting lock")
	// ErrNoSuchLock is returned when the supplied token matches no live lock
	// on the resource.
	ErrNoSuchLock = errors.New("lock: no such lock")
)

// Scope is the exclusivity of a lock.
type Scope int

// Lock scopes defined by RFC 4918.
const (
	ScopeExclusive Scope = iota
	ScopeShared
)

func (s Scope) String() string {
	if s == ScopeShared {
		return "shared"
	}
	return "exclusive"
}

// Lock is one live write lock. Owner is the verbatim XML fragment supplied by
// the client and is emitted back untouched in lockdiscovery.
type Lock struct {
	Token     string
	Scope     Scope
	Owner     string
	Depth     int
	Timeout   time.Duration
	Key       string
	Root      string
	CreatedAt time.Time
}

func (l *Lock) expired(now time.Time) bool {
	return now.After(l.CreatedAt.Add(l.Timeout))
}

// Remaining returns the time left until expiry, used for the Timeout element
// of lockdiscovery.
func (l *Lock) Remaining(now time.Time) time.Duration {
	return l.CreatedAt.Add(l.Timeout).Sub(now)
}

// covers reports whether the lock applies to path: it is the lock root itself
// or, for infinite depth, any descendant of it.
func (l *Lock) covers(path string) bool {
	if path == l.Root {
		return true
	}
	return l.Depth == DepthInfinity && isDescendant(l.Root, path)
}

func isDescendant(ancestor, path string) bool {
	if ancestor == "/" {
		return path != "/"
	}
	return strings.HasPrefix(path, ancestor+"/")
}

// Manager is the process-wide lock database. A single mutex guards all state;
// no operation blocks on anything but that mutex, so contention is negligible.
type Manager struct {
	mu      sync.Mutex
	byToken map[string]*Lock

	now func() time.Time
}

// NewManager returns an empty lock database.
func NewManager() *Manager {
	return &Manager{
		byToken: make(map[string]*Lock),
		now:     time.Now,
	}
}

// purge drops expired locks. Caller holds mu. Expiry is computed lazily on
// every lookup; there is no background sweeper.
func (m *Manager) purge(now time.Time) {
	for token, l := range m.byToken {
		if l.expired(now) {
			delete(m.byToken, token)
		}
	}
}

// pickTimeout honours the first requested timeout, capped to MaxTimeout.
func pickTimeout(timeouts []time.Duration) time.Duration {
	if len(timeouts) == 0 {
		return MaxTimeout
	}
	t := timeouts[0]
	if t <= 0 || t > MaxTimeout {
		return MaxTimeout
	}
	return t
}

// Lock creates a new lock on the resource identified by key, rooted at path.
// It conflicts with any live lock covering path, with any lock below path
// when depth is infinite, and shared locks tolerate each other.
func (m *Manager) Lock(key, path string, scope Scope, owner string, depth int, timeouts []time.Duration) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.purge(now)

	for _, held := range m.byToken {
		overlaps := held.covers(path) ||
			(depth == DepthInfinity && isDescendant(path, held.Root))
		if !overlaps {
			continue
		}
		if scope == ScopeExclusive || held.Scope == ScopeExclusive {
			return nil, ErrLocked
		}
	}

	l := &Lock{
		Token:     "opaquelocktoken:" + uuid.New().String(),
		Scope:     scope,
		Owner:     owner,
		Depth:     depth,
		Timeout:   pickTimeout(timeouts),
		Key:       key,
		Root:      path,
		CreatedAt: now,
	}
	m.byToken[l.Token] = l
	return l, nil
}

// Refresh resets the expiry of the lock held with token. The lock must
// apply to path; unknown tokens yield ErrNoSuchLock.
func (m *Manager) Refresh(path, token string, timeouts []time.Duration) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.purge(now)

	l, ok := m.byToken[token]
	if !ok || !l.covers(path) {
		return nil, ErrNoSuchLock
	}
	l.Timeout = pickTimeout(timeouts)
	l.CreatedAt = now
	return l, nil
}

// Unlock releases the lock held with token. The lock must apply to path.
func (m *Manager) Unlock(path, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purge(m.now())

	l, ok := m.byToken[token]
	if !ok || !l.covers(path) {
		return ErrNoSuchLock
	}
	delete(m.byToken, token)
	return nil
}

// Validate is consulted by mutating handlers: it returns true when the
// resource at path is unlocked, or when at least one of the supplied tokens
// matches a lock that applies to it (including an ancestor lock with infinite
// depth).
func (m *Manager) Validate(path string, tokens []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purge(m.now())

	applicable := false
	for _, held := range m.byToken {
		if !held.covers(path) {
			continue
		}
		applicable = true
		for _, t := range tokens {
			if t == held.Token {
				return true
			}
		}
	}
	return !applicable
}

// ActiveLocks returns copies of the live locks that apply to path, feeding
// the lockdiscovery property.
func (m *Manager) ActiveLocks(path string) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purge(m.now())

	var out []Lock
	for _, held := range m.byToken {
		if held.covers(path) {
			out = append(out, *held)
		}
	}
	return out
}

// ReleaseResource drops every lock rooted at path or below it. Called when
// the underlying resource is deleted or moved away.
func (m *Manager) ReleaseResource(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for token, held := range m.byToken {
		if held.Root == path || isDescendant(path, held.Root) {
			delete(m.byToken, token)
		}
	}
}
