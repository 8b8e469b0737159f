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

package upload

import (
	"sync"

	"github.com/tboxdav/tboxdav/pkg/tbox"
)

// Registry keeps at most one session per target path so that a repeated PUT
// of an interrupted file resumes the old session instead of starting over.
// Sessions live in memory only.
type Registry struct {
	mu       sync.Mutex
	backend  tbox.Backend
	sessions map[string]*Session
}

// NewRegistry returns an empty session registry over backend.
func NewRegistry(backend tbox.Backend) *Registry {
	return &Registry{
		backend:  backend,
		sessions: make(map[string]*Session),
	}
}

// Session returns the resumable session for path when one exists with the
// same size, otherwise a fresh one. A stale session for a different size is
// dropped; its half-uploaded parts are superseded by the new content anyway.
func (r *Registry) Session(path string, size int64) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[path]; ok && s.Size() == size && s.Resumable() {
		return s
	}
	s := NewSession(r.backend, path, size)
	r.sessions[path] = s
	return s
}

// Forget drops the session for path. Called after a successful confirm and
// after failures that cannot be resumed.
func (r *Registry) Forget(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, path)
}
