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

package tboxdav

import (
	"io"
	"net/http"
	gopath "path"

	"github.com/tboxdav/tboxdav/pkg/appctx"
	"github.com/tboxdav/tboxdav/pkg/storage"
)

func (s *svc) handleMkcol(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	fn, err := s.resolvePath(r.URL.Path)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sublog := appctx.GetLogger(ctx).With().Str("path", fn).Logger()

	// MKCOL with a body is reserved by the RFC
	buf := make([]byte, 1)
	if _, err := r.Body.Read(buf); err != io.EOF {
		sublog.Debug().Msg("unexpected mkcol request body")
		writeError(w, r, http.StatusUnsupportedMediaType, "mkcol request bodies are not supported")
		return
	}

	if !s.locks.Validate(fn, ifTokens(r)) {
		writeError(w, r, http.StatusLocked, "the resource is locked")
		return
	}

	existing, err := s.store.GetItem(ctx, fn)
	if err != nil {
		sublog.Error().Err(err).Msg("error statting target")
		writeError(w, r, statusForError(err), "error statting target")
		return
	}
	if existing != nil {
		writeError(w, r, http.StatusMethodNotAllowed, "the resource already exists")
		return
	}

	parentPath := gopath.Dir(fn)
	parentRes, err := s.store.GetItem(ctx, parentPath)
	if err != nil {
		sublog.Error().Err(err).Msg("error statting parent")
		writeError(w, r, statusForError(err), "error statting parent collection")
		return
	}
	parent, ok := parentRes.(*storage.Collection)
	if parentRes == nil || !ok {
		writeError(w, r, http.StatusConflict, "parent collection does not exist")
		return
	}

	status, err := parent.CreateCollection(ctx, gopath.Base(fn), false)
	if err != nil {
		sublog.Error().Err(err).Msg("error creating collection")
		writeError(w, r, status, "error creating collection")
		return
	}
	if status == http.StatusPreconditionFailed || status == http.StatusNoContent {
		// raced into existence since the stat above
		writeError(w, r, http.StatusMethodNotAllowed, "the resource already exists")
		return
	}
	w.WriteHeader(status)
}
