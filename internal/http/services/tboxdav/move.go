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
	"net/http"
	gopath "path"

	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/errors"
	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/net"
	"github.com/tboxdav/tboxdav/pkg/appctx"
	"github.com/tboxdav/tboxdav/pkg/storage"
)

func (s *svc) handleMove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	targets, errStatus := s.readCopyMoveTargets(r)
	if errStatus != 0 {
		writeError(w, r, errStatus, "invalid move request")
		return
	}
	sublog := appctx.GetLogger(ctx).With().Str("src", targets.src).Str("dst", targets.dst).Logger()

	// MOVE acts on the whole tree or not at all
	if depth, err := net.ParseDepth(r.Header.Get(net.HeaderDepth)); err != nil || depth != net.DepthInfinity {
		writeError(w, r, http.StatusBadRequest, errors.ErrInvalidDepth.Error())
		return
	}

	srcRes, err := s.store.GetItem(ctx, targets.src)
	if err != nil {
		sublog.Error().Err(err).Msg("error statting source")
		writeError(w, r, statusForError(err), "error statting source")
		return
	}
	if srcRes == nil {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if !s.locks.Validate(targets.src, ifTokens(r)) {
		writeError(w, r, http.StatusLocked, "the resource is locked")
		return
	}

	successCode, ok := s.clearDestination(w, r, targets)
	if !ok {
		return
	}

	srcParentRes, err := s.store.GetItem(ctx, gopath.Dir(targets.src))
	if err != nil {
		sublog.Error().Err(err).Msg("error statting source parent")
		writeError(w, r, statusForError(err), "error statting source parent")
		return
	}
	srcParent, _ := srcParentRes.(*storage.Collection)
	dstParentRes, _ := s.store.GetItem(ctx, gopath.Dir(targets.dst))
	dstParent, _ := dstParentRes.(*storage.Collection)

	if srcParent != nil && dstParent != nil && srcParent.SupportsFastMove(dstParent, gopath.Base(targets.dst), targets.overwrite) {
		status, _, err := srcParent.MoveItem(ctx, gopath.Base(targets.src), dstParent, gopath.Base(targets.dst), targets.overwrite)
		if err != nil {
			sublog.Error().Err(err).Msg("error moving resource")
			writeError(w, r, status, "error moving resource")
			return
		}
		s.locks.ReleaseResource(targets.src)
		w.WriteHeader(successCode)
		return
	}

	// no server-side rename: replicate then delete, best-effort per child
	failed := s.copyTree(ctx, srcRes, targets.dst, true)
	if len(failed) > 0 {
		s.writeMultistatus(w, r, failed)
		return
	}
	if col, ok := srcRes.(*storage.Collection); ok {
		if failed := s.deleteTree(ctx, col, ifTokens(r)); len(failed) > 0 {
			s.writeMultistatus(w, r, failed)
			return
		}
	} else if status, err := s.store.DirectDelete(ctx, targets.src); err != nil {
		sublog.Error().Err(err).Msg("error deleting source after copy")
		writeError(w, r, status, "error deleting source after copy")
		return
	}
	s.locks.ReleaseResource(targets.src)
	w.WriteHeader(successCode)
}
