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
	"context"
	"net/http"

	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/errors"
	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/net"
	"github.com/tboxdav/tboxdav/pkg/appctx"
	"github.com/tboxdav/tboxdav/pkg/storage"
)

func (s *svc) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	fn, err := s.resolvePath(r.URL.Path)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sublog := appctx.GetLogger(ctx).With().Str("path", fn).Logger()

	depth, err := net.ParseDepth(r.Header.Get(net.HeaderDepth))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errors.ErrInvalidDepth.Error())
		return
	}

	res, err := s.store.GetItem(ctx, fn)
	if err != nil {
		sublog.Error().Err(err).Msg("error statting resource")
		writeError(w, r, statusForError(err), "error statting resource")
		return
	}
	if res == nil {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if !s.locks.Validate(fn, ifTokens(r)) {
		writeError(w, r, http.StatusLocked, "the resource is locked")
		return
	}

	col, isCol := res.(*storage.Collection)
	if isCol {
		// RFC 4918: DELETE on a collection acts as Depth: infinity only
		if depth != net.DepthInfinity {
			writeError(w, r, http.StatusForbidden, "collections are deleted with infinite depth only")
			return
		}
		failed := s.deleteTree(ctx, col, ifTokens(r))
		if len(failed) > 0 {
			s.writeMultistatus(w, r, failed)
			return
		}
		s.locks.ReleaseResource(fn)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	status, err := s.store.DirectDelete(ctx, fn)
	if err != nil {
		sublog.Error().Err(err).Msg("error deleting resource")
		writeError(w, r, status, "error deleting resource")
		return
	}
	s.locks.ReleaseResource(fn)
	w.WriteHeader(http.StatusNoContent)
}

// deleteTree removes col and everything below it, best-effort per child.
// Children go first; a collection whose member survived is left in place.
// The returned responses describe only the failures, ready for a 207 body.
func (s *svc) deleteTree(ctx context.Context, col *storage.Collection, tokens []string) []*responseXML {
	log := appctx.GetLogger(ctx)

	children, err := col.GetChildren(ctx)
	if err != nil {
		return []*responseXML{s.failureResponse(ctx, col, statusForError(err))}
	}

	var failed []*responseXML
	blocked := false
	for _, child := range children {
		if sub, ok := child.(*storage.Collection); ok {
			subFailed := s.deleteTree(ctx, sub, tokens)
			if len(subFailed) > 0 {
				failed = append(failed, subFailed...)
				blocked = true
			}
			continue
		}
		childPath := child.Data().FullPath
		if !s.locks.Validate(childPath, tokens) {
			failed = append(failed, s.failureResponse(ctx, child, http.StatusLocked))
			blocked = true
			continue
		}
		if status, err := s.store.DirectDelete(ctx, childPath); err != nil {
			log.Debug().Err(err).Str("path", childPath).Msg("child delete failed")
			failed = append(failed, s.failureResponse(ctx, child, status))
			blocked = true
			continue
		}
		s.locks.ReleaseResource(childPath)
	}

	if blocked {
		return failed
	}
	if status, err := s.store.DirectDelete(ctx, col.FullPath); err != nil {
		log.Debug().Err(err).Str("path", col.FullPath).Msg("collection delete failed")
		return append(failed, s.failureResponse(ctx, col, status))
	}
	s.locks.ReleaseResource(col.FullPath)
	return failed
}

// failureResponse is a multistatus entry carrying only href and status.
func (s *svc) failureResponse(ctx context.Context, res storage.Resource, status int) *responseXML {
	return &responseXML{
		Href:   s.hrefFor(ctx, res.Data().FullPath, res.IsCollection()),
		Status: statusLine(status),
	}
}
