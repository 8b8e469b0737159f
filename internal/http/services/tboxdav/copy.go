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
	gopath "path"

	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/errors"
	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/net"
	"github.com/tboxdav/tboxdav/pkg/appctx"
	"github.com/tboxdav/tboxdav/pkg/storage"
)

// copyMoveTargets is the decoded source/destination pair of a COPY or MOVE.
type copyMoveTargets struct {
	src       string
	dst       string
	overwrite bool
}

// readCopyMoveTargets decodes the Destination and Overwrite headers against
// the request URL. A zero status means success.
func (s *svc) readCopyMoveTargets(r *http.Request) (copyMoveTargets, int) {
	ctx := r.Context()
	log := appctx.GetLogger(ctx)

	src, err := s.resolvePath(r.URL.Path)
	if err != nil {
		return copyMoveTargets{}, http.StatusBadRequest
	}

	baseURI, _ := ctx.Value(net.CtxKeyBaseURI).(string)
	dstPath, err := net.ParseDestination(r.Header.Get(net.HeaderDestination), baseURI)
	if err != nil {
		log.Debug().Err(err).Msg("invalid destination header")
		return copyMoveTargets{}, http.StatusBadRequest
	}
	dst, err := s.resolvePath(dstPath)
	if err != nil {
		return copyMoveTargets{}, http.StatusBadRequest
	}

	overwrite, err := net.ParseOverwrite(r.Header.Get(net.HeaderOverwrite))
	if err != nil {
		log.Debug().Err(err).Msg("invalid overwrite header")
		return copyMoveTargets{}, http.StatusBadRequest
	}

	if src == dst || isUnderneath(src, dst) {
		// a resource cannot be copied or moved into itself
		return copyMoveTargets{}, http.StatusBadRequest
	}
	return copyMoveTargets{src: src, dst: dst, overwrite: overwrite}, 0
}

func isUnderneath(ancestor, p string) bool {
	if ancestor == "/" {
		return p != "/"
	}
	return len(p) > len(ancestor) && p[:len(ancestor)] == ancestor && p[len(ancestor)] == '/'
}

func (s *svc) handleCopy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	targets, errStatus := s.readCopyMoveTargets(r)
	if errStatus != 0 {
		writeError(w, r, errStatus, "invalid copy request")
		return
	}
	sublog := appctx.GetLogger(ctx).With().Str("src", targets.src).Str("dst", targets.dst).Logger()

	depth, err := net.ParseDepth(r.Header.Get(net.HeaderDepth))
	if err != nil || depth == net.DepthOne {
		// COPY knows only 0 and infinity
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

	successCode, ok := s.clearDestination(w, r, targets)
	if !ok {
		return
	}

	failed := s.copyTree(ctx, srcRes, targets.dst, depth == net.DepthInfinity)
	if len(failed) > 0 {
		s.writeMultistatus(w, r, failed)
		return
	}
	w.WriteHeader(successCode)
}

// clearDestination enforces the Overwrite contract shared by COPY and MOVE:
// an existing destination is deleted first when overwriting is allowed. It
// returns the success code of the whole operation and whether to continue.
func (s *svc) clearDestination(w http.ResponseWriter, r *http.Request, targets copyMoveTargets) (int, bool) {
	ctx := r.Context()
	log := appctx.GetLogger(ctx)

	if !s.locks.Validate(targets.dst, ifTokens(r)) {
		writeError(w, r, http.StatusLocked, "the destination is locked")
		return 0, false
	}

	dstRes, err := s.store.GetItem(ctx, targets.dst)
	if err != nil {
		log.Error().Err(err).Msg("error statting destination")
		writeError(w, r, statusForError(err), "error statting destination")
		return 0, false
	}
	if dstRes != nil {
		if !targets.overwrite {
			// see https://tools.ietf.org/html/rfc4918#section-9.8.5
			writeError(w, r, http.StatusPreconditionFailed, "the destination exists and overwriting is disallowed")
			return 0, false
		}
		if _, err := s.store.DirectDelete(ctx, targets.dst); err != nil {
			log.Error().Err(err).Msg("error clearing destination")
			writeError(w, r, statusForError(err), "error clearing destination")
			return 0, false
		}
		s.locks.ReleaseResource(targets.dst)
		return http.StatusNoContent, true
	}

	// a new resource needs its parent in place
	parentRes, err := s.store.GetItem(ctx, gopath.Dir(targets.dst))
	if err != nil {
		log.Error().Err(err).Msg("error statting destination parent")
		writeError(w, r, statusForError(err), "error statting destination parent")
		return 0, false
	}
	if parentRes == nil || !parentRes.IsCollection() {
		writeError(w, r, http.StatusConflict, "destination parent does not exist")
		return 0, false
	}
	return http.StatusCreated, true
}

// copyTree replicates src at dst, best-effort per child. The returned
// responses describe the failures only.
func (s *svc) copyTree(ctx context.Context, src storage.Resource, dst string, recurse bool) []*responseXML {
	log := appctx.GetLogger(ctx)

	col, isCol := src.(*storage.Collection)
	if !isCol {
		if status, err := s.copyItem(ctx, src.(*storage.Item), dst); err != nil {
			log.Debug().Err(err).Str("dst", dst).Msg("item copy failed")
			return []*responseXML{s.failurePathResponse(ctx, dst, false, status)}
		}
		return nil
	}

	if err := s.store.EnsureDirectoryExists(ctx, dst); err != nil {
		return []*responseXML{s.failurePathResponse(ctx, dst, true, statusForError(err))}
	}
	if !recurse {
		return nil
	}

	children, err := col.GetChildren(ctx)
	if err != nil {
		return []*responseXML{s.failurePathResponse(ctx, dst, true, statusForError(err))}
	}
	var failed []*responseXML
	for _, child := range children {
		failed = append(failed, s.copyTree(ctx, child, gopath.Join(dst, child.Data().Name), recurse)...)
	}
	return failed
}

// copyItem streams one object from source to destination through the
// gateway; the backend offers no server-side copy.
func (s *svc) copyItem(ctx context.Context, item *storage.Item, dst string) (int, error) {
	body, _, err := item.Download(ctx, "")
	if err != nil {
		return statusForError(err), err
	}
	defer body.Close()

	parentRes, err := s.store.GetItem(ctx, gopath.Dir(dst))
	if err != nil {
		return statusForError(err), err
	}
	parent, ok := parentRes.(*storage.Collection)
	if parentRes == nil || !ok {
		return http.StatusConflict, errConflict
	}
	return parent.UploadFromStream(ctx, gopath.Base(dst), body, item.Size)
}

// failurePathResponse is failureResponse for a path with no resource handle.
func (s *svc) failurePathResponse(ctx context.Context, fullPath string, isCol bool, status int) *responseXML {
	return &responseXML{
		Href:   s.hrefFor(ctx, fullPath, isCol),
		Status: statusLine(status),
	}
}
