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
	"encoding/xml"
	"io"
	"net/http"
	"strings"

	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/errors"
	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/net"
	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/props"
	"github.com/tboxdav/tboxdav/pkg/appctx"
	"github.com/tboxdav/tboxdav/pkg/lock"
)

// http://www.webdav.org/specs/rfc4918.html#ELEMENT_lockinfo
type lockInfoXML struct {
	XMLName   xml.Name  `xml:"DAV: lockinfo"`
	Exclusive *struct{} `xml:"DAV: lockscope>exclusive"`
	Shared    *struct{} `xml:"DAV: lockscope>shared"`
	Write     *struct{} `xml:"DAV: locktype>write"`
	Owner     ownerXML  `xml:"DAV: owner"`
}

// http://www.webdav.org/specs/rfc4918.html#ELEMENT_owner
type ownerXML struct {
	InnerXML string `xml:",innerxml"`
}

func readLockInfo(r io.Reader) (*lockInfoXML, error) {
	li := &lockInfoXML{}
	if err := xml.NewDecoder(r).Decode(li); err != nil {
		return nil, err
	}
	if li.Exclusive == nil && li.Shared == nil {
		return nil, errors.ErrInvalidLockInfo
	}
	if li.Exclusive != nil && li.Shared != nil {
		return nil, errors.ErrInvalidLockInfo
	}
	if li.Write == nil {
		// write is the only lock type defined
		return nil, errors.ErrUnsupportedLockInfo
	}
	return li, nil
}

func (s *svc) handleLock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	fn, err := s.resolvePath(r.URL.Path)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sublog := appctx.GetLogger(ctx).With().Str("path", fn).Logger()

	if s.locks == nil {
		writeError(w, r, http.StatusPreconditionFailed, "locking is not supported on this share")
		return
	}

	timeouts, err := net.ParseTimeout(r.Header.Get(net.HeaderTimeout))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errors.ErrInvalidTimeout.Error())
		return
	}
	depth, err := net.ParseDepth(r.Header.Get(net.HeaderDepth))
	if err != nil || depth == net.DepthOne {
		// a lock is either on the resource or on the whole subtree
		writeError(w, r, http.StatusBadRequest, errors.ErrInvalidDepth.Error())
		return
	}
	lockDepth := lock.DepthZero
	if depth == net.DepthInfinity {
		lockDepth = lock.DepthInfinity
	}

	res, err := s.store.GetItem(ctx, fn)
	if err != nil {
		sublog.Error().Err(err).Msg("error statting resource")
		writeError(w, r, statusForError(err), "error statting resource")
		return
	}
	// locking an unmapped URL reserves the name, see RFC 4918 section 7.3;
	// the lock then keys on the path until the resource materializes
	key := fn
	if res != nil {
		key = res.Data().Key
	}

	// a known token refreshes instead of creating
	if token := net.ParseIfHeader(r.Header.Get(net.HeaderIf)); token != "" {
		if res == nil {
			// refreshing a lock on a vanished resource cannot succeed
			writeError(w, r, http.StatusPreconditionFailed, "resource does not exist")
			return
		}
		refreshed, err := s.locks.Refresh(fn, token, timeouts)
		if err != nil {
			sublog.Debug().Str("token", token).Msg("refresh for unknown token")
			writeError(w, r, http.StatusPreconditionFailed, "no lock for the supplied token")
			return
		}
		s.writeLockResponse(w, r, *refreshed, "")
		return
	}

	li, err := readLockInfo(r.Body)
	if err != nil {
		sublog.Debug().Err(err).Msg("malformed lockinfo body")
		writeError(w, r, http.StatusBadRequest, errors.ErrInvalidLockInfo.Error())
		return
	}
	scope := lock.ScopeExclusive
	if li.Shared != nil {
		scope = lock.ScopeShared
	}

	created, err := s.locks.Lock(key, fn, scope, li.Owner.InnerXML, lockDepth, timeouts)
	if err != nil {
		sublog.Debug().Err(err).Msg("lock conflict")
		writeError(w, r, http.StatusLocked, "the resource is locked")
		return
	}
	s.writeLockResponse(w, r, *created, created.Token)
}

// writeLockResponse emits the 200 body shared by fresh locks and refreshes.
// The Lock-Token header goes out on fresh locks only.
func (s *svc) writeLockResponse(w http.ResponseWriter, r *http.Request, l lock.Lock, freshToken string) {
	log := appctx.GetLogger(r.Context())

	if freshToken != "" {
		w.Header().Set(net.HeaderLockToken, "<"+freshToken+">")
	}
	w.Header().Set(net.HeaderContentType, `text/xml; charset="utf-8"`)
	w.WriteHeader(http.StatusOK)

	body := `<?xml version="1.0" encoding="utf-8"?><d:prop xmlns:d="DAV:" xmlns:m="urn:schemas-microsoft-com:">` +
		`<d:lockdiscovery>` + props.ActiveLockXML(r.Context(), s.c.Namespace, l) + `</d:lockdiscovery></d:prop>`
	if _, err := w.Write([]byte(body)); err != nil {
		log.Err(err).Msg("error writing response")
	}
}

func (s *svc) handleUnlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	fn, err := s.resolvePath(r.URL.Path)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sublog := appctx.GetLogger(ctx).With().Str("path", fn).Logger()

	token := strings.TrimSpace(r.Header.Get(net.HeaderLockToken))
	token = strings.TrimSuffix(strings.TrimPrefix(token, "<"), ">")
	if token == "" {
		writeError(w, r, http.StatusBadRequest, errors.ErrInvalidLockToken.Error())
		return
	}

	if err := s.locks.Unlock(fn, token); err != nil {
		sublog.Debug().Str("token", token).Msg("unlock for unknown token")
		writeError(w, r, http.StatusConflict, "no lock for the supplied token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
