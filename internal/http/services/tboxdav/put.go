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
	"os"
	gopath "path"
	"strconv"

	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/net"
	"github.com/tboxdav/tboxdav/pkg/appctx"
	"github.com/tboxdav/tboxdav/pkg/storage"
)

func sufferMacOSFinder(r *http.Request) bool {
	return r.Header.Get(net.HeaderExpectedEntityLength) != ""
}

func handleMacOSFinder(w http.ResponseWriter, r *http.Request) error {
	/*
	   Many webservers will not cooperate well with Finder PUT requests,
	   because it uses 'Chunked' transfer encoding for the request body.
	   The symptom of this problem is that Finder sends files to the
	   server, but they arrive as 0-length files.
	   If we don't do anything, the user might think they are uploading
	   files successfully, but they end up empty on the server.
	   The reason Finder uses Chunked, is because it thinks the files
	   might change as it's being uploaded, and therefore the
	   Content-Length can vary.
	   Instead it sends the X-Expected-Entity-Length header with the size
	   of the file at the very start of the request. When this header is
	   set we take the request length from it; a value that does not parse
	   as an integer fails the request with 400.
	*/
	log := appctx.GetLogger(r.Context())
	content := r.Header.Get(net.HeaderContentLength)
	expected := r.Header.Get(net.HeaderExpectedEntityLength)
	log.Warn().Str("content-length", content).Str("x-expected-entity-length", expected).Msg("Mac OS Finder corner-case detected")

	expectedInt, err := strconv.ParseInt(expected, 10, 64)
	if err != nil {
		log.Error().Err(err).Msg("error parsing expected length")
		writeError(w, r, http.StatusBadRequest, "invalid X-Expected-Entity-Length header")
		return err
	}
	r.ContentLength = expectedInt
	return nil
}

func isContentRange(r *http.Request) bool {
	/*
	   Content-Range is dangerous for PUT requests: PUT per definition
	   stores a full resource. draft-ietf-httpbis-p2-semantics-15 says in
	   section 7.6: an origin server SHOULD reject any PUT request that
	   contains a Content-Range header field. A PUT with Content-Range is
	   currently the only way some clients continue an aborted upload,
	   which results in unexpected behaviour, so we reject them all.
	*/
	return r.Header.Get(net.HeaderContentRange) != ""
}

func (s *svc) handlePut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	fn, err := s.resolvePath(r.URL.Path)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sublog := appctx.GetLogger(ctx).With().Str("path", fn).Logger()

	if r.Body == nil {
		sublog.Warn().Msg("body is nil")
		writeError(w, r, http.StatusBadRequest, "missing request body")
		return
	}
	if isContentRange(r) {
		sublog.Warn().Msg("Content-Range not supported for PUT")
		writeError(w, r, http.StatusNotImplemented, "Content-Range is not allowed on PUT")
		return
	}
	if sufferMacOSFinder(r) {
		if err := handleMacOSFinder(w, r); err != nil {
			return
		}
	}

	if !s.locks.Validate(fn, ifTokens(r)) {
		writeError(w, r, http.StatusLocked, "the resource is locked")
		return
	}

	parent, name := gopath.Split(fn)
	parentPath := gopath.Clean(parent)
	parentRes, err := s.store.GetItem(ctx, parentPath)
	if err != nil {
		sublog.Error().Err(err).Msg("error statting parent")
		writeError(w, r, statusForError(err), "error statting parent collection")
		return
	}
	col, ok := parentRes.(*storage.Collection)
	if parentRes == nil || !ok {
		writeError(w, r, http.StatusConflict, "parent collection does not exist")
		return
	}

	// If-Match lets clients guard against concurrent modification
	if clientETag := r.Header.Get(net.HeaderIfMatch); clientETag != "" {
		existing, err := col.GetChild(ctx, name)
		if err != nil {
			writeError(w, r, statusForError(err), "error statting resource")
			return
		}
		if existing == nil || existing.Data().ETag != clientETag {
			writeError(w, r, http.StatusPreconditionFailed, "etags do not match")
			return
		}
	}

	body := io.Reader(r.Body)
	length := r.ContentLength
	if length < 0 {
		// chunked transfer encoding: the chunk count needs the total size
		// up front, so spool the body first
		spooled, n, err := spoolBody(r.Body)
		if err != nil {
			sublog.Error().Err(err).Msg("error spooling request body")
			writeError(w, r, http.StatusInternalServerError, "error spooling request body")
			return
		}
		defer spooled.Close()
		body, length = spooled, n
	}

	status, err := col.UploadFromStream(ctx, name, body, length)
	if err != nil {
		sublog.Error().Err(err).Msg("upload failed")
		writeError(w, r, status, "upload failed")
		return
	}
	if status != http.StatusCreated && status != http.StatusNoContent {
		writeError(w, r, status, "cannot replace the existing resource")
		return
	}

	if uploaded, err := col.GetChild(ctx, name); err == nil && uploaded != nil {
		if item, ok := uploaded.(*storage.Item); ok {
			writeItemHeaders(w, item)
		}
	}
	w.WriteHeader(status)
}

type spooledBody struct {
	*os.File
}

func (s *spooledBody) Close() error {
	name := s.File.Name()
	err := s.File.Close()
	os.Remove(name) // nolint:errcheck
	return err
}

// spoolBody drains r into a temp file and returns it positioned at the
// start, together with the total length.
func spoolBody(r io.Reader) (io.ReadCloser, int64, error) {
	f, err := os.CreateTemp("", "tboxdav-put-*")
	if err != nil {
		return nil, 0, err
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()           // nolint:errcheck
		os.Remove(f.Name()) // nolint:errcheck
		return nil, 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()           // nolint:errcheck
		os.Remove(f.Name()) // nolint:errcheck
		return nil, 0, err
	}
	return &spooledBody{f}, n, nil
}
