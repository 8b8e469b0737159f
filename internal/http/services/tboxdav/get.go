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
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/net"
	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/props"
	"github.com/tboxdav/tboxdav/pkg/appctx"
	"github.com/tboxdav/tboxdav/pkg/storage"
)

func (s *svc) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	fn, err := s.resolvePath(r.URL.Path)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sublog := appctx.GetLogger(ctx).With().Str("path", fn).Logger()

	res, err := s.store.GetItem(ctx, fn)
	if err != nil {
		sublog.Error().Err(err).Msg("error statting resource")
		writeError(w, r, http.StatusInternalServerError, "error statting resource")
		return
	}
	if res == nil {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	item, ok := res.(*storage.Item)
	if !ok {
		// no directory listing is produced
		writeError(w, r, http.StatusForbidden, "downloading a collection is not allowed")
		return
	}

	br, ranged, err := net.ParseRange(r.Header.Get(net.HeaderRange), item.Size)
	if err != nil {
		w.Header().Set(net.HeaderContentRange, fmt.Sprintf("bytes */%d", item.Size))
		writeError(w, r, http.StatusRequestedRangeNotSatisfiable, "requested range is not satisfiable")
		return
	}

	byteRange := ""
	if ranged {
		byteRange = fmt.Sprintf("bytes=%d-%d", br.Start, br.Start+br.Length-1)
	}
	body, length, err := item.Download(ctx, byteRange)
	if err != nil {
		sublog.Error().Err(err).Msg("error initiating download")
		writeError(w, r, statusForError(err), "error downloading file")
		return
	}
	defer body.Close()

	writeItemHeaders(w, item)
	if ranged {
		w.Header().Set(net.HeaderContentRange, fmt.Sprintf("bytes %d-%d/%d", br.Start, br.Start+br.Length-1, item.Size))
		w.Header().Set(net.HeaderContentLength, strconv.FormatInt(br.Length, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set(net.HeaderContentLength, strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusOK)
	}
	if _, err := io.Copy(w, body); err != nil {
		sublog.Error().Err(err).Msg("error copying data to response")
	}
}

func writeItemHeaders(w http.ResponseWriter, item *storage.Item) {
	w.Header().Set(net.HeaderContentType, item.MimeType)
	w.Header().Set(net.HeaderAcceptRanges, "bytes")
	w.Header().Set(net.HeaderLastModified, props.FormatRFC1123(item.ModifiedAt))
	if item.ETag != "" {
		w.Header().Set(net.HeaderETag, item.ETag)
	}
}
