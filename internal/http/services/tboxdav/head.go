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
	"strconv"

	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/net"
	"github.com/tboxdav/tboxdav/pkg/appctx"
	"github.com/tboxdav/tboxdav/pkg/storage"
)

// handleHead answers like handleGet without a body. Failures stay body-less
// too, a HEAD response must not carry one.
func (s *svc) handleHead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	fn, err := s.resolvePath(r.URL.Path)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	sublog := appctx.GetLogger(ctx).With().Str("path", fn).Logger()

	res, err := s.store.GetItem(ctx, fn)
	if err != nil {
		sublog.Error().Err(err).Msg("error statting resource")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if res == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	item, ok := res.(*storage.Item)
	if !ok {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	writeItemHeaders(w, item)
	w.Header().Set(net.HeaderContentLength, strconv.FormatInt(item.Size, 10))
	w.WriteHeader(http.StatusOK)
}
