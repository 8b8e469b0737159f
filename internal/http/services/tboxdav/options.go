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
	"strings"

	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/net"
)

func (s *svc) handleOptions(w http.ResponseWriter, r *http.Request) {
	allow := []string{
		http.MethodOptions, http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete,
		net.MethodPropfind, net.MethodProppatch, net.MethodMkcol,
		net.MethodCopy, net.MethodMove, net.MethodLock, net.MethodUnlock,
	}

	w.Header().Set(net.HeaderContentType, `text/xml; charset="utf-8"`)
	w.Header().Set(net.HeaderAllow, strings.Join(allow, ", "))
	w.Header().Set(net.HeaderDav, "1, 2")
	w.Header().Set(net.HeaderMSAuthorVia, "DAV")
	w.WriteHeader(http.StatusOK)
}
