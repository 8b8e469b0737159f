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

	"github.com/pkg/errors"

	daverrors "github.com/tboxdav/tboxdav/internal/http/services/tboxdav/errors"
	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/net"
	"github.com/tboxdav/tboxdav/pkg/appctx"
	"github.com/tboxdav/tboxdav/pkg/errtypes"
	"github.com/tboxdav/tboxdav/pkg/tbox"
)

var errConflict = errtypes.Conflict("destination parent missing")

// writeError emits a failure status with the DAV error body. HEAD responses
// and the dispatcher's panic barrier stay body-less; everything else goes
// through here so clients get the d:error element they parse.
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	log := appctx.GetLogger(r.Context())
	b, err := daverrors.Marshal(message)
	w.Header().Set(net.HeaderContentType, `text/xml; charset="utf-8"`)
	w.WriteHeader(status)
	daverrors.HandleWebdavError(log, w, b, err)
}

// statusForError maps the error taxonomy to the outer HTTP status. Property
// and per-child failures never reach this; they are encapsulated in 207
// bodies by their handlers.
func statusForError(err error) int {
	switch errors.Cause(err).(type) {
	case errtypes.IsNotFound:
		return http.StatusNotFound
	case errtypes.IsAlreadyExists, errtypes.IsConflict:
		return http.StatusConflict
	case errtypes.IsPreconditionFailed:
		return http.StatusPreconditionFailed
	case errtypes.IsLocked:
		return http.StatusLocked
	case errtypes.IsPermissionDenied:
		return http.StatusForbidden
	case errtypes.IsBadRequest:
		return http.StatusBadRequest
	case errtypes.IsNotSupported:
		return http.StatusNotImplemented
	}

	switch {
	case tbox.IsNotFound(err):
		return http.StatusNotFound
	case tbox.IsSameNameExists(err):
		return http.StatusConflict
	case tbox.IsPermissionDenied(err):
		return http.StatusForbidden
	case tbox.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
