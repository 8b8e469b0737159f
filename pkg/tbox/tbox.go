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

// Package tbox defines the contract the gateway consumes to talk to the
// remote Tbox object store, together with Client, the concrete HTTP client
// that implements it.
package tbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ChunkSize is the fixed part size of the chunked upload API.
const ChunkSize = 4 * 1024 * 1024

// Result codes returned by the remote service.
const (
	CodeItemNotExist         = "ItemNotExist"
	CodeSameNameExists       = "SameNameDirectoryOrFileExists"
	CodeInvalidConfirmKey    = "InvalidConfirmKey"
	CodePermissionDenied     = "PermissionDenied"
	CodeQuotaExceeded        = "QuotaExceeded"
	CodeServiceUnavailable   = "ServiceUnavailable"
	CodeInternalServiceError = "InternalServiceError"
)

// Error is the discriminated result of a failed backend call.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("tbox: %s (%d): %s", e.Code, e.Status, e.Message)
}

// Transient reports whether the call may succeed when repeated.
func (e *Error) Transient() bool {
	return e.Status >= 500 && e.Code != CodeInternalServiceError || e.Code == CodeServiceUnavailable
}

// asError unwraps err down to the discriminated backend result, if any.
func asError(err error) (*Error, bool) {
	var te *Error
	ok := errors.As(err, &te)
	return te, ok
}

// IsNotFound reports whether err says the remote entry does not exist.
func IsNotFound(err error) bool {
	te, ok := asError(err)
	return ok && te.Code == CodeItemNotExist
}

// IsSameNameExists reports whether err says an entry with the requested name
// is already present, regardless of its type.
func IsSameNameExists(err error) bool {
	te, ok := asError(err)
	return ok && te.Code == CodeSameNameExists
}

// IsPermissionDenied reports whether err is a remote policy rejection.
func IsPermissionDenied(err error) bool {
	te, ok := asError(err)
	return ok && te.Code == CodePermissionDenied
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	te, ok := asError(err)
	return ok && te.Transient()
}

// Entry is the remote metadata of a single object or directory.
type Entry struct {
	Name       string
	Path       string
	ID         string
	MimeType   string
	ETag       string
	Size       int64
	IsDir      bool
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// PartCredential carries the presigned target for one upload part.
type PartCredential struct {
	PartNumber int
	URL        string
	Headers    map[string]string
}

// UploadContext is the state handed out by StartChunkUpload and refreshed by
// RenewChunkUpload. Expiration covers every credential in Parts.
type UploadContext struct {
	ConfirmKey string
	Parts      map[int]PartCredential
	Expiration time.Time
}

// Credentials supplies the authentication material attached to backend calls.
// Implementations renew expired material transparently.
type Credentials interface {
	Token(ctx context.Context) (string, error)
}

// Backend is the remote object store operations the core consumes. All calls
// honour ctx cancellation; failures carry an *Error where the service
// produced a discriminated result.
type Backend interface {
	GetItem(ctx context.Context, path string) (*Entry, error)
	ListItems(ctx context.Context, path string) ([]*Entry, error)
	CreateDirectory(ctx context.Context, path string) error
	DeleteItem(ctx context.Context, path string) error
	MoveItem(ctx context.Context, src, dst string, overwrite bool) error

	// Download streams the object; byteRange is a raw Range header value or
	// empty for the full body. The returned length is the body length.
	Download(ctx context.Context, path, byteRange string) (io.ReadCloser, int64, error)

	StartChunkUpload(ctx context.Context, path string, chunkCount int) (*UploadContext, error)
	RenewChunkUpload(ctx context.Context, confirmKey string, parts []int) (*UploadContext, error)
	UploadChunk(ctx context.Context, part PartCredential, body io.Reader, length int64) error
	ConfirmUpload(ctx context.Context, confirmKey, crc64 string) error
}
