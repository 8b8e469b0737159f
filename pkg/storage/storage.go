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

// Package storage exposes the remote Tbox object tree as items and
// collections. It is a pure adapter over the backend; the only rule living
// here is entry name validation.
package storage

import (
	"context"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/tboxdav/tboxdav/pkg/errtypes"
	"github.com/tboxdav/tboxdav/pkg/tbox"
)

// CollectionMimeType is emitted for every collection.
const CollectionMimeType = "httpd/unix-directory"

// InfiniteDepthMode controls how a PROPFIND with Depth: infinity is treated.
type InfiniteDepthMode int

// Infinite depth modes.
const (
	InfiniteDepthAllowed InfiniteDepthMode = iota
	InfiniteDepthRejected
	InfiniteDepthAssume0
	InfiniteDepthAssume1
)

// ItemData is the capability set shared by items and collections.
type ItemData struct {
	// Name is the last path segment.
	Name string
	// FullPath is the absolute, normalized storage key.
	FullPath string
	// Key is the stable identity used by the lock manager. It is the backend
	// object id when one exists, otherwise it is derived from FullPath.
	Key string
	// MimeType is never empty; collections carry CollectionMimeType.
	MimeType string
	ETag     string
	// Size is zero for collections.
	Size       int64
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Resource is either an *Item or a *Collection.
type Resource interface {
	Data() *ItemData
	IsCollection() bool
}

// Item is a leaf object.
type Item struct {
	ItemData
	store *Store
}

// Data returns the shared attributes.
func (i *Item) Data() *ItemData { return &i.ItemData }

// IsCollection reports false for items.
func (i *Item) IsCollection() bool { return false }

// Download streams the item body. byteRange is a raw Range header value or
// empty for the whole object.
func (i *Item) Download(ctx context.Context, byteRange string) (io.ReadCloser, int64, error) {
	return i.store.backend.Download(ctx, i.FullPath, byteRange)
}

// Collection is a directory of items and sub-collections.
type Collection struct {
	Item
}

// IsCollection reports true for collections.
func (c *Collection) IsCollection() bool { return true }

// NormalizePath canonicalizes a request path into a storage key: Unicode
// NFC, a single leading slash, no trailing slash except on the root and no
// dot segments.
func NormalizePath(p string) (string, error) {
	if strings.ContainsRune(p, '\x00') {
		return "", errtypes.BadRequest("path contains NUL")
	}
	p = norm.NFC.String(p)
	p = path.Clean("/" + p)
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." || seg == "." {
			return "", errtypes.BadRequest("path contains dot segment")
		}
	}
	return p, nil
}

// validateName rejects names that cannot be a single path segment.
func validateName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return errtypes.BadRequest("invalid name: " + name)
	case strings.ContainsAny(name, "/\x00"):
		return errtypes.BadRequest("name contains reserved characters")
	}
	return nil
}

// mimeTypeOf never returns the empty string.
func mimeTypeOf(e *tbox.Entry) string {
	if e.IsDir {
		return CollectionMimeType
	}
	if e.MimeType != "" {
		return e.MimeType
	}
	if t := mime.TypeByExtension(path.Ext(e.Name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// keyOf prefers the stable backend id over the path-derived identity.
func keyOf(e *tbox.Entry, fullPath string) string {
	if e.ID != "" {
		return e.ID
	}
	return fullPath
}
