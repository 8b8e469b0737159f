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

package storage

import (
	"context"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/bluele/gcache"

	"github.com/tboxdav/tboxdav/pkg/appctx"
	"github.com/tboxdav/tboxdav/pkg/tbox"
	"github.com/tboxdav/tboxdav/pkg/upload"
)

const (
	// metadata cache entries are short-lived; the remote is the truth.
	cacheTTL = 2 * time.Second
	// rough per-entry budget used to turn the byte-sized --cachesize option
	// into an entry count.
	cacheEntryCost = 4096
)

// Options configures a Store.
type Options struct {
	// CacheSize is the metadata cache budget in bytes.
	CacheSize int64
	// InfiniteDepth bounds PROPFIND recursion on this mount.
	InfiniteDepth InfiniteDepthMode
	// UploadWorkers is the per-PUT upload concurrency.
	UploadWorkers int
}

// Store adapts the Tbox backend to the item/collection model the handlers
// work with. Stat results are held in a small LRU so that the burst of
// PROPFIND/GET/HEAD a DAV client fires for one user action does not hammer
// the remote.
type Store struct {
	backend  tbox.Backend
	cache    gcache.Cache
	uploads  *upload.Registry
	infDepth InfiniteDepthMode
	workers  int
}

// NewStore returns a store over backend.
func NewStore(backend tbox.Backend, opts Options) *Store {
	entries := int(opts.CacheSize / cacheEntryCost)
	if entries < 256 {
		entries = 256
	}
	workers := opts.UploadWorkers
	if workers <= 0 {
		workers = upload.DefaultWorkers
	}
	return &Store{
		backend:  backend,
		cache:    gcache.New(entries).LRU().Build(),
		uploads:  upload.NewRegistry(backend),
		infDepth: opts.InfiniteDepth,
		workers:  workers,
	}
}

// InfiniteDepthMode returns the PROPFIND recursion policy of this store.
func (s *Store) InfiniteDepthMode() InfiniteDepthMode { return s.infDepth }

func (s *Store) statCached(ctx context.Context, fullPath string) (*tbox.Entry, error) {
	if v, err := s.cache.Get(fullPath); err == nil {
		return v.(*tbox.Entry), nil
	}
	var entry *tbox.Entry
	err := tbox.Retry(ctx, func() error {
		var err error
		entry, err = s.backend.GetItem(ctx, fullPath)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.prime(fullPath, entry)
	return entry, nil
}

func (s *Store) prime(fullPath string, entry *tbox.Entry) {
	if err := s.cache.SetWithExpire(fullPath, entry, cacheTTL); err != nil {
		// gcache only fails on serialization hooks, which we don't use
		return
	}
}

func (s *Store) invalidate(paths ...string) {
	for _, p := range paths {
		s.cache.Remove(p)
	}
}

func (s *Store) toResource(fullPath string, e *tbox.Entry) Resource {
	data := ItemData{
		Name:       path.Base(fullPath),
		FullPath:   fullPath,
		Key:        keyOf(e, fullPath),
		MimeType:   mimeTypeOf(e),
		ETag:       e.ETag,
		Size:       e.Size,
		CreatedAt:  e.CreatedAt,
		ModifiedAt: e.ModifiedAt,
	}
	if e.IsDir {
		data.Size = 0
		return &Collection{Item{ItemData: data, store: s}}
	}
	return &Item{ItemData: data, store: s}
}

// GetItem resolves a normalized path to an item or collection. Missing
// resources yield (nil, nil).
func (s *Store) GetItem(ctx context.Context, fullPath string) (Resource, error) {
	entry, err := s.statCached(ctx, fullPath)
	if err != nil {
		if tbox.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return s.toResource(fullPath, entry), nil
}

// DirectDelete removes the entry at fullPath, collection or not.
func (s *Store) DirectDelete(ctx context.Context, fullPath string) (int, error) {
	err := tbox.Retry(ctx, func() error {
		return s.backend.DeleteItem(ctx, fullPath)
	})
	s.invalidate(fullPath)
	if err != nil {
		return statusFromBackend(err), err
	}
	return http.StatusNoContent, nil
}

// DirectMove renames src to dst on the backend without copying data.
func (s *Store) DirectMove(ctx context.Context, src, dst string, overwrite bool) (int, error) {
	err := tbox.Retry(ctx, func() error {
		return s.backend.MoveItem(ctx, src, dst, overwrite)
	})
	s.invalidate(src, dst)
	if err != nil {
		return statusFromBackend(err), err
	}
	return http.StatusCreated, nil
}

// EnsureDirectoryExists creates fullPath when missing. A same-name entry of
// either type is treated as success; if it is actually a file the conflict
// surfaces on the subsequent upload.
func (s *Store) EnsureDirectoryExists(ctx context.Context, fullPath string) error {
	if fullPath == "/" {
		return nil
	}
	err := tbox.Retry(ctx, func() error {
		return s.backend.CreateDirectory(ctx, fullPath)
	})
	if err != nil && !tbox.IsSameNameExists(err) {
		return err
	}
	s.invalidate(fullPath)
	return nil
}

// GetChild resolves one named entry of the collection.
func (c *Collection) GetChild(ctx context.Context, name string) (Resource, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	return c.store.GetItem(ctx, path.Join(c.FullPath, name))
}

// GetChildren lists the collection in backend order and primes the metadata
// cache for the per-child stats that typically follow.
func (c *Collection) GetChildren(ctx context.Context) ([]Resource, error) {
	var entries []*tbox.Entry
	err := tbox.Retry(ctx, func() error {
		var err error
		entries, err = c.store.backend.ListItems(ctx, c.FullPath)
		return err
	})
	if err != nil {
		return nil, err
	}
	children := make([]Resource, 0, len(entries))
	for _, e := range entries {
		fullPath := path.Join(c.FullPath, e.Name)
		c.store.prime(fullPath, e)
		children = append(children, c.store.toResource(fullPath, e))
	}
	return children, nil
}

// CreateItem resolves the status a PUT of name would produce: 201 for a new
// entry, 204 for an allowed overwrite, 412 when overwriting is denied. The
// object itself materializes through UploadFromStream.
func (c *Collection) CreateItem(ctx context.Context, name string, overwrite bool) (int, *Item, error) {
	if err := validateName(name); err != nil {
		return http.StatusBadRequest, nil, err
	}
	existing, err := c.GetChild(ctx, name)
	if err != nil {
		return statusFromBackend(err), nil, err
	}
	fullPath := path.Join(c.FullPath, name)
	if existing != nil {
		if existing.IsCollection() {
			return http.StatusConflict, nil, nil
		}
		if !overwrite {
			return http.StatusPreconditionFailed, nil, nil
		}
		return http.StatusNoContent, existing.(*Item), nil
	}
	item := &Item{
		ItemData: ItemData{Name: name, FullPath: fullPath, Key: fullPath, MimeType: mimeTypeOf(&tbox.Entry{Name: name})},
		store:    c.store,
	}
	return http.StatusCreated, item, nil
}

// CreateCollection makes a sub-collection.
func (c *Collection) CreateCollection(ctx context.Context, name string, overwrite bool) (int, error) {
	if err := validateName(name); err != nil {
		return http.StatusBadRequest, err
	}
	fullPath := path.Join(c.FullPath, name)
	err := tbox.Retry(ctx, func() error {
		return c.store.backend.CreateDirectory(ctx, fullPath)
	})
	if err != nil {
		if tbox.IsSameNameExists(err) {
			if !overwrite {
				return http.StatusPreconditionFailed, nil
			}
			return http.StatusNoContent, nil
		}
		return statusFromBackend(err), err
	}
	c.store.invalidate(fullPath)
	return http.StatusCreated, nil
}

// DeleteItem removes one named entry of the collection.
func (c *Collection) DeleteItem(ctx context.Context, name string) (int, error) {
	if err := validateName(name); err != nil {
		return http.StatusBadRequest, err
	}
	return c.store.DirectDelete(ctx, path.Join(c.FullPath, name))
}

// MoveItem renames srcName into dest under destName. The fast server-side
// rename is always available on this backend.
func (c *Collection) MoveItem(ctx context.Context, srcName string, dest *Collection, destName string, overwrite bool) (int, Resource, error) {
	if err := validateName(srcName); err != nil {
		return http.StatusBadRequest, nil, err
	}
	if err := validateName(destName); err != nil {
		return http.StatusBadRequest, nil, err
	}
	src := path.Join(c.FullPath, srcName)
	dst := path.Join(dest.FullPath, destName)

	status, err := c.store.DirectMove(ctx, src, dst, overwrite)
	if err != nil {
		return status, nil, err
	}
	moved, err := c.store.GetItem(ctx, dst)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	return status, moved, nil
}

// SupportsFastMove reports whether src and dest share a backend that renames
// without copy. A single-backend gateway always does.
func (c *Collection) SupportsFastMove(dest *Collection, name string, overwrite bool) bool {
	return c.store == dest.store
}

// UploadFromStream streams one object body into the collection through a
// resumable chunked upload session. Interrupted sessions are kept so a
// repeated PUT of the same file resumes.
func (c *Collection) UploadFromStream(ctx context.Context, name string, body io.Reader, length int64) (int, error) {
	log := appctx.GetLogger(ctx)

	status, _, err := c.CreateItem(ctx, name, true)
	if err != nil {
		return status, err
	}
	if status != http.StatusCreated && status != http.StatusNoContent {
		return status, nil
	}

	fullPath := path.Join(c.FullPath, name)
	if err := c.store.EnsureDirectoryExists(ctx, c.FullPath); err != nil {
		return statusFromBackend(err), err
	}

	sess := c.store.uploads.Session(fullPath, length)
	if sess.Resumable() {
		log.Info().Str("path", fullPath).Int("chunks", sess.ChunkCount()).Msg("resuming interrupted upload")
	}
	if err := sess.Run(ctx, body, c.store.workers); err != nil {
		if !sess.Resumable() {
			c.store.uploads.Forget(fullPath)
		}
		c.store.invalidate(fullPath)
		return statusFromBackend(err), err
	}
	c.store.uploads.Forget(fullPath)
	c.store.invalidate(fullPath)
	return status, nil
}

// statusFromBackend maps a backend failure to the outer HTTP status.
func statusFromBackend(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
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
