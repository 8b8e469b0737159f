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

// Package tboxtest provides an in-memory Backend for tests. It implements
// the full chunked upload handshake and offers failure hooks so protocol
// recovery paths can be exercised deterministically.
package tboxtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	gopath "path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tboxdav/tboxdav/pkg/tbox"
)

type pendingUpload struct {
	path       string
	chunkCount int
	parts      map[int][]byte
}

// Fake is an in-memory Tbox backend.
type Fake struct {
	mu      sync.Mutex
	entries map[string]*tbox.Entry
	content map[string][]byte

	uploads   map[string]*pendingUpload
	uploadSeq int

	// UploadExpiry is the credential lifetime handed out by start/renew.
	UploadExpiry time.Duration
	// FailParts serves that many transient failures per part before
	// accepting it.
	FailParts map[int]int
	// DeleteErr fails DeleteItem for specific paths.
	DeleteErr map[string]error
	// StartErr fails the next StartChunkUpload calls.
	StartErr error

	// Renewals counts RenewChunkUpload calls.
	Renewals int
}

// NewFake returns a fake with an empty root collection.
func NewFake() *Fake {
	f := &Fake{
		entries:      make(map[string]*tbox.Entry),
		content:      make(map[string][]byte),
		uploads:      make(map[string]*pendingUpload),
		UploadExpiry: time.Hour,
		FailParts:    make(map[int]int),
		DeleteErr:    make(map[string]error),
	}
	f.entries["/"] = &tbox.Entry{Name: "/", Path: "/", IsDir: true, ModifiedAt: time.Unix(1700000000, 0)}
	return f
}

func notFound(path string) error {
	return &tbox.Error{Code: tbox.CodeItemNotExist, Message: path, Status: http.StatusNotFound}
}

func transient(msg string) error {
	return &tbox.Error{Code: tbox.CodeServiceUnavailable, Message: msg, Status: http.StatusServiceUnavailable}
}

// AddDir creates a directory entry, parents included.
func (f *Fake) AddDir(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addDirLocked(path)
}

func (f *Fake) addDirLocked(path string) {
	for p := path; p != "/"; p = gopath.Dir(p) {
		if _, ok := f.entries[p]; !ok {
			f.entries[p] = &tbox.Entry{
				Name: gopath.Base(p), Path: p, IsDir: true,
				ModifiedAt: time.Unix(1700000000, 0), CreatedAt: time.Unix(1700000000, 0),
			}
		}
	}
}

// AddFile creates a file entry with content, parents included.
func (f *Fake) AddFile(path string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addDirLocked(gopath.Dir(path))
	f.entries[path] = &tbox.Entry{
		Name:       gopath.Base(path),
		Path:       path,
		ID:         "id-" + path,
		ETag:       fmt.Sprintf("\"etag-%d\"", len(content)),
		Size:       int64(len(content)),
		CreatedAt:  time.Unix(1700000000, 0),
		ModifiedAt: time.Unix(1700000000, 0),
	}
	f.content[path] = append([]byte(nil), content...)
}

// Content returns the stored bytes of path.
func (f *Fake) Content(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.content[path]
	return c, ok
}

// Exists reports whether an entry is present.
func (f *Fake) Exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[path]
	return ok
}

// GetItem implements tbox.Backend.
func (f *Fake) GetItem(_ context.Context, path string) (*tbox.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[path]
	if !ok {
		return nil, notFound(path)
	}
	cp := *e
	return &cp, nil
}

// ListItems implements tbox.Backend.
func (f *Fake) ListItems(_ context.Context, path string) ([]*tbox.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parent, ok := f.entries[path]
	if !ok || !parent.IsDir {
		return nil, notFound(path)
	}
	var out []*tbox.Entry
	for p, e := range f.entries {
		if p != "/" && gopath.Dir(p) == path {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateDirectory implements tbox.Backend.
func (f *Fake) CreateDirectory(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[path]; ok {
		return &tbox.Error{Code: tbox.CodeSameNameExists, Message: path, Status: http.StatusConflict}
	}
	if _, ok := f.entries[gopath.Dir(path)]; !ok {
		return notFound(gopath.Dir(path))
	}
	f.addDirLocked(path)
	return nil
}

// DeleteItem implements tbox.Backend.
func (f *Fake) DeleteItem(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.DeleteErr[path]; ok {
		return err
	}
	if _, ok := f.entries[path]; !ok {
		return notFound(path)
	}
	for p := range f.entries {
		if p == path || strings.HasPrefix(p, path+"/") {
			delete(f.entries, p)
			delete(f.content, p)
		}
	}
	return nil
}

// MoveItem implements tbox.Backend.
func (f *Fake) MoveItem(_ context.Context, src, dst string, overwrite bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[src]; !ok {
		return notFound(src)
	}
	if _, ok := f.entries[dst]; ok && !overwrite {
		return &tbox.Error{Code: tbox.CodeSameNameExists, Message: dst, Status: http.StatusConflict}
	}
	moved := map[string]*tbox.Entry{}
	movedContent := map[string][]byte{}
	for p, e := range f.entries {
		if p == src || strings.HasPrefix(p, src+"/") {
			np := dst + strings.TrimPrefix(p, src)
			cp := *e
			cp.Path = np
			cp.Name = gopath.Base(np)
			moved[np] = &cp
			if c, ok := f.content[p]; ok {
				movedContent[np] = c
			}
			delete(f.entries, p)
			delete(f.content, p)
		}
	}
	for p, e := range moved {
		f.entries[p] = e
	}
	for p, c := range movedContent {
		f.content[p] = c
	}
	return nil
}

// Download implements tbox.Backend.
func (f *Fake) Download(_ context.Context, path, byteRange string) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.content[path]
	if !ok {
		return nil, 0, notFound(path)
	}
	if byteRange != "" {
		var start, end int64
		if _, err := fmt.Sscanf(byteRange, "bytes=%d-%d", &start, &end); err == nil && start >= 0 && end < int64(len(c)) {
			c = c[start : end+1]
		}
	}
	return io.NopCloser(bytes.NewReader(c)), int64(len(c)), nil
}

func (f *Fake) freshContext(u *pendingUpload, key string, nums []int) *tbox.UploadContext {
	uctx := &tbox.UploadContext{
		ConfirmKey: key,
		Expiration: time.Now().Add(f.UploadExpiry),
		Parts:      make(map[int]tbox.PartCredential),
	}
	for _, n := range nums {
		uctx.Parts[n] = tbox.PartCredential{
			PartNumber: n,
			URL:        fmt.Sprintf("mem://%s#%d", u.path, n),
			Headers:    map[string]string{"x-part": fmt.Sprint(n)},
		}
	}
	return uctx
}

// StartChunkUpload implements tbox.Backend.
func (f *Fake) StartChunkUpload(_ context.Context, path string, chunkCount int) (*tbox.UploadContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		err := f.StartErr
		return nil, err
	}
	f.uploadSeq++
	key := fmt.Sprintf("ck-%d", f.uploadSeq)
	u := &pendingUpload{path: path, chunkCount: chunkCount, parts: make(map[int][]byte)}
	f.uploads[key] = u
	nums := make([]int, 0, chunkCount)
	for i := 1; i <= chunkCount; i++ {
		nums = append(nums, i)
	}
	return f.freshContext(u, key, nums), nil
}

// RenewChunkUpload implements tbox.Backend.
func (f *Fake) RenewChunkUpload(_ context.Context, confirmKey string, parts []int) (*tbox.UploadContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[confirmKey]
	if !ok {
		return nil, &tbox.Error{Code: tbox.CodeInvalidConfirmKey, Message: confirmKey, Status: http.StatusBadRequest}
	}
	f.Renewals++
	return f.freshContext(u, confirmKey, parts), nil
}

// UploadChunk implements tbox.Backend.
func (f *Fake) UploadChunk(_ context.Context, part tbox.PartCredential, body io.Reader, length int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if remaining := f.FailParts[part.PartNumber]; remaining > 0 {
		f.FailParts[part.PartNumber] = remaining - 1
		return transient(fmt.Sprintf("part %d unavailable", part.PartNumber))
	}
	var path string
	var num int
	if _, err := fmt.Sscanf(part.URL, "mem://%s", &path); err != nil {
		return transient("bad part url")
	}
	if i := strings.LastIndex(path, "#"); i >= 0 {
		fmt.Sscanf(path[i+1:], "%d", &num) // nolint:errcheck
		path = path[:i]
	}
	for _, u := range f.uploads {
		if u.path == path {
			u.parts[num] = data
			return nil
		}
	}
	return transient("no upload session for " + path)
}

// ConfirmUpload implements tbox.Backend. It refuses to seal an upload with
// missing parts and materializes the entry on success.
func (f *Fake) ConfirmUpload(_ context.Context, confirmKey, crc64 string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[confirmKey]
	if !ok {
		return &tbox.Error{Code: tbox.CodeInvalidConfirmKey, Message: confirmKey, Status: http.StatusBadRequest}
	}
	var content []byte
	for i := 1; i <= u.chunkCount; i++ {
		part, ok := u.parts[i]
		if !ok {
			return &tbox.Error{Code: tbox.CodeInternalServiceError, Message: fmt.Sprintf("part %d missing", i), Status: http.StatusInternalServerError}
		}
		content = append(content, part...)
	}
	delete(f.uploads, confirmKey)
	f.addDirLocked(gopath.Dir(u.path))
	f.entries[u.path] = &tbox.Entry{
		Name:       gopath.Base(u.path),
		Path:       u.path,
		ID:         "id-" + u.path,
		ETag:       fmt.Sprintf("\"etag-%d\"", len(content)),
		Size:       int64(len(content)),
		CreatedAt:  time.Now(),
		ModifiedAt: time.Now(),
	}
	f.content[u.path] = content
	return nil
}

var _ tbox.Backend = (*Fake)(nil)
