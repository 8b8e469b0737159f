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

package tboxdav_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav"
	"github.com/tboxdav/tboxdav/pkg/lock"
	"github.com/tboxdav/tboxdav/pkg/storage"
	"github.com/tboxdav/tboxdav/pkg/tbox/tboxtest"
)

func newTestService(conf *tboxdav.Config) (*tboxtest.Fake, *lock.Manager, http.Handler) {
	fake := tboxtest.NewFake()
	store := storage.NewStore(fake, storage.Options{CacheSize: 16 << 20})
	locks := lock.NewManager()
	return fake, locks, tboxdav.New(conf, store, locks)
}

// hideLength keeps httptest from learning the body size, mimicking chunked
// transfer encoding.
type hideLength struct {
	io.Reader
}

func doRequestChunked(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, hideLength{strings.NewReader(body)})
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func doRequest(h http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const propfindNamesBody = `<?xml version="1.0" encoding="utf-8"?>` +
	`<d:propfind xmlns:d="DAV:"><d:prop><d:displayname/><d:getcontentlength/></d:prop></d:propfind>`

// a Depth: 0 propfind on a collection yields exactly one response whose
// href is the request path with a trailing slash
func TestPropfindDepthZeroOnCollection(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddDir("/docs")

	w := doRequest(h, "PROPFIND", "/docs/", propfindNamesBody, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusMultiStatus, w.Code)
	assert.Equal(t, `text/xml; charset="utf-8"`, w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Equal(t, 1, strings.Count(body, "<d:response>"))
	assert.Contains(t, body, "<d:href>/docs/</d:href>")
	assert.Contains(t, body, "<d:displayname>docs</d:displayname>")

	// the collection has no content length: 404 propstat with an empty element
	assert.Contains(t, body, "HTTP/1.1 404 Not Found")
	assert.Contains(t, body, "<d:getcontentlength></d:getcontentlength>")
}

func TestPropfindDepthOne(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/docs/a.txt", []byte("hello"))
	fake.AddFile("/docs/b.txt", []byte("world!"))

	w := doRequest(h, "PROPFIND", "/docs/", propfindNamesBody, map[string]string{"Depth": "1"})
	require.Equal(t, http.StatusMultiStatus, w.Code)

	body := w.Body.String()
	assert.Equal(t, 3, strings.Count(body, "<d:response>"))
	assert.Contains(t, body, "<d:href>/docs/a.txt</d:href>")
	assert.Contains(t, body, "<d:getcontentlength>5</d:getcontentlength>")
	assert.Contains(t, body, "<d:getcontentlength>6</d:getcontentlength>")
}

func TestPropfindInfinityVisitsParentsFirst(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/docs/sub/deep.txt", []byte("x"))

	w := doRequest(h, "PROPFIND", "/docs/", propfindNamesBody, nil)
	require.Equal(t, http.StatusMultiStatus, w.Code)

	body := w.Body.String()
	parent := strings.Index(body, "<d:href>/docs/sub/</d:href>")
	child := strings.Index(body, "<d:href>/docs/sub/deep.txt</d:href>")
	require.GreaterOrEqual(t, parent, 0)
	require.GreaterOrEqual(t, child, 0)
	assert.Less(t, parent, child)
}

func TestPropfindAllprop(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/docs/a.txt", []byte("hello"))

	// no body means allprop
	w := doRequest(h, "PROPFIND", "/docs/a.txt", "", map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusMultiStatus, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "<d:getlastmodified>")
	assert.Contains(t, body, "<d:getetag>")
	// expensive properties stay out of allprop
	assert.NotContains(t, body, "lockdiscovery")
}

func TestPropfindAllpropWithInclude(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/docs/a.txt", []byte("hello"))

	reqBody := `<?xml version="1.0" encoding="utf-8"?>` +
		`<d:propfind xmlns:d="DAV:"><d:allprop/><d:include><d:lockdiscovery/></d:include></d:propfind>`
	w := doRequest(h, "PROPFIND", "/docs/a.txt", reqBody, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusMultiStatus, w.Code)
	assert.Contains(t, w.Body.String(), "<d:lockdiscovery>")
}

func TestPropfindPropname(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/docs/a.txt", []byte("hello"))

	reqBody := `<?xml version="1.0" encoding="utf-8"?><d:propfind xmlns:d="DAV:"><d:propname/></d:propfind>`
	w := doRequest(h, "PROPFIND", "/docs/a.txt", reqBody, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusMultiStatus, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "<d:displayname></d:displayname>")
	assert.Contains(t, body, "<m:Win32CreationTime></m:Win32CreationTime>")
	// names only, no values
	assert.NotContains(t, body, "<d:displayname>a.txt")
}

func TestPropfindUnknownProperty(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/docs/a.txt", []byte("hello"))

	reqBody := `<?xml version="1.0" encoding="utf-8"?>` +
		`<d:propfind xmlns:d="DAV:" xmlns:x="urn:example:"><d:prop><x:color/></d:prop></d:propfind>`
	w := doRequest(h, "PROPFIND", "/docs/a.txt", reqBody, nil)
	require.Equal(t, http.StatusMultiStatus, w.Code)
	assert.Contains(t, w.Body.String(), "HTTP/1.1 404 Not Found")
}

func TestPropfindErrors(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddDir("/docs")

	w := doRequest(h, "PROPFIND", "/docs/", propfindNamesBody, map[string]string{"Depth": "2"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(h, "PROPFIND", "/missing/", propfindNamesBody, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(h, "PROPFIND", "/docs/", "<not-xml", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPropfindInfinityRejected(t *testing.T) {
	fake := tboxtest.NewFake()
	store := storage.NewStore(fake, storage.Options{CacheSize: 16 << 20, InfiniteDepth: storage.InfiniteDepthRejected})
	h := tboxdav.New(&tboxdav.Config{}, store, lock.NewManager())
	fake.AddDir("/docs")

	w := doRequest(h, "PROPFIND", "/docs/", propfindNamesBody, map[string]string{"Depth": "infinity"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}
