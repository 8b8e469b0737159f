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
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav"
	"github.com/tboxdav/tboxdav/pkg/tbox"
)

const lockInfoBody = `<?xml version="1.0" encoding="utf-8"?>` +
	`<d:lockinfo xmlns:d="DAV:"><d:lockscope><d:exclusive/></d:lockscope>` +
	`<d:locktype><d:write/></d:locktype><d:owner><d:href>u</d:href></d:owner></d:lockinfo>`

func TestOptions(t *testing.T) {
	_, _, h := newTestService(&tboxdav.Config{})

	w := doRequest(h, "OPTIONS", "/", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1, 2", w.Header().Get("DAV"))
	assert.Equal(t, "DAV", w.Header().Get("MS-Author-Via"))
	allow := w.Header().Get("Allow")
	for _, m := range []string{"PROPFIND", "PROPPATCH", "MKCOL", "COPY", "MOVE", "LOCK", "UNLOCK", "PUT", "DELETE"} {
		assert.Contains(t, allow, m)
	}
}

func TestUnknownMethod(t *testing.T) {
	_, _, h := newTestService(&tboxdav.Config{})
	w := doRequest(h, "TRACK", "/", "", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Contains(t, w.Body.String(), "unsupported method")
}

// failures carry the DAV error element, not a bare status
func TestErrorBody(t *testing.T) {
	_, _, h := newTestService(&tboxdav.Config{})

	w := doRequest(h, "GET", "/missing.txt", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, `text/xml; charset="utf-8"`, w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "<d:error")
	assert.Contains(t, body, "<d:message>resource not found</d:message>")
}

// lock, then write: without the token the PUT is refused, with it the file
// is created
func TestLockThenPut(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})

	w := doRequest(h, "LOCK", "/a.txt", lockInfoBody, map[string]string{"Timeout": "Second-60"})
	require.Equal(t, http.StatusOK, w.Code)
	token := w.Header().Get("Lock-Token")
	require.True(t, strings.HasPrefix(token, "<opaquelocktoken:"), "Lock-Token header: %q", token)
	assert.Contains(t, w.Body.String(), "<d:lockdiscovery>")
	assert.Contains(t, w.Body.String(), "<d:lockroot><d:href>/a.txt</d:href></d:lockroot>")

	w = doRequest(h, "PUT", "/a.txt", "hello", nil)
	assert.Equal(t, http.StatusLocked, w.Code)
	assert.False(t, fake.Exists("/a.txt"))

	w = doRequest(h, "PUT", "/a.txt", "hello", map[string]string{"If": "(" + token + ")"})
	assert.Equal(t, http.StatusCreated, w.Code)
	content, ok := fake.Content("/a.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), content)

	// the fresh lock can be released with its token
	w = doRequest(h, "UNLOCK", "/a.txt", "", map[string]string{"Lock-Token": token})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestLockRefresh(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/a.txt", []byte("x"))

	w := doRequest(h, "LOCK", "/a.txt", lockInfoBody, map[string]string{"Timeout": "Second-60"})
	require.Equal(t, http.StatusOK, w.Code)
	token := strings.Trim(w.Header().Get("Lock-Token"), "<>")

	w = doRequest(h, "LOCK", "/a.txt", "", map[string]string{
		"If":      "(<" + token + ">)",
		"Timeout": "Second-120",
	})
	require.Equal(t, http.StatusOK, w.Code)
	// refreshes repeat the discovery but mint no new token
	assert.Empty(t, w.Header().Get("Lock-Token"))
	assert.Contains(t, w.Body.String(), token)
}

func TestLockConflict(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/a.txt", []byte("x"))

	w := doRequest(h, "LOCK", "/a.txt", lockInfoBody, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(h, "LOCK", "/a.txt", lockInfoBody, nil)
	assert.Equal(t, http.StatusLocked, w.Code)
}

func TestLockMalformedBody(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/a.txt", []byte("x"))

	w := doRequest(h, "LOCK", "/a.txt", "<garbage", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnlockWrongToken(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/a.txt", []byte("x"))

	w := doRequest(h, "LOCK", "/a.txt", lockInfoBody, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(h, "UNLOCK", "/a.txt", "", map[string]string{"Lock-Token": "<opaquelocktoken:bogus>"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGet(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/docs/a.txt", []byte("hello world"))

	w := doRequest(h, "GET", "/docs/a.txt", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello world", w.Body.String())
	assert.NotEmpty(t, w.Header().Get("ETag"))
	assert.NotEmpty(t, w.Header().Get("Last-Modified"))

	// a single byte range is served partially
	w = doRequest(h, "GET", "/docs/a.txt", "", map[string]string{"Range": "bytes=0-4"})
	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, "bytes 0-4/11", w.Header().Get("Content-Range"))

	w = doRequest(h, "GET", "/docs/a.txt", "", map[string]string{"Range": "bytes=100-"})
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)

	// collections are not listed
	w = doRequest(h, "GET", "/docs/", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(h, "GET", "/missing.txt", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHead(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/docs/a.txt", []byte("hello"))

	w := doRequest(h, "HEAD", "/docs/a.txt", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "5", w.Header().Get("Content-Length"))
	assert.Empty(t, w.Body.String())
}

func TestPutOverwrite(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/docs/a.txt", []byte("old"))

	w := doRequest(h, "PUT", "/docs/a.txt", "new content", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	content, _ := fake.Content("/docs/a.txt")
	assert.Equal(t, []byte("new content"), content)
}

func TestPutParentMissing(t *testing.T) {
	_, _, h := newTestService(&tboxdav.Config{})
	w := doRequest(h, "PUT", "/nosuchdir/a.txt", "x", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPutContentRange(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddDir("/docs")
	w := doRequest(h, "PUT", "/docs/a.txt", "x", map[string]string{"Content-Range": "bytes 0-0/5"})
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestMkcol(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddDir("/docs")

	w := doRequest(h, "MKCOL", "/docs/sub", "", nil)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, fake.Exists("/docs/sub"))

	// an existing target is refused
	w = doRequest(h, "MKCOL", "/docs/sub", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	// a missing parent is a conflict
	w = doRequest(h, "MKCOL", "/nosuchdir/sub", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// a request body is reserved
	w = doRequest(h, "MKCOL", "/docs/other", "<x/>", nil)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

// overwrite denied: the move must leave both resources untouched
func TestMoveOverwriteDenied(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/a", []byte("source"))
	fake.AddFile("/b", []byte("target"))

	w := doRequest(h, "MOVE", "/a", "", map[string]string{
		"Destination": "http://example.org/b",
		"Overwrite":   "F",
	})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	a, _ := fake.Content("/a")
	b, _ := fake.Content("/b")
	assert.Equal(t, []byte("source"), a)
	assert.Equal(t, []byte("target"), b)
}

func TestMove(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/docs/a.txt", []byte("content"))
	fake.AddDir("/dest")

	w := doRequest(h, "MOVE", "/docs/a.txt", "", map[string]string{
		"Destination": "http://example.org/dest/b.txt",
	})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.False(t, fake.Exists("/docs/a.txt"))
	content, ok := fake.Content("/dest/b.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("content"), content)
}

func TestMoveReplacesExisting(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/a", []byte("source"))
	fake.AddFile("/b", []byte("target"))

	w := doRequest(h, "MOVE", "/a", "", map[string]string{
		"Destination": "http://example.org/b",
	})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, fake.Exists("/a"))
	content, _ := fake.Content("/b")
	assert.Equal(t, []byte("source"), content)
}

func TestMoveDepthZeroRefused(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/a", []byte("x"))

	w := doRequest(h, "MOVE", "/a", "", map[string]string{
		"Destination": "http://example.org/b",
		"Depth":       "0",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCopy(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/docs/a.txt", []byte("content"))
	fake.AddDir("/dest")

	w := doRequest(h, "COPY", "/docs/a.txt", "", map[string]string{
		"Destination": "http://example.org/dest/a.txt",
	})
	assert.Equal(t, http.StatusCreated, w.Code)
	// both ends hold the content now
	src, _ := fake.Content("/docs/a.txt")
	dst, ok := fake.Content("/dest/a.txt")
	require.True(t, ok)
	assert.Equal(t, src, dst)
}

func TestCopyTree(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/docs/a.txt", []byte("a"))
	fake.AddFile("/docs/sub/b.txt", []byte("b"))

	w := doRequest(h, "COPY", "/docs/", "", map[string]string{
		"Destination": "http://example.org/copy",
	})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, fake.Exists("/copy/a.txt"))
	assert.True(t, fake.Exists("/copy/sub/b.txt"))
}

func TestCopyOverwriteDenied(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/a", []byte("source"))
	fake.AddFile("/b", []byte("target"))

	w := doRequest(h, "COPY", "/a", "", map[string]string{
		"Destination": "http://example.org/b",
		"Overwrite":   "F",
	})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
}

func TestDeleteItem(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/docs/a.txt", []byte("x"))

	w := doRequest(h, "DELETE", "/docs/a.txt", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, fake.Exists("/docs/a.txt"))

	w = doRequest(h, "DELETE", "/docs/a.txt", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// one child cannot be deleted: the sibling goes, the failure is reported in
// a 207 and the parent survives
func TestDeleteCollectionPartialFailure(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/col/keep.txt", []byte("k"))
	fake.AddFile("/col/gone.txt", []byte("g"))
	fake.DeleteErr["/col/keep.txt"] = &tbox.Error{
		Code: tbox.CodePermissionDenied, Message: "nope", Status: http.StatusForbidden,
	}

	w := doRequest(h, "DELETE", "/col/", "", nil)
	require.Equal(t, http.StatusMultiStatus, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "<d:href>/col/keep.txt</d:href>")
	assert.Contains(t, body, "HTTP/1.1 403 Forbidden")

	assert.False(t, fake.Exists("/col/gone.txt"), "the sibling must be deleted")
	assert.True(t, fake.Exists("/col/keep.txt"))
	assert.True(t, fake.Exists("/col"), "the parent must survive")
}

func TestDeleteCollectionDepthRefused(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddDir("/col")

	w := doRequest(h, "DELETE", "/col/", "", map[string]string{"Depth": "1"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestProppatch(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddFile("/docs/a.txt", []byte("x"))

	reqBody := `<?xml version="1.0" encoding="utf-8"?>` +
		`<d:propertyupdate xmlns:d="DAV:" xmlns:m="urn:schemas-microsoft-com:">` +
		`<d:set><d:prop><m:Win32CreationTime>Fri, 01 Mar 2024 12:45:06 GMT</m:Win32CreationTime></d:prop></d:set>` +
		`<d:set><d:prop><d:getetag>nope</d:getetag></d:prop></d:set>` +
		`</d:propertyupdate>`
	w := doRequest(h, "PROPPATCH", "/docs/a.txt", reqBody, nil)
	require.Equal(t, http.StatusMultiStatus, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "HTTP/1.1 200 OK")
	assert.Contains(t, body, "<m:Win32CreationTime></m:Win32CreationTime>")
	// the read-only property is refused but the update as a whole answers 207
	assert.Contains(t, body, "HTTP/1.1 403 Forbidden")
}

func TestProppatchMissingTarget(t *testing.T) {
	_, _, h := newTestService(&tboxdav.Config{})
	reqBody := `<?xml version="1.0" encoding="utf-8"?>` +
		`<d:propertyupdate xmlns:d="DAV:"><d:set><d:prop><d:getetag>x</d:getetag></d:prop></d:set></d:propertyupdate>`
	w := doRequest(h, "PROPPATCH", "/missing.txt", reqBody, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReadOnlyMount(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{ReadOnly: true})
	fake.AddFile("/docs/a.txt", []byte("x"))

	w := doRequest(h, "GET", "/docs/a.txt", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	for _, m := range []string{"PUT", "DELETE", "MKCOL", "PROPPATCH", "COPY", "MOVE"} {
		w := doRequest(h, m, "/docs/a.txt", "", map[string]string{"Destination": "http://example.org/b"})
		assert.Equal(t, http.StatusForbidden, w.Code, m)
	}
}

// an interrupted large PUT resumes on the next attempt: credentials are
// renewed and only the missing parts travel again
func TestResumablePut(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.FailParts[3] = 10 // the third 4 MiB part keeps failing
	data := strings.Repeat("t", 3*tbox.ChunkSize)

	w := doRequest(h, "PUT", "/big.bin", data, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.False(t, fake.Exists("/big.bin"))

	fake.FailParts[3] = 0
	renewalsBefore := fake.Renewals
	w = doRequest(h, "PUT", "/big.bin", data, nil)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Greater(t, fake.Renewals, renewalsBefore)

	content, ok := fake.Content("/big.bin")
	require.True(t, ok)
	assert.Equal(t, len(data), len(content))
}

// a body is spooled when the length is unknown (chunked encoding)
func TestPutChunkedEncoding(t *testing.T) {
	fake, _, h := newTestService(&tboxdav.Config{})
	fake.AddDir("/docs")

	req := doRequestChunked(h, "PUT", "/docs/chunked.txt", "streamed body")
	assert.Equal(t, http.StatusCreated, req.Code)
	content, ok := fake.Content("/docs/chunked.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("streamed body"), content)
}
