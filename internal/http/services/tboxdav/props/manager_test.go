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

package props

import (
	"context"
	"encoding/xml"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/net"
	"github.com/tboxdav/tboxdav/pkg/lock"
	"github.com/tboxdav/tboxdav/pkg/storage"
)

func newTestManager() (*Manager, *lock.Manager) {
	locks := lock.NewManager()
	return NewManager(&Env{Locks: locks}), locks
}

func testItem() storage.Resource {
	return &storage.Item{ItemData: storage.ItemData{
		Name:       "a.txt",
		FullPath:   "/docs/a.txt",
		Key:        "id-1",
		MimeType:   "text/plain",
		ETag:       `"abc"`,
		Size:       42,
		CreatedAt:  time.Unix(1700000000, 0),
		ModifiedAt: time.Unix(1700000100, 0),
	}}
}

func testCollection() storage.Resource {
	return &storage.Collection{Item: storage.Item{ItemData: storage.ItemData{
		Name:     "docs",
		FullPath: "/docs",
		Key:      "id-docs",
		MimeType: storage.CollectionMimeType,
	}}}
}

func TestGetProperty(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	tests := []struct {
		res    storage.Resource
		local  string
		status int
		value  string
	}{
		{testItem(), "displayname", http.StatusOK, "a.txt"},
		{testItem(), "getcontentlength", http.StatusOK, "42"},
		{testCollection(), "getcontentlength", http.StatusNotFound, ""},
		{testItem(), "getcontenttype", http.StatusOK, "text/plain"},
		{testCollection(), "getcontenttype", http.StatusOK, storage.CollectionMimeType},
		{testItem(), "resourcetype", http.StatusOK, ""},
		{testCollection(), "resourcetype", http.StatusOK, "<d:collection/>"},
		{testItem(), "iscollection", http.StatusOK, "0"},
		{testCollection(), "iscollection", http.StatusOK, "1"},
		{testItem(), "unknownprop", http.StatusNotFound, ""},
	}
	for _, tc := range tests {
		value, status := m.GetProperty(ctx, tc.res, xml.Name{Space: net.NsDav, Local: tc.local})
		assert.Equal(t, tc.status, status, tc.local)
		if status == http.StatusOK {
			assert.Equal(t, tc.value, value, tc.local)
		}
	}
}

func TestSetProperty(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	item := testItem()

	// read-only built-in
	status := m.SetProperty(ctx, item, xml.Name{Space: net.NsDav, Local: "getetag"}, `"x"`)
	assert.Equal(t, http.StatusForbidden, status)

	// unknown / dead property
	status = m.SetProperty(ctx, item, xml.Name{Space: "urn:example:", Local: "color"}, "red")
	assert.Equal(t, http.StatusForbidden, status)

	// the Windows date attributes are accepted
	status = m.SetProperty(ctx, item, xml.Name{Space: net.NsMicrosoft, Local: "Win32LastModifiedTime"}, "Fri, 01 Mar 2024 12:45:06 GMT")
	assert.Equal(t, http.StatusOK, status)

	// but garbage is not
	status = m.SetProperty(ctx, item, xml.Name{Space: net.NsMicrosoft, Local: "Win32LastModifiedTime"}, "not a date")
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestAllNamesSkipsExpensive(t *testing.T) {
	m, _ := newTestManager()
	for _, name := range m.AllNames() {
		assert.NotEqual(t, "lockdiscovery", name.Local)
	}
	found := false
	for _, name := range m.Names() {
		if name.Local == "lockdiscovery" {
			found = true
		}
	}
	assert.True(t, found, "propname must still announce lockdiscovery")
}

func TestLockDiscovery(t *testing.T) {
	m, locks := newTestManager()
	ctx := context.Background()
	item := testItem()

	value, status := m.GetProperty(ctx, item, xml.Name{Space: net.NsDav, Local: "lockdiscovery"})
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, value)

	l, err := locks.Lock("id-1", "/docs/a.txt", lock.ScopeExclusive, "<d:href>u</d:href>", lock.DepthZero, nil)
	require.NoError(t, err)

	value, status = m.GetProperty(ctx, item, xml.Name{Space: net.NsDav, Local: "lockdiscovery"})
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, value, "<d:lockscope><d:exclusive/></d:lockscope>")
	assert.Contains(t, value, l.Token)
	assert.Contains(t, value, "<d:owner><d:href>u</d:href></d:owner>")
	assert.True(t, strings.Contains(value, "<d:depth>0</d:depth>"))
}

func TestSupportedLock(t *testing.T) {
	m, _ := newTestManager()
	value, status := m.GetProperty(context.Background(), testItem(), xml.Name{Space: net.NsDav, Local: "supportedlock"})
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, value, "<d:exclusive/>")
	assert.Contains(t, value, "<d:shared/>")
}
