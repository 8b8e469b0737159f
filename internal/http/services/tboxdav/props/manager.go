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
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/net"
	"github.com/tboxdav/tboxdav/pkg/appctx"
	"github.com/tboxdav/tboxdav/pkg/lock"
	"github.com/tboxdav/tboxdav/pkg/storage"
)

// Env is what property getters may reach beyond the resource itself.
type Env struct {
	Locks    *lock.Manager
	ReadOnly bool
	// Namespace is the mount's store-path prefix, stripped from every
	// client-facing href.
	Namespace string
}

// Property is one named, converter-bound resource attribute. A nil Set makes
// it read-only; IsExpensive properties are skipped by allprop; IsComputed
// marks values derived rather than stored.
type Property struct {
	Name        xml.Name
	IsExpensive bool
	IsComputed  bool
	Get         func(ctx context.Context, env *Env, res storage.Resource) (string, bool)
	Set         func(ctx context.Context, env *Env, res storage.Resource, innerXML string) error
}

// Manager holds the ordered property descriptors of the store's item types
// and answers get/set requests with a DAV status taxonomy. Descriptors are
// immutable after construction and read without synchronization.
type Manager struct {
	env    *Env
	list   []*Property
	byName map[xml.Name]*Property
}

// NewManager returns a manager with the built-in DAV and Microsoft
// properties registered.
func NewManager(env *Env) *Manager {
	m := &Manager{
		env:    env,
		byName: make(map[xml.Name]*Property),
	}
	m.registerBuiltins()
	return m
}

func (m *Manager) register(p *Property) {
	m.list = append(m.list, p)
	m.byName[p.Name] = p
}

// Names returns the property names in registration order, feeding propname.
func (m *Manager) Names() []xml.Name {
	names := make([]xml.Name, 0, len(m.list))
	for _, p := range m.list {
		names = append(names, p.Name)
	}
	return names
}

// AllNames returns the names returned by allprop: everything not expensive.
func (m *Manager) AllNames() []xml.Name {
	names := make([]xml.Name, 0, len(m.list))
	for _, p := range m.list {
		if p.IsExpensive {
			continue
		}
		names = append(names, p.Name)
	}
	return names
}

// GetProperty resolves one property on res. The returned status is 200 with
// the inner XML value, 404 when the property is unknown to this item, or 500
// when the getter failed.
func (m *Manager) GetProperty(ctx context.Context, res storage.Resource, name xml.Name) (string, int) {
	p, ok := m.byName[name]
	if !ok {
		return "", http.StatusNotFound
	}
	value, ok, failed := safeGet(ctx, p, m.env, res)
	if failed {
		return "", http.StatusInternalServerError
	}
	if !ok {
		return "", http.StatusNotFound
	}
	return value, http.StatusOK
}

// SetProperty applies one property write. Unknown properties yield 403 per
// RFC 4918 (the server refuses to store dead properties), read-only ones 403,
// successful writes 200.
func (m *Manager) SetProperty(ctx context.Context, res storage.Resource, name xml.Name, innerXML string) int {
	p, ok := m.byName[name]
	if !ok {
		return http.StatusForbidden
	}
	if p.Set == nil {
		return http.StatusForbidden
	}
	if err := p.Set(ctx, m.env, res, innerXML); err != nil {
		appctx.GetLogger(ctx).Error().Err(err).Str("prop", name.Local).Msg("property setter failed")
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

// safeGet shields the caller from a panicking getter; the failure surfaces
// as a 500 propstat, never as a dropped response.
func safeGet(ctx context.Context, p *Property, env *Env, res storage.Resource) (value string, ok, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			appctx.GetLogger(ctx).Error().Interface("panic", r).Str("prop", p.Name.Local).Msg("property getter panicked")
			value, ok, failed = "", false, true
		}
	}()
	value, ok = p.Get(ctx, env, res)
	return value, ok, false
}

// Prefix returns the emission prefix for a property namespace.
func Prefix(space string) string {
	switch space {
	case net.NsDav:
		return "d:"
	case net.NsMicrosoft:
		return "m:"
	default:
		return ""
	}
}

func davName(local string) xml.Name {
	return xml.Name{Space: net.NsDav, Local: local}
}

func msName(local string) xml.Name {
	return xml.Name{Space: net.NsMicrosoft, Local: local}
}

func (m *Manager) registerBuiltins() {
	m.register(&Property{
		Name: davName("displayname"),
		Get: func(_ context.Context, _ *Env, res storage.Resource) (string, bool) {
			return Escape(res.Data().Name), true
		},
	})
	m.register(&Property{
		Name: davName("getcontentlength"),
		Get: func(_ context.Context, _ *Env, res storage.Resource) (string, bool) {
			if res.IsCollection() {
				return "", false
			}
			return FormatInt64(res.Data().Size), true
		},
	})
	m.register(&Property{
		Name: davName("getcontenttype"),
		Get: func(_ context.Context, _ *Env, res storage.Resource) (string, bool) {
			return Escape(res.Data().MimeType), true
		},
	})
	m.register(&Property{
		Name: davName("getlastmodified"),
		Get: func(_ context.Context, _ *Env, res storage.Resource) (string, bool) {
			return FormatRFC1123(res.Data().ModifiedAt), true
		},
	})
	m.register(&Property{
		Name: davName("creationdate"),
		Get: func(_ context.Context, _ *Env, res storage.Resource) (string, bool) {
			return FormatISO8601(res.Data().CreatedAt), true
		},
	})
	m.register(&Property{
		Name:       davName("resourcetype"),
		IsComputed: true,
		Get: func(_ context.Context, _ *Env, res storage.Resource) (string, bool) {
			if res.IsCollection() {
				return "<d:collection/>", true
			}
			return "", true
		},
	})
	m.register(&Property{
		Name: davName("getetag"),
		Get: func(_ context.Context, _ *Env, res storage.Resource) (string, bool) {
			if res.Data().ETag == "" {
				return "", false
			}
			return Escape(res.Data().ETag), true
		},
	})
	m.register(&Property{
		Name:        davName("lockdiscovery"),
		IsExpensive: true,
		IsComputed:  true,
		Get: func(ctx context.Context, env *Env, res storage.Resource) (string, bool) {
			if env.Locks == nil {
				return "", true
			}
			return LockDiscovery(ctx, env.Namespace, env.Locks.ActiveLocks(res.Data().FullPath)), true
		},
	})
	m.register(&Property{
		Name:       davName("supportedlock"),
		IsComputed: true,
		Get: func(_ context.Context, _ *Env, _ storage.Resource) (string, bool) {
			return SupportedLock(), true
		},
	})
	m.register(&Property{
		Name:       davName("iscollection"),
		IsComputed: true,
		Get: func(_ context.Context, _ *Env, res storage.Resource) (string, bool) {
			return FormatBool(res.IsCollection()), true
		},
	})
	m.register(&Property{
		Name:       davName("isreadonly"),
		IsComputed: true,
		Get: func(_ context.Context, env *Env, _ storage.Resource) (string, bool) {
			return FormatBool(env.ReadOnly), true
		},
	})

	// The Windows client insists on writing its file times after every
	// upload and errors the whole copy when the write is refused. The
	// backend cannot persist them, so the setters accept and drop.
	acceptDate := func(_ context.Context, _ *Env, _ storage.Resource, innerXML string) error {
		_, err := ParseRFC1123(strings.TrimSpace(innerXML))
		return err
	}
	m.register(&Property{
		Name: msName("Win32CreationTime"),
		Get: func(_ context.Context, _ *Env, res storage.Resource) (string, bool) {
			return FormatRFC1123(res.Data().CreatedAt), true
		},
		Set: acceptDate,
	})
	m.register(&Property{
		Name: msName("Win32LastModifiedTime"),
		Get: func(_ context.Context, _ *Env, res storage.Resource) (string, bool) {
			return FormatRFC1123(res.Data().ModifiedAt), true
		},
		Set: acceptDate,
	})
	m.register(&Property{
		Name: msName("Win32LastAccessTime"),
		Get: func(_ context.Context, _ *Env, res storage.Resource) (string, bool) {
			return FormatRFC1123(res.Data().ModifiedAt), true
		},
		Set: acceptDate,
	})
	m.register(&Property{
		Name: msName("Win32FileAttributes"),
		Get: func(_ context.Context, _ *Env, res storage.Resource) (string, bool) {
			// FILE_ATTRIBUTE_DIRECTORY or FILE_ATTRIBUTE_NORMAL
			if res.IsCollection() {
				return "00000010", true
			}
			return "00000080", true
		},
		Set: func(_ context.Context, _ *Env, _ storage.Resource, _ string) error {
			return nil
		},
	})
}

// ActiveLockXML renders one activelock element. ns is the mount namespace
// stripped from the lockroot href.
func ActiveLockXML(ctx context.Context, ns string, l lock.Lock) string {
	depth := "0"
	if l.Depth == lock.DepthInfinity {
		depth = "infinity"
	}
	remaining := int(l.Remaining(time.Now()).Seconds())
	if remaining < 0 {
		remaining = 0
	}

	var sb strings.Builder
	sb.WriteString("<d:activelock>")
	sb.WriteString("<d:locktype><d:write/></d:locktype>")
	fmt.Fprintf(&sb, "<d:lockscope><d:%s/></d:lockscope>", l.Scope)
	fmt.Fprintf(&sb, "<d:depth>%s</d:depth>", depth)
	if l.Owner != "" {
		fmt.Fprintf(&sb, "<d:owner>%s</d:owner>", l.Owner)
	}
	fmt.Fprintf(&sb, "<d:timeout>Second-%d</d:timeout>", remaining)
	fmt.Fprintf(&sb, "<d:locktoken><d:href>%s</d:href></d:locktoken>", Escape(l.Token))
	fmt.Fprintf(&sb, "<d:lockroot><d:href>%s</d:href></d:lockroot>", net.Href(ctx, ns, l.Root, false))
	sb.WriteString("</d:activelock>")
	return sb.String()
}

// LockDiscovery renders the lockdiscovery value for a set of live locks.
func LockDiscovery(ctx context.Context, ns string, locks []lock.Lock) string {
	var sb strings.Builder
	for _, l := range locks {
		sb.WriteString(ActiveLockXML(ctx, ns, l))
	}
	return sb.String()
}

// SupportedLock renders the static supportedlock value: exclusive and
// shared write locks.
func SupportedLock() string {
	return "<d:lockentry><d:lockscope><d:exclusive/></d:lockscope><d:locktype><d:write/></d:locktype></d:lockentry>" +
		"<d:lockentry><d:lockscope><d:shared/></d:lockscope><d:locktype><d:write/></d:locktype></d:lockentry>"
}
