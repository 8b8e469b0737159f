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

// Package tboxdav is the WebDAV protocol engine: it dispatches incoming
// requests to per-method handlers which talk to the store, the lock manager
// and the property system and emit single or multi-status responses.
package tboxdav

import (
	"context"
	"net/http"
	gopath "path"

	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/errors"
	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/net"
	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/props"
	"github.com/tboxdav/tboxdav/pkg/appctx"
	"github.com/tboxdav/tboxdav/pkg/lock"
	"github.com/tboxdav/tboxdav/pkg/storage"
)

// Config holds the options passed down to all handlers.
type Config struct {
	// Prefix is the URL prefix the service is mounted on, without slashes.
	Prefix string `mapstructure:"prefix"`
	// Namespace prefixes every request path inside the remote store.
	Namespace string `mapstructure:"namespace"`
	// ReadOnly rejects every mutating method with 403.
	ReadOnly bool `mapstructure:"read_only"`
}

type svc struct {
	c     *Config
	store *storage.Store
	locks *lock.Manager
	props *props.Manager
}

// New returns the WebDAV service over store and locks.
func New(conf *Config, store *storage.Store, locks *lock.Manager) http.Handler {
	if conf == nil {
		conf = &Config{}
	}
	s := &svc{
		c:     conf,
		store: store,
		locks: locks,
		props: props.NewManager(&props.Env{Locks: locks, ReadOnly: conf.ReadOnly, Namespace: conf.Namespace}),
	}
	return s.Handler()
}

// Handler routes a request by its method. Anything a handler fails to catch
// becomes a bare 500; stack traces never leak to the client.
func (s *svc) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		log := appctx.GetLogger(ctx)

		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()

		addAccessHeaders(w, r)

		base := gopath.Join("/", s.c.Prefix)
		ctx = context.WithValue(ctx, net.CtxKeyBaseURI, base)
		r = r.WithContext(ctx)

		if s.c.ReadOnly && isMutating(r.Method) {
			writeError(w, r, http.StatusForbidden, "share is read-only")
			return
		}

		switch r.Method {
		case http.MethodOptions:
			s.handleOptions(w, r)
		case http.MethodGet:
			s.handleGet(w, r)
		case http.MethodHead:
			s.handleHead(w, r)
		case http.MethodPut:
			s.handlePut(w, r)
		case http.MethodDelete:
			s.handleDelete(w, r)
		case net.MethodPropfind:
			s.handlePropfind(w, r)
		case net.MethodProppatch:
			s.handleProppatch(w, r)
		case net.MethodMkcol:
			s.handleMkcol(w, r)
		case net.MethodCopy:
			s.handleCopy(w, r)
		case net.MethodMove:
			s.handleMove(w, r)
		case net.MethodLock:
			s.handleLock(w, r)
		case net.MethodUnlock:
			s.handleUnlock(w, r)
		default:
			log.Debug().Str("method", r.Method).Msg("unsupported method")
			writeError(w, r, http.StatusNotImplemented, errors.ErrUnsupportedMethod.Error())
		}
	})
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPut, http.MethodDelete, net.MethodProppatch, net.MethodMkcol, net.MethodCopy, net.MethodMove:
		return true
	}
	return false
}

// resolvePath canonicalizes the request path into the store namespace.
func (s *svc) resolvePath(requestPath string) (string, error) {
	return storage.NormalizePath(gopath.Join("/", s.c.Namespace, requestPath))
}

// hrefFor renders the encoded href of a store path relative to the mount.
// Collection hrefs carry the trailing slash the Windows client insists on.
func (s *svc) hrefFor(ctx context.Context, fullPath string, isCol bool) string {
	return net.Href(ctx, s.c.Namespace, fullPath, isCol)
}

// ifTokens extracts the lock tokens the client presented for this request.
func ifTokens(r *http.Request) []string {
	if t := net.ParseIfHeader(r.Header.Get(net.HeaderIf)); t != "" {
		return []string{t}
	}
	return nil
}

func addAccessHeaders(w http.ResponseWriter, r *http.Request) {
	headers := w.Header()
	// the webdav api is accessible from anywhere
	headers.Set("Access-Control-Allow-Origin", "*")
	// all resources served via the DAV endpoint should have the strictest possible as default
	headers.Set("Content-Security-Policy", "default-src 'none';")
	// disable sniffing the content type for IE
	headers.Set("X-Content-Type-Options", "nosniff")
	// https://msdn.microsoft.com/en-us/library/jj542450(v=vs.85).aspx
	headers.Set("X-Download-Options", "noopen")
	// Disallow iFraming from other domains
	headers.Set("X-Frame-Options", "SAMEORIGIN")
	// https://developers.google.com/webmasters/control-crawl-index/docs/robots_meta_tag
	headers.Set("X-Robots-Tag", "none")
	// enforce browser based XSS filters
	headers.Set("X-XSS-Protection", "1; mode=block")

	if r.TLS != nil {
		headers.Set("Strict-Transport-Security", "max-age=63072000")
	}
}
