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

// Package net holds the header grammar and URL encoding shared by the DAV
// handlers.
package net

import (
	"context"
	"fmt"
	"net/url"
	gopath "path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type ctxKey int

const (
	// CtxKeyBaseURI is the key of the base URI context field.
	CtxKeyBaseURI ctxKey = iota
)

const (
	// NsDav is the DAV: namespace.
	NsDav = "DAV:"
	// NsMicrosoft is the namespace of the Win32* attributes the Windows
	// client reads and writes.
	NsMicrosoft = "urn:schemas-microsoft-com:"

	// RFC1123 always renders GMT. time.RFC1123 would end in "UTC" for UTC
	// times, which DAV clients reject, see https://github.com/golang/go/issues/13781
	RFC1123 = "Mon, 02 Jan 2006 15:04:05 GMT"
	// ISO8601 keeps millisecond precision; the Windows client chokes on
	// anything finer.
	ISO8601 = "2006-01-02T15:04:05.000Z07:00"
)

// Depth is the DAV Depth header value.
type Depth string

// Depths defined by RFC 4918.
const (
	DepthZero     Depth = "0"
	DepthOne      Depth = "1"
	DepthInfinity Depth = "infinity"
)

func (d Depth) String() string {
	return string(d)
}

// ParseDepth parses the Depth header value. An absent header means infinity,
// everything outside the RFC grammar is a client error.
func ParseDepth(s string) (Depth, error) {
	switch strings.ToLower(s) {
	case "":
		return DepthInfinity, nil
	case "0":
		return DepthZero, nil
	case "1":
		return DepthOne, nil
	case "infinity":
		return DepthInfinity, nil
	default:
		return "", errors.Errorf("invalid depth: %s", s)
	}
}

// InfiniteTimeout is the sentinel for a requested infinite lock duration.
// The lock manager caps it to its maximum.
const InfiniteTimeout time.Duration = 0

// ParseTimeout parses "Timeout: Second-600, Infinite" into the ordered list
// of requested durations. An absent header yields an empty list; a present
// header with no parsable entry is a client error.
func ParseTimeout(s string) ([]time.Duration, error) {
	if s == "" {
		return nil, nil
	}
	var out []time.Duration
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		switch {
		case strings.EqualFold(tok, "Infinite"):
			out = append(out, InfiniteTimeout)
		case strings.HasPrefix(tok, "Second-"):
			secs, err := strconv.ParseInt(strings.TrimPrefix(tok, "Second-"), 10, 64)
			if err != nil || secs < 0 {
				continue
			}
			out = append(out, time.Duration(secs)*time.Second)
		}
	}
	if len(out) == 0 {
		return nil, errors.Errorf("invalid timeout: %s", s)
	}
	return out, nil
}

var ifTokenRe = regexp.MustCompile(`\(\s*<([^>]+)>`)

// ParseIfHeader extracts the first lock token of an If header. Only the
// minimal untagged "(<token>)" and single-tagged "<resource> (<token>)"
// forms are understood; the full tagged-list grammar is not needed by the
// clients this gateway serves.
func ParseIfHeader(s string) string {
	m := ifTokenRe.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return m[1]
}

// ParseOverwrite parses the Overwrite header; absence defaults to true.
func ParseOverwrite(s string) (bool, error) {
	switch strings.ToUpper(s) {
	case "", "T":
		return true, nil
	case "F":
		return false, nil
	default:
		return false, errors.Errorf("invalid overwrite: %s", s)
	}
}

// ParseDestination strips the base URI from an absolute Destination header
// and returns the decoded target path.
func ParseDestination(dstHeader, baseURI string) (string, error) {
	if dstHeader == "" {
		return "", errors.New("destination header is empty")
	}
	dstURL, err := url.ParseRequestURI(dstHeader)
	if err != nil {
		return "", err
	}
	dst, found := strings.CutPrefix(dstURL.Path, baseURI)
	if !found {
		return "", errors.New("destination path does not contain base URI")
	}
	if !strings.HasPrefix(dst, "/") {
		dst = "/" + dst
	}
	return dst, nil
}

// ByteRange is a decoded single-range Range header.
type ByteRange struct {
	Start  int64
	Length int64
}

// ParseRange decodes a single "bytes=a-b" range against the entity size.
// Open-ended "a-" and suffix "-n" forms are allowed. ok is false when no
// Range header was sent; an unsatisfiable range is an error.
func ParseRange(s string, size int64) (ByteRange, bool, error) {
	if s == "" {
		return ByteRange{}, false, nil
	}
	spec, found := strings.CutPrefix(s, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return ByteRange{}, false, errors.Errorf("unsupported range: %s", s)
	}
	first, last, found := strings.Cut(strings.TrimSpace(spec), "-")
	if !found {
		return ByteRange{}, false, errors.Errorf("invalid range: %s", s)
	}
	if first == "" {
		// suffix form: last n bytes
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return ByteRange{}, false, errors.Errorf("invalid range: %s", s)
		}
		if n > size {
			n = size
		}
		return ByteRange{Start: size - n, Length: n}, true, nil
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return ByteRange{}, false, errors.Errorf("unsatisfiable range: %s", s)
	}
	if last == "" {
		return ByteRange{Start: start, Length: size - start}, true, nil
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return ByteRange{}, false, errors.Errorf("invalid range: %s", s)
	}
	if end >= size {
		end = size - 1
	}
	return ByteRange{Start: start, Length: end - start + 1}, true, nil
}

// Href renders the client-facing href of a store path: the base URI from
// ctx joined with the path outside the mount namespace, percent-encoded,
// with the trailing slash collections carry.
func Href(ctx context.Context, namespace, fullPath string, isCol bool) string {
	baseURI, _ := ctx.Value(CtxKeyBaseURI).(string)
	ref := gopath.Join(baseURI, stripNamespace(namespace, fullPath))
	if isCol && ref != "/" {
		ref += "/"
	}
	return EncodePath(ref)
}

// stripNamespace turns a store path back into a request path.
func stripNamespace(namespace, fullPath string) string {
	if namespace == "" {
		return fullPath
	}
	ns := gopath.Join("/", namespace)
	if fullPath == ns {
		return "/"
	}
	if strings.HasPrefix(fullPath, ns+"/") {
		return fullPath[len(ns):]
	}
	return fullPath
}

// replaceAllStringSubmatchFunc is taken from 'Go: Replace String with Regular Expression Callback'
// see: https://elliotchance.medium.com/go-replace-string-with-regular-expression-callback-f89948bad0bb
func replaceAllStringSubmatchFunc(re *regexp.Regexp, str string, repl func([]string) string) string {
	result := ""
	lastIndex := 0
	for _, v := range re.FindAllSubmatchIndex([]byte(str), -1) {
		groups := []string{}
		for i := 0; i < len(v); i += 2 {
			groups = append(groups, str[v[i]:v[i+1]])
		}
		result += str[lastIndex:v[0]] + repl(groups)
		lastIndex = v[1]
	}
	return result + str[lastIndex:]
}

var hrefre = regexp.MustCompile(`([^A-Za-z0-9_\-.~()/:@!$])`)

// EncodePath encodes the path of a url.
//
// slashes (/) are treated as path-separators.
// ported from https://github.com/sabre-io/http/blob/bb27d1a8c92217b34e778ee09dcf79d9a2936e84/lib/functions.php#L369-L379
func EncodePath(path string) string {
	return replaceAllStringSubmatchFunc(hrefre, path, func(groups []string) string {
		b := groups[1]
		var sb strings.Builder
		for i := 0; i < len(b); i++ {
			sb.WriteString(fmt.Sprintf("%%%x", b[i]))
		}
		return sb.String()
	})
}
