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

package net

// Common HTTP headers.
const (
	HeaderAcceptRanges  = "Accept-Ranges"
	HeaderAllow         = "Allow"
	HeaderContentLength = "Content-Length"
	HeaderContentRange  = "Content-Range"
	HeaderContentType   = "Content-Type"
	HeaderETag          = "ETag"
	HeaderIfMatch       = "If-Match"
	HeaderLastModified  = "Last-Modified"
	HeaderLocation      = "Location"
	HeaderRange         = "Range"
)

// WebDAV headers.
const (
	HeaderDav         = "DAV"
	HeaderDepth       = "Depth"
	HeaderDestination = "Destination"
	HeaderIf          = "If"
	HeaderLockToken   = "Lock-Token"
	HeaderMSAuthorVia = "MS-Author-Via"
	HeaderOverwrite   = "Overwrite"
	HeaderTimeout     = "Timeout"
)

// Non standard HTTP headers.
const (
	HeaderExpectedEntityLength = "X-Expected-Entity-Length"
)

// WebDAV methods missing from net/http.
const (
	MethodPropfind  = "PROPFIND"
	MethodProppatch = "PROPPATCH"
	MethodMkcol     = "MKCOL"
	MethodCopy      = "COPY"
	MethodMove      = "MOVE"
	MethodLock      = "LOCK"
	MethodUnlock    = "UNLOCK"
)
