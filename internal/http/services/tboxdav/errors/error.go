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

// Package errors carries the DAV error body and the sentinel errors shared
// by the method handlers.
package errors

import (
	"bytes"
	"encoding/xml"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidDepth is an invalid depth header error
	ErrInvalidDepth = errors.New("webdav: invalid depth")
	// ErrInvalidPropfind is an invalid propfind error
	ErrInvalidPropfind = errors.New("webdav: invalid propfind")
	// ErrInvalidProppatch is an invalid proppatch error
	ErrInvalidProppatch = errors.New("webdav: invalid proppatch")
	// ErrInvalidLockInfo is an invalid lock error
	ErrInvalidLockInfo = errors.New("webdav: invalid lock info")
	// ErrUnsupportedLockInfo is an unsupported lock error
	ErrUnsupportedLockInfo = errors.New("webdav: unsupported lock info")
	// ErrInvalidTimeout is an invalid timeout error
	ErrInvalidTimeout = errors.New("webdav: invalid timeout")
	// ErrInvalidLockToken is an invalid lock token error
	ErrInvalidLockToken = errors.New("webdav: invalid lock token")
	// ErrUnsupportedMethod is an unsupported method error
	ErrUnsupportedMethod = errors.New("webdav: unsupported method")
)

// ErrorXML holds the xml representation of an error
// http://www.webdav.org/specs/rfc4918.html#ELEMENT_error
type ErrorXML struct {
	XMLName  xml.Name `xml:"d:error"`
	Xmlnsd   string   `xml:"xmlns:d,attr"`
	Xmlnsm   string   `xml:"xmlns:m,attr"`
	Message  string   `xml:"d:message,omitempty"`
	InnerXML []byte   `xml:",innerxml"`
}

// Marshal renders the DAV error body for a message.
func Marshal(message string) ([]byte, error) {
	xmlstring, err := xml.Marshal(&ErrorXML{
		Xmlnsd:  "DAV:",
		Xmlnsm:  "urn:schemas-microsoft-com:",
		Message: message,
	})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.Write(xmlstring)
	return buf.Bytes(), nil
}

// HandleWebdavError writes a previously marshaled error body, falling back
// to a bare 500 when marshaling failed.
func HandleWebdavError(log *zerolog.Logger, w http.ResponseWriter, b []byte, err error) {
	if err != nil {
		log.Error().Msgf("error marshaling xml response: %s", b)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if _, err := w.Write(b); err != nil {
		log.Err(err).Msg("error writing response")
	}
}
