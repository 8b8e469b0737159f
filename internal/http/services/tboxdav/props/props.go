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

// Package props bridges typed resource attributes and their DAV XML wire
// form. The wire form is rigid and clients are buggy; keeping all conversion
// here keeps the handlers free of XML concerns.
package props

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"time"

	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/net"
)

// PropertyXML represents a single DAV resource property as defined in RFC 4918.
// http://www.webdav.org/specs/rfc4918.html#data.model.for.resource.properties
type PropertyXML struct {
	// XMLName is the fully qualified name that identifies this property.
	XMLName xml.Name

	// Lang is an optional xml:lang attribute.
	Lang string `xml:"xml:lang,attr,omitempty"`

	// InnerXML contains the XML representation of the property value.
	// See http://www.webdav.org/specs/rfc4918.html#property_values
	//
	// Property values of complex type or mixed-content must have fully
	// expanded XML namespaces or be self-contained with according
	// XML namespace declarations. They must not rely on any XML
	// namespace declarations within the scope of the XML document,
	// even including the DAV: namespace.
	InnerXML []byte `xml:",innerxml"`
}

func xmlEscaped(val string) []byte {
	buf := new(bytes.Buffer)
	xml.Escape(buf, []byte(val))
	return buf.Bytes()
}

// NewPropNS returns a PropertyXML in an explicit namespace, xml-escaping
// the value.
func NewPropNS(namespace string, local string, val string) *PropertyXML {
	return &PropertyXML{
		XMLName:  xml.Name{Space: namespace, Local: local},
		Lang:     "",
		InnerXML: xmlEscaped(val),
	}
}

// NewProp returns a PropertyXML for a prefixed key, xml-escaping the value.
func NewProp(key, val string) *PropertyXML {
	return &PropertyXML{
		XMLName:  xml.Name{Space: "", Local: key},
		Lang:     "",
		InnerXML: xmlEscaped(val),
	}
}

// NewPropRaw returns a PropertyXML carrying val as already-valid inner XML.
func NewPropRaw(key, val string) *PropertyXML {
	return &PropertyXML{
		XMLName:  xml.Name{Space: "", Local: key},
		Lang:     "",
		InnerXML: []byte(val),
	}
}

// Escape escapes the XML special characters of s, leaving clean strings
// untouched.
func Escape(s string) string {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '&', '\'', '<', '>':
			b := bytes.NewBuffer(nil)
			xml.EscapeText(b, []byte(s)) // nolint:errcheck
			return b.String()
		}
	}
	return s
}

// Next returns the next token, if any, in the XML stream of d.
// RFC 4918 requires to ignore comments, processing instructions
// and directives.
// http://www.webdav.org/specs/rfc4918.html#property_values
// http://www.webdav.org/specs/rfc4918.html#xml-extensibility
func Next(d *xml.Decoder) (xml.Token, error) {
	for {
		t, err := d.Token()
		if err != nil {
			return t, err
		}
		switch t.(type) {
		case xml.Comment, xml.Directive, xml.ProcInst:
			continue
		default:
			return t, nil
		}
	}
}

// FormatRFC1123 renders a Last-Modified style date, always in GMT.
func FormatRFC1123(t time.Time) string {
	return t.UTC().Format(net.RFC1123)
}

// ParseRFC1123 is the inverse of FormatRFC1123.
func ParseRFC1123(s string) (time.Time, error) {
	return time.Parse(net.RFC1123, s)
}

// FormatISO8601 renders a creationdate style date. Precision is truncated
// to milliseconds; the Windows client rejects finer fractions.
func FormatISO8601(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(net.ISO8601)
}

// ParseISO8601 is the inverse of FormatISO8601.
func ParseISO8601(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// FormatBool renders the DAV boolean text form.
func FormatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// ParseBool decodes the DAV boolean text form.
func ParseBool(s string) bool {
	return s == "1" || s == "true"
}

// FormatInt64 renders a 64-bit integer property value.
func FormatInt64(v int64) string {
	return strconv.FormatInt(v, 10)
}

// ParseInt64 decodes a 64-bit integer property value.
func ParseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
