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

package tboxdav

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"

	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/errors"
	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/net"
	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/props"
	"github.com/tboxdav/tboxdav/pkg/appctx"
)

func (s *svc) handleProppatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	fn, err := s.resolvePath(r.URL.Path)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sublog := appctx.GetLogger(ctx).With().Str("path", fn).Logger()

	patches, status, err := readProppatch(r.Body)
	if err != nil {
		sublog.Debug().Err(err).Msg("error reading proppatch")
		writeError(w, r, status, err.Error())
		return
	}

	res, err := s.store.GetItem(ctx, fn)
	if err != nil {
		sublog.Error().Err(err).Msg("error statting resource")
		writeError(w, r, http.StatusInternalServerError, "error statting resource")
		return
	}
	if res == nil {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if !s.locks.Validate(fn, ifTokens(r)) {
		writeError(w, r, http.StatusLocked, "the resource is locked")
		return
	}

	// apply in document order; properties fail independently and every
	// outcome lands in its own propstat group
	byStatus := map[int]*propstatXML{}
	order := []int{}
	record := func(name xml.Name, status int) {
		ps, ok := byStatus[status]
		if !ok {
			ps = &propstatXML{Status: statusLine(status)}
			byStatus[status] = ps
			order = append(order, status)
		}
		ps.Prop = append(ps.Prop, emptyProp(name))
	}

	for _, patch := range patches {
		for i := range patch.Props {
			name := patch.Props[i].XMLName
			if patch.Remove {
				// built-in properties cannot be removed
				record(name, http.StatusForbidden)
				continue
			}
			record(name, s.props.SetProperty(ctx, res, name, string(patch.Props[i].InnerXML)))
		}
	}

	response := &responseXML{Href: s.hrefFor(ctx, fn, res.IsCollection())}
	for _, status := range order {
		response.Propstat = append(response.Propstat, *byStatus[status])
	}
	s.writeMultistatus(w, r, []*responseXML{response})
}

// Proppatch describes a property update instruction as defined in RFC 4918.
// See http://www.webdav.org/specs/rfc4918.html#METHOD_PROPPATCH
type Proppatch struct {
	// Remove specifies whether this patch removes properties. If it does not
	// remove them, it sets them.
	Remove bool
	// Props contains the properties to be set or removed.
	Props []props.PropertyXML
}

type xmlValue []byte

func (v *xmlValue) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	// The XML value of a property can be arbitrary, mixed-content XML.
	// To make sure that the unmarshalled value contains all required
	// namespaces, we encode all the property value XML tokens into a
	// buffer. This forces the encoder to redeclare any used namespaces.
	var b bytes.Buffer
	e := xml.NewEncoder(&b)
	for {
		t, err := props.Next(d)
		if err != nil {
			return err
		}
		if e, ok := t.(xml.EndElement); ok && e.Name == start.Name {
			break
		}
		if err = e.EncodeToken(t); err != nil {
			return err
		}
	}
	if err := e.Flush(); err != nil {
		return err
	}
	*v = b.Bytes()
	return nil
}

// http://www.webdav.org/specs/rfc4918.html#ELEMENT_prop (for proppatch)
type proppatchProps []props.PropertyXML

// UnmarshalXML appends the property names and values enclosed within start
// to ps.
//
// An xml:lang attribute that is defined either on the DAV:prop or property
// name XML element is propagated to the property's Lang field.
//
// UnmarshalXML returns an error if start does not contain any properties or if
// property values contain syntactically incorrect XML.
func (ps *proppatchProps) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	lang := xmlLang(start, "")
	for {
		t, err := props.Next(d)
		if err != nil {
			return err
		}
		switch elem := t.(type) {
		case xml.EndElement:
			if len(*ps) == 0 {
				return fmt.Errorf("%s must not be empty", start.Name.Local)
			}
			return nil
		case xml.StartElement:
			p := props.PropertyXML{
				XMLName: elem.Name,
				Lang:    xmlLang(elem, lang),
			}
			if err := d.DecodeElement((*xmlValue)(&p.InnerXML), &elem); err != nil {
				return err
			}
			*ps = append(*ps, p)
		}
	}
}

// http://www.webdav.org/specs/rfc4918.html#ELEMENT_set
// http://www.webdav.org/specs/rfc4918.html#ELEMENT_remove
type setRemove struct {
	XMLName xml.Name
	Lang    string         `xml:"xml:lang,attr,omitempty"`
	Prop    proppatchProps `xml:"DAV: prop"`
}

// http://www.webdav.org/specs/rfc4918.html#ELEMENT_propertyupdate
type propertyupdate struct {
	XMLName   xml.Name    `xml:"DAV: propertyupdate"`
	Lang      string      `xml:"xml:lang,attr,omitempty"`
	SetRemove []setRemove `xml:",any"`
}

func readProppatch(r io.Reader) (patches []Proppatch, status int, err error) {
	var pu propertyupdate
	if err = xml.NewDecoder(r).Decode(&pu); err != nil {
		return nil, http.StatusBadRequest, err
	}
	for _, op := range pu.SetRemove {
		remove := false
		switch op.XMLName {
		case xml.Name{Space: net.NsDav, Local: "set"}:
			// No-op.
		case xml.Name{Space: net.NsDav, Local: "remove"}:
			for _, p := range op.Prop {
				if len(p.InnerXML) > 0 {
					return nil, http.StatusBadRequest, errors.ErrInvalidProppatch
				}
			}
			remove = true
		default:
			return nil, http.StatusBadRequest, errors.ErrInvalidProppatch
		}
		patches = append(patches, Proppatch{Remove: remove, Props: op.Prop})
	}
	return patches, 0, nil
}

var xmlLangName = xml.Name{Space: "http://www.w3.org/XML/1998/namespace", Local: "lang"}

func xmlLang(s xml.StartElement, d string) string {
	for _, attr := range s.Attr {
		if attr.Name == xmlLangName {
			return attr.Value
		}
	}
	return d
}
