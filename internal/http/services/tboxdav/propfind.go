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
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"

	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/errors"
	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/net"
	"github.com/tboxdav/tboxdav/internal/http/services/tboxdav/props"
	"github.com/tboxdav/tboxdav/pkg/appctx"
	"github.com/tboxdav/tboxdav/pkg/storage"
)

func (s *svc) handlePropfind(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	fn, err := s.resolvePath(r.URL.Path)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sublog := appctx.GetLogger(ctx).With().Str("path", fn).Logger()

	depth, err := net.ParseDepth(r.Header.Get(net.HeaderDepth))
	if err != nil {
		sublog.Debug().Err(err).Msg("invalid Depth header value")
		writeError(w, r, http.StatusBadRequest, errors.ErrInvalidDepth.Error())
		return
	}

	pf, status, err := readPropfind(r.Body)
	if err != nil {
		sublog.Debug().Err(err).Msg("error reading propfind request")
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

	if depth == net.DepthInfinity {
		switch s.store.InfiniteDepthMode() {
		case storage.InfiniteDepthRejected:
			if res.IsCollection() {
				writeError(w, r, http.StatusForbidden, "infinite depth propfind is not allowed")
				return
			}
		case storage.InfiniteDepthAssume0:
			depth = net.DepthZero
		case storage.InfiniteDepthAssume1:
			depth = net.DepthOne
		}
	}

	resources := []storage.Resource{res}
	if col, ok := res.(*storage.Collection); ok && depth != net.DepthZero {
		children, err := s.collect(ctx, col, depth == net.DepthInfinity)
		if err != nil {
			sublog.Error().Err(err).Msg("error listing collection")
			writeError(w, r, http.StatusInternalServerError, "error listing collection")
			return
		}
		resources = append(resources, children...)
	}

	responses := make([]*responseXML, 0, len(resources))
	for _, res := range resources {
		responses = append(responses, s.resourceToPropResponse(ctx, &pf, res))
	}
	s.writeMultistatus(w, r, responses)
}

// collect gathers the members of col, parents before children, siblings in
// backend order.
func (s *svc) collect(ctx context.Context, col *storage.Collection, recurse bool) ([]storage.Resource, error) {
	children, err := col.GetChildren(ctx)
	if err != nil {
		return nil, err
	}
	var out []storage.Resource
	for _, child := range children {
		out = append(out, child)
		if sub, ok := child.(*storage.Collection); ok && recurse {
			deeper, err := s.collect(ctx, sub, recurse)
			if err != nil {
				return nil, err
			}
			out = append(out, deeper...)
		}
	}
	return out, nil
}

// resourceToPropResponse builds the response element for one resource: an
// href plus one propstat group per distinct status.
func (s *svc) resourceToPropResponse(ctx context.Context, pf *propfindXML, res storage.Resource) *responseXML {
	response := responseXML{
		Href:     s.hrefFor(ctx, res.Data().FullPath, res.IsCollection()),
		Propstat: []propstatXML{},
	}

	if pf.Propname != nil {
		propstat := propstatXML{Status: statusLine(http.StatusOK)}
		for _, name := range s.props.Names() {
			propstat.Prop = append(propstat.Prop, props.NewProp(propTag(name), ""))
		}
		response.Propstat = append(response.Propstat, propstat)
		return &response
	}

	names := pf.Prop
	if pf.Allprop != nil {
		names = s.props.AllNames()
		names = append(names, pf.Include...)
	}

	byStatus := map[int]*propstatXML{}
	order := []int{}
	for _, name := range names {
		value, status := s.props.GetProperty(ctx, res, name)
		ps, ok := byStatus[status]
		if !ok {
			ps = &propstatXML{Status: statusLine(status)}
			byStatus[status] = ps
			order = append(order, status)
		}
		if status == http.StatusOK {
			ps.Prop = append(ps.Prop, props.NewPropRaw(propTag(name), value))
		} else if pf.Allprop == nil {
			// allprop does not advertise failures for optional properties
			ps.Prop = append(ps.Prop, emptyProp(name))
		}
	}
	for _, status := range order {
		if len(byStatus[status].Prop) > 0 {
			response.Propstat = append(response.Propstat, *byStatus[status])
		}
	}
	return &response
}

// propTag renders a name with its emission prefix.
func propTag(name xml.Name) string {
	return props.Prefix(name.Space) + name.Local
}

// emptyProp keeps foreign namespaces intact on 404/500 propstats.
func emptyProp(name xml.Name) *props.PropertyXML {
	if p := props.Prefix(name.Space); p != "" {
		return props.NewProp(p+name.Local, "")
	}
	return props.NewPropNS(name.Space, name.Local, "")
}

func statusLine(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, http.StatusText(code))
}

// writeMultistatus marshals responses into the 207 body. The root declares
// both namespace prefixes; the Windows 7 client refuses responses without
// them.
func (s *svc) writeMultistatus(w http.ResponseWriter, r *http.Request, responses []*responseXML) {
	log := appctx.GetLogger(r.Context())

	responsesXML, err := xml.Marshal(&responses)
	if err != nil {
		log.Error().Err(err).Msg("error marshaling multistatus")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	msg := `<?xml version="1.0" encoding="utf-8"?><d:multistatus xmlns:d="DAV:" `
	msg += `xmlns:m="urn:schemas-microsoft-com:">`
	msg += string(responsesXML) + `</d:multistatus>`

	w.Header().Set(net.HeaderDav, "1, 2")
	w.Header().Set(net.HeaderContentType, `text/xml; charset="utf-8"`)
	w.WriteHeader(http.StatusMultiStatus)
	if _, err := w.Write([]byte(msg)); err != nil {
		log.Err(err).Msg("error writing response")
	}
}

// from https://github.com/golang/net/blob/e514e69ffb8bc3c76a71ae40de0118d794855992/webdav/xml.go#L178-L205
func readPropfind(r io.Reader) (pf propfindXML, status int, err error) {
	c := countingReader{r: r}
	if err = xml.NewDecoder(&c).Decode(&pf); err != nil {
		if err == io.EOF {
			if c.n == 0 {
				// An empty body means to propfind allprop.
				// http://www.webdav.org/specs/rfc4918.html#METHOD_PROPFIND
				return propfindXML{Allprop: new(struct{})}, 0, nil
			}
			err = errors.ErrInvalidPropfind
		}
		return propfindXML{}, http.StatusBadRequest, err
	}

	if pf.Allprop == nil && pf.Include != nil {
		return propfindXML{}, http.StatusBadRequest, errors.ErrInvalidPropfind
	}
	if pf.Allprop != nil && (pf.Prop != nil || pf.Propname != nil) {
		return propfindXML{}, http.StatusBadRequest, errors.ErrInvalidPropfind
	}
	if pf.Prop != nil && pf.Propname != nil {
		return propfindXML{}, http.StatusBadRequest, errors.ErrInvalidPropfind
	}
	if pf.Propname == nil && pf.Allprop == nil && pf.Prop == nil {
		// <d:prop></d:prop> is perfectly valid ... treat it as allprop
		return propfindXML{Allprop: new(struct{})}, 0, nil
	}
	return pf, 0, nil
}

type countingReader struct {
	n int
	r io.Reader
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

// http://www.webdav.org/specs/rfc4918.html#ELEMENT_prop (for propfind)
type propfindProps []xml.Name

// UnmarshalXML appends the property names enclosed within start to pn.
//
// An element without properties leaves pn empty. It returns an error if
// properties contain values. Character data between properties is ignored.
func (pn *propfindProps) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for {
		t, err := props.Next(d)
		if err != nil {
			return err
		}
		switch e := t.(type) {
		case xml.EndElement:
			return nil
		case xml.StartElement:
			t, err = props.Next(d)
			if err != nil {
				return err
			}
			if _, ok := t.(xml.EndElement); !ok {
				return fmt.Errorf("unexpected token %T", t)
			}
			*pn = append(*pn, e.Name)
		}
	}
}

// http://www.webdav.org/specs/rfc4918.html#ELEMENT_propfind
type propfindXML struct {
	XMLName  xml.Name      `xml:"DAV: propfind"`
	Allprop  *struct{}     `xml:"DAV: allprop"`
	Propname *struct{}     `xml:"DAV: propname"`
	Prop     propfindProps `xml:"DAV: prop"`
	Include  propfindProps `xml:"DAV: include"`
}

type responseXML struct {
	XMLName             xml.Name      `xml:"d:response"`
	Href                string        `xml:"d:href"`
	Propstat            []propstatXML `xml:"d:propstat"`
	Status              string        `xml:"d:status,omitempty"`
	Error               *errors.ErrorXML
	ResponseDescription string `xml:"d:responsedescription,omitempty"`
}

// http://www.webdav.org/specs/rfc4918.html#ELEMENT_propstat
type propstatXML struct {
	// Prop requires DAV: to be the default namespace in the enclosing
	// XML. This is due to the standard encoding/xml package currently
	// not honoring namespace declarations inside a xmltag with a
	// parent element for anonymous slice elements.
	// Use of the multistatus writer takes care of this.
	Prop                []*props.PropertyXML `xml:"d:prop>_ignored_"`
	Status              string               `xml:"d:status"`
	Error               *errors.ErrorXML
	ResponseDescription string `xml:"d:responsedescription,omitempty"`
}
