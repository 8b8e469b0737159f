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

package tbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// defaultCallTimeout bounds one backend round trip.
const defaultCallTimeout = 30 * time.Second

// ClientOptions configures the HTTP client against the Tbox REST API.
type ClientOptions struct {
	// BaseURL is the API root, e.g. https://tbox.example.org/api/v1.
	BaseURL string
	// Credentials supplies the bearer material per request.
	Credentials Credentials
	// Timeout bounds a single call; the default is 30s. Chunk uploads and
	// downloads are exempt, they stream under the request context.
	Timeout time.Duration
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client speaks the Tbox REST API. It implements Backend.
type Client struct {
	base    string
	creds   Credentials
	timeout time.Duration
	http    *http.Client
}

// NewClient returns a Backend over the remote API.
func NewClient(opts ClientOptions) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		base:    opts.BaseURL,
		creds:   opts.Credentials,
		timeout: timeout,
		http:    hc,
	}
}

// envelope is the discriminated result wrapper of every API response.
type envelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type entryDTO struct {
	Name       string    `json:"name"`
	ID         string    `json:"id"`
	MimeType   string    `json:"contentType"`
	ETag       string    `json:"eTag"`
	Size       int64     `json:"size"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"creationTime"`
	ModifiedAt time.Time `json:"modificationTime"`
}

func (d *entryDTO) toEntry(path string) *Entry {
	return &Entry{
		Name:       d.Name,
		Path:       path,
		ID:         d.ID,
		MimeType:   d.MimeType,
		ETag:       d.ETag,
		Size:       d.Size,
		IsDir:      d.Type == "dir",
		CreatedAt:  d.CreatedAt,
		ModifiedAt: d.ModifiedAt,
	}
}

type uploadContextDTO struct {
	ConfirmKey string    `json:"confirmKey"`
	Expiration time.Time `json:"expiration"`
	Parts      []struct {
		PartNumber int               `json:"partNumber"`
		URL        string            `json:"url"`
		Headers    map[string]string `json:"headers"`
	} `json:"parts"`
}

func (d *uploadContextDTO) toUploadContext() *UploadContext {
	uctx := &UploadContext{
		ConfirmKey: d.ConfirmKey,
		Expiration: d.Expiration,
		Parts:      make(map[int]PartCredential, len(d.Parts)),
	}
	for _, p := range d.Parts {
		uctx.Parts[p.PartNumber] = PartCredential{PartNumber: p.PartNumber, URL: p.URL, Headers: p.Headers}
	}
	return uctx
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body interface{}) (*http.Request, error) {
	u := c.base + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, payload)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		token, err := c.creds.Token(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "tbox: acquiring credentials")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// call runs one API round trip and decodes the envelope into out.
func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, endpoint, query, body)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Code: CodeServiceUnavailable, Message: err.Error(), Status: http.StatusServiceUnavailable}
	}
	defer res.Body.Close()

	var env envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		if res.StatusCode >= 500 {
			return &Error{Code: CodeServiceUnavailable, Message: res.Status, Status: res.StatusCode}
		}
		return errors.Wrap(err, "tbox: decoding response")
	}
	if res.StatusCode >= 400 || env.Code != "" {
		return &Error{Code: env.Code, Message: env.Message, Status: res.StatusCode}
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return errors.Wrap(err, "tbox: decoding payload")
		}
	}
	return nil
}

func pathQuery(path string) url.Values {
	return url.Values{"path": []string{path}}
}

// GetItem stats one remote entry.
func (c *Client) GetItem(ctx context.Context, path string) (*Entry, error) {
	var dto entryDTO
	if err := c.call(ctx, http.MethodGet, "/item", pathQuery(path), nil, &dto); err != nil {
		return nil, err
	}
	return dto.toEntry(path), nil
}

// ListItems lists a remote directory in server order.
func (c *Client) ListItems(ctx context.Context, path string) ([]*Entry, error) {
	var dtos []entryDTO
	if err := c.call(ctx, http.MethodGet, "/directory", pathQuery(path), nil, &dtos); err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, len(dtos))
	for i := range dtos {
		entries = append(entries, dtos[i].toEntry(path+"/"+dtos[i].Name))
	}
	return entries, nil
}

// CreateDirectory makes a remote directory.
func (c *Client) CreateDirectory(ctx context.Context, path string) error {
	return c.call(ctx, http.MethodPut, "/directory", pathQuery(path), nil, nil)
}

// DeleteItem removes a remote entry, directories included.
func (c *Client) DeleteItem(ctx context.Context, path string) error {
	return c.call(ctx, http.MethodDelete, "/item", pathQuery(path), nil, nil)
}

// MoveItem renames a remote entry server-side.
func (c *Client) MoveItem(ctx context.Context, src, dst string, overwrite bool) error {
	body := map[string]interface{}{"from": src, "to": dst, "overwrite": overwrite}
	return c.call(ctx, http.MethodPost, "/item/move", nil, body, nil)
}

// Download streams the object body, optionally a single byte range.
func (c *Client) Download(ctx context.Context, path, byteRange string) (io.ReadCloser, int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/file", pathQuery(path), nil)
	if err != nil {
		return nil, 0, err
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &Error{Code: CodeServiceUnavailable, Message: err.Error(), Status: http.StatusServiceUnavailable}
	}
	switch res.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return res.Body, res.ContentLength, nil
	case http.StatusNotFound:
		res.Body.Close() // nolint:errcheck
		return nil, 0, &Error{Code: CodeItemNotExist, Message: res.Status, Status: res.StatusCode}
	default:
		res.Body.Close() // nolint:errcheck
		return nil, 0, &Error{Code: CodeServiceUnavailable, Message: res.Status, Status: res.StatusCode}
	}
}

// StartChunkUpload opens a multipart upload and returns the per-part
// credentials together with the confirm key.
func (c *Client) StartChunkUpload(ctx context.Context, path string, chunkCount int) (*UploadContext, error) {
	body := map[string]interface{}{"path": path, "chunkCount": chunkCount}
	var dto uploadContextDTO
	if err := c.call(ctx, http.MethodPost, "/multipart", nil, body, &dto); err != nil {
		return nil, err
	}
	return dto.toUploadContext(), nil
}

// RenewChunkUpload refreshes credentials for the named parts of a running
// multipart upload.
func (c *Client) RenewChunkUpload(ctx context.Context, confirmKey string, parts []int) (*UploadContext, error) {
	body := map[string]interface{}{"parts": parts}
	var dto uploadContextDTO
	if err := c.call(ctx, http.MethodPost, "/multipart/"+url.PathEscape(confirmKey)+"/renew", nil, body, &dto); err != nil {
		return nil, err
	}
	if dto.ConfirmKey == "" {
		dto.ConfirmKey = confirmKey
	}
	return dto.toUploadContext(), nil
}

// UploadChunk pushes one part body to its presigned target. The target URL
// embeds its own authorization; the API credentials are not attached.
func (c *Client) UploadChunk(ctx context.Context, part PartCredential, body io.Reader, length int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, part.URL, body)
	if err != nil {
		return err
	}
	req.ContentLength = length
	for k, v := range part.Headers {
		req.Header.Set(k, v)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return &Error{Code: CodeServiceUnavailable, Message: err.Error(), Status: http.StatusServiceUnavailable}
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		code := CodeServiceUnavailable
		if res.StatusCode < 500 {
			code = CodeInternalServiceError
		}
		return &Error{Code: code, Message: fmt.Sprintf("chunk upload failed: %s", res.Status), Status: res.StatusCode}
	}
	return nil
}

// ConfirmUpload seals a multipart upload; crc64 is optional.
func (c *Client) ConfirmUpload(ctx context.Context, confirmKey, crc64 string) error {
	body := map[string]interface{}{}
	if crc64 != "" {
		body["crc64"] = crc64
	}
	return c.call(ctx, http.MethodPost, "/multipart/"+url.PathEscape(confirmKey)+"/confirm", nil, body, nil)
}

var _ Backend = (*Client)(nil)

// StaticCredentials is a fixed token, typically a personal access token.
type StaticCredentials string

// Token returns the fixed token.
func (s StaticCredentials) Token(_ context.Context) (string, error) {
	return string(s), nil
}

// CredentialsFunc adapts a renewal callback to the Credentials interface.
type CredentialsFunc func(ctx context.Context) (string, error)

// Token invokes the callback.
func (f CredentialsFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// BasicCredentials carries a username/password pair for deployments where
// the remote accepts it as bearer material directly.
type BasicCredentials struct {
	Username string
	Password string
}

// Token renders the static basic credential pair.
func (b *BasicCredentials) Token(_ context.Context) (string, error) {
	if b.Username == "" {
		return "", errors.New("tbox: missing username")
	}
	return b.Username + ":" + b.Password, nil
}
