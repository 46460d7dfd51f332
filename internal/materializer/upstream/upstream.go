// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package upstream is the Upstream Client external collaborator,
// specified only at its interface: given a document handle, return
// bytes plus metadata; may fail transiently (timeout, 5xx) or
// permanently (4xx). HTTPClient implements it against a court portal
// reachable over plain HTTP(S), built the same way the rest of this
// codebase constructs outbound clients: an explicit *http.Client with
// a bounded per-attempt timeout and TLS verification always enabled.
package upstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ErrorClass flavors an error for logging; it never gates the retry
// loop (the Worker retries up to R regardless per the resolved open
// question in SPEC_FULL.md §9).
type ErrorClass string

const (
	ClassTimeout    ErrorClass = "TIMEOUT"
	ClassConnect    ErrorClass = "CONNECT_ERROR"
	ClassHTTPStatus ErrorClass = "HTTP_STATUS"
	ClassOther      ErrorClass = "OTHER"
)

// FetchError wraps a failed fetch with its classification and, when
// available, the HTTP status observed.
type FetchError struct {
	Class      ErrorClass
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream fetch failed (%s, status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream fetch failed (%s): %v", e.Class, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ProcessMetadata is the upstream representation of a process and its
// document listing, as returned by FetchProcessMetadata.
type ProcessMetadata struct {
	ProcessNumber string
	Court         string
	Subject       string
	Summary       []byte
	Documents     []DocumentHandle
}

// DocumentHandle identifies one document as known to the upstream
// portal, before it has been downloaded.
type DocumentHandle struct {
	DocumentID   string
	Name         string
	MimeType     string
	SourceHandle string // opaque pointer the Client uses to fetch bytes
}

// FetchedDocument is the result of downloading one document's bytes.
type FetchedDocument struct {
	Data     []byte
	MimeType string
	Size     int64
}

// Client is the boundary the Scheduler (metadata) and Worker (bytes)
// depend on.
type Client interface {
	FetchProcessMetadata(ctx context.Context, processNumber string) (*ProcessMetadata, error)
	FetchDocument(ctx context.Context, sourceHandle string) (*FetchedDocument, error)
}

// HTTPClient implements Client against a court portal API reachable at
// BaseURL, e.g. "https://portal.justice.example/api".
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPClient builds an HTTPClient with the given per-attempt
// timeout and TLS verification always enabled — there is no
// InsecureSkipVerify knob here, matching the no-bypass requirement the
// Webhook Dispatcher also enforces.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		ForceAttemptHTTP2: true,
	}
	return &HTTPClient{
		BaseURL: baseURL,
		HTTP: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

type portalProcessResponse struct {
	ProcessNumber string `json:"process_number"`
	Court         string `json:"court"`
	Subject       string `json:"subject"`
	Summary       json.RawMessage `json:"summary"`
	Documents     []struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		MimeType     string `json:"mime_type"`
		SourceHandle string `json:"source_handle"`
	} `json:"documents"`
}

// FetchProcessMetadata retrieves process attributes and the document
// listing from GET {BaseURL}/processes/{processNumber}.
func (c *HTTPClient) FetchProcessMetadata(ctx context.Context, processNumber string) (*ProcessMetadata, error) {
	u := fmt.Sprintf("%s/processes/%s", c.BaseURL, url.PathEscape(processNumber))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &FetchError{Class: ClassOther, Err: err}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{Class: ClassHTTPStatus, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status")}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Class: ClassOther, Err: err}
	}
	var parsed portalProcessResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &FetchError{Class: ClassOther, Err: fmt.Errorf("decode process metadata: %w", err)}
	}
	out := &ProcessMetadata{
		ProcessNumber: parsed.ProcessNumber,
		Court:         parsed.Court,
		Subject:       parsed.Subject,
		Summary:       []byte(parsed.Summary),
	}
	for _, d := range parsed.Documents {
		out.Documents = append(out.Documents, DocumentHandle{
			DocumentID:   d.ID,
			Name:         d.Name,
			MimeType:     d.MimeType,
			SourceHandle: d.SourceHandle,
		})
	}
	return out, nil
}

// FetchDocument retrieves document bytes from GET {sourceHandle}
// (already an absolute URL resolved by the portal) and reports its
// mime type from the Content-Type response header.
func (c *HTTPClient) FetchDocument(ctx context.Context, sourceHandle string) (*FetchedDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceHandle, nil)
	if err != nil {
		return nil, &FetchError{Class: ClassOther, Err: err}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{Class: ClassHTTPStatus, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status")}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Class: ClassOther, Err: err}
	}
	return &FetchedDocument{
		Data:     data,
		MimeType: resp.Header.Get("Content-Type"),
		Size:     int64(len(data)),
	}, nil
}

func classifyTransportError(err error) *FetchError {
	var nerr net.Error
	if e, ok := err.(net.Error); ok {
		nerr = e
		if nerr.Timeout() {
			return &FetchError{Class: ClassTimeout, Err: err}
		}
	}
	return &FetchError{Class: ClassConnect, Err: err}
}
