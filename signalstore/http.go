// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package signalstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Compile-time interface check.
var _ Store = (*HTTPStore)(nil)

// HTTPStore talks to a rendezvous store over HTTP using the routes
// served by [Server]. Each HTTPStore is bound to one publisher ID; two
// participants of the same room must use distinct IDs or they will
// overwrite each other's blobs.
type HTTPStore struct {
	baseURL   string
	publisher string
	client    *http.Client
}

// NewHTTPStore creates a client for the store at baseURL (scheme and
// host, e.g. "http://rendezvous.example:8723"). An empty publisher gets
// a random UUID, which is the normal case: the publisher ID only needs
// to be distinct between the two participants, not stable.
func NewHTTPStore(baseURL, publisher string, client *http.Client) *HTTPStore {
	if publisher == "" {
		publisher = uuid.NewString()
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPStore{
		baseURL:   strings.TrimRight(baseURL, "/"),
		publisher: publisher,
		client:    client,
	}
}

// Publisher returns the participant ID this client publishes under.
func (s *HTTPStore) Publisher() string { return s.publisher }

func (s *HTTPStore) Get(ctx context.Context, room string) ([][]byte, error) {
	path := s.baseURL + "/v1/rooms/" + url.PathEscape(room) + "/signals"

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("signalstore: building get request: %w", err)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, room, err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		// A store that has never seen the room is equivalent to an
		// empty room.
		return nil, nil
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: get %s: status %d", ErrUnavailable, room, response.StatusCode)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading get response: %v", ErrUnavailable, err)
	}

	var decoded struct {
		Signals [][]byte `json:"signals"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w: parsing get response: %v", ErrUnavailable, err)
	}
	return decoded.Signals, nil
}

func (s *HTTPStore) Set(ctx context.Context, room string, blob []byte) error {
	path := s.baseURL + "/v1/rooms/" + url.PathEscape(room) +
		"/signals/" + url.PathEscape(s.publisher)

	payload, err := json.Marshal(struct {
		Blob []byte `json:"blob"`
	}{Blob: blob})
	if err != nil {
		return fmt.Errorf("signalstore: encoding set request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPut, path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("signalstore: building set request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, room, err)
	}
	defer response.Body.Close()
	io.Copy(io.Discard, response.Body)

	if response.StatusCode != http.StatusNoContent && response.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: set %s: status %d", ErrUnavailable, room, response.StatusCode)
	}
	return nil
}

func (s *HTTPStore) ForceClear(ctx context.Context, room string) error {
	path := s.baseURL + "/v1/rooms/" + url.PathEscape(room)

	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return fmt.Errorf("signalstore: building clear request: %w", err)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("%w: clear %s: %v", ErrUnavailable, room, err)
	}
	defer response.Body.Close()
	io.Copy(io.Discard, response.Body)

	switch response.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("%w: clear %s: status %d", ErrUnavailable, room, response.StatusCode)
	}
}
