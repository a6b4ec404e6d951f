package caf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultRemoteTimeout bounds a single object transfer.
const DefaultRemoteTimeout = 60 * time.Second

// RemoteStore talks to a gateway's /objects endpoint.
type RemoteStore struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemoteStore creates a client for the object endpoint under baseURL.
// A nil client gets a default with DefaultRemoteTimeout.
func NewRemoteStore(baseURL string, client *http.Client) *RemoteStore {
	if client == nil {
		client = &http.Client{Timeout: DefaultRemoteTimeout}
	}
	return &RemoteStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

func (r *RemoteStore) objectURL(oid string) string {
	return r.baseURL + "/objects/" + oid
}

// Clean uploads b. The server verifies the body against the oid in the path.
func (r *RemoteStore) Clean(ctx context.Context, b []byte) (string, error) {
	oid := OID(b)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.objectURL(oid), bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("put object %s (%d): %s", oid, resp.StatusCode, string(body))
	}
	return oid, nil
}

// Smudge downloads and verifies an object.
func (r *RemoteStore) Smudge(ctx context.Context, oid string) ([]byte, error) {
	if err := checkOID(oid); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.objectURL(oid), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, notFound(oid)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", oid, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("get object %s (%d): %s", oid, resp.StatusCode, string(body))
	}
	if OID(body) != oid {
		return nil, fmt.Errorf("%w: %s", ErrCorruptObject, oid)
	}
	return body, nil
}

// Exists issues a HEAD request.
func (r *RemoteStore) Exists(ctx context.Context, oid string) (bool, error) {
	if !ValidOID(oid) {
		return false, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, r.objectURL(oid), nil)
	if err != nil {
		return false, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("head object: %w", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode < 300:
		return true, nil
	default:
		return false, fmt.Errorf("head object %s: status %d", oid, resp.StatusCode)
	}
}
