// Package upload is the HTTP client for the external upload surface. The
// pipeline treats the remote end as a black box: a presign request names a
// storage key, the returned URL accepts the rendition bytes, and the
// public reference is what gets recorded against the protocol.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"protomedia/internal/config"
	"protomedia/internal/faults"
)

const userAgent = "protomedia/0.1.0"

// Target is the result of a presign request.
type Target struct {
	PutURL    string `json:"putUrl"`
	PublicRef string `json:"publicRef"`
}

// Client talks to the upload endpoint configured in [upload].
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient builds a client from configuration. Returns nil when no
// endpoint is configured; callers treat a nil client as upload disabled.
func NewClient(cfg config.Upload) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil
	}
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   strings.TrimSpace(cfg.Token),
		client:  &http.Client{Timeout: timeout},
	}
}

// Presign asks the remote end for an upload target for the given storage
// key.
func (c *Client) Presign(ctx context.Context, key string) (*Target, error) {
	if key == "" {
		return nil, faults.Wrap(faults.ErrValidation, "upload", "presign", "empty storage key", nil)
	}

	body, err := json.Marshal(map[string]string{"key": key})
	if err != nil {
		return nil, faults.Wrap(faults.ErrValidation, "upload", "presign", "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/uploads/presign", bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap(faults.ErrValidation, "upload", "presign", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setCommonHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.ErrTransient, "upload", "presign", "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, classifyStatus("presign", resp)
	}

	var target Target
	if err := json.NewDecoder(resp.Body).Decode(&target); err != nil {
		return nil, faults.Wrap(faults.ErrTransient, "upload", "presign", "decode response", err)
	}
	if target.PutURL == "" {
		return nil, faults.Wrap(faults.ErrTransient, "upload", "presign", "response missing put url", nil)
	}
	return &target, nil
}

// Put transfers rendition bytes to a presigned target.
func (c *Client) Put(ctx context.Context, target *Target, data []byte, mimeType string) error {
	if target == nil || target.PutURL == "" {
		return faults.Wrap(faults.ErrValidation, "upload", "put", "missing upload target", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.PutURL, bytes.NewReader(data))
	if err != nil {
		return faults.Wrap(faults.ErrValidation, "upload", "put", "build request", err)
	}
	req.Header.Set("Content-Type", mimeType)
	req.ContentLength = int64(len(data))
	c.setCommonHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return faults.Wrap(faults.ErrTransient, "upload", "put", "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return classifyStatus("put", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classifyStatus maps HTTP failures onto the retry taxonomy: server-side
// and rate-limit responses are worth retrying, other client errors are
// not.
func classifyStatus(operation string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	detail := fmt.Sprintf("endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))

	marker := faults.ErrValidation
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		marker = faults.ErrTransient
	}
	return faults.Wrap(marker, "upload", operation, detail, nil)
}
