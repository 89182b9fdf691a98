package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultPinataURL is the Pinata API base.
const DefaultPinataURL = "https://api.pinata.cloud"

// ErrPublish wraps failures talking to the pinning service.
var ErrPublish = errors.New("ipfs: publish failed")

// PinataClient pins JSON documents through the Pinata pinning API, or any
// service exposing the same pinJSONToIPFS endpoint.
type PinataClient struct {
	baseURL   string
	jwt       string
	apiKey    string
	apiSecret string
	http      *http.Client
}

// PinataOption customises the client.
type PinataOption func(*PinataClient)

// WithJWT authenticates with a scoped bearer token.
func WithJWT(token string) PinataOption {
	return func(c *PinataClient) { c.jwt = strings.TrimSpace(token) }
}

// WithAPIKey authenticates with the legacy key pair.
func WithAPIKey(key, secret string) PinataOption {
	return func(c *PinataClient) {
		c.apiKey = strings.TrimSpace(key)
		c.apiSecret = strings.TrimSpace(secret)
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) PinataOption {
	return func(c *PinataClient) {
		if client != nil {
			c.http = client
		}
	}
}

// NewPinataClient constructs a client for baseURL (DefaultPinataURL when empty).
func NewPinataClient(baseURL string, opts ...PinataOption) *PinataClient {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = DefaultPinataURL
	}
	c := &PinataClient{
		baseURL: base,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type pinJSONRequest struct {
	Content  json.RawMessage `json:"pinataContent"`
	Metadata struct {
		Name string `json:"name,omitempty"`
	} `json:"pinataMetadata"`
	Options struct {
		CIDVersion int `json:"cidVersion"`
	} `json:"pinataOptions"`
}

type pinJSONResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

// Publish pins doc, which must be a JSON document, and returns its CID.
func (c *PinataClient) Publish(ctx context.Context, doc []byte, name string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("%w: client not configured", ErrPublish)
	}
	if !json.Valid(doc) {
		return "", fmt.Errorf("%w: document is not valid JSON", ErrPublish)
	}
	payload := pinJSONRequest{Content: doc}
	payload.Metadata.Name = name
	payload.Options.CIDVersion = 1
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: encode: %w", ErrPublish, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pinning/pinJSONToIPFS", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPublish, err)
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.jwt != "":
		req.Header.Set("Authorization", "Bearer "+c.jwt)
	case c.apiKey != "":
		req.Header.Set("pinata_api_key", c.apiKey)
		req.Header.Set("pinata_secret_api_key", c.apiSecret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPublish, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status=%d body=%s", ErrPublish, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var out pinJSONResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrPublish, err)
	}
	parsed, err := ParseCID(out.IpfsHash)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPublish, err)
	}
	return parsed.String(), nil
}
