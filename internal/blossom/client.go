package blossom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tendant/simple-thumbnail-dvm/pkg/dvm"
)

// ErrStatus is returned when the blob server answers with a non-2xx status
var ErrStatus = errors.New("unexpected blossom status")

// Client talks to a single Blossom server. Every call issues its own token
// immediately before the request.
type Client struct {
	baseURL    string
	issuer     *Issuer
	httpClient *http.Client
}

// NewClient creates a new Blossom client
func NewClient(baseURL string, issuer *Issuer) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		issuer:  issuer,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// Upload sends the file at path to PUT /upload
func (c *Client) Upload(ctx context.Context, path string, contentType string) (*dvm.BlobDescriptor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}

	token, err := c.issuer.Upload(info.Size())
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/upload", file)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", token.Header())

	var blob dvm.BlobDescriptor
	if err := c.do(req, &blob); err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", path, err)
	}
	return &blob, nil
}

// List returns all blobs owned by pubkey
func (c *Client) List(ctx context.Context, pubkey string) ([]dvm.BlobDescriptor, error) {
	token, err := c.issuer.List()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/list/%s", c.baseURL, pubkey), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", token.Header())

	var blobs []dvm.BlobDescriptor
	if err := c.do(req, &blobs); err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	return blobs, nil
}

// Delete removes the blob with the given sha256
func (c *Client) Delete(ctx context.Context, sha256 string) error {
	token, err := c.issuer.Delete(sha256)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/%s", c.baseURL, sha256), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", token.Header())

	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", sha256, err)
	}
	return nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reason := resp.Header.Get("X-Reason")
		if reason == "" {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			reason = strings.TrimSpace(string(body))
		}
		return fmt.Errorf("%w %d: %s", ErrStatus, resp.StatusCode, reason)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
