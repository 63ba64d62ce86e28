// Package estuary is a client for an Estuary-style HTTP pinning service:
// POST {host}/content/add with a multipart "data" part, GET {host}/get/{cid}.
package estuary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/starford/crudfs/internal/apperr"
	"github.com/starford/crudfs/internal/blob"
	"github.com/starford/crudfs/internal/contentid"
	"github.com/starford/crudfs/internal/record"
	"github.com/starford/crudfs/internal/storage"
)

// DefaultHost is the public Estuary API.
const DefaultHost = "https://api.estuary.tech"

const maxErrorBody = 4 << 10

// Client implements blob.Backend.
type Client struct {
	host   string
	apiKey string
	http   *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// New returns a client for host authenticated with apiKey.
func New(host, apiKey string, opts ...Option) *Client {
	if host == "" {
		host = DefaultHost
	}
	c := &Client{
		host:   strings.TrimRight(host, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: 10 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put streams the file at rec.Path as the "data" part of a multipart upload.
func (c *Client) Put(ctx context.Context, rec record.Record) error {
	f, err := os.Open(rec.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %w: %s", apperr.ErrIO, apperr.ErrFileNotFound, rec.Path)
		}
		return fmt.Errorf("%w: open %s: %w", apperr.ErrIO, rec.Path, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("data", rec.Filename)
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/content/add", pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return fmt.Errorf("%w: build request: %w", apperr.ErrStoreUnavailable, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: upload %s: %w", apperr.ErrStoreUnavailable, rec.CID, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Get downloads cid into dest atomically.
func (c *Client) Get(ctx context.Context, cid contentid.ID, dest string) (record.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/get/"+cid.String(), nil)
	if err != nil {
		return record.Record{}, fmt.Errorf("%w: build request: %w", apperr.ErrStoreUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return record.Record{}, fmt.Errorf("%w: download %s: %w", apperr.ErrStoreUnavailable, cid, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return record.Record{}, err
	}
	if err := storage.WriteFile(afero.NewOsFs(), dest, resp.Body, 0o644); err != nil {
		return record.Record{}, fmt.Errorf("%w: %w", apperr.ErrIO, err)
	}
	return record.FromFile(dest)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &apperr.StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

var _ blob.Backend = (*Client)(nil)
