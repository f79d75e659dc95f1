// Package httpcache implements the "http" remote cache backend. Entries are
// addressed as <url><key>: GET retrieves, PUT stores. Any server speaking
// plain HTTP with those verbs can serve as a build cache.
package httpcache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/forgebuild/buildcache"
)

// TypeID is the backend type identifier this package registers under.
const TypeID = "http"

// defaultTimeout bounds each request; a cache lookup that takes longer than
// this is slower than rebuilding.
const defaultTimeout = 30 * time.Second

// Factory builds an HTTP cache backend from remote descriptor settings.
//
// Settings: "url" (required), "username"/"password" for basic auth,
// "timeout" (default 30s), "allow_untrusted" to skip TLS verification, and
// "header.<Name>" entries for extra request headers.
func Factory(ctx context.Context, settings buildcache.Settings) (buildcache.Service, error) {
	rawURL := settings.String("url", "")
	if rawURL == "" {
		return nil, errors.New("httpcache: \"url\" setting is required")
	}
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("httpcache: invalid url %q: %w", rawURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("httpcache: unsupported scheme %q", base.Scheme)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	client := &http.Client{Timeout: settings.Duration("timeout", defaultTimeout)}
	if settings.Bool("allow_untrusted", false) {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	headers := http.Header{}
	for key, value := range settings {
		if name, ok := strings.CutPrefix(key, "header."); ok {
			if v, ok := value.(string); ok {
				headers.Set(name, v)
			}
		}
	}

	return &Backend{
		base:     base,
		client:   client,
		username: settings.String("username", ""),
		password: settings.String("password", ""),
		headers:  headers,
	}, nil
}

// Backend is an HTTP cache client. Safe for concurrent use.
type Backend struct {
	base     *url.URL
	client   *http.Client
	username string
	password string
	headers  http.Header
}

var _ buildcache.Service = (*Backend)(nil)

// Get fetches an entry. 404 and 410 are misses; any other non-200 status is
// an error.
func (b *Backend) Get(ctx context.Context, key buildcache.Key) (io.ReadCloser, int64, bool, error) {
	req, err := b.newRequest(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, 0, false, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, 0, false, fmt.Errorf("httpcache: get %q: %w", key, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, resp.ContentLength, false, nil
	case http.StatusNotFound, http.StatusGone:
		drain(resp)
		return nil, 0, true, nil
	default:
		drain(resp)
		return nil, 0, false, fmt.Errorf("httpcache: get %q: unexpected status %s", key, resp.Status)
	}
}

// Put uploads an entry. Any 2xx status is success.
func (b *Backend) Put(ctx context.Context, key buildcache.Key, body io.Reader, size int64) error {
	req, err := b.newRequest(ctx, http.MethodPut, key, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("httpcache: put %q: %w", key, err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("httpcache: put %q: unexpected status %s", key, resp.Status)
	}
	return nil
}

// Close releases idle connections.
func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// URL returns the normalized base URL entries are addressed under.
func (b *Backend) URL() string { return b.base.String() }

func (b *Backend) newRequest(ctx context.Context, method string, key buildcache.Key, body io.Reader) (*http.Request, error) {
	entryURL := b.base.JoinPath(string(key))
	req, err := http.NewRequestWithContext(ctx, method, entryURL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("httpcache: build request for %q: %w", key, err)
	}
	for name, values := range b.headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if b.username != "" || b.password != "" {
		req.SetBasicAuth(b.username, b.password)
	}
	return req, nil
}

// drain discards and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
