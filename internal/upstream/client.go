// Package upstream talks to the authoritative registry the cache pulls
// from.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"

	"github.com/rs/zerolog/log"
)

// Config holds the upstream registry settings.
type Config struct {
	// URL is the registry base: scheme, host, and an optional path
	// prefix inserted ahead of the repository in /v2/ requests.
	URL string
	// Auth, when set, is sent verbatim as the Authorization header.
	Auth string
}

// Client performs HTTP calls against the configured upstream registry.
// Non-2xx responses are returned to the caller, not converted to errors.
type Client struct {
	base       *url.URL
	prefix     string
	auth       string
	httpClient *http.Client
}

// Options adjust a single Fetch. The zero value means a plain GET.
type Options struct {
	Method string
	Header http.Header
}

// New builds a client from the configuration, parsing the base URL once.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %q: %w", cfg.URL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("upstream URL %q must use http or https", cfg.URL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("upstream URL %q has no host", cfg.URL)
	}

	return &Client{
		base:       base,
		prefix:     base.Path,
		auth:       cfg.Auth,
		httpClient: http.DefaultClient,
	}, nil
}

// Fetch requests /v2/<prefix>/<repository>/<suffix> from the upstream.
// The method and any extra headers (such as Range) pass through
// unchanged; the configured credential and a wildcard Accept header are
// attached.
func (c *Client) Fetch(ctx context.Context, repository, suffix string, opts *Options) (*http.Response, error) {
	method := http.MethodGet
	if opts != nil && opts.Method != "" {
		method = opts.Method
	}

	target := &url.URL{
		Scheme: c.base.Scheme,
		Host:   c.base.Host,
		Path:   path.Join("/v2", c.prefix, repository, suffix),
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}

	if opts != nil {
		for k, vs := range opts.Header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}
	req.Header.Set("Accept", "*/*")
	if c.auth != "" {
		req.Header.Set("Authorization", c.auth)
	}

	log.Debug().Str("method", method).Str("url", target.String()).Msg("Upstream fetch")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	return resp, nil
}
