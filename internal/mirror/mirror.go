// Package mirror implements the pull-through cache: serving manifests
// and blobs from the content store, populating it from the upstream
// registry on miss, and eagerly importing whole manifest graphs.
package mirror

import (
	"context"
	"net/http"

	"stevedore/internal/store"
	"stevedore/internal/upstream"
)

const (
	// defaultPartSize is the multipart threshold and part size for blob
	// ingestion: 250 MiB.
	defaultPartSize = 250 << 20

	// defaultMaxDepth bounds the manifest graph recursion. The graph is
	// driven by untrusted upstream content; legal images nest at most
	// index -> manifest, so anything deeper is hostile or broken.
	defaultMaxDepth = 8
)

// Fetcher is the upstream registry surface the mirror needs.
type Fetcher interface {
	Fetch(ctx context.Context, repository, suffix string, opts *upstream.Options) (*http.Response, error)
}

// Mirror ties the content store and the upstream registry together.
type Mirror struct {
	store    store.Store
	upstream Fetcher

	partSize int64
	maxDepth int
}

// New creates a mirror over the given store and upstream client.
func New(s store.Store, u Fetcher) *Mirror {
	return &Mirror{
		store:    s,
		upstream: u,
		partSize: defaultPartSize,
		maxDepth: defaultMaxDepth,
	}
}

func okStatus(code int) bool {
	return code >= 200 && code < 300
}
