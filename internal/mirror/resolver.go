package mirror

import (
	"context"
	"net/http"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog/log"

	"stevedore/internal/store"
)

// ServeManifest answers a manifest request for a resolved digest,
// populating the store from upstream on a miss.
func (m *Mirror) ServeManifest(ctx context.Context, method, repository string, dgst digest.Digest, opts *store.ReadOptions) (*Response, error) {
	key := store.ManifestKey(repository, dgst)
	return m.resolve(ctx, method, CodeManifestUnknown,
		func(ctx context.Context) (*Response, error) {
			return m.readObject(ctx, method, key, dgst, opts)
		},
		func(ctx context.Context) (*Response, error) {
			return m.ImportManifest(ctx, repository, dgst)
		},
	)
}

// ServeBlob answers a blob request for a digest, populating the store
// from upstream on a miss.
func (m *Mirror) ServeBlob(ctx context.Context, method, repository string, dgst digest.Digest, opts *store.ReadOptions) (*Response, error) {
	key := store.BlobKey(repository, dgst)
	return m.resolve(ctx, method, CodeBlobUnknown,
		func(ctx context.Context) (*Response, error) {
			return m.readObject(ctx, method, key, dgst, opts)
		},
		func(ctx context.Context) (*Response, error) {
			return m.ImportBlob(ctx, repository, dgst)
		},
	)
}

// readObject reads a key from the store and renders it; (nil, nil)
// signals a miss.
func (m *Mirror) readObject(ctx context.Context, method, key string, dgst digest.Digest, opts *store.ReadOptions) (*Response, error) {
	obj, err := m.store.Read(ctx, key, opts)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, nil
	}
	return objectResponse(method, dgst, obj), nil
}

// resolve is the pull-through decision: serve from the store, or
// populate from upstream and serve the fresh copy. A miss costs exactly
// one upstream fetch.
//
// HEAD needs a second store read after populating: the populate response
// reflects a GET-shaped object, not the empty-bodied reply a HEAD
// expects. If even the re-read misses, the key is reported unknown.
func (m *Mirror) resolve(ctx context.Context, method, missCode string, read, populate func(context.Context) (*Response, error)) (*Response, error) {
	resp, err := read(ctx)
	if err != nil {
		return nil, err
	}
	if resp != nil {
		return resp, nil
	}

	if method == http.MethodHead {
		populated, err := populate(ctx)
		if err != nil {
			return nil, err
		}
		if !populated.OK() {
			return populated, nil
		}
		populated.Close()

		resp, err = read(ctx)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			log.Warn().Str("code", missCode).Msg("Store still empty after populate")
			return ErrorResponse(http.StatusNotFound, missCode, "content unknown to registry"), nil
		}
		return resp, nil
	}

	return populate(ctx)
}
