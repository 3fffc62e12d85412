package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"

	"stevedore/internal/ref"
	"stevedore/internal/store"
	"stevedore/internal/upstream"
)

// Docker v2 media types, alongside the OCI ones from image-spec.
const (
	mediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	mediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// manifestBody is an opportunistic subset of both manifest shapes:
// indices carry Manifests, single-image manifests carry Config and
// Layers. MediaType decides which fields are meaningful.
type manifestBody struct {
	MediaType string               `json:"mediaType"`
	Manifests []ocispec.Descriptor `json:"manifests"`
	Config    *ocispec.Descriptor  `json:"config"`
	Layers    []ocispec.Descriptor `json:"layers"`
}

// ImportManifest fetches a manifest from upstream by digest, persists it
// under the manifest key, and replies with the stored copy wrapped in the
// upstream status and headers. Unsuccessful or bodyless upstream replies
// pass through unstored.
func (m *Mirror) ImportManifest(ctx context.Context, repository string, dgst digest.Digest) (*Response, error) {
	resp, err := m.upstream.Fetch(ctx, repository, "manifests/"+dgst.String(), nil)
	if err != nil {
		return nil, err
	}
	if !okStatus(resp.StatusCode) || resp.Body == nil || resp.Body == http.NoBody {
		return upstreamResponse(resp), nil
	}

	key := store.ManifestKey(repository, dgst)
	err = m.store.Write(ctx, key, resp.Body, store.Metadata{
		ContentType:     resp.Header.Get("Content-Type"),
		ContentEncoding: resp.Header.Get("Content-Encoding"),
		ContentLength:   resp.ContentLength,
		Checksum:        dgst,
	})
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to store manifest %s: %w", dgst, err)
	}

	log.Info().Str("repository", repository).Str("digest", dgst.String()).Msg("Manifest imported")

	return m.reply(ctx, key, resp)
}

// ImportBlob fetches a blob from upstream by digest and persists it,
// splitting the transfer into ranged parts when it exceeds the part
// size. Unsuccessful or bodyless upstream replies pass through unstored.
func (m *Mirror) ImportBlob(ctx context.Context, repository string, dgst digest.Digest) (*Response, error) {
	resp, err := m.upstream.Fetch(ctx, repository, "blobs/"+dgst.String(), nil)
	if err != nil {
		return nil, err
	}
	if !okStatus(resp.StatusCode) || resp.Body == nil || resp.Body == http.NoBody {
		return upstreamResponse(resp), nil
	}

	key := store.BlobKey(repository, dgst)
	meta := store.Metadata{
		ContentType:     resp.Header.Get("Content-Type"),
		ContentEncoding: resp.Header.Get("Content-Encoding"),
		ContentLength:   resp.ContentLength,
		Checksum:        dgst,
	}

	if resp.ContentLength > m.partSize {
		resp.Body.Close()
		if err := m.importBlobChunked(ctx, repository, dgst, key, resp.ContentLength, meta); err != nil {
			return nil, err
		}
	} else {
		err = m.store.Write(ctx, key, resp.Body, meta)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to store blob %s: %w", dgst, err)
		}
	}

	log.Info().Str("repository", repository).Str("digest", dgst.String()).Int64("size", resp.ContentLength).Msg("Blob imported")

	return m.reply(ctx, key, resp)
}

// importBlobChunked ingests a large blob through a multipart write, one
// ranged upstream fetch per part in ascending order. Any part failure
// aborts the upload so no partial object becomes visible.
func (m *Mirror) importBlobChunked(ctx context.Context, repository string, dgst digest.Digest, key string, contentLength int64, meta store.Metadata) (err error) {
	upload, err := m.store.BeginMultipart(ctx, key, meta)
	if err != nil {
		return fmt.Errorf("failed to begin multipart write for %s: %w", dgst, err)
	}
	defer func() {
		if err != nil {
			if abortErr := upload.Abort(ctx); abortErr != nil {
				log.Error().Err(abortErr).Str("digest", dgst.String()).Msg("Failed to abort multipart upload")
			}
		}
	}()

	var tokens []store.PartToken
	for i := 0; int64(i)*m.partSize < contentLength; i++ {
		start := int64(i) * m.partSize
		end := start + m.partSize - 1
		if end > contentLength-1 {
			end = contentLength - 1
		}

		header := http.Header{}
		header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
		part, fetchErr := m.upstream.Fetch(ctx, repository, "blobs/"+dgst.String(), &upstream.Options{Header: header})
		if fetchErr != nil {
			err = fmt.Errorf("failed to fetch part %d of blob %s: %w", i, dgst, fetchErr)
			return err
		}
		if !okStatus(part.StatusCode) || part.Body == nil || part.Body == http.NoBody {
			if part.Body != nil {
				part.Body.Close()
			}
			err = fmt.Errorf("upstream returned status %d for part %d of blob %s", part.StatusCode, i, dgst)
			return err
		}

		token, writeErr := upload.WritePart(ctx, i, part.Body)
		part.Body.Close()
		if writeErr != nil {
			err = fmt.Errorf("failed to write part %d of blob %s: %w", i, dgst, writeErr)
			return err
		}
		tokens = append(tokens, token)
	}

	if completeErr := upload.Complete(ctx, tokens); completeErr != nil {
		err = fmt.Errorf("failed to complete multipart write for %s: %w", dgst, completeErr)
		return err
	}
	return nil
}

// reply re-reads the freshly stored object and wraps it in the upstream
// status and headers. An empty re-read is a transient store
// inconsistency, answered as not found rather than retried.
func (m *Mirror) reply(ctx context.Context, key string, resp *http.Response) (*Response, error) {
	obj, err := m.store.Read(ctx, key, nil)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		log.Warn().Str("key", key).Msg("Object missing immediately after write")
		return ErrorResponse(http.StatusNotFound, CodeNotFound, "stored object not found"), nil
	}
	return storedResponse(resp, obj), nil
}

// ImportAll imports the manifest at dgst and everything it references:
// indices recurse into each platform manifest, single-image manifests
// pull the config and every layer. Traversal is depth-first and
// sequential, and already-present blobs are not fetched again.
func (m *Mirror) ImportAll(ctx context.Context, repository string, dgst digest.Digest) error {
	return m.importGraph(ctx, repository, dgst, 0)
}

func (m *Mirror) importGraph(ctx context.Context, repository string, dgst digest.Digest, depth int) error {
	if depth >= m.maxDepth {
		return fmt.Errorf("manifest graph at %s exceeds depth limit %d", dgst, m.maxDepth)
	}

	resp, err := m.ImportManifest(ctx, repository, dgst)
	if err != nil {
		return err
	}
	if !resp.OK() {
		resp.Close()
		return fmt.Errorf("upstream returned status %d for manifest %s", resp.StatusCode, dgst)
	}

	var body []byte
	if resp.Body != nil {
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to read manifest %s: %w", dgst, err)
		}
	}

	var manifest manifestBody
	if err := json.Unmarshal(body, &manifest); err != nil {
		return fmt.Errorf("failed to parse manifest %s: %w", dgst, err)
	}

	switch manifest.MediaType {
	case ocispec.MediaTypeImageIndex, mediaTypeDockerManifestList:
		for _, desc := range manifest.Manifests {
			child, ok := ref.ParseDigest(desc.Digest.String())
			if !ok {
				return fmt.Errorf("invalid digest %q in index %s", desc.Digest, dgst)
			}
			if err := m.importGraph(ctx, repository, child, depth+1); err != nil {
				return err
			}
		}

	case ocispec.MediaTypeImageManifest, mediaTypeDockerManifest:
		descriptors := manifest.Layers
		if manifest.Config != nil {
			descriptors = append([]ocispec.Descriptor{*manifest.Config}, manifest.Layers...)
		}
		for _, desc := range descriptors {
			blob, ok := ref.ParseDigest(desc.Digest.String())
			if !ok {
				return fmt.Errorf("invalid digest %q in manifest %s", desc.Digest, dgst)
			}
			if err := m.importBlobIfAbsent(ctx, repository, blob); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("cannot import manifest %s: unrecognized media type %q", dgst, manifest.MediaType)
	}

	return nil
}

// importBlobIfAbsent imports a blob unless the store already has it. The
// existence check is key-only; stored content is never re-verified.
func (m *Mirror) importBlobIfAbsent(ctx context.Context, repository string, dgst digest.Digest) error {
	exists, err := m.store.Exists(ctx, store.BlobKey(repository, dgst))
	if err != nil {
		return err
	}
	if exists {
		log.Debug().Str("repository", repository).Str("digest", dgst.String()).Msg("Blob already present, skipping import")
		return nil
	}

	resp, err := m.ImportBlob(ctx, repository, dgst)
	if err != nil {
		return err
	}
	resp.Close()
	if !resp.OK() {
		return fmt.Errorf("upstream returned status %d for blob %s", resp.StatusCode, dgst)
	}
	return nil
}

// Import eagerly copies the whole manifest graph behind a tag into the
// store, then persists the tag mapping. It returns the digest the tag
// resolved to.
func (m *Mirror) Import(ctx context.Context, repository string, tag ref.Tag) (digest.Digest, error) {
	dgst, err := m.lookupTagUpstream(ctx, repository, tag)
	if err != nil {
		return "", err
	}
	if dgst == "" {
		return "", fmt.Errorf("cannot resolve tag %q in %s against upstream", tag, repository)
	}

	if err := m.ImportAll(ctx, repository, dgst); err != nil {
		return "", err
	}

	if err := m.writeTagMapping(ctx, repository, tag, dgst); err != nil {
		return "", err
	}

	log.Info().Str("repository", repository).Str("tag", string(tag)).Str("digest", dgst.String()).Msg("Image imported")
	return dgst, nil
}
