package mirror

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog/log"

	"stevedore/internal/ref"
	"stevedore/internal/store"
)

// ResolveTag maps a tag to a digest: the cached mapping wins, otherwise
// the upstream registry is consulted and the mapping persisted. An empty
// digest with a nil error means the tag could not be resolved.
func (m *Mirror) ResolveTag(ctx context.Context, repository string, tag ref.Tag) (digest.Digest, error) {
	obj, err := m.store.Read(ctx, store.TagKey(repository, string(tag)), nil)
	if err != nil {
		return "", err
	}
	if obj != nil {
		defer obj.Close()
		// The stored mapping is trusted as-is; it is only ever written
		// after a successful upstream resolution.
		data, err := io.ReadAll(io.LimitReader(obj.Body, 512))
		if err != nil {
			return "", fmt.Errorf("failed to read tag mapping: %w", err)
		}
		dgst, ok := ref.ParseDigest(strings.TrimSpace(string(data)))
		if !ok {
			log.Warn().Str("repository", repository).Str("tag", string(tag)).Msg("Corrupt tag mapping in store")
			return "", nil
		}
		return dgst, nil
	}

	dgst, err := m.lookupTagUpstream(ctx, repository, tag)
	if err != nil || dgst == "" {
		return "", err
	}
	if err := m.writeTagMapping(ctx, repository, tag, dgst); err != nil {
		return "", err
	}
	return dgst, nil
}

// lookupTagUpstream fetches the manifest by tag from upstream and trusts
// the Docker-Content-Digest response header only after it parses. An
// empty digest with a nil error means upstream could not resolve the
// tag.
func (m *Mirror) lookupTagUpstream(ctx context.Context, repository string, tag ref.Tag) (digest.Digest, error) {
	resp, err := m.upstream.Fetch(ctx, repository, "manifests/"+string(tag), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if !okStatus(resp.StatusCode) {
		log.Debug().Str("repository", repository).Str("tag", string(tag)).Int("status", resp.StatusCode).Msg("Upstream could not resolve tag")
		return "", nil
	}

	dgst, ok := ref.ParseDigest(resp.Header.Get("Docker-Content-Digest"))
	if !ok {
		log.Warn().Str("repository", repository).Str("tag", string(tag)).Msg("Upstream returned no usable content digest")
		return "", nil
	}
	return dgst, nil
}

// writeTagMapping persists tag -> digest. The mapping is not
// content-addressed; concurrent writers race last-writer-wins.
func (m *Mirror) writeTagMapping(ctx context.Context, repository string, tag ref.Tag, dgst digest.Digest) error {
	err := m.store.Write(ctx, store.TagKey(repository, string(tag)), strings.NewReader(dgst.String()), store.Metadata{
		ContentType:   "text/plain",
		ContentLength: int64(len(dgst.String())),
	})
	if err != nil {
		return fmt.Errorf("failed to persist tag mapping: %w", err)
	}
	log.Debug().Str("repository", repository).Str("tag", string(tag)).Str("digest", dgst.String()).Msg("Tag mapping stored")
	return nil
}
