package mirror

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"stevedore/internal/store"
	"stevedore/internal/upstream"
)

// fakeUpstream is an in-process upstream registry serving canned
// manifests and blobs, recording every request it sees.
type fakeUpstream struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	manifests map[digest.Digest]fakeManifest
	blobs     map[digest.Digest][]byte
	tags      map[string]digest.Digest
	requests  []string // "METHOD path [range]"

	// failPart, when non-empty, makes blob requests carrying this exact
	// Range header fail with failStatus.
	failPart   string
	failStatus int

	// badDigestHeader makes manifest-by-tag responses carry an
	// unparsable Docker-Content-Digest.
	badDigestHeader bool
}

type fakeManifest struct {
	mediaType string
	body      []byte
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	f := &fakeUpstream{
		t:         t,
		manifests: make(map[digest.Digest]fakeManifest),
		blobs:     make(map[digest.Digest][]byte),
		tags:      make(map[string]digest.Digest),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeUpstream) client(t *testing.T) *upstream.Client {
	c, err := upstream.New(upstream.Config{URL: f.server.URL})
	require.NoError(t, err)
	return c
}

func (f *fakeUpstream) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	entry := r.Method + " " + r.URL.Path
	if rng := r.Header.Get("Range"); rng != "" {
		entry += " " + rng
	}
	f.requests = append(f.requests, entry)
	failPart, failStatus, badHeader := f.failPart, f.failStatus, f.badDigestHeader
	f.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/v2/"), "/", 3)
	if len(parts) != 3 {
		http.NotFound(w, r)
		return
	}
	kind, id := parts[1], parts[2]

	switch kind {
	case "manifests":
		dgst := digest.Digest(id)
		if !strings.Contains(id, ":") {
			var ok bool
			dgst, ok = f.tags[id]
			if !ok {
				http.NotFound(w, r)
				return
			}
		}
		m, ok := f.manifests[dgst]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if badHeader {
			w.Header().Set("Docker-Content-Digest", "not a digest!")
		} else {
			w.Header().Set("Docker-Content-Digest", dgst.String())
		}
		w.Header().Set("Content-Type", m.mediaType)
		w.Header().Set("Content-Length", strconv.Itoa(len(m.body)))
		w.Write(m.body)

	case "blobs":
		content, ok := f.blobs[digest.Digest(id)]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if rng := r.Header.Get("Range"); rng != "" {
			if failPart != "" && rng == failPart {
				http.Error(w, "upstream hiccup", failStatus)
				return
			}
			var start, end int64
			_, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
			require.NoError(f.t, err)
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
			w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(content[start : end+1])
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeUpstream) addBlob(content []byte) digest.Digest {
	dgst := digest.FromBytes(content)
	f.blobs[dgst] = content
	return dgst
}

func (f *fakeUpstream) addManifest(mediaType string, body []byte) digest.Digest {
	dgst := digest.FromBytes(body)
	f.manifests[dgst] = fakeManifest{mediaType: mediaType, body: body}
	return dgst
}

func (f *fakeUpstream) tagManifest(tag string, dgst digest.Digest) {
	f.tags[tag] = dgst
}

// countRequests returns how many recorded requests contain substr.
func (f *fakeUpstream) countRequests(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.requests {
		if strings.Contains(req, substr) {
			n++
		}
	}
	return n
}

// blobRanges returns the Range headers of ranged fetches for a blob, in
// request order.
func (f *fakeUpstream) blobRanges(dgst digest.Digest) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ranges []string
	for _, req := range f.requests {
		fields := strings.Fields(req)
		if len(fields) == 3 && strings.HasSuffix(fields[1], "blobs/"+dgst.String()) {
			ranges = append(ranges, fields[2])
		}
	}
	return ranges
}

func newTestMirror(t *testing.T) (*Mirror, *store.FilesystemStore, *fakeUpstream) {
	t.Helper()
	fs, err := store.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	f := newFakeUpstream(t)
	return New(fs, f.client(t)), fs, f
}

func buildImageManifest(t *testing.T, config digest.Digest, configSize int64, layers map[digest.Digest]int64) []byte {
	t.Helper()
	manifest := map[string]any{
		"schemaVersion": 2,
		"mediaType":     ocispec.MediaTypeImageManifest,
		"config": ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    config,
			Size:      configSize,
		},
	}
	descs := make([]ocispec.Descriptor, 0, len(layers))
	for dgst, size := range layers {
		descs = append(descs, ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    dgst,
			Size:      size,
		})
	}
	manifest["layers"] = descs
	body, err := json.Marshal(manifest)
	require.NoError(t, err)
	return body
}

func buildIndex(t *testing.T, children ...digest.Digest) []byte {
	t.Helper()
	descs := make([]ocispec.Descriptor, 0, len(children))
	for _, dgst := range children {
		descs = append(descs, ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageManifest,
			Digest:    dgst,
		})
	}
	body, err := json.Marshal(map[string]any{
		"schemaVersion": 2,
		"mediaType":     ocispec.MediaTypeImageIndex,
		"manifests":     descs,
	})
	require.NoError(t, err)
	return body
}
