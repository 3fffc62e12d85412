package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"stevedore/internal/config"
	"stevedore/internal/mirror"
	"stevedore/internal/ref"
	"stevedore/internal/store"
)

// MockMirror is a mock implementation of the Mirror interface
type MockMirror struct {
	mock.Mock
}

func (m *MockMirror) ServeManifest(ctx context.Context, method, repository string, dgst digest.Digest, opts *store.ReadOptions) (*mirror.Response, error) {
	args := m.Called(ctx, method, repository, dgst, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*mirror.Response), args.Error(1)
}

func (m *MockMirror) ServeBlob(ctx context.Context, method, repository string, dgst digest.Digest, opts *store.ReadOptions) (*mirror.Response, error) {
	args := m.Called(ctx, method, repository, dgst, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*mirror.Response), args.Error(1)
}

func (m *MockMirror) ResolveTag(ctx context.Context, repository string, tag ref.Tag) (digest.Digest, error) {
	args := m.Called(ctx, repository, tag)
	return args.Get(0).(digest.Digest), args.Error(1)
}

func (m *MockMirror) Import(ctx context.Context, repository string, tag ref.Tag) (digest.Digest, error) {
	args := m.Called(ctx, repository, tag)
	return args.Get(0).(digest.Digest), args.Error(1)
}

func createTestServer(t *testing.T) (*Server, *MockMirror) {
	t.Helper()
	m := &MockMirror{}
	cfg := &config.Config{}
	cfg.Server.Port = 8080
	return NewServer(cfg, m), m
}

func okResponse(body []byte) *mirror.Response {
	header := http.Header{}
	header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	return &mirror.Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

func testDigest(t *testing.T) digest.Digest {
	t.Helper()
	return digest.FromString("test content")
}

func decodeErrors(t *testing.T, body *bytes.Buffer) []map[string]any {
	t.Helper()
	var envelope struct {
		Errors []map[string]any `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(body.Bytes(), &envelope))
	return envelope.Errors
}

func TestServer_HandleBase(t *testing.T) {
	server, _ := createTestServer(t)

	for _, path := range []string{"/", "/v2/"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()

		server.mux.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "registry/2.0", w.Header().Get("Docker-Distribution-API-Version"))
	}
}

func TestServer_UnmatchedRoute(t *testing.T) {
	server, _ := createTestServer(t)

	req := httptest.NewRequest("GET", "/nope", nil)
	w := httptest.NewRecorder()

	server.mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	errs := decodeErrors(t, w.Body)
	require.Len(t, errs, 1)
	assert.Equal(t, "NOT_FOUND", errs[0]["code"])
}

func TestServer_HandleManifest_ByDigest(t *testing.T) {
	server, m := createTestServer(t)
	dgst := testDigest(t)
	manifestData := []byte(`{"schemaVersion":2}`)

	m.On("ServeManifest", mock.Anything, "GET", "myapp", dgst, (*store.ReadOptions)(nil)).
		Return(okResponse(manifestData), nil)

	req := httptest.NewRequest("GET", fmt.Sprintf("/v2/myapp/manifests/%s", dgst), nil)
	req.SetPathValue("name", "myapp")
	req.SetPathValue("reference", dgst.String())
	w := httptest.NewRecorder()

	server.handleManifest(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, manifestData, w.Body.Bytes())
	m.AssertExpectations(t)
}

func TestServer_HandleManifest_ByTag(t *testing.T) {
	server, m := createTestServer(t)
	dgst := testDigest(t)
	manifestData := []byte(`{"schemaVersion":2}`)

	m.On("ResolveTag", mock.Anything, "myapp", ref.Tag("latest")).Return(dgst, nil)
	m.On("ServeManifest", mock.Anything, "GET", "myapp", dgst, (*store.ReadOptions)(nil)).
		Return(okResponse(manifestData), nil)

	req := httptest.NewRequest("GET", "/v2/myapp/manifests/latest", nil)
	req.SetPathValue("name", "myapp")
	req.SetPathValue("reference", "latest")
	w := httptest.NewRecorder()

	server.handleManifest(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, manifestData, w.Body.Bytes())
	m.AssertExpectations(t)
}

func TestServer_HandleManifest_UnresolvableTag(t *testing.T) {
	server, m := createTestServer(t)

	m.On("ResolveTag", mock.Anything, "myapp", ref.Tag("ghost")).Return(digest.Digest(""), nil)

	req := httptest.NewRequest("GET", "/v2/myapp/manifests/ghost", nil)
	req.SetPathValue("name", "myapp")
	req.SetPathValue("reference", "ghost")
	w := httptest.NewRecorder()

	server.handleManifest(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	errs := decodeErrors(t, w.Body)
	require.Len(t, errs, 1)
	assert.Equal(t, "MANIFEST_UNKNOWN", errs[0]["code"])
	m.AssertExpectations(t)
}

func TestServer_HandleManifest_InvalidReference(t *testing.T) {
	server, _ := createTestServer(t)

	req := httptest.NewRequest("GET", "/v2/myapp/manifests/bad..ref!", nil)
	req.SetPathValue("name", "myapp")
	req.SetPathValue("reference", "bad ref!")
	w := httptest.NewRecorder()

	server.handleManifest(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	errs := decodeErrors(t, w.Body)
	require.Len(t, errs, 1)
	assert.Equal(t, "MANIFEST_UNKNOWN", errs[0]["code"])
}

func TestServer_HandleBlob_InvalidDigest(t *testing.T) {
	server, _ := createTestServer(t)

	req := httptest.NewRequest("GET", "/v2/myapp/blobs/latest", nil)
	req.SetPathValue("name", "myapp")
	req.SetPathValue("digest", "latest")
	w := httptest.NewRecorder()

	server.handleBlob(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	errs := decodeErrors(t, w.Body)
	require.Len(t, errs, 1)
	assert.Equal(t, "BLOB_UNKNOWN", errs[0]["code"])
}

func TestServer_HandleBlob_Success(t *testing.T) {
	server, m := createTestServer(t)
	dgst := testDigest(t)
	blobData := []byte("blob bytes")

	m.On("ServeBlob", mock.Anything, "GET", "myapp", dgst, (*store.ReadOptions)(nil)).
		Return(okResponse(blobData), nil)

	req := httptest.NewRequest("GET", fmt.Sprintf("/v2/myapp/blobs/%s", dgst), nil)
	req.SetPathValue("name", "myapp")
	req.SetPathValue("digest", dgst.String())
	w := httptest.NewRecorder()

	server.handleBlob(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, blobData, w.Body.Bytes())
	m.AssertExpectations(t)
}

func TestServer_HandleBlob_RangeHeaderForwarded(t *testing.T) {
	server, m := createTestServer(t)
	dgst := testDigest(t)

	expected := &store.ReadOptions{Range: &store.ByteRange{Offset: 0, Length: 10}}
	m.On("ServeBlob", mock.Anything, "GET", "myapp", dgst, expected).
		Return(okResponse(nil), nil)

	req := httptest.NewRequest("GET", fmt.Sprintf("/v2/myapp/blobs/%s", dgst), nil)
	req.Header.Set("Range", "bytes=0-9")
	req.SetPathValue("name", "myapp")
	req.SetPathValue("digest", dgst.String())
	w := httptest.NewRecorder()

	server.handleBlob(w, req)

	m.AssertExpectations(t)
}

func TestServer_HandleBlob_MirrorError(t *testing.T) {
	server, m := createTestServer(t)
	dgst := testDigest(t)

	m.On("ServeBlob", mock.Anything, "GET", "myapp", dgst, (*store.ReadOptions)(nil)).
		Return(nil, fmt.Errorf("store exploded"))

	req := httptest.NewRequest("GET", fmt.Sprintf("/v2/myapp/blobs/%s", dgst), nil)
	req.SetPathValue("name", "myapp")
	req.SetPathValue("digest", dgst.String())
	w := httptest.NewRecorder()

	server.handleBlob(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	errs := decodeErrors(t, w.Body)
	require.Len(t, errs, 1)
	assert.Equal(t, "INTERNAL_ERROR", errs[0]["code"])
}

func TestServer_HandleImport_InvalidTag(t *testing.T) {
	server, _ := createTestServer(t)

	req := httptest.NewRequest("POST", "/v2/myapp/manifests/in%20valid/_import", nil)
	req.SetPathValue("name", "myapp")
	req.SetPathValue("reference", "in valid")
	w := httptest.NewRecorder()

	server.handleImport(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	errs := decodeErrors(t, w.Body)
	require.Len(t, errs, 1)
	assert.Equal(t, "MANIFEST_INVALID", errs[0]["code"])
}

func TestServer_HandleImport_Success(t *testing.T) {
	server, m := createTestServer(t)
	dgst := testDigest(t)

	m.On("Import", mock.Anything, "myapp", ref.Tag("v1")).Return(dgst, nil)

	req := httptest.NewRequest("POST", "/v2/myapp/manifests/v1/_import", nil)
	req.SetPathValue("name", "myapp")
	req.SetPathValue("reference", "v1")
	w := httptest.NewRecorder()

	server.handleImport(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, dgst.String(), w.Header().Get("Docker-Content-Digest"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "myapp", body["name"])
	assert.Equal(t, dgst.String(), body["digest"])
	m.AssertExpectations(t)
}

func TestServer_HandleImport_Failure(t *testing.T) {
	server, m := createTestServer(t)

	m.On("Import", mock.Anything, "myapp", ref.Tag("v1")).
		Return(digest.Digest(""), fmt.Errorf("upstream returned status 502 for manifest"))

	req := httptest.NewRequest("POST", "/v2/myapp/manifests/v1/_import", nil)
	req.SetPathValue("name", "myapp")
	req.SetPathValue("reference", "v1")
	w := httptest.NewRecorder()

	server.handleImport(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	errs := decodeErrors(t, w.Body)
	require.Len(t, errs, 1)
	assert.Equal(t, "INTERNAL_ERROR", errs[0]["code"])
	assert.Contains(t, errs[0]["message"], "status 502")
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header string
		want   *store.ByteRange
	}{
		{"", nil},
		{"bytes=0-9", &store.ByteRange{Offset: 0, Length: 10}},
		{"bytes=5-5", &store.ByteRange{Offset: 5, Length: 1}},
		{"bytes=100-", &store.ByteRange{Offset: 100}},
		{"bytes=9-0", nil},
		{"bytes=0-9,20-29", nil},
		{"items=0-9", nil},
		{"bytes=abc-def", nil},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRange(tt.header))
		})
	}
}

func TestReadOptions_None(t *testing.T) {
	req := httptest.NewRequest("GET", "/v2/myapp/blobs/sha256:abc", nil)
	assert.Nil(t, readOptions(req))
}

func TestReadOptions_IfNoneMatch(t *testing.T) {
	req := httptest.NewRequest("GET", "/v2/myapp/blobs/sha256:abc", nil)
	req.Header.Set("If-None-Match", `"etag"`)

	opts := readOptions(req)
	require.NotNil(t, opts)
	assert.Equal(t, `"etag"`, opts.IfNoneMatch)
	assert.Nil(t, opts.Range)
}
