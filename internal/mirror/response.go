package mirror

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog/log"

	"stevedore/internal/store"
)

// Error codes of the registry protocol error envelope.
const (
	CodeManifestUnknown = "MANIFEST_UNKNOWN"
	CodeManifestInvalid = "MANIFEST_INVALID"
	CodeBlobUnknown     = "BLOB_UNKNOWN"
	CodeNotFound        = "NOT_FOUND"
	CodeInternalError   = "INTERNAL_ERROR"
)

const apiVersionHeader = "registry/2.0"

// Response is a protocol-level reply assembled away from the
// http.ResponseWriter so the pull-through resolver can inspect and pass
// responses around before anything is written to the client.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// OK reports whether the response carries a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Close releases the response body, if any.
func (r *Response) Close() {
	if r.Body != nil {
		r.Body.Close()
	}
}

// Write renders the response to w and closes the body.
func (r *Response) Write(w http.ResponseWriter) {
	for k, vs := range r.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Docker-Distribution-API-Version", apiVersionHeader)
	w.WriteHeader(r.StatusCode)
	if r.Body != nil {
		defer r.Body.Close()
		if _, err := io.Copy(w, r.Body); err != nil {
			log.Error().Err(err).Msg("Failed to stream response body")
		}
	}
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type errorEnvelope struct {
	Errors []errorDetail `json:"errors"`
}

// ErrorResponse builds a protocol error reply with the standard JSON
// envelope.
func ErrorResponse(status int, code, message string) *Response {
	body, _ := json.Marshal(errorEnvelope{Errors: []errorDetail{{Code: code, Message: message}}})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

// upstreamResponse passes an upstream reply through verbatim.
func upstreamResponse(resp *http.Response) *Response {
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       resp.Body,
	}
}

// storedResponse wraps a freshly stored object in the status and headers
// of the upstream fetch that produced it.
func storedResponse(resp *http.Response, obj *store.Object) *Response {
	header := resp.Header.Clone()
	header.Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       obj.Body,
	}
}

// objectResponse renders a store read result with range and conditional
// semantics: 206 for an honored range, 304 for a matched precondition,
// 200 otherwise. HEAD replies carry the full content length and no body.
func objectResponse(method string, dgst digest.Digest, obj *store.Object) *Response {
	header := http.Header{}
	header.Set("Docker-Content-Digest", dgst.String())
	header.Set("Accept-Ranges", "bytes")
	if obj.ETag != "" {
		header.Set("ETag", obj.ETag)
	}
	if obj.ContentType != "" {
		header.Set("Content-Type", obj.ContentType)
	}
	if obj.ContentEncoding != "" {
		header.Set("Content-Encoding", obj.ContentEncoding)
	}

	if obj.NotModified {
		return &Response{StatusCode: http.StatusNotModified, Header: header}
	}

	if method == http.MethodHead {
		obj.Close()
		header.Set("Content-Length", strconv.FormatInt(obj.Size, 10))
		return &Response{StatusCode: http.StatusOK, Header: header}
	}

	if obj.Range != nil {
		r := obj.Range
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", r.Offset, r.Offset+r.Length-1, obj.Size))
		header.Set("Content-Length", strconv.FormatInt(r.Length, 10))
		return &Response{StatusCode: http.StatusPartialContent, Header: header, Body: obj.Body}
	}

	header.Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	return &Response{StatusCode: http.StatusOK, Header: header, Body: obj.Body}
}
