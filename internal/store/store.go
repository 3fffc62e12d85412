// Package store provides the content-addressable object store backing
// the registry cache.
package store

import (
	"context"
	"io"
	"path"

	"github.com/opencontainers/go-digest"
)

// ByteRange is a window into an object. A Length <= 0 means "to the end
// of the object".
type ByteRange struct {
	Offset int64
	Length int64
}

// Metadata accompanies an object write.
type Metadata struct {
	ContentType     string
	ContentEncoding string
	// ContentLength is advisory; the store records the bytes actually
	// written.
	ContentLength int64
	// Checksum, when set, is verified against the written content. A
	// write whose content does not hash to Checksum fails and leaves no
	// object behind.
	Checksum digest.Digest
}

// Object is the result of a successful read.
type Object struct {
	// Body is nil when NotModified is set.
	Body            io.ReadCloser
	Size            int64
	ContentType     string
	ContentEncoding string
	ETag            string
	// Range is set when a requested byte range was honored; Body then
	// yields only that window while Size remains the full object size.
	Range *ByteRange
	// NotModified signals a conditional read whose precondition matched.
	NotModified bool
}

// Close releases the object body, if any.
func (o *Object) Close() error {
	if o.Body != nil {
		return o.Body.Close()
	}
	return nil
}

// ReadOptions carry the conditional and range parameters of a read.
type ReadOptions struct {
	Range       *ByteRange
	IfNoneMatch string
}

// PartToken identifies a successfully written part of a multipart
// upload. Tokens must be handed back to Complete in part order.
type PartToken struct {
	Index int    `json:"index"`
	Size  int64  `json:"size"`
	ETag  string `json:"etag"`
}

// Upload is an in-progress multipart write. Abort must be called on any
// failure between Begin and Complete so no partial object stays behind.
type Upload interface {
	WritePart(ctx context.Context, index int, r io.Reader) (PartToken, error)
	Complete(ctx context.Context, parts []PartToken) error
	Abort(ctx context.Context) error
}

// Store is the content store contract. Keys are slash-separated:
// <repository>/manifests/<digest>, <repository>/blobs/<digest>,
// <repository>/tags/<tag>.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	// Read returns (nil, nil) when the key does not exist; absence is a
	// cache miss, not an error.
	Read(ctx context.Context, key string, opts *ReadOptions) (*Object, error)
	Write(ctx context.Context, key string, r io.Reader, meta Metadata) error
	BeginMultipart(ctx context.Context, key string, meta Metadata) (Upload, error)
}

// ManifestKey returns the store key for a manifest.
func ManifestKey(repository string, dgst digest.Digest) string {
	return path.Join(repository, "manifests", dgst.String())
}

// BlobKey returns the store key for a blob.
func BlobKey(repository string, dgst digest.Digest) string {
	return path.Join(repository, "blobs", dgst.String())
}

// TagKey returns the store key for a tag-to-digest mapping.
func TagKey(repository, tag string) string {
	return path.Join(repository, "tags", tag)
}
