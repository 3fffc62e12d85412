package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog/log"
)

// FilesystemStore implements Store on the local filesystem. Object
// bytes live under objects/<key> with a JSON metadata sidecar;
// in-progress multipart uploads live under uploads/<id> until completed.
type FilesystemStore struct {
	rootDir string
}

// objectMeta is the sidecar persisted next to every object.
type objectMeta struct {
	ContentType     string `json:"content_type,omitempty"`
	ContentEncoding string `json:"content_encoding,omitempty"`
	Size            int64  `json:"size"`
	ETag            string `json:"etag"`
}

// NewFilesystemStore creates a filesystem store rooted at rootDir.
func NewFilesystemStore(rootDir string) (*FilesystemStore, error) {
	dirs := []string{
		filepath.Join(rootDir, "objects"),
		filepath.Join(rootDir, "uploads"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	log.Info().Str("root_dir", rootDir).Msg("Filesystem store initialized")

	return &FilesystemStore{rootDir: rootDir}, nil
}

func (fs *FilesystemStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(fs.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object: %w", err)
	}
	return true, nil
}

func (fs *FilesystemStore) Read(ctx context.Context, key string, opts *ReadOptions) (*Object, error) {
	file, err := os.Open(fs.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open object: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}

	meta := fs.readMeta(key, info.Size())

	obj := &Object{
		Size:            meta.Size,
		ContentType:     meta.ContentType,
		ContentEncoding: meta.ContentEncoding,
		ETag:            meta.ETag,
	}

	if opts != nil && opts.IfNoneMatch != "" && etagMatch(opts.IfNoneMatch, meta.ETag) {
		file.Close()
		obj.NotModified = true
		return obj, nil
	}

	if opts != nil && opts.Range != nil {
		r := *opts.Range
		if r.Offset >= 0 && r.Offset < meta.Size {
			remaining := meta.Size - r.Offset
			if r.Length <= 0 || r.Length > remaining {
				r.Length = remaining
			}
			if _, err := file.Seek(r.Offset, io.SeekStart); err != nil {
				file.Close()
				return nil, fmt.Errorf("failed to seek object: %w", err)
			}
			obj.Range = &r
			obj.Body = readCloser{io.LimitReader(file, r.Length), file}
			return obj, nil
		}
		// Unsatisfiable range: fall through to a full read.
	}

	obj.Body = file
	return obj, nil
}

func (fs *FilesystemStore) Write(ctx context.Context, key string, r io.Reader, meta Metadata) error {
	objectPath := fs.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(objectPath), 0755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	// Concurrent requests may populate the same key at once; a unique
	// temp name keeps their writes from clobbering each other mid-copy.
	tmpPath := objectPath + ".tmp-" + uuid.NewString()
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary object file: %w", err)
	}
	defer file.Close()

	written, etag, err := copyVerified(file, r, meta.Checksum)
	if err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, objectPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move object to final location: %w", err)
	}

	// The sidecar follows the bytes: a reader overlapping an overwrite
	// may see the old sidecar with the new bytes, never the reverse, and
	// readMeta falls back to usable defaults either way.
	if err := fs.writeMeta(key, objectMeta{
		ContentType:     meta.ContentType,
		ContentEncoding: meta.ContentEncoding,
		Size:            written,
		ETag:            etag,
	}); err != nil {
		return err
	}

	log.Debug().Str("key", key).Int64("size", written).Msg("Object stored")
	return nil
}

func (fs *FilesystemStore) BeginMultipart(ctx context.Context, key string, meta Metadata) (Upload, error) {
	id := uuid.NewString()
	dir := filepath.Join(fs.rootDir, "uploads", id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	log.Debug().Str("key", key).Str("upload_id", id).Msg("Multipart upload started")

	return &fsUpload{store: fs, key: key, dir: dir, id: id, meta: meta}, nil
}

// fsUpload is an in-progress multipart upload on the filesystem.
type fsUpload struct {
	store *FilesystemStore
	key   string
	dir   string
	id    string
	meta  Metadata
}

func (u *fsUpload) WritePart(ctx context.Context, index int, r io.Reader) (PartToken, error) {
	partPath := u.partPath(index)
	file, err := os.Create(partPath)
	if err != nil {
		return PartToken{}, fmt.Errorf("failed to create part file: %w", err)
	}
	defer file.Close()

	digester := digest.Canonical.Digester()
	written, err := io.Copy(io.MultiWriter(file, digester.Hash()), r)
	if err != nil {
		os.Remove(partPath)
		return PartToken{}, fmt.Errorf("failed to write part %d: %w", index, err)
	}

	log.Debug().Str("upload_id", u.id).Int("part", index).Int64("size", written).Msg("Part written")

	return PartToken{Index: index, Size: written, ETag: quote(digester.Digest().String())}, nil
}

func (u *fsUpload) Complete(ctx context.Context, parts []PartToken) error {
	assembledPath := filepath.Join(u.dir, "assembled")
	assembled, err := os.Create(assembledPath)
	if err != nil {
		return fmt.Errorf("failed to create assembled file: %w", err)
	}
	defer assembled.Close()

	readers := make([]io.Reader, 0, len(parts))
	files := make([]*os.File, 0, len(parts))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, part := range parts {
		f, err := os.Open(u.partPath(part.Index))
		if err != nil {
			return fmt.Errorf("missing part %d: %w", part.Index, err)
		}
		files = append(files, f)
		readers = append(readers, f)
	}

	written, etag, err := copyVerified(assembled, io.MultiReader(readers...), u.meta.Checksum)
	if err != nil {
		return err
	}

	objectPath := u.store.objectPath(u.key)
	if err := os.MkdirAll(filepath.Dir(objectPath), 0755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}
	if err := os.Rename(assembledPath, objectPath); err != nil {
		return fmt.Errorf("failed to move object to final location: %w", err)
	}
	if err := u.store.writeMeta(u.key, objectMeta{
		ContentType:     u.meta.ContentType,
		ContentEncoding: u.meta.ContentEncoding,
		Size:            written,
		ETag:            etag,
	}); err != nil {
		return err
	}

	if err := os.RemoveAll(u.dir); err != nil {
		log.Warn().Err(err).Str("upload_id", u.id).Msg("Failed to clean up upload directory")
	}

	log.Debug().Str("key", u.key).Str("upload_id", u.id).Int("parts", len(parts)).Int64("size", written).Msg("Multipart upload completed")
	return nil
}

func (u *fsUpload) Abort(ctx context.Context) error {
	if err := os.RemoveAll(u.dir); err != nil {
		return fmt.Errorf("failed to abort upload: %w", err)
	}
	log.Debug().Str("key", u.key).Str("upload_id", u.id).Msg("Multipart upload aborted")
	return nil
}

func (u *fsUpload) partPath(index int) string {
	return filepath.Join(u.dir, fmt.Sprintf("part-%05d", index))
}

// copyVerified copies r to w, returning the byte count and the resulting
// entity tag. When checksum is set the content must hash to it.
func copyVerified(w io.Writer, r io.Reader, checksum digest.Digest) (int64, string, error) {
	if checksum != "" {
		verifier := checksum.Verifier()
		written, err := io.Copy(io.MultiWriter(w, verifier), r)
		if err != nil {
			return 0, "", fmt.Errorf("failed to write object data: %w", err)
		}
		if !verifier.Verified() {
			return 0, "", fmt.Errorf("content does not match checksum %s", checksum)
		}
		return written, quote(checksum.String()), nil
	}

	digester := digest.Canonical.Digester()
	written, err := io.Copy(io.MultiWriter(w, digester.Hash()), r)
	if err != nil {
		return 0, "", fmt.Errorf("failed to write object data: %w", err)
	}
	return written, quote(digester.Digest().String()), nil
}

func (fs *FilesystemStore) objectPath(key string) string {
	return filepath.Join(fs.rootDir, "objects", filepath.FromSlash(key))
}

func (fs *FilesystemStore) metaPath(key string) string {
	return fs.objectPath(key) + ".meta"
}

func (fs *FilesystemStore) writeMeta(key string, meta objectMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal object metadata: %w", err)
	}
	if err := os.WriteFile(fs.metaPath(key), data, 0644); err != nil {
		return fmt.Errorf("failed to write object metadata: %w", err)
	}
	return nil
}

// readMeta loads the metadata sidecar, falling back to sane defaults
// when it is missing or unreadable.
func (fs *FilesystemStore) readMeta(key string, size int64) objectMeta {
	meta := objectMeta{ContentType: "application/octet-stream", Size: size}
	data, err := os.ReadFile(fs.metaPath(key))
	if err != nil {
		return meta
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Corrupt object metadata sidecar")
		return objectMeta{ContentType: "application/octet-stream", Size: size}
	}
	if meta.Size == 0 {
		meta.Size = size
	}
	return meta
}

func etagMatch(ifNoneMatch, etag string) bool {
	if etag == "" {
		return false
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == etag || quote(candidate) == etag || candidate == "*" {
			return true
		}
	}
	return false
}

func quote(s string) string {
	return `"` + s + `"`
}

// readCloser pairs a windowed reader with the underlying file.
type readCloser struct {
	io.Reader
	io.Closer
}
