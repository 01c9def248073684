package mealstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// BlobCopyError reports a failed copy into managed storage.
type BlobCopyError struct {
	Source string
	Err    error
}

func (e *BlobCopyError) Error() string {
	return fmt.Sprintf("blob copy of %s failed: %v", e.Source, e.Err)
}

func (e *BlobCopyError) Unwrap() error {
	return e.Err
}

func (e *BlobCopyError) Is(target error) bool {
	return target == ErrBlobCopy
}

// BlobStore copies externally supplied image files into a managed
// directory. Filenames incorporate the record id, an optional suffix, and a
// nanosecond timestamp, so repeated edits of the same record never collide.
// Blobs are never deleted by the store; eviction and record deletion leave
// them on disk deliberately.
type BlobStore struct {
	dir   string
	clock func() time.Time
}

func NewBlobStore(dir string) *BlobStore {
	return &BlobStore{dir: dir, clock: time.Now}
}

// Dir returns the managed blob directory.
func (b *BlobStore) Dir() string {
	return b.dir
}

// Managed reports whether path already lives inside the managed directory.
func (b *BlobStore) Managed(path string) bool {
	if path == "" {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	dir, err := filepath.Abs(b.dir)
	if err != nil {
		return false
	}
	return strings.HasPrefix(abs, dir+string(filepath.Separator))
}

// CopyBlob copies source into managed storage and returns the new path.
// Each call produces a fresh file; callers own the lifecycle of files they
// stop referencing.
func (b *BlobStore) CopyBlob(source, recordID, suffix string) (string, error) {
	src, err := os.Open(source)
	if err != nil {
		return "", &BlobCopyError{Source: source, Err: err}
	}
	defer src.Close()

	dest := filepath.Join(b.dir, b.blobName(recordID, suffix, filepath.Ext(source)))
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", &BlobCopyError{Source: source, Err: err}
	}
	dst, err := os.Create(dest)
	if err != nil {
		return "", &BlobCopyError{Source: source, Err: err}
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(dest)
		return "", &BlobCopyError{Source: source, Err: err}
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(dest)
		return "", &BlobCopyError{Source: source, Err: err}
	}
	return dest, nil
}

// WriteBlob writes raw image bytes into managed storage. Used by the
// import path, where bundle images arrive inline rather than as files.
func (b *BlobStore) WriteBlob(data []byte, recordID, suffix, ext string) (string, error) {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", &BlobCopyError{Source: "<inline>", Err: err}
	}
	dest := filepath.Join(b.dir, b.blobName(recordID, suffix, ext))
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", &BlobCopyError{Source: "<inline>", Err: err}
	}
	return dest, nil
}

func (b *BlobStore) blobName(recordID, suffix, ext string) string {
	name := sanitizeID(recordID)
	if suffix != "" {
		name += "_" + suffix
	}
	name += "_" + strconv.FormatInt(b.clock().UnixNano(), 10)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return name + ext
}

// sanitizeID strips path-hostile characters from an id before it is used
// in a filename.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
