package mealstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestManaged(t *testing.T) {
	dir := t.TempDir()
	blobs := NewBlobStore(dir)

	if blobs.Managed("") {
		t.Fatal("empty path must not be managed")
	}
	if blobs.Managed(filepath.Join(t.TempDir(), "outside.jpg")) {
		t.Fatal("path outside the blob dir must not be managed")
	}
	if !blobs.Managed(filepath.Join(dir, "inside.jpg")) {
		t.Fatal("path inside the blob dir must be managed")
	}
}

func TestCopyBlobProducesDistinctManagedFiles(t *testing.T) {
	blobs := NewBlobStore(t.TempDir())
	src := filepath.Join(t.TempDir(), "meal.jpg")
	if err := os.WriteFile(src, []byte("image-bytes"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	first, err := blobs.CopyBlob(src, "meal-1", "")
	if err != nil {
		t.Fatalf("first copy failed: %v", err)
	}
	second, err := blobs.CopyBlob(src, "meal-1", "after")
	if err != nil {
		t.Fatalf("second copy failed: %v", err)
	}
	if first == second {
		t.Fatal("copies must not collide")
	}
	if !blobs.Managed(first) || !blobs.Managed(second) {
		t.Fatalf("copies are not managed: %s %s", first, second)
	}
	if !strings.Contains(filepath.Base(second), "_after_") {
		t.Fatalf("suffix missing from blob name: %s", second)
	}
	data, err := os.ReadFile(first)
	if err != nil || string(data) != "image-bytes" {
		t.Fatalf("copy content mismatch: %q err=%v", data, err)
	}
}

func TestCopyBlobMissingSource(t *testing.T) {
	blobs := NewBlobStore(t.TempDir())
	_, err := blobs.CopyBlob("/does/not/exist.jpg", "meal-x", "")
	if !errors.Is(err, ErrBlobCopy) {
		t.Fatalf("expected ErrBlobCopy, got %v", err)
	}
	var copyErr *BlobCopyError
	if !errors.As(err, &copyErr) || copyErr.Source != "/does/not/exist.jpg" {
		t.Fatalf("expected typed BlobCopyError carrying the source, got %v", err)
	}
}

func TestBlobNameSanitizesRecordID(t *testing.T) {
	blobs := NewBlobStore(t.TempDir())
	uri, err := blobs.WriteBlob([]byte("x"), "../../evil id", "", ".jpg")
	if err != nil {
		t.Fatalf("write blob failed: %v", err)
	}
	base := filepath.Base(uri)
	if strings.ContainsAny(base, "/\\ ") {
		t.Fatalf("blob name not sanitized: %s", base)
	}
	if filepath.Dir(uri) != blobs.Dir() {
		t.Fatalf("blob escaped the managed dir: %s", uri)
	}
}
