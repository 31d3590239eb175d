package storage

import (
	"errors"
	"io"
	"testing"
)

func TestLocalStorageRoundTrip(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	meta := map[string]string{"frame_seq": "7"}
	if err := s.Write("snapshots/abc/snapshot_0.jpg", []byte{0xFF, 0xD8, 0xFF, 0xD9}, meta); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	ok, err := s.Exists("snapshots/abc/snapshot_0.jpg")
	if err != nil || !ok {
		t.Fatalf("Expected object to exist, got %v %v", ok, err)
	}

	r, err := s.ReadSeeker("snapshots/abc/snapshot_0.jpg")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(r)
	r.(io.Closer).Close()
	if len(data) != 4 {
		t.Errorf("Expected 4 bytes, got %d", len(data))
	}

	files, err := s.List("snapshots/abc")
	if err != nil || len(files) != 1 || files[0].Name != "snapshot_0.jpg" {
		t.Fatalf("Unexpected listing %v %v", files, err)
	}
	if files[0].Size != 4 || files[0].Metadata["frame_seq"] != "7" {
		t.Errorf("Unexpected object attributes %+v", files[0])
	}

	if err := s.Delete("snapshots/abc/snapshot_0.jpg"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read("snapshots/abc/snapshot_0.jpg"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if files, _ := s.List("snapshots/abc"); len(files) != 0 {
		t.Errorf("Metadata sidecar left behind: %v", files)
	}
}

func TestLocalStorageOverwriteDropsMetadata(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write("a/x.jpg", []byte("one"), map[string]string{"k": "v"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Write("a/x.jpg", []byte("two"), nil); err != nil {
		t.Fatal(err)
	}
	files, err := s.List("a")
	if err != nil || len(files) != 1 {
		t.Fatalf("Unexpected listing %v %v", files, err)
	}
	if files[0].Metadata != nil {
		t.Errorf("Stale metadata kept: %v", files[0].Metadata)
	}
}

func TestLocalStorageRejectsTraversal(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write("../escape.jpg", []byte("x"), nil); err == nil {
		t.Error("Expected traversal to be rejected")
	}
}

func TestListMissingDirectoryIsEmpty(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	files, err := s.List("snapshots/none")
	if err != nil || len(files) != 0 {
		t.Errorf("Expected empty listing, got %v %v", files, err)
	}
}

func TestContentType(t *testing.T) {
	if ContentType("a/b.jpg") != "image/jpeg" || ContentType("x.bin") != "application/octet-stream" {
		t.Error("Unexpected content types")
	}
}
