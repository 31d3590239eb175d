package snapshot

import (
	"errors"
	"io"
	"strconv"
	"testing"

	"github.com/sirupsen/logrus"

	"camrelay/internal/storage"
	"camrelay/pkg/models"
)

func newTestSnapshotter(t *testing.T, max int) (*Snapshotter, *storage.LocalStorage) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(store, max, log), store
}

func frame(seq uint64) *models.Frame {
	return &models.Frame{Data: []byte{0xFF, 0xD8, byte(seq), 0xFF, 0xD9}, Seq: seq}
}

func TestCaptureKeepsSlidingWindow(t *testing.T) {
	s, store := newTestSnapshotter(t, 2)

	for i := uint64(0); i < 3; i++ {
		if _, err := s.Capture("sess", frame(i)); err != nil {
			t.Fatalf("Capture %d failed: %v", i, err)
		}
	}

	list := s.List("sess")
	if len(list) != 2 {
		t.Fatalf("Expected 2 retained snapshots, got %d", len(list))
	}
	if list[0].Name != "snapshot_1.jpg" || list[1].Name != "snapshot_2.jpg" {
		t.Errorf("Unexpected window %s, %s", list[0].Name, list[1].Name)
	}
	if ok, _ := store.Exists("snapshots/sess/snapshot_0.jpg"); ok {
		t.Error("Oldest snapshot should have been deleted")
	}
}

func TestCaptureWithoutFrame(t *testing.T) {
	s, _ := newTestSnapshotter(t, 2)
	if _, err := s.Capture("sess", nil); !errors.Is(err, ErrNoFrame) {
		t.Errorf("Expected ErrNoFrame, got %v", err)
	}
}

func TestOpen(t *testing.T) {
	s, _ := newTestSnapshotter(t, 5)
	snap, err := s.Capture("sess", frame(7))
	if err != nil {
		t.Fatal(err)
	}

	r, got, err := s.Open("sess", snap.Name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	data, _ := io.ReadAll(r)
	if c, ok := r.(io.Closer); ok {
		c.Close()
	}
	if len(data) != 5 || got.FrameSeq != 7 {
		t.Errorf("Unexpected snapshot %v %+v", data, got)
	}

	if _, _, err := s.Open("sess", "snapshot_99.jpg"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, _, err := s.Open("other", snap.Name); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown session, got %v", err)
	}
}

func TestRestore(t *testing.T) {
	s, store := newTestSnapshotter(t, 5)
	for i := uint64(0); i < 3; i++ {
		if _, err := s.Capture("sess", frame(i)); err != nil {
			t.Fatal(err)
		}
	}

	log := logrus.New()
	log.SetOutput(io.Discard)
	restarted := New(store, 2, log)
	n, err := restarted.Restore("sess")
	if err != nil || n != 2 {
		t.Fatalf("Expected 2 restored snapshots, got %d %v", n, err)
	}

	snap, err := restarted.Capture("sess", frame(9))
	if err != nil {
		t.Fatal(err)
	}
	if snap.Name != "snapshot_3.jpg" {
		t.Errorf("Sequence should continue after restore, got %s", snap.Name)
	}

	list := restarted.List("sess")
	if len(list) != 2 || list[0].Name != "snapshot_2.jpg" {
		t.Fatalf("Unexpected window after restore %v", list)
	}
	if list[0].FrameSeq != 2 || list[0].Size != 5 || list[0].CreatedAt.IsZero() {
		t.Errorf("Attributes not restored from storage: %+v", list[0])
	}
}

func TestRestoreWithoutStoredSnapshotsKeepsNoWindow(t *testing.T) {
	s, _ := newTestSnapshotter(t, 5)
	for i := 0; i < 100; i++ {
		n, err := s.Restore("unknown-" + strconv.Itoa(i))
		if err != nil || n != 0 {
			t.Fatalf("Expected nothing restored, got %d %v", n, err)
		}
	}
	if s.Windows() != 0 {
		t.Errorf("Expected no windows, got %d", s.Windows())
	}
}

func TestWindowsAreBounded(t *testing.T) {
	s, _ := newTestSnapshotter(t, 5)
	s.maxWindows = 3

	for i := 0; i < 5; i++ {
		if _, err := s.Capture("sess-"+strconv.Itoa(i), frame(uint64(i))); err != nil {
			t.Fatal(err)
		}
	}
	if s.Windows() != 3 {
		t.Errorf("Expected 3 windows, got %d", s.Windows())
	}

	// an evicted window comes back from storage
	if n, err := s.Restore("sess-0"); err != nil || n != 1 {
		t.Errorf("Expected evicted window restored, got %d %v", n, err)
	}
}

func TestForgetThenCaptureContinuesSequence(t *testing.T) {
	s, _ := newTestSnapshotter(t, 5)
	for i := uint64(0); i < 2; i++ {
		if _, err := s.Capture("sess", frame(i)); err != nil {
			t.Fatal(err)
		}
	}

	s.Forget("sess")
	if s.Windows() != 0 {
		t.Fatal("Forget should drop the window")
	}

	snap, err := s.Capture("sess", frame(5))
	if err != nil {
		t.Fatal(err)
	}
	if snap.Name != "snapshot_2.jpg" {
		t.Errorf("Capture overwrote a stored snapshot: got %s", snap.Name)
	}
	if list := s.List("sess"); len(list) != 3 {
		t.Errorf("Expected stored snapshots back in the window, got %d", len(list))
	}
}
