package follow

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// syncBuffer guards the output buffer against the follower goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, out *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if out.String() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected output %q, got %q", want, out.String())
}

func TestRun_MissingFile(t *testing.T) {
	f := &Follower{Path: filepath.Join(t.TempDir(), "absent.log")}
	stop := make(chan struct{})
	close(stop)
	if err := f.Run(stop); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestRun_ExistingThenAppended(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	if err := os.WriteFile(path, []byte("existing "), 0o644); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	out := &syncBuffer{}
	f := &Follower{Path: path, Out: out, PollInterval: 50 * time.Millisecond}
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- f.Run(stop) }()
	defer func() {
		close(stop)
		if err := <-done; err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	}()

	waitFor(t, out, "existing ")

	w, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := w.WriteString("appended"); err != nil {
		t.Fatalf("append: %v", err)
	}
	w.Close()

	waitFor(t, out, "existing appended")
}

func TestRun_TruncationRewinds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	if err := os.WriteFile(path, []byte("old session data"), 0o644); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	out := &syncBuffer{}
	f := &Follower{Path: path, Out: out, PollInterval: 50 * time.Millisecond}
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- f.Run(stop) }()
	defer func() {
		close(stop)
		<-done
	}()

	waitFor(t, out, "old session data")

	// A new session truncating the log restarts the stream.
	if err := os.WriteFile(path, []byte("new"), 0o644); err != nil {
		t.Fatalf("truncate log: %v", err)
	}

	waitFor(t, out, "old session datanew")
}
