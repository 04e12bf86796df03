package fork

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func TestForkCopiesFilesAndCompletes(t *testing.T) {
	srcDir, err := os.MkdirTemp("", "fork_test_src_")
	if err != nil {
		t.Fatalf("failed to create src dir: %v", err)
	}
	defer os.RemoveAll(srcDir)
	dstDir := filepath.Join(os.TempDir(), "fork_test_dst_"+t.Name())
	defer os.RemoveAll(dstDir)

	writeFile(t, filepath.Join(srcDir, "a.txt"), "a")
	writeFile(t, filepath.Join(srcDir, "sub", "b.txt"), "b")
	writeFile(t, filepath.Join(srcDir, ".hidden", "HEAD"), "main")
	writeFile(t, filepath.Join(srcDir, ".hidden", "workspaces", "w1", "scratch.txt"), "scratch")

	h, err := Start(context.Background(), srcDir, dstDir)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.Wait()

	status, err := h.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Kind != Complete {
		t.Fatalf("expected final record Complete, got %+v", status)
	}

	if _, err := os.Stat(filepath.Join(dstDir, "a.txt")); err != nil {
		t.Errorf("expected a.txt to be copied: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dstDir, "sub", "b.txt")); err != nil {
		t.Errorf("expected sub/b.txt to be copied: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dstDir, ".hidden", "workspaces", "w1", "scratch.txt")); err == nil {
		t.Error("expected .hidden/workspaces to be excluded from the fork")
	}
}

func TestForkRejectsExistingDestination(t *testing.T) {
	srcDir, err := os.MkdirTemp("", "fork_test_src_")
	if err != nil {
		t.Fatalf("failed to create src dir: %v", err)
	}
	defer os.RemoveAll(srcDir)
	dstDir, err := os.MkdirTemp("", "fork_test_dst_")
	if err != nil {
		t.Fatalf("failed to create dst dir: %v", err)
	}
	defer os.RemoveAll(dstDir)

	if _, err := Start(context.Background(), srcDir, dstDir); err == nil {
		t.Error("expected Start to reject an existing destination")
	}
}

func TestForkCancelledContextStopsCopy(t *testing.T) {
	srcDir, err := os.MkdirTemp("", "fork_test_src_")
	if err != nil {
		t.Fatalf("failed to create src dir: %v", err)
	}
	defer os.RemoveAll(srcDir)
	dstDir := filepath.Join(os.TempDir(), "fork_test_dst_"+t.Name())
	defer os.RemoveAll(dstDir)

	for i := 0; i < 50; i++ {
		writeFile(t, filepath.Join(srcDir, "file-"+string(rune('a'+i%26))+".txt"), "content")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h, err := Start(ctx, srcDir, dstDir)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.Wait()

	status, err := h.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Kind != Failed {
		t.Errorf("expected a cancelled fork to end in Failed, got %+v", status)
	}
}

func TestForkHandleCancelStopsInProgressCopyWithCancelledRecord(t *testing.T) {
	srcDir, err := os.MkdirTemp("", "fork_test_src_")
	if err != nil {
		t.Fatalf("failed to create src dir: %v", err)
	}
	defer os.RemoveAll(srcDir)
	dstDir := filepath.Join(os.TempDir(), "fork_test_dst_"+t.Name())
	defer os.RemoveAll(dstDir)

	// Enough files that, with GOMAXPROCS workers in flight, most are
	// still queued behind the semaphore when Cancel fires right after
	// Start returns.
	content := make([]byte, 64*1024)
	for i := 0; i < 500; i++ {
		writeFile(t, filepath.Join(srcDir, "file-"+string(rune('a'+i%26))+"-"+string(rune('0'+i/26%10))+".txt"), string(content))
	}

	h, err := Start(context.Background(), srcDir, dstDir)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.Cancel()
	h.Wait()

	status, err := h.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Kind != Failed || status.Message != "cancelled" {
		t.Errorf("expected final record Failed{cancelled}, got %+v", status)
	}
}

func TestForkHandleCancelIsIdempotent(t *testing.T) {
	h := &Handle{dst: filepath.Join(os.TempDir(), "fork_test_idempotent"), cancel: make(chan struct{}), done: make(chan struct{})}
	h.Cancel()
	h.Cancel()
}

func TestForkStatusBeforeStartedFails(t *testing.T) {
	h := &Handle{dst: filepath.Join(os.TempDir(), "fork_test_nonexistent"), cancel: make(chan struct{}), done: make(chan struct{})}
	close(h.done)
	if _, err := h.Status(); err == nil {
		t.Error("expected Status to fail when no log has been written")
	}
}
