// Package fork is the RepoForker spec.md §4.7 describes: an
// asynchronous, cancellable copy of one repository directory into a
// new one, reporting progress through an append-only log rather than
// a shared mutable cell (spec.md §9's "reader is a replay, writer is
// an append" design note). No teacher file covers forking a
// repository (a buildable gap); the append-only progress log and the
// errgroup-bounded copy pool are grounded on the teacher's own
// `errgroup` usage pattern in `layerfs` for bounded fan-out, applied
// here to file copying instead of node hashing.
package fork

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/latticefs/latticefs/errs"
	"golang.org/x/sync/errgroup"
)

// workspacesDir is the first path component under .hidden that a fork
// never copies — a repo's in-progress working-directory state, not
// part of its committed history.
const workspacesDir = "workspaces"

// StateKind tags one StateRecord's variant.
type StateKind string

const (
	Started     StateKind = "started"
	Counting    StateKind = "counting"
	InProgress  StateKind = "in_progress"
	Complete    StateKind = "complete"
	Failed      StateKind = "failed"
)

// StateRecord is one append-only entry of a fork's progress log.
type StateRecord struct {
	Kind    StateKind `json:"kind"`
	Total   int64     `json:"total,omitempty"`
	Percent float64   `json:"percent,omitempty"`
	Message string    `json:"message,omitempty"`
}

// statusPath returns the path of dst's fork_status log file.
func statusPath(dst string) string {
	return filepath.Join(dst, ".hidden", "fork_status")
}

// appendRecord writes one length-prefixed JSON record to the log at
// path, creating it if absent.
func appendRecord(path string, r StateRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return errs.IOf("fork.append_record", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errs.IOf("fork.append_record", path, err)
	}
	defer f.Close()

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return errs.IOf("fork.append_record", path, err)
	}
	if _, err := f.Write(data); err != nil {
		return errs.IOf("fork.append_record", path, err)
	}
	return nil
}

// readRecords replays every record in the log at path, in append
// order.
func readRecords(path string) ([]StateRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.IOf("fork.read_records", path, err)
	}

	var out []StateRecord
	r := bytes.NewReader(data)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errs.Corruptedf("fork.read_records", path, err)
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errs.Corruptedf("fork.read_records", path, err)
		}
		var rec StateRecord
		if err := json.Unmarshal(buf, &rec); err != nil {
			return nil, errs.Corruptedf("fork.read_records", path, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Handle is a running (or finished) fork, returned by Start.
type Handle struct {
	dst    string
	cancel chan struct{}
	once   sync.Once
	done   chan struct{}
}

// Cancel requests the in-progress copy stop at the next file
// boundary; the log's final record will be Failed{"cancelled"}. A
// no-op if the fork has already finished.
func (h *Handle) Cancel() {
	h.once.Do(func() { close(h.cancel) })
}

// Wait blocks until the fork's copy loop has exited, for callers (and
// tests) that want to synchronize on completion rather than poll
// Status.
func (h *Handle) Wait() {
	<-h.done
}

// Status replays dst's fork_status log and returns its last record.
func (h *Handle) Status() (StateRecord, error) {
	return Status(h.dst)
}

// Status reads dst's fork_status log and returns its last record,
// usable by a caller that doesn't hold the Handle Start returned (a
// different process, or the same process after a restart).
func Status(dst string) (StateRecord, error) {
	records, err := readRecords(statusPath(dst))
	if err != nil {
		return StateRecord{}, err
	}
	if len(records) == 0 {
		return StateRecord{}, errs.NotFoundf("fork.status", dst, nil)
	}
	return records[len(records)-1], nil
}

// Start validates that dst doesn't already exist, then launches the
// copy in a background goroutine and returns immediately with a
// Handle for tracking its progress.
func Start(ctx context.Context, src, dst string) (*Handle, error) {
	if _, err := os.Stat(dst); err == nil {
		return nil, errs.AlreadyExistsf("fork.start", dst, nil)
	} else if !os.IsNotExist(err) {
		return nil, errs.IOf("fork.start", dst, err)
	}

	if err := os.MkdirAll(filepath.Join(dst, ".hidden"), 0755); err != nil {
		return nil, errs.IOf("fork.start", dst, err)
	}

	h := &Handle{dst: dst, cancel: make(chan struct{}), done: make(chan struct{})}
	if err := appendRecord(statusPath(dst), StateRecord{Kind: Started}); err != nil {
		return nil, err
	}

	go h.run(ctx, src, dst)
	return h, nil
}

func (h *Handle) run(ctx context.Context, src, dst string) {
	defer close(h.done)
	defer func() {
		if rec := recover(); rec != nil {
			appendRecord(statusPath(dst), StateRecord{Kind: Failed, Message: fmt.Sprintf("internal error: %v", rec)})
		}
	}()

	files, err := countFiles(src)
	if err != nil {
		appendRecord(statusPath(dst), StateRecord{Kind: Failed, Message: err.Error()})
		return
	}
	if err := appendRecord(statusPath(dst), StateRecord{Kind: Counting, Total: int64(len(files))}); err != nil {
		return
	}

	if err := h.copyAll(ctx, src, dst, files); err != nil {
		message := err.Error()
		if err == context.Canceled {
			message = "cancelled"
		}
		appendRecord(statusPath(dst), StateRecord{Kind: Failed, Message: message})
		return
	}

	appendRecord(statusPath(dst), StateRecord{Kind: Complete})
}

// countFiles walks src once up front so progress can be reported as a
// percentage rather than a bare running count.
func countFiles(src string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if isWorkspacesDir(src, path) {
				return filepath.SkipDir
			}
			return nil
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		return nil, errs.IOf("fork.count_files", src, err)
	}
	return out, nil
}

// isWorkspacesDir reports whether path's first component under
// <src>/.hidden is "workspaces".
func isWorkspacesDir(src, path string) bool {
	rel, err := filepath.Rel(src, path)
	if err != nil {
		return false
	}
	components := splitSlash(rel)
	return len(components) >= 2 && components[0] == ".hidden" && components[1] == workspacesDir
}

func splitSlash(rel string) []string {
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == "" {
		return nil
	}
	var parts []string
	start := 0
	for i := 0; i < len(rel); i++ {
		if rel[i] == '/' {
			parts = append(parts, rel[start:i])
			start = i + 1
		}
	}
	parts = append(parts, rel[start:])
	return parts
}

// copyAll fans file copies out across GOMAXPROCS workers via errgroup,
// checking h.cancel between files so a cancellation takes effect
// promptly rather than after the whole tree finishes.
func (h *Handle) copyAll(ctx context.Context, src, dst string, files []string) error {
	g, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, runtime.GOMAXPROCS(0))

	var mu sync.Mutex
	done := 0
	total := len(files)

	for _, f := range files {
		f := f
		select {
		case <-h.cancel:
			g.Wait()
			return context.Canceled
		default:
		}

		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			select {
			case <-h.cancel:
				return context.Canceled
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if err := copyFile(src, dst, f); err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			done++
			percent := float64(done) / float64(total) * 100
			return appendRecord(statusPath(dst), StateRecord{Kind: InProgress, Percent: percent})
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

// copyFile copies one file from src's tree into the same relative
// location under dst.
func copyFile(src, dst, path string) error {
	rel, err := filepath.Rel(src, path)
	if err != nil {
		return errs.IOf("fork.copy_file", path, err)
	}
	dstPath := filepath.Join(dst, rel)

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return errs.IOf("fork.copy_file", dstPath, err)
	}

	in, err := os.Open(path)
	if err != nil {
		return errs.IOf("fork.copy_file", path, err)
	}
	defer in.Close()

	tmp := dstPath + "." + uuid.NewString() + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return errs.IOf("fork.copy_file", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return errs.IOf("fork.copy_file", tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return errs.IOf("fork.copy_file", tmp, err)
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		os.Remove(tmp)
		return errs.IOf("fork.copy_file", dstPath, err)
	}
	return nil
}
