package latticefs

import (
	"bytes"
	"io"
	"time"
)

func newByteReader(data []byte) *bytes.Reader { return bytes.NewReader(data) }

func durationFromMillis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

// multiReadCloser concatenates a chunked file's per-chunk readers
// into one stream, closing every underlying reader once the caller
// closes it.
type multiReadCloser struct {
	r       io.Reader
	closers []io.Closer
}

func (m *multiReadCloser) Read(p []byte) (int, error) { return m.r.Read(p) }

func (m *multiReadCloser) Close() error {
	var firstErr error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
