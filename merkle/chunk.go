package merkle

import (
	"bytes"
	"io"

	"github.com/restic/chunker"
)

const (
	kiB = 1024
	miB = kiB * 1024
)

// chunkPolynomial is the same rolling-hash polynomial the teacher's
// simplefs.ChunkBuf used, kept verbatim so chunk boundaries are
// reproducible across repositories built with this library.
const chunkPolynomial = chunker.Pol(0x3DA3358B4DC173)

// ChunkBounds configures the content-defined chunker's minimum and
// maximum chunk sizes; there is no average-size setting. Defaults
// mirror the teacher's hard-coded 256KiB/1MiB window; RepoConfig
// exposes them as ChunkMinSize/ChunkMaxSize so large single files
// (spec.md's "too large for line-oriented diffing" datasets) can use
// bigger chunks.
type ChunkBounds struct {
	Min uint
	Max uint
}

// DefaultChunkBounds matches the teacher's hard-coded window.
var DefaultChunkBounds = ChunkBounds{Min: 256 * kiB, Max: 1 * miB}

// Chunk is one content-defined slice of a file's bytes, already
// hashed so it can be written straight to the VersionStore and
// referenced from a FileNode's chunk list.
type Chunk struct {
	Offset int64
	Data   []byte
	Hash   Hash
}

// SplitChunks runs content content through the restic/chunker
// rolling hash and returns its chunks in offset order. Unlike the
// teacher's simplefs.ChunkBuf, which chunks through a live io.Pipe so
// a long-lived File handle can be written to incrementally, this
// operates over already-staged bytes during a commit build
// (spec.md §4.6 step 1: "for each added/modified file ... emit
// FileNode header"), so there is no need for the pipe/goroutine
// plumbing — just run the chunker to EOF.
func SplitChunks(r io.Reader, bounds ChunkBounds) ([]Chunk, error) {
	chnkr := chunker.NewWithBoundaries(r, chunkPolynomial, bounds.Min, bounds.Max)
	buf := make([]byte, bounds.Max)

	var chunks []Chunk
	var offset int64
	for {
		c, err := chnkr.Next(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		data := make([]byte, c.Length)
		copy(data, c.Data)
		chunks = append(chunks, Chunk{
			Offset: offset,
			Data:   data,
			Hash:   SumBytes(data),
		})
		offset += int64(c.Length)
	}

	return chunks, nil
}

// SplitChunksBytes is a convenience wrapper for already-in-memory
// content.
func SplitChunksBytes(content []byte, bounds ChunkBounds) ([]Chunk, error) {
	return SplitChunks(bytes.NewReader(content), bounds)
}
