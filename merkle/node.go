package merkle

import (
	"bytes"
	"encoding/binary"
	"sort"
	"time"
)

// Kind tags the five node variants spec.md §3 describes. Go has no
// native sum type, so Kind + a Payload interface stand in for it —
// callers switch on Kind (or type-switch on Payload) rather than
// walking a class hierarchy, per the design note in spec.md §9.
type Kind uint8

const (
	KindCommit Kind = iota + 1
	KindDir
	KindVNode
	KindFile
	KindFileChunk
)

func (k Kind) String() string {
	switch k {
	case KindCommit:
		return "commit"
	case KindDir:
		return "dir"
	case KindVNode:
		return "vnode"
	case KindFile:
		return "file"
	case KindFileChunk:
		return "filechunk"
	default:
		return "unknown"
	}
}

// IsLeaf reports whether nodes of this kind have no MerkleNodeDB of
// their own (invariant 5): File and FileChunk nodes live only inside
// their parent's node DB entry and in the NodeCache.
func (k Kind) IsLeaf() bool { return k == KindFile || k == KindFileChunk }

// Payload is implemented by the five node-kind payload structs.
type Payload interface {
	Kind() Kind
}

// CommitPayload is a CommitNode's content: a message, author, commit
// time and up to two parents, and the hash of the repository root
// directory.
type CommitPayload struct {
	Message     string
	Author      string
	TimestampS  int64
	TimestampNs uint32
	ParentIDs   []Hash // 0, 1 (normal commit/merge child), or 2 (merge) parents
	RootDirHash Hash
}

func (CommitPayload) Kind() Kind { return KindCommit }

// Hash computes the CommitNode's content hash from its payload. A
// commit's children (exactly one DirNode, the repo root) are folded
// in via RootDirHash, already itself a hash of the root DirNode.
func (p CommitPayload) Hash() Hash {
	var buf bytes.Buffer
	appendString(&buf, p.Message)
	appendString(&buf, p.Author)
	appendInt64(&buf, p.TimestampS)
	appendUint32(&buf, p.TimestampNs)
	appendUvarint(&buf, uint64(len(p.ParentIDs)))
	for _, h := range p.ParentIDs {
		buf.Write(h[:])
	}
	buf.Write(p.RootDirHash[:])
	return SumBytes(buf.Bytes())
}

// DirPayload is a DirNode's content: summary counters plus the
// ordered list of vnode hashes that shard its entries (spec.md §4.3).
type DirPayload struct {
	Name        string
	NumEntries  int64
	NumFiles    int64
	TotalBytes  int64
	VNodeHashes []Hash // index == bucket number
}

func (DirPayload) Kind() Kind { return KindDir }

func (p DirPayload) Hash() Hash {
	var buf bytes.Buffer
	appendString(&buf, p.Name)
	appendInt64(&buf, p.NumEntries)
	appendInt64(&buf, p.NumFiles)
	appendInt64(&buf, p.TotalBytes)
	appendUvarint(&buf, uint64(len(p.VNodeHashes)))
	for _, h := range p.VNodeHashes {
		buf.Write(h[:])
	}
	return SumBytes(buf.Bytes())
}

// Entry is one (File or Dir) child of a VNode bucket, kept sorted by
// Name within the bucket so lookups are a binary search (spec.md
// §4.3's "entries inside a VNode are sorted by name").
type Entry struct {
	Name string
	Kind Kind // KindFile or KindDir
	Hash Hash
}

// VNodePayload is a bucket of a directory's entries.
type VNodePayload struct {
	Entries []Entry // must be sorted by Name
}

func (VNodePayload) Kind() Kind { return KindVNode }

func (p VNodePayload) NumEntries() int { return len(p.Entries) }

func (p VNodePayload) Hash() Hash {
	var buf bytes.Buffer
	appendUvarint(&buf, uint64(len(p.Entries)))
	for _, e := range p.Entries {
		appendString(&buf, e.Name)
		buf.WriteByte(byte(e.Kind))
		buf.Write(e.Hash[:])
	}
	return SumBytes(buf.Bytes())
}

// Sort orders Entries by Name in place, as required before hashing.
func (p *VNodePayload) Sort() {
	sort.Slice(p.Entries, func(i, j int) bool { return p.Entries[i].Name < p.Entries[j].Name })
}

// Find binary-searches for name, returning the entry and true if
// present.
func (p VNodePayload) Find(name string) (Entry, bool) {
	i := sort.Search(len(p.Entries), func(i int) bool { return p.Entries[i].Name >= name })
	if i < len(p.Entries) && p.Entries[i].Name == name {
		return p.Entries[i], true
	}
	return Entry{}, false
}

// FilePayload is a FileNode's content. Deliberately its Hash depends
// only on the underlying bytes (or, when chunked, on the ordered
// chunk hashes) and NOT on Name/Mime/Metadata: two files with
// identical content must produce the identical FileNode hash even
// under different names (spec.md §8 end-to-end scenario 2), which is
// what lets the VersionStore dedupe and what lets CommitWriter skip
// rewriting unchanged blobs.
type FilePayload struct {
	Name           string
	Size           int64
	Mime           string
	LastModifiedS  int64
	LastModifiedNs uint32
	ChunkHashes    []Hash // nil/empty for an unchunked file
	Metadata       map[string]string
}

func (FilePayload) Kind() Kind { return KindFile }

// HashFromContent computes an unchunked file's hash directly from its
// bytes — the hash IS the VersionStore blob key.
func HashFromContent(content []byte) Hash { return SumBytes(content) }

// HashFromChunks computes a chunked file's hash from its ordered
// chunk hashes, folding the chunk list together the same way a
// directory folds its vnode hashes together.
func HashFromChunks(chunks []Hash) Hash {
	var buf bytes.Buffer
	appendUvarint(&buf, uint64(len(chunks)))
	for _, h := range chunks {
		buf.Write(h[:])
	}
	return SumBytes(buf.Bytes())
}

// FileChunkPayload is a FileChunkNode: a leaf with no fields beyond
// its hash, which is the hash of the chunk's raw bytes and doubles as
// its VersionStore key.
type FileChunkPayload struct{}

func (FileChunkPayload) Kind() Kind { return KindFileChunk }

// Node is a fully-typed node: its Kind, its Hash (the Merkle
// identity), and its Payload.
type Node struct {
	Hash    Hash
	Kind    Kind
	Payload Payload
}

// NowTimestamp splits time.Now() into the (seconds, nanos) pair
// spec.md §6 specifies for on-disk timestamps.
func NowTimestamp() (s int64, ns uint32) {
	t := time.Now().UTC()
	return t.Unix(), uint32(t.Nanosecond())
}

// --- canonical encoding helpers, shared by hashing and by nodedb's
// on-disk ChildHeader wire format (spec.md §6): fixed-width integers
// little-endian, strings length-prefixed UTF-8. ---

func appendUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func appendInt64(buf *bytes.Buffer, v int64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	buf.Write(tmp[:])
}

func appendUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func appendString(buf *bytes.Buffer, s string) {
	appendUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}
