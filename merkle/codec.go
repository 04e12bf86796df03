package merkle

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/latticefs/latticefs/errs"
)

// EncodeNode serializes a full Node as one record: a kind byte, the
// 16-byte hash, then the variant payload's fields. The record has no
// overall length field; it is always stored as one whole value. This is the
// exact value nodedb stores under a child's hash: "sufficient to
// reconstruct the child's own identity and type, but not that
// child's grandchildren" — a Dir's payload lists its VNode hashes
// (its own children) but never a VNode's own entries.
func EncodeNode(n Node) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(n.Kind))
	buf.Write(n.Hash[:])

	switch p := n.Payload.(type) {
	case CommitPayload:
		appendString(&buf, p.Message)
		appendString(&buf, p.Author)
		appendInt64(&buf, p.TimestampS)
		appendUint32(&buf, p.TimestampNs)
		appendUvarint(&buf, uint64(len(p.ParentIDs)))
		for _, h := range p.ParentIDs {
			buf.Write(h[:])
		}
		buf.Write(p.RootDirHash[:])
	case DirPayload:
		appendString(&buf, p.Name)
		appendInt64(&buf, p.NumEntries)
		appendInt64(&buf, p.NumFiles)
		appendInt64(&buf, p.TotalBytes)
		appendUvarint(&buf, uint64(len(p.VNodeHashes)))
		for _, h := range p.VNodeHashes {
			buf.Write(h[:])
		}
	case VNodePayload:
		appendUvarint(&buf, uint64(len(p.Entries)))
		for _, e := range p.Entries {
			appendString(&buf, e.Name)
			buf.WriteByte(byte(e.Kind))
			buf.Write(e.Hash[:])
		}
	case FilePayload:
		appendString(&buf, p.Name)
		appendInt64(&buf, p.Size)
		appendString(&buf, p.Mime)
		appendInt64(&buf, p.LastModifiedS)
		appendUint32(&buf, p.LastModifiedNs)
		appendUvarint(&buf, uint64(len(p.ChunkHashes)))
		for _, h := range p.ChunkHashes {
			buf.Write(h[:])
		}
		appendUvarint(&buf, uint64(len(p.Metadata)))
		for k, v := range p.Metadata {
			appendString(&buf, k)
			appendString(&buf, v)
		}
	case FileChunkPayload:
		// no fields beyond kind + hash
	default:
		return nil, errs.InvalidArgumentf("encode_node", n.Hash.String(), nil)
	}

	return buf.Bytes(), nil
}

// DecodeNode parses a record produced by EncodeNode.
func DecodeNode(data []byte) (Node, error) {
	r := bytes.NewReader(data)

	kindByte, err := r.ReadByte()
	if err != nil {
		return Node{}, errs.Corruptedf("decode_node", "", err)
	}
	kind := Kind(kindByte)

	var hash Hash
	if _, err := io.ReadFull(r, hash[:]); err != nil {
		return Node{}, errs.Corruptedf("decode_node", "", err)
	}

	switch kind {
	case KindCommit:
		msg, err := readString(r)
		if err != nil {
			return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
		}
		author, err := readString(r)
		if err != nil {
			return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
		}
		ts, err := readInt64(r)
		if err != nil {
			return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
		}
		tns, err := readUint32(r)
		if err != nil {
			return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
		}
		n, err := binary.ReadUvarint(byteReader{r})
		if err != nil {
			return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
		}
		parents := make([]Hash, n)
		for i := range parents {
			if _, err := io.ReadFull(r, parents[i][:]); err != nil {
				return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
			}
		}
		var root Hash
		if _, err := io.ReadFull(r, root[:]); err != nil {
			return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
		}
		return Node{Hash: hash, Kind: kind, Payload: CommitPayload{
			Message: msg, Author: author, TimestampS: ts, TimestampNs: tns,
			ParentIDs: parents, RootDirHash: root,
		}}, nil

	case KindDir:
		name, err := readString(r)
		if err != nil {
			return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
		}
		numEntries, err := readInt64(r)
		if err != nil {
			return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
		}
		numFiles, err := readInt64(r)
		if err != nil {
			return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
		}
		totalBytes, err := readInt64(r)
		if err != nil {
			return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
		}
		n, err := binary.ReadUvarint(byteReader{r})
		if err != nil {
			return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
		}
		vnodes := make([]Hash, n)
		for i := range vnodes {
			if _, err := io.ReadFull(r, vnodes[i][:]); err != nil {
				return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
			}
		}
		return Node{Hash: hash, Kind: kind, Payload: DirPayload{
			Name: name, NumEntries: numEntries, NumFiles: numFiles,
			TotalBytes: totalBytes, VNodeHashes: vnodes,
		}}, nil

	case KindVNode:
		n, err := binary.ReadUvarint(byteReader{r})
		if err != nil {
			return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
		}
		entries := make([]Entry, n)
		for i := range entries {
			name, err := readString(r)
			if err != nil {
				return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
			}
			kb, err := r.ReadByte()
			if err != nil {
				return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
			}
			var eh Hash
			if _, err := io.ReadFull(r, eh[:]); err != nil {
				return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
			}
			entries[i] = Entry{Name: name, Kind: Kind(kb), Hash: eh}
		}
		return Node{Hash: hash, Kind: kind, Payload: VNodePayload{Entries: entries}}, nil

	case KindFile:
		name, err := readString(r)
		if err != nil {
			return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
		}
		size, err := readInt64(r)
		if err != nil {
			return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
		}
		mime, err := readString(r)
		if err != nil {
			return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
		}
		lms, err := readInt64(r)
		if err != nil {
			return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
		}
		lmns, err := readUint32(r)
		if err != nil {
			return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
		}
		nc, err := binary.ReadUvarint(byteReader{r})
		if err != nil {
			return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
		}
		chunks := make([]Hash, nc)
		for i := range chunks {
			if _, err := io.ReadFull(r, chunks[i][:]); err != nil {
				return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
			}
		}
		nm, err := binary.ReadUvarint(byteReader{r})
		if err != nil {
			return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
		}
		var meta map[string]string
		if nm > 0 {
			meta = make(map[string]string, nm)
			for i := uint64(0); i < nm; i++ {
				k, err := readString(r)
				if err != nil {
					return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
				}
				v, err := readString(r)
				if err != nil {
					return Node{}, errs.Corruptedf("decode_node", hash.String(), err)
				}
				meta[k] = v
			}
		}
		return Node{Hash: hash, Kind: kind, Payload: FilePayload{
			Name: name, Size: size, Mime: mime, LastModifiedS: lms,
			LastModifiedNs: lmns, ChunkHashes: chunks, Metadata: meta,
		}}, nil

	case KindFileChunk:
		return Node{Hash: hash, Kind: kind, Payload: FileChunkPayload{}}, nil

	default:
		return Node{}, errs.Corruptedf("decode_node", hash.String(), nil)
	}
}

func readString(r *bytes.Reader) (string, error) {
	n, err := binary.ReadUvarint(byteReader{r})
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// byteReader adapts *bytes.Reader to io.ByteReader for
// binary.ReadUvarint (bytes.Reader already implements ReadByte, this
// wrapper exists only to make that explicit at call sites).
type byteReader struct{ r *bytes.Reader }

func (b byteReader) ReadByte() (byte, error) { return b.r.ReadByte() }
