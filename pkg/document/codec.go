// ABOUTME: Binary encoding for document and tombstone records and etag-ordered tree keys
// ABOUTME: Length-prefixed fields rather than the escape-based composite codec, safe for opaque document payloads

package document

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"
)

// etagKey renders etag as the 8-byte big-endian key used by every
// etag-ordered tree, preserving numeric sort order as byte order.
func etagKey(etag uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], etag)
	return buf[:]
}

func decodeEtagKey(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("document: malformed etag key of length %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// putBytes appends a uint32 length prefix followed by b.
func putBytes(dst []byte, b []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, b...)
}

func takeBytes(src []byte) (val []byte, rest []byte, err error) {
	if len(src) < 4 {
		return nil, nil, fmt.Errorf("document: truncated length prefix")
	}
	n := binary.BigEndian.Uint32(src[:4])
	src = src[4:]
	if uint64(len(src)) < uint64(n) {
		return nil, nil, fmt.Errorf("document: truncated field, want %d bytes", n)
	}
	return src[:n], src[n:], nil
}

// encodeDocRecord serializes a Document for storage in the Docs tree.
func encodeDocRecord(doc *Document) []byte {
	var buf []byte
	buf = putBytes(buf, []byte(doc.Key))
	buf = append(buf, etagKey(doc.Etag)...)
	buf = putBytes(buf, doc.Data)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(doc.LastModified.UnixNano()))
	buf = append(buf, ts[:]...)
	buf = putBytes(buf, []byte(doc.Collection))
	buf = putBytes(buf, encodeMetadata(doc.Metadata))
	return buf
}

func decodeDocRecord(raw []byte) (*Document, error) {
	keyBytes, rest, err := takeBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("document: decode key: %w", err)
	}
	if len(rest) < 8 {
		return nil, fmt.Errorf("document: truncated etag")
	}
	etag := binary.BigEndian.Uint64(rest[:8])
	rest = rest[8:]

	data, rest, err := takeBytes(rest)
	if err != nil {
		return nil, fmt.Errorf("document: decode data: %w", err)
	}
	if len(rest) < 8 {
		return nil, fmt.Errorf("document: truncated last-modified")
	}
	lastModified := time.Unix(0, int64(binary.BigEndian.Uint64(rest[:8]))).UTC()
	rest = rest[8:]

	collectionBytes, rest, err := takeBytes(rest)
	if err != nil {
		return nil, fmt.Errorf("document: decode collection: %w", err)
	}
	metaBytes, _, err := takeBytes(rest)
	if err != nil {
		return nil, fmt.Errorf("document: decode metadata: %w", err)
	}

	return &Document{
		Key:          string(keyBytes),
		Etag:         etag,
		Data:         append([]byte(nil), data...),
		LastModified: lastModified,
		Collection:   string(collectionBytes),
		Metadata:     decodeMetadata(metaBytes),
	}, nil
}

func encodeTombstoneRecord(ts *Tombstone) []byte {
	var buf []byte
	buf = putBytes(buf, []byte(ts.Key))
	buf = append(buf, etagKey(ts.Etag)...)
	buf = append(buf, etagKey(ts.DeletedEtag)...)
	buf = putBytes(buf, []byte(ts.Collection))
	return buf
}

func decodeTombstoneRecord(raw []byte) (*Tombstone, error) {
	keyBytes, rest, err := takeBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("document: decode tombstone key: %w", err)
	}
	if len(rest) < 16 {
		return nil, fmt.Errorf("document: truncated tombstone etags")
	}
	etag := binary.BigEndian.Uint64(rest[:8])
	deletedEtag := binary.BigEndian.Uint64(rest[8:16])
	rest = rest[16:]

	collectionBytes, _, err := takeBytes(rest)
	if err != nil {
		return nil, fmt.Errorf("document: decode tombstone collection: %w", err)
	}

	return &Tombstone{
		Key:         string(keyBytes),
		Etag:        etag,
		DeletedEtag: deletedEtag,
		Collection:  string(collectionBytes),
	}, nil
}

// encodeTombstoneLocator/decodeTombstoneLocator record, per live-document
// key, which collection and etag its current tombstone lives under — used
// only to find and remove a stale tombstone when a deleted key is recreated.
func encodeTombstoneLocator(collection string, etag uint64) []byte {
	var buf []byte
	buf = putBytes(buf, []byte(collection))
	buf = append(buf, etagKey(etag)...)
	return buf
}

func decodeTombstoneLocator(raw []byte) (collection string, etag uint64, err error) {
	collectionBytes, rest, err := takeBytes(raw)
	if err != nil {
		return "", 0, err
	}
	etag, err = decodeEtagKey(rest)
	if err != nil {
		return "", 0, err
	}
	return string(collectionBytes), etag, nil
}

// encodeMetadata/decodeMetadata store an ordered list of string key/value
// pairs. Map iteration order is randomized in Go, so keys are sorted before
// encoding to keep the persisted bytes for equal metadata deterministic.
func encodeMetadata(meta map[string]string) []byte {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(keys)))
	buf = append(buf, countBuf[:]...)
	for _, k := range keys {
		buf = putBytes(buf, []byte(k))
		buf = putBytes(buf, []byte(meta[k]))
	}
	return buf
}

func decodeMetadata(raw []byte) map[string]string {
	out := map[string]string{}
	if len(raw) < 4 {
		return out
	}
	count := binary.BigEndian.Uint32(raw[:4])
	rest := raw[4:]
	for i := uint32(0); i < count; i++ {
		kBytes, r, err := takeBytes(rest)
		if err != nil {
			return out
		}
		vBytes, r2, err := takeBytes(r)
		if err != nil {
			return out
		}
		out[string(kBytes)] = string(vBytes)
		rest = r2
	}
	return out
}

