// ABOUTME: Binary encoding for the per-collection etag cursors and the index definition record
// ABOUTME: Cursors are 8-byte big-endian etags; the definition record is a length-prefixed name/type/collections triple

package index

import (
	"encoding/binary"
	"fmt"
)

func etagValue(etag uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], etag)
	return buf[:]
}

func decodeEtagValue(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("index: malformed etag cursor of length %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func putBytes(dst []byte, b []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, b...)
}

func takeBytes(src []byte) (val []byte, rest []byte, err error) {
	if len(src) < 4 {
		return nil, nil, fmt.Errorf("index: truncated length prefix")
	}
	n := binary.BigEndian.Uint32(src[:4])
	src = src[4:]
	if uint64(len(src)) < uint64(n) {
		return nil, nil, fmt.Errorf("index: truncated field, want %d bytes", n)
	}
	return src[:n], src[n:], nil
}

func encodeDefinition(def Definition) []byte {
	var buf []byte
	buf = putBytes(buf, []byte(def.Name))
	buf = putBytes(buf, []byte(def.Type))
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(def.Collections)))
	buf = append(buf, countBuf[:]...)
	for _, c := range def.Collections {
		buf = putBytes(buf, []byte(c))
	}
	return buf
}

func decodeDefinition(raw []byte) (Definition, error) {
	name, rest, err := takeBytes(raw)
	if err != nil {
		return Definition{}, fmt.Errorf("index: decode name: %w", err)
	}
	typ, rest, err := takeBytes(rest)
	if err != nil {
		return Definition{}, fmt.Errorf("index: decode type: %w", err)
	}
	if len(rest) < 4 {
		return Definition{}, fmt.Errorf("index: truncated collection count")
	}
	count := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	collections := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		var c []byte
		c, rest, err = takeBytes(rest)
		if err != nil {
			return Definition{}, fmt.Errorf("index: decode collection %d: %w", i, err)
		}
		collections = append(collections, string(c))
	}
	return Definition{Name: string(name), Type: string(typ), Collections: collections}, nil
}
