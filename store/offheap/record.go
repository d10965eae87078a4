package offheap

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/IvanBrykalov/tieredcache/serialize"
	"github.com/IvanBrykalov/tieredcache/store"
)

// Record layout, little endian:
//
//	keyLen u32 | valueLen u32 | id u64 | creation i64 | lastAccess i64 |
//	expiration i64 | hits i64 | key | value
const (
	offKeyLen     = 0
	offValueLen   = 4
	offID         = 8
	offCreation   = 16
	offLastAccess = 24
	offExpiration = 32
	offHits       = 40
	headerSize    = 48
)

var le = binary.LittleEndian

func recordSize(key, value []byte) int { return headerSize + len(key) + len(value) }

// writeRecord encodes h with the already serialized key and value into b.
func writeRecord[V any](b, key, value []byte, h *store.ValueHolder[V]) {
	le.PutUint32(b[offKeyLen:], uint32(len(key)))
	le.PutUint32(b[offValueLen:], uint32(len(value)))
	le.PutUint64(b[offID:], h.ID())
	le.PutUint64(b[offCreation:], uint64(h.CreationTime()))
	le.PutUint64(b[offLastAccess:], uint64(h.LastAccessTime()))
	le.PutUint64(b[offExpiration:], uint64(h.ExpirationTime()))
	le.PutUint64(b[offHits:], uint64(h.Hits()))
	copy(b[headerSize:], key)
	copy(b[headerSize+len(key):], value)
}

func recordKey(b []byte) []byte {
	n := int(le.Uint32(b[offKeyLen:]))
	return b[headerSize : headerSize+n]
}

func recordValue(b []byte) []byte {
	k := int(le.Uint32(b[offKeyLen:]))
	v := int(le.Uint32(b[offValueLen:]))
	return b[headerSize+k : headerSize+k+v]
}

func recordID(b []byte) uint64 { return le.Uint64(b[offID:]) }

func keyEquals(b, key []byte) bool { return bytes.Equal(recordKey(b), key) }

// touchRecord records a read at now in place.
func touchRecord(b []byte, now int64) {
	if now > int64(le.Uint64(b[offLastAccess:])) {
		le.PutUint64(b[offLastAccess:], uint64(now))
	}
	le.PutUint64(b[offHits:], le.Uint64(b[offHits:])+1)
}

// readHolder decodes the holder stored in b.
func readHolder[V any](b []byte, values serialize.Serializer[V]) (*store.ValueHolder[V], error) {
	v, err := values.Decode(recordValue(b))
	if err != nil {
		return nil, fmt.Errorf("offheap: decoding value: %w", err)
	}
	return store.RestoreValueHolder(
		recordID(b),
		v,
		int64(le.Uint64(b[offCreation:])),
		int64(le.Uint64(b[offExpiration:])),
		int64(le.Uint64(b[offLastAccess:])),
		int64(le.Uint64(b[offHits:])),
	), nil
}
