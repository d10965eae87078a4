// Package serialize converts keys and values to and from the byte form stored
// by the off-heap tier.
package serialize

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
)

// Serializer encodes T to bytes and back. Implementations must be safe for
// concurrent use. Decode must not retain the input slice: callers may pass
// memory that is reused after the call returns.
type Serializer[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
}

// DecodeError reports bytes that could not be turned back into a value.
// It is distinct from absence: a key whose record fails to decode is present
// but unreadable.
type DecodeError struct {
	Codec string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("serialize: %s decode: %v", e.Codec, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err wraps a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

func decodeErr(codec string, err error) error {
	if err == nil {
		return nil
	}
	return &DecodeError{Codec: codec, Err: err}
}

type stringCodec struct{}

// String stores strings as their raw bytes.
func String() Serializer[string] { return stringCodec{} }

func (stringCodec) Encode(v string) ([]byte, error) { return []byte(v), nil }
func (stringCodec) Decode(b []byte) (string, error) { return string(b), nil }

type bytesCodec struct{}

// Bytes stores byte slices as is. Decode returns a copy.
func Bytes() Serializer[[]byte] { return bytesCodec{} }

func (bytesCodec) Encode(v []byte) ([]byte, error) { return v, nil }
func (bytesCodec) Decode(b []byte) ([]byte, error) { return bytes.Clone(b), nil }

type int64Codec struct{}

// Int64 stores integers as 8 little-endian bytes.
func Int64() Serializer[int64] { return int64Codec{} }

func (int64Codec) Encode(v int64) ([]byte, error) {
	return binary.LittleEndian.AppendUint64(make([]byte, 0, 8), uint64(v)), nil
}

func (int64Codec) Decode(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, &DecodeError{Codec: "int64", Err: fmt.Errorf("want 8 bytes, got %d", len(b))}
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

type gobCodec[T any] struct{}

// Gob encodes arbitrary values with encoding/gob. Every value carries its own
// type description, which trades space for self-contained records.
func Gob[T any]() Serializer[T] { return gobCodec[T]{} }

func (gobCodec[T]) Encode(v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, fmt.Errorf("serialize: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec[T]) Decode(b []byte) (T, error) {
	var v T
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&v)
	return v, decodeErr("gob", err)
}

type jsonCodec[T any] struct{}

// JSON encodes values with encoding/json.
func JSON[T any]() Serializer[T] { return jsonCodec[T]{} }

func (jsonCodec[T]) Encode(v T) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serialize: json encode: %w", err)
	}
	return b, nil
}

func (jsonCodec[T]) Decode(b []byte) (T, error) {
	var v T
	err := json.Unmarshal(b, &v)
	return v, decodeErr("json", err)
}
