package serialize

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compressed payloads start with a one-byte header telling whether the
// inner encoding was stored raw (incompressible or tiny) or compressed.
const (
	frameRaw        byte = 0
	frameCompressed byte = 1

	// minCompressSize is the smallest payload worth compressing.
	minCompressSize = 64
)

var errShortFrame = errors.New("frame too short")

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

// zstdCodecs returns the shared encoder and decoder. EncodeAll and DecodeAll
// are safe for concurrent use.
func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			zstdErr = fmt.Errorf("serialize: creating zstd encoder: %w", zstdErr)
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
		if zstdErr != nil {
			zstdErr = fmt.Errorf("serialize: creating zstd decoder: %w", zstdErr)
		}
	})
	return zstdEnc, zstdDec, zstdErr
}

type zstdCodec[T any] struct{ inner Serializer[T] }

// Zstd compresses the output of inner with zstd.
func Zstd[T any](inner Serializer[T]) Serializer[T] { return zstdCodec[T]{inner: inner} }

func (c zstdCodec[T]) Encode(v T) ([]byte, error) {
	raw, err := c.inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if len(raw) < minCompressSize {
		return rawFrame(raw), nil
	}
	enc, _, err := zstdCodecs()
	if err != nil {
		return nil, err
	}
	out := enc.EncodeAll(raw, []byte{frameCompressed})
	if len(out) >= len(raw)+1 {
		return rawFrame(raw), nil
	}
	return out, nil
}

func (c zstdCodec[T]) Decode(b []byte) (T, error) {
	var zero T
	if len(b) == 0 {
		return zero, &DecodeError{Codec: "zstd", Err: errShortFrame}
	}
	if b[0] == frameRaw {
		return c.inner.Decode(b[1:])
	}
	_, dec, err := zstdCodecs()
	if err != nil {
		return zero, err
	}
	raw, err := dec.DecodeAll(b[1:], nil)
	if err != nil {
		return zero, &DecodeError{Codec: "zstd", Err: err}
	}
	return c.inner.Decode(raw)
}

type lz4Codec[T any] struct{ inner Serializer[T] }

// LZ4 compresses the output of inner with LZ4 block compression.
// Compressed frames carry the uncompressed size as a uvarint after the header.
func LZ4[T any](inner Serializer[T]) Serializer[T] { return lz4Codec[T]{inner: inner} }

func (c lz4Codec[T]) Encode(v T) ([]byte, error) {
	raw, err := c.inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if len(raw) < minCompressSize {
		return rawFrame(raw), nil
	}

	out := make([]byte, 1+binary.MaxVarintLen64+lz4.CompressBlockBound(len(raw)))
	out[0] = frameCompressed
	hdr := 1 + binary.PutUvarint(out[1:], uint64(len(raw)))
	n, err := lz4.CompressBlock(raw, out[hdr:], nil)
	if err != nil {
		return nil, fmt.Errorf("serialize: lz4 compress: %w", err)
	}
	if n == 0 || hdr+n >= len(raw)+1 {
		return rawFrame(raw), nil // incompressible
	}
	return out[:hdr+n], nil
}

func (c lz4Codec[T]) Decode(b []byte) (T, error) {
	var zero T
	if len(b) == 0 {
		return zero, &DecodeError{Codec: "lz4", Err: errShortFrame}
	}
	if b[0] == frameRaw {
		return c.inner.Decode(b[1:])
	}
	size, n := binary.Uvarint(b[1:])
	if n <= 0 {
		return zero, &DecodeError{Codec: "lz4", Err: errShortFrame}
	}
	// LZ4 cannot expand input by more than 255x.
	if size > 255*uint64(len(b)) {
		return zero, &DecodeError{Codec: "lz4", Err: fmt.Errorf("implausible size %d", size)}
	}
	raw := make([]byte, size)
	got, err := lz4.UncompressBlock(b[1+n:], raw)
	if err != nil {
		return zero, &DecodeError{Codec: "lz4", Err: err}
	}
	if uint64(got) != size {
		return zero, &DecodeError{Codec: "lz4", Err: fmt.Errorf("decompressed %d bytes, want %d", got, size)}
	}
	return c.inner.Decode(raw)
}

func rawFrame(raw []byte) []byte {
	out := make([]byte, 1+len(raw))
	out[0] = frameRaw
	copy(out[1:], raw)
	return out
}
