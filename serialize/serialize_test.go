package serialize

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string
	Count int
	Tags  []string
}

func TestCodecs_RoundTrip(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("tiered cache ", 100)

	t.Run("string", func(t *testing.T) {
		roundTrip(t, String(), long)
	})
	t.Run("int64", func(t *testing.T) {
		roundTrip(t, Int64(), int64(-42))
	})
	t.Run("gob", func(t *testing.T) {
		roundTrip(t, Gob[record](), record{Name: "a", Count: 3, Tags: []string{"x"}})
	})
	t.Run("json", func(t *testing.T) {
		roundTrip(t, JSON[record](), record{Name: "b", Count: 7})
	})
	t.Run("zstd small", func(t *testing.T) {
		roundTrip(t, Zstd(String()), "tiny")
	})
	t.Run("zstd large", func(t *testing.T) {
		roundTrip(t, Zstd(String()), long)
	})
	t.Run("lz4 small", func(t *testing.T) {
		roundTrip(t, LZ4(String()), "tiny")
	})
	t.Run("lz4 large", func(t *testing.T) {
		roundTrip(t, LZ4(String()), long)
	})
}

func roundTrip[T any](t *testing.T, s Serializer[T], v T) {
	t.Helper()
	b, err := s.Encode(v)
	require.NoError(t, err)
	got, err := s.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestCompression_ShrinksRepetitiveInput(t *testing.T) {
	t.Parallel()

	v := strings.Repeat("a", 4096)
	for name, s := range map[string]Serializer[string]{"zstd": Zstd(String()), "lz4": LZ4(String())} {
		b, err := s.Encode(v)
		require.NoError(t, err, name)
		assert.Less(t, len(b), len(v)/4, name)
	}
}

func TestBytes_DecodeDoesNotAlias(t *testing.T) {
	t.Parallel()

	in := []byte("abc")
	out, err := Bytes().Decode(in)
	require.NoError(t, err)
	in[0] = 'z'
	assert.Equal(t, []byte("abc"), out)
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	_, err := Int64().Decode([]byte{1, 2})
	require.True(t, IsDecodeError(err))

	_, err = JSON[record]().Decode([]byte("{"))
	require.True(t, IsDecodeError(err))

	_, err = Gob[record]().Decode([]byte("garbage"))
	require.True(t, IsDecodeError(err))

	_, err = Zstd(String()).Decode(nil)
	require.True(t, IsDecodeError(err))

	_, err = Zstd(String()).Decode(append([]byte{frameCompressed}, bytes.Repeat([]byte{0xff}, 16)...))
	require.True(t, IsDecodeError(err))

	_, err = LZ4(String()).Decode([]byte{frameCompressed})
	require.True(t, IsDecodeError(err))
}
