package codec

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/dsmeta/errors"
)

func TestCodec_RoundTrip(t *testing.T) {
	compressible := bytes.Repeat([]byte("replica payload "), 1024)
	random := make([]byte, 4096)
	_, err := rand.Read(random)
	require.NoError(t, err)

	for _, typ := range []Type{TypeNone, TypeLZ4, TypeZstd} {
		c, err := New(typ)
		require.NoError(t, err)

		for _, src := range [][]byte{compressible, random, {}, []byte("x")} {
			frame := c.Compress(src)
			got, err := c.Decompress(frame)
			require.NoError(t, err, typ.String())
			require.Equal(t, len(src), len(got))
			require.True(t, bytes.Equal(src, got))
		}

		frame := c.Compress(compressible)
		if typ == TypeNone {
			require.Equal(t, byte(TypeNone), frame[0])
		} else {
			require.Equal(t, byte(typ), frame[0])
			require.Less(t, len(frame), len(compressible))
		}
		// incompressible input falls back to a raw frame
		require.Equal(t, byte(TypeNone), c.Compress(random)[0])
		c.Close()
	}
}

func TestCodec_Corrupted(t *testing.T) {
	c, err := New(TypeZstd)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Decompress(nil)
	require.ErrorIs(t, err, apierrors.ErrCorrupted)

	frame := c.Compress(bytes.Repeat([]byte("a"), 1000))
	frame[len(frame)-1] ^= 0xff
	frame[len(frame)-2] ^= 0xff
	_, err = c.Decompress(frame)
	require.ErrorIs(t, err, apierrors.ErrCorrupted)

	_, err = c.Decompress([]byte{9, 1, 0})
	require.ErrorIs(t, err, apierrors.ErrCorrupted)

	_, err = New(Type(7))
	require.Error(t, err)

	typ, err := ParseType("lz4")
	require.NoError(t, err)
	require.Equal(t, TypeLZ4, typ)
	_, err = ParseType("gzip")
	require.Error(t, err)
}
