package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLayout_EncodeDecode(t *testing.T) {
	for _, l := range []Layout{
		NewLayout(LayoutPlain, 1, ChecksumNone),
		NewLayout(LayoutReplica, 2, ChecksumAdler),
		NewLayout(LayoutReplica, 256, ChecksumBlake3),
		NewLayout(LayoutRaid6, 6, ChecksumCRC32C),
		{Type: LayoutQrain, Stripes: 12, Checksum: ChecksumXXHash64, BlockIndex: 6},
	} {
		id := l.Encode()
		got, err := DecodeLayout(id)
		require.NoError(t, err)
		require.Equal(t, l, got)
	}
}

func TestLayout_Invalid(t *testing.T) {
	_, err := DecodeLayout(1 << 24)
	require.Error(t, err)

	// plain with two stripes
	_, err = DecodeLayout(uint32(LayoutPlain) | 1<<layoutStripeShift)
	require.Error(t, err)

	// rain with two stripes
	_, err = DecodeLayout(uint32(LayoutRaidDP) | 1<<layoutStripeShift)
	require.Error(t, err)

	// unknown checksum
	_, err = DecodeLayout(uint32(LayoutReplica) | 0xf<<layoutCksumShift)
	require.Error(t, err)

	require.Panics(t, func() { Layout{Type: LayoutReplica, Stripes: 0}.Encode() })
}

func TestLayout_Properties(t *testing.T) {
	l := NewLayout(LayoutReplica, 3, ChecksumAdler)
	require.False(t, l.IsRain())
	require.Equal(t, 3, l.ExpectedReplicas())
	require.Equal(t, 4, l.ChecksumLen())
	require.Equal(t, uint32(1<<20), l.BlockSize())

	l = NewLayout(LayoutRaidDP, 6, ChecksumMD5)
	require.True(t, l.IsRain())
	require.Equal(t, 16, l.ChecksumLen())
}
