package qstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompressDecompressRoundTripAllCodecs(t *testing.T) {
	payload := [][]byte{[]byte("transaction one"), []byte("tx two"), []byte("third")}
	blobLens := make([]int, len(payload))
	for i, p := range payload {
		blobLens[i] = len(p)
	}

	for _, codec := range []Codec{CodecNone, CodecSnappy, CodecLZ4, CodecZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			compressed, err := CompressPayload(codec, payload)
			require.NoError(t, err)

			got, err := DecompressPayload(codec, compressed, blobLens)
			require.NoError(t, err)
			require.Equal(t, payload, got)
		})
	}
}

func TestDecompressPayloadRejectsShortData(t *testing.T) {
	_, err := DecompressPayload(CodecNone, []byte("ab"), []int{10})
	require.Error(t, err)
}

func TestCompressPayloadUnknownCodec(t *testing.T) {
	_, err := CompressPayload(Codec(99), [][]byte{[]byte("x")})
	require.Error(t, err)
}

func TestCodecStringNames(t *testing.T) {
	require.Equal(t, "none", CodecNone.String())
	require.Equal(t, "snappy", CodecSnappy.String())
	require.Equal(t, "lz4", CodecLZ4.String())
	require.Equal(t, "zstd", CodecZstd.String())
	require.Equal(t, "unknown", Codec(99).String())
}
