package qstore

import (
	"bytes"
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec selects the compression applied to a batch's payload before it
// is handed to the Quorum Store DB, reusing exactly the codec set the
// teacher's Kafka client supports for produce/fetch record batches.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecSnappy
	CodecLZ4
	CodecZstd
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecSnappy:
		return "snappy"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

var sharedZstdEncoder, _ = zstd.NewWriter(nil)
var sharedZstdDecoder, _ = zstd.NewReader(nil)

// CompressPayload flattens payload and compresses it with codec,
// returning the encoded bytes. The NumBytes recorded on a batch is
// always the logical, uncompressed size — spec.md §3, §4.4 quota
// accounting is defined over payload bytes, not on-disk bytes.
func CompressPayload(codec Codec, payload [][]byte) ([]byte, error) {
	var flat bytes.Buffer
	for _, p := range payload {
		flat.Write(p)
	}
	raw := flat.Bytes()
	switch codec {
	case CodecNone:
		return append([]byte(nil), raw...), nil
	case CodecSnappy:
		return snappy.Encode(nil, raw), nil
	case CodecLZ4:
		var out bytes.Buffer
		w := lz4.NewWriter(&out)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	case CodecZstd:
		return sharedZstdEncoder.EncodeAll(raw, nil), nil
	default:
		return nil, fmt.Errorf("qstore: unknown codec %d", codec)
	}
}

// DecompressPayload reverses CompressPayload, then re-splits the flat
// bytes back into blobs of the given lengths so the reconstructed
// payload matches the original fragment boundaries.
func DecompressPayload(codec Codec, data []byte, blobLens []int) ([][]byte, error) {
	var raw []byte
	var err error
	switch codec {
	case CodecNone:
		raw = data
	case CodecSnappy:
		raw, err = snappy.Decode(nil, data)
	case CodecLZ4:
		r := lz4.NewReader(bytes.NewReader(data))
		var out bytes.Buffer
		_, err = out.ReadFrom(r)
		raw = out.Bytes()
	case CodecZstd:
		raw, err = sharedZstdDecoder.DecodeAll(data, nil)
	default:
		err = fmt.Errorf("qstore: unknown codec %d", codec)
	}
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(blobLens))
	off := 0
	for _, n := range blobLens {
		if off+n > len(raw) {
			return nil, fmt.Errorf("qstore: decompressed payload shorter than recorded blob lengths")
		}
		out = append(out, raw[off:off+n])
		off += n
	}
	return out, nil
}
