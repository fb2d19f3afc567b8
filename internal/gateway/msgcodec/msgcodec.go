// Package msgcodec provides event payload compression for storage at rest.
package msgcodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies the algorithm applied to a stored payload.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// MinCompressSize is the payload size below which compression is skipped;
// small payloads tend to grow under zstd framing overhead.
const MinCompressSize = 512

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd decoder: %v", err))
	}
}

// Compress compresses payload with zstd when it is large enough to
// benefit, returning the stored bytes and the compression tag.
func Compress(payload []byte) ([]byte, Compression) {
	if len(payload) < MinCompressSize {
		return payload, CompressionNone
	}
	compressed := encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
	return compressed, CompressionZstd
}

// Decompress restores a stored payload according to its compression tag.
func Decompress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionZstd:
		return decoder.DecodeAll(data, nil)
	case CompressionNone, "":
		return data, nil
	default:
		return nil, fmt.Errorf("msgcodec: unsupported compression: %q", compression)
	}
}
