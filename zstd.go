package courier

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// zstd encoders are stateful and expensive to build, so one is kept per
// compression level and shared. Decoding is stateless with a nil reader.
var (
	zstdDecoder, _ = zstd.NewReader(nil)

	zstdEncoders   = map[int]*zstd.Encoder{}
	zstdEncodersMu sync.Mutex
)

func zstdEncoderFor(level int) *zstd.Encoder {
	zstdEncodersMu.Lock()
	defer zstdEncodersMu.Unlock()

	if enc, ok := zstdEncoders[level]; ok {
		return enc
	}

	speed := zstd.SpeedDefault
	if level != CompressionLevelDefault {
		speed = zstd.EncoderLevelFromZstd(level)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithZeroFrames(true), zstd.WithEncoderLevel(speed))
	zstdEncoders[level] = enc
	return enc
}

func zstdCompress(level int, dst, src []byte) ([]byte, error) {
	return zstdEncoderFor(level).EncodeAll(src, dst), nil
}

func zstdDecompress(dst, src []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(src, dst)
}
