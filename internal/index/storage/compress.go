package storage

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor compresses checkpoint blobs with zstd. The zero value is not usable; call
// NewZstdCompressor.
type ZstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstdCompressor builds an encoder/decoder pair. Both are safe for concurrent use through
// EncodeAll and DecodeAll.
func NewZstdCompressor() (*ZstdCompressor, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &ZstdCompressor{encoder: encoder, decoder: decoder}, nil
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (c *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	return c.decoder.DecodeAll(data, nil)
}

// Close releases the encoder and decoder resources.
func (c *ZstdCompressor) Close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}
