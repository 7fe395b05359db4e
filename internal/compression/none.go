package compression

import "github.com/pkg/errors"

// NoneCodec stores data as-is. It backs the framing layer's raw-store
// fallback for incompressible blocks.
type NoneCodec struct{}

func (c *NoneCodec) MethodByte() byte { return MethodNone }

func (c *NoneCodec) Compress(src []byte) ([]byte, error) {
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst, nil
}

func (c *NoneCodec) Decompress(src []byte, decompressedSize int) ([]byte, error) {
	if len(src) < decompressedSize {
		return nil, errors.Errorf("raw block truncated: need %d bytes, have %d", decompressedSize, len(src))
	}
	dst := make([]byte, decompressedSize)
	copy(dst, src[:decompressedSize])
	return dst, nil
}
