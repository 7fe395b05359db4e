// Package compression frames column data into checksummed compressed
// blocks. Codecs are looked up through a method-byte registry; the framing
// layer owns the raw-store fallback for incompressible data.
package compression

// Codec is one entry in the compression method registry.
type Codec interface {
	// MethodByte is the codec identifier stored in the block header.
	MethodByte() byte
	// Compress returns the compressed payload, or nil when the codec
	// cannot shrink src; the framing layer then stores src raw.
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte, decompressedSize int) ([]byte, error)
}

// Method byte constants.
const (
	MethodNone byte = 0x02
	MethodLZ4  byte = 0x82
)

var registry = map[byte]Codec{
	MethodNone: &NoneCodec{},
	MethodLZ4:  &LZ4Codec{},
}

// ForMethod returns the registered codec for a method byte.
func ForMethod(method byte) (Codec, bool) {
	c, ok := registry[method]
	return c, ok
}
