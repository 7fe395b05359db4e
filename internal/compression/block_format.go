package compression

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Compressed block frame:
//
//	[xxh64 checksum (8 LE)] [method (1)] [size_with_header (4 LE)] [uncompressed_size (4 LE)] [payload...]
//
// The checksum covers everything after itself (method byte through the end
// of the payload), so corruption of either the header or the data is
// detected before decompression. size_with_header counts the 9-byte header
// plus the payload, not the checksum.
const (
	checksumSize = 8
	headerSize   = 9

	// HeaderSize is the total frame overhead.
	HeaderSize = checksumSize + headerSize
)

// CompressBlock frames data with the given codec. Incompressible data is
// stored raw under MethodNone.
func CompressBlock(codec Codec, data []byte) ([]byte, error) {
	payload, err := codec.Compress(data)
	if err != nil {
		return nil, err
	}
	method := codec.MethodByte()
	if payload == nil {
		payload = data
		method = MethodNone
	}

	frame := make([]byte, HeaderSize+len(payload))
	frame[checksumSize] = method
	binary.LittleEndian.PutUint32(frame[checksumSize+1:], uint32(headerSize+len(payload)))
	binary.LittleEndian.PutUint32(frame[checksumSize+5:], uint32(len(data)))
	copy(frame[HeaderSize:], payload)
	binary.LittleEndian.PutUint64(frame, xxhash.Sum64(frame[checksumSize:]))
	return frame, nil
}

// DecompressBlock verifies the checksum, then dispatches to the registered
// codec.
func DecompressBlock(frame []byte) ([]byte, error) {
	if len(frame) < HeaderSize {
		return nil, errors.Errorf("compressed block too small: %d bytes", len(frame))
	}

	sizeWithHeader := binary.LittleEndian.Uint32(frame[checksumSize+1:])
	uncompressedSize := binary.LittleEndian.Uint32(frame[checksumSize+5:])
	end := checksumSize + int(sizeWithHeader)
	if int(sizeWithHeader) < headerSize || end > len(frame) {
		return nil, errors.Errorf("compressed block size mismatch: header says %d, have %d bytes",
			sizeWithHeader, len(frame)-checksumSize)
	}

	want := binary.LittleEndian.Uint64(frame)
	if got := xxhash.Sum64(frame[checksumSize:end]); got != want {
		return nil, errors.Errorf("compressed block checksum mismatch: computed %016x, expected %016x", got, want)
	}

	method := frame[checksumSize]
	codec, ok := ForMethod(method)
	if !ok {
		return nil, errors.Errorf("unknown compression method: 0x%02x", method)
	}
	return codec.Decompress(frame[HeaderSize:end], int(uncompressedSize))
}
