package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("merge-tree column data "), 100)

	frame, err := CompressBlock(&LZ4Codec{}, data)
	require.NoError(t, err)
	require.Less(t, len(frame), len(data), "repetitive data compresses")
	require.Equal(t, MethodLZ4, frame[checksumSize])

	out, err := DecompressBlock(frame)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestIncompressibleDataStoredRaw(t *testing.T) {
	// Too short for LZ4 to win; the frame falls back to raw storage.
	data := []byte{0x01, 0xfe, 0x42}

	frame, err := CompressBlock(&LZ4Codec{}, data)
	require.NoError(t, err)
	require.Equal(t, MethodNone, frame[checksumSize])
	require.Equal(t, HeaderSize+len(data), len(frame))

	out, err := DecompressBlock(frame)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestEmptyBlock(t *testing.T) {
	frame, err := CompressBlock(&LZ4Codec{}, nil)
	require.NoError(t, err)
	out, err := DecompressBlock(frame)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestChecksumDetectsCorruption(t *testing.T) {
	frame, err := CompressBlock(&LZ4Codec{}, bytes.Repeat([]byte("abc"), 200))
	require.NoError(t, err)

	// Flip one payload bit.
	frame[len(frame)-1] ^= 0x01
	_, err = DecompressBlock(frame)
	require.ErrorContains(t, err, "checksum mismatch")

	// Header corruption is caught too.
	frame[len(frame)-1] ^= 0x01
	frame[checksumSize] = MethodNone
	_, err = DecompressBlock(frame)
	require.ErrorContains(t, err, "checksum mismatch")
}

func TestTruncatedFrame(t *testing.T) {
	frame, err := CompressBlock(&NoneCodec{}, []byte("0123456789"))
	require.NoError(t, err)

	_, err = DecompressBlock(frame[:HeaderSize-1])
	require.Error(t, err)
	_, err = DecompressBlock(frame[:len(frame)-2])
	require.ErrorContains(t, err, "size mismatch")
}

func TestUnknownMethodRejected(t *testing.T) {
	_, ok := ForMethod(0x7f)
	require.False(t, ok)
}
