package compressor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressChunkRoundTrip(t *testing.T) {
	chunk := bytes.Repeat([]byte("thanks for the file! "), 200)

	compressed, err := CompressChunk(chunk)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(chunk))

	out, err := DecompressData(compressed, len(chunk))
	require.NoError(t, err)
	assert.Equal(t, chunk, out)
}

func TestDecompressDataRejectsExpansionBeyondLimit(t *testing.T) {
	chunk := bytes.Repeat([]byte{0}, 8192)
	compressed, err := CompressChunk(chunk)
	require.NoError(t, err)

	_, err = DecompressData(compressed, 4096)
	assert.Error(t, err)
}

func TestDecompressDataRejectsGarbage(t *testing.T) {
	_, err := DecompressData([]byte("definitely not lz4"), 4096)
	assert.Error(t, err)
}

func TestShouldSkipCompression(t *testing.T) {
	assert.True(t, ShouldSkipCompression("test.jpg"))
	assert.True(t, ShouldSkipCompression("ARCHIVE.ZIP"))
	assert.False(t, ShouldSkipCompression("notes.txt"))
	assert.False(t, ShouldSkipCompression("Makefile"))
}
