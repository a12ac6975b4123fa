package chunker

import (
	"errors"
	"fmt"
	"io"
)

// Chunker cuts a byte source into chunks of a fixed capacity. Every chunk but
// the last is exactly full; a source read that returns zero bytes without an
// error is retried rather than treated as the end.
type Chunker struct {
	src   io.Reader
	buf   []byte
	index int
	done  bool
}

// New returns a Chunker reading from src in chunks of size bytes.
func New(src io.Reader, size int) *Chunker {
	if size <= 0 {
		size = 4096
	}
	return &Chunker{src: src, buf: make([]byte, size)}
}

// Next returns the next chunk, or io.EOF once the source is exhausted. The
// returned slice is reused by the following call.
func (c *Chunker) Next() ([]byte, error) {
	if c.done {
		return nil, io.EOF
	}

	n, err := io.ReadFull(c.src, c.buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		c.done = true
		return nil, fmt.Errorf("failed to read chunk %d: %w", c.index, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		c.done = true
	}
	if n == 0 {
		return nil, io.EOF
	}

	c.index++
	return c.buf[:n], nil
}

// Index is the number of chunks returned so far.
func (c *Chunker) Index() int {
	return c.index
}

// Split reads src to the end and returns copies of every chunk.
func Split(src io.Reader, size int) ([][]byte, error) {
	c := New(src, size)
	var chunks [][]byte
	for {
		chunk, err := c.Next()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		chunkCopy := make([]byte, len(chunk))
		copy(chunkCopy, chunk)
		chunks = append(chunks, chunkCopy)
	}
}
