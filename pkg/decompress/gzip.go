package decompress

import (
	"bufio"
	"io"

	"github.com/klauspost/compress/gzip"
)

// NewGzip returns a streaming gzip decompressor.
func NewGzip() Decompressor {
	return &codec{
		name: "gzip",
		init: func(br *bufio.Reader) (io.Reader, error) {
			return gzip.NewReader(br)
		},
	}
}
