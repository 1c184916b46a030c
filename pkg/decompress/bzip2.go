package decompress

import (
	"bufio"
	"compress/bzip2"
	"io"
)

// NewBzip2 returns a streaming bzip2 decompressor.
func NewBzip2() Decompressor {
	return &codec{
		name: "bzip2",
		init: func(br *bufio.Reader) (io.Reader, error) {
			// bzip2.NewReader defers header validation to the first
			// Read, so bad streams surface as ErrCodecData there.
			return bzip2.NewReader(br), nil
		},
	}
}
