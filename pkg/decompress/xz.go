package decompress

import (
	"bufio"
	"bytes"
	"io"

	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

var xzMagic = []byte{0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00}

// NewXz returns a streaming xz decompressor. Old-style LZMA streams
// (.lzma, magic 5D 00 00) are handled by the same codec.
func NewXz() Decompressor {
	return &codec{
		name: "xz",
		init: func(br *bufio.Reader) (io.Reader, error) {
			head, err := br.Peek(len(xzMagic))
			if err != nil && len(head) == 0 {
				return nil, err
			}
			if bytes.HasPrefix(head, xzMagic) {
				return xz.NewReader(br)
			}
			return lzma.NewReader(br)
		},
	}
}
