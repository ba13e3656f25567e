package format

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// maxDecompressedSize caps decompression of untrusted repository payloads.
const maxDecompressedSize = 4 << 30

// decompress returns data unchanged unless it carries a gzip or zstd frame
// header, in which case the decoded payload is returned.
func decompress(data []byte) ([]byte, error) {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		defer r.Close()

		decompressed, err := io.ReadAll(io.LimitReader(r, maxDecompressedSize))
		if err != nil {
			return nil, fmt.Errorf("decompress gzip data: %w", err)
		}
		return decompressed, nil
	}

	// zstd magic: 0x28, 0xb5, 0x2f, 0xfd
	if len(data) >= 4 && data[0] == 0x28 && data[1] == 0xb5 && data[2] == 0x2f && data[3] == 0xfd {
		r, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		defer r.Close()

		decompressed, err := io.ReadAll(io.LimitReader(r, maxDecompressedSize))
		if err != nil {
			return nil, fmt.Errorf("decompress zstd data: %w", err)
		}
		return decompressed, nil
	}

	return data, nil
}
