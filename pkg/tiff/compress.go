package tiff

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

func decompress(scheme int, src []byte, want int) ([]byte, error) {
	switch scheme {
	case CompressionNone:
		return src, nil
	case CompressionDeflate, compressionAdobe:
		zr, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("%w: deflate: %v", ErrFormat, err)
		}
		defer zr.Close()
		out, err := io.ReadAll(io.LimitReader(zr, int64(want)))
		if err != nil {
			return nil, fmt.Errorf("%w: deflate: %v", ErrFormat, err)
		}
		return out, nil
	case CompressionPackBits:
		return unpackBits(src, want)
	}
	return nil, fmt.Errorf("%w: compression scheme %d", ErrFormat, scheme)
}

// unpackBits expands a PackBits run-length encoded buffer.
func unpackBits(src []byte, want int) ([]byte, error) {
	dst := make([]byte, 0, want)
	for i := 0; i < len(src) && len(dst) < want; {
		n := int(int8(src[i]))
		i++
		switch {
		case n >= 0:
			count := n + 1
			if i+count > len(src) {
				return nil, fmt.Errorf("%w: packbits literal run past end of strip", ErrFormat)
			}
			dst = append(dst, src[i:i+count]...)
			i += count
		case n != -128:
			if i >= len(src) {
				return nil, fmt.Errorf("%w: packbits repeat run past end of strip", ErrFormat)
			}
			b := src[i]
			i++
			for k := 0; k < 1-n; k++ {
				dst = append(dst, b)
			}
		}
	}
	return dst, nil
}
