package tiff

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"microvolume/internal/models"
)

// entry is a directory entry whose value fits the 4-byte field or lives at
// an external offset.
type entry struct {
	tag   uint16
	typ   uint16
	count uint32
	value uint32
}

// Encode writes data, laid out in row-major order over shape, as a
// little-endian classic TIFF with one uncompressed page per trailing
// (height, width) plane. Integer sample types are rounded and clamped.
func Encode(w io.Writer, shape []int, dtype models.DType, data []float64) error {
	if len(shape) < 2 {
		return fmt.Errorf("tiff: shape %v needs at least two axes", shape)
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			return fmt.Errorf("tiff: negative extent in shape %v", shape)
		}
		n *= d
	}
	if n != len(data) {
		return fmt.Errorf("tiff: shape %v needs %d samples, got %d", shape, n, len(data))
	}
	height, width := shape[len(shape)-2], shape[len(shape)-1]
	if height == 0 || width == 0 {
		return fmt.Errorf("tiff: cannot write empty planes of shape %v", shape)
	}
	pages := n / (height * width)
	if pages == 0 {
		return fmt.Errorf("tiff: shape %v has no pages", shape)
	}

	bps, format, err := layoutOf(dtype)
	if err != nil {
		return err
	}
	desc, err := describeShape(shape)
	if err != nil {
		return err
	}

	pageBytes := int64(height * width * dtype.Size())
	descOff := int64(8)
	off := align(descOff + int64(len(desc)) + 1)

	dataOffs := make([]int64, pages)
	ifdOffs := make([]int64, pages)
	for p := 0; p < pages; p++ {
		dataOffs[p] = off
		off = align(off + pageBytes)
		ifdOffs[p] = off
		off += ifdSize(numEntries(p == 0))
	}
	if off > math.MaxUint32 {
		return fmt.Errorf("tiff: %d bytes exceeds the classic TIFF limit", off)
	}

	order := binary.LittleEndian
	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}

	hdr := make([]byte, 8)
	copy(hdr, "II")
	order.PutUint16(hdr[2:], 42)
	order.PutUint32(hdr[4:], uint32(ifdOffs[0]))
	cw.Write(hdr)
	cw.Write(append([]byte(desc), 0))
	cw.pad()

	buf := make([]byte, pageBytes)
	for p := 0; p < pages; p++ {
		plane := data[p*height*width : (p+1)*height*width]
		encodeSamples(buf, plane, dtype, order)
		cw.Write(buf)
		cw.pad()

		entries := []entry{
			{tagImageWidth, typeLong, 1, uint32(width)},
			{tagImageLength, typeLong, 1, uint32(height)},
			{tagBitsPerSample, typeShort, 1, uint32(bps)},
			{tagCompression, typeShort, 1, CompressionNone},
			{tagPhotometric, typeShort, 1, 1},
		}
		if p == 0 {
			entries = append(entries, entry{tagDescription, typeASCII, uint32(len(desc) + 1), uint32(descOff)})
		}
		entries = append(entries,
			entry{tagStripOffsets, typeLong, 1, uint32(dataOffs[p])},
			entry{tagSamplesPerPixel, typeShort, 1, 1},
			entry{tagRowsPerStrip, typeLong, 1, uint32(height)},
			entry{tagStripByteCounts, typeLong, 1, uint32(pageBytes)},
			entry{tagPlanarConfig, typeShort, 1, 1},
			entry{tagSampleFormat, typeShort, 1, uint32(format)},
		)
		var next uint32
		if p+1 < pages {
			next = uint32(ifdOffs[p+1])
		}
		cw.Write(encodeIFD(entries, next, order))
	}
	if cw.err != nil {
		return cw.err
	}
	return bw.Flush()
}

// EncodeVolume writes a volume in its own sample type.
func EncodeVolume(w io.Writer, v *models.Volume) error {
	return Encode(w, v.Shape[:], v.DType, v.Data)
}

// WriteFile writes a volume to path, creating parent directories.
func WriteFile(path string, v *models.Volume) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := EncodeVolume(f, v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func layoutOf(dtype models.DType) (bps, format int, err error) {
	switch dtype {
	case models.Uint8, models.Uint16, models.Uint32:
		format = SampleFormatUint
	case models.Int8, models.Int16, models.Int32:
		format = SampleFormatInt
	case models.Float32, models.Float64:
		format = SampleFormatFloat
	default:
		return 0, 0, fmt.Errorf("tiff: cannot write sample type %v", dtype)
	}
	return dtype.Size() * 8, format, nil
}

func numEntries(first bool) int {
	if first {
		return 12
	}
	return 11
}

func ifdSize(entries int) int64 {
	return int64(2 + entries*12 + 4)
}

func align(off int64) int64 {
	return off + off&1
}

func encodeIFD(entries []entry, next uint32, order binary.ByteOrder) []byte {
	b := make([]byte, ifdSize(len(entries)))
	order.PutUint16(b, uint16(len(entries)))
	for i, e := range entries {
		f := b[2+12*i:]
		order.PutUint16(f[0:], e.tag)
		order.PutUint16(f[2:], e.typ)
		order.PutUint32(f[4:], e.count)
		if e.typ == typeShort && e.count == 1 {
			order.PutUint16(f[8:], uint16(e.value))
		} else {
			order.PutUint32(f[8:], e.value)
		}
	}
	order.PutUint32(b[2+12*len(entries):], next)
	return b
}

func encodeSamples(dst []byte, src []float64, dtype models.DType, order binary.ByteOrder) {
	for i, v := range src {
		switch dtype {
		case models.Uint8:
			dst[i] = uint8(clampRound(v, 0, math.MaxUint8))
		case models.Int8:
			dst[i] = uint8(int8(clampRound(v, math.MinInt8, math.MaxInt8)))
		case models.Uint16:
			order.PutUint16(dst[2*i:], uint16(clampRound(v, 0, math.MaxUint16)))
		case models.Int16:
			order.PutUint16(dst[2*i:], uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16))))
		case models.Uint32:
			order.PutUint32(dst[4*i:], uint32(clampRound(v, 0, math.MaxUint32)))
		case models.Int32:
			order.PutUint32(dst[4*i:], uint32(int32(clampRound(v, math.MinInt32, math.MaxInt32))))
		case models.Float32:
			order.PutUint32(dst[4*i:], math.Float32bits(float32(v)))
		case models.Float64:
			order.PutUint64(dst[8*i:], math.Float64bits(v))
		}
	}
}

func clampRound(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, math.Round(v)))
}

// countingWriter tracks the write position so pages can be word aligned,
// and keeps the first error.
type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}

func (c *countingWriter) pad() {
	if c.n&1 == 1 {
		c.Write([]byte{0})
	}
}
