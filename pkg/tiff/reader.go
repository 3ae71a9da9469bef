// Package tiff reads and writes the multi-page TIFF containers microscopy
// volumes are exchanged in.
//
// The reader walks the chain of image file directories (one per page) of a
// classic or BigTIFF file in either byte order and decodes single-sample
// strip-organized pages into float64. The writer emits little-endian
// classic TIFF with a JSON shape description on the first page, which is
// the layout scientific tooling expects when reading N-dimensional stacks.
package tiff

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/exp/mmap"

	"microvolume/internal/models"
)

// ErrFormat is returned for input that is not a well-formed TIFF file or
// that uses features the reader does not implement.
var ErrFormat = errors.New("tiff: invalid format")

// Tags used by the reader and writer.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagDescription     = 270
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileOffsets     = 324
	tagSampleFormat    = 339
)

// Compression schemes.
const (
	CompressionNone     = 1
	CompressionDeflate  = 8
	CompressionPackBits = 32773
	compressionAdobe    = 32946
)

// SampleFormat values.
const (
	SampleFormatUint  = 1
	SampleFormatInt   = 2
	SampleFormatFloat = 3
)

const predictorHorizontal = 2

// MaxExpansion bounds the ratio of decoded to stored bytes. Deflate cannot
// expand a stream by more than about 1032:1 and the other schemes by less.
const MaxExpansion = 1032

// Field types and their sizes in bytes.
const (
	typeByte   = 1
	typeASCII  = 2
	typeShort  = 3
	typeLong   = 4
	typeLong8  = 16
	typeIFD8   = 18
	typeIFD    = 13
	typeSByte  = 6
	typeSShort = 8
	typeSLong  = 9
	typeSLong8 = 17
)

var typeSizes = map[uint16]int{
	1: 1, 2: 1, 3: 2, 4: 4, 5: 8, 6: 1, 7: 1, 8: 2, 9: 4, 10: 8, 11: 4, 12: 8, 13: 4, 16: 8, 17: 8, 18: 8,
}

// Page describes one image file directory.
type Page struct {
	Width           int
	Height          int
	BitsPerSample   int
	SampleFormat    int
	SamplesPerPixel int
	Compression     int
	Predictor       int
	PlanarConfig    int
	RowsPerStrip    int
	Description     string
	StripOffsets    []uint64
	StripByteCounts []uint64
	Tiled           bool
}

// DType maps the page's sample layout onto a volume sample type.
func (p *Page) DType() (models.DType, error) {
	switch {
	case p.SampleFormat == SampleFormatUint && p.BitsPerSample == 8:
		return models.Uint8, nil
	case p.SampleFormat == SampleFormatUint && p.BitsPerSample == 16:
		return models.Uint16, nil
	case p.SampleFormat == SampleFormatUint && p.BitsPerSample == 32:
		return models.Uint32, nil
	case p.SampleFormat == SampleFormatInt && p.BitsPerSample == 8:
		return models.Int8, nil
	case p.SampleFormat == SampleFormatInt && p.BitsPerSample == 16:
		return models.Int16, nil
	case p.SampleFormat == SampleFormatInt && p.BitsPerSample == 32:
		return models.Int32, nil
	case p.SampleFormat == SampleFormatFloat && p.BitsPerSample == 32:
		return models.Float32, nil
	case p.SampleFormat == SampleFormatFloat && p.BitsPerSample == 64:
		return models.Float64, nil
	}
	return 0, fmt.Errorf("%w: %d-bit samples with sample format %d", ErrFormat, p.BitsPerSample, p.SampleFormat)
}

// Reader gives access to the pages of a TIFF file.
type Reader struct {
	r      io.ReaderAt
	size   int64
	order  binary.ByteOrder
	big    bool
	pages  []*Page
	closer io.Closer
}

// Open maps the file at path read-only and parses its directory chain.
// Pixel data is only touched when a page is decoded.
func Open(path string) (*Reader, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(m, int64(m.Len()))
	if err != nil {
		m.Close()
		return nil, err
	}
	r.closer = m
	return r, nil
}

// NewReader parses the TIFF header and every image file directory of r.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	tr := &Reader{r: r, size: size}

	hdr := make([]byte, 8)
	if err := tr.readAt(hdr, 0); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrFormat, err)
	}
	switch string(hdr[:2]) {
	case "II":
		tr.order = binary.LittleEndian
	case "MM":
		tr.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: bad byte order mark %q", ErrFormat, hdr[:2])
	}

	var next uint64
	switch magic := tr.order.Uint16(hdr[2:4]); magic {
	case 42:
		next = uint64(tr.order.Uint32(hdr[4:8]))
	case 43:
		tr.big = true
		if tr.order.Uint16(hdr[4:6]) != 8 {
			return nil, fmt.Errorf("%w: BigTIFF offset size %d", ErrFormat, tr.order.Uint16(hdr[4:6]))
		}
		ext := make([]byte, 8)
		if err := tr.readAt(ext, 8); err != nil {
			return nil, fmt.Errorf("%w: reading BigTIFF header: %v", ErrFormat, err)
		}
		next = tr.order.Uint64(ext)
	default:
		return nil, fmt.Errorf("%w: bad magic number %d", ErrFormat, magic)
	}

	seen := make(map[uint64]bool)
	for next != 0 {
		if seen[next] {
			return nil, fmt.Errorf("%w: directory chain loops at offset %d", ErrFormat, next)
		}
		seen[next] = true

		page, n, err := tr.readIFD(next)
		if err != nil {
			return nil, err
		}
		tr.pages = append(tr.pages, page)
		next = n
	}
	if len(tr.pages) == 0 {
		return nil, fmt.Errorf("%w: no image directories", ErrFormat)
	}
	return tr, nil
}

// Pages returns the parsed directories in file order.
func (r *Reader) Pages() []*Page {
	return r.pages
}

// ByteOrder returns the byte order of the file.
func (r *Reader) ByteOrder() binary.ByteOrder {
	return r.order
}

// BigTIFF reports whether the file uses 64-bit offsets.
func (r *Reader) BigTIFF() bool {
	return r.big
}

// Size returns the size of the underlying file in bytes.
func (r *Reader) Size() int64 {
	return r.size
}

// Close releases the file mapping, if any.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

func (r *Reader) readAt(buf []byte, off int64) error {
	if off < 0 || int64(len(buf)) > r.size || off > r.size-int64(len(buf)) {
		return fmt.Errorf("range of %d bytes at %d outside file of %d bytes", len(buf), off, r.size)
	}
	_, err := r.r.ReadAt(buf, off)
	if err == io.EOF {
		err = nil
	}
	return err
}

// readIFD parses the directory at off and returns it with the offset of
// the next directory.
func (r *Reader) readIFD(off uint64) (*Page, uint64, error) {
	countSize, entrySize, fieldSize := 2, 12, 4
	if r.big {
		countSize, entrySize, fieldSize = 8, 20, 8
	}

	head := make([]byte, countSize)
	if err := r.readAt(head, int64(off)); err != nil {
		return nil, 0, fmt.Errorf("%w: reading directory at %d: %v", ErrFormat, off, err)
	}
	var count uint64
	if r.big {
		count = r.order.Uint64(head)
	} else {
		count = uint64(r.order.Uint16(head))
	}
	if count > uint64(r.size)/uint64(entrySize) {
		return nil, 0, fmt.Errorf("%w: directory at %d claims %d entries", ErrFormat, off, count)
	}

	body := make([]byte, int(count)*entrySize+fieldSize)
	if err := r.readAt(body, int64(off)+int64(countSize)); err != nil {
		return nil, 0, fmt.Errorf("%w: reading directory at %d: %v", ErrFormat, off, err)
	}

	page := &Page{
		BitsPerSample:   1,
		SampleFormat:    SampleFormatUint,
		SamplesPerPixel: 1,
		Compression:     CompressionNone,
		Predictor:       1,
		PlanarConfig:    1,
	}
	for i := 0; i < int(count); i++ {
		e := body[i*entrySize : (i+1)*entrySize]
		if err := r.parseEntry(page, e, fieldSize); err != nil {
			return nil, 0, err
		}
	}
	if page.RowsPerStrip <= 0 || page.RowsPerStrip > page.Height {
		page.RowsPerStrip = page.Height
	}

	tail := body[int(count)*entrySize:]
	var next uint64
	if r.big {
		next = r.order.Uint64(tail)
	} else {
		next = uint64(r.order.Uint32(tail))
	}
	return page, next, nil
}

func (r *Reader) parseEntry(page *Page, e []byte, fieldSize int) error {
	tag := r.order.Uint16(e[0:2])
	typ := r.order.Uint16(e[2:4])

	var count uint64
	var field []byte
	if r.big {
		count = r.order.Uint64(e[4:12])
		field = e[12:20]
	} else {
		count = uint64(r.order.Uint32(e[4:8]))
		field = e[8:12]
	}

	switch tag {
	case tagImageWidth, tagImageLength, tagBitsPerSample, tagCompression,
		tagSamplesPerPixel, tagRowsPerStrip, tagPlanarConfig, tagPredictor,
		tagSampleFormat, tagStripOffsets, tagStripByteCounts, tagTileWidth,
		tagTileOffsets, tagDescription:
	default:
		return nil
	}

	size, ok := typeSizes[typ]
	if !ok {
		return fmt.Errorf("%w: tag %d has unknown field type %d", ErrFormat, tag, typ)
	}
	if count > uint64(r.size)/uint64(size) {
		return fmt.Errorf("%w: tag %d claims %d values", ErrFormat, tag, count)
	}
	n := int64(count) * int64(size)

	raw := field[:min(int(n), fieldSize)]
	if n > int64(fieldSize) {
		var off uint64
		if r.big {
			off = r.order.Uint64(field)
		} else {
			off = uint64(r.order.Uint32(field))
		}
		raw = make([]byte, n)
		if err := r.readAt(raw, int64(off)); err != nil {
			return fmt.Errorf("%w: reading tag %d: %v", ErrFormat, tag, err)
		}
	}

	if tag == tagDescription {
		if typ != typeASCII {
			return nil
		}
		page.Description = trimASCII(raw)
		return nil
	}

	vals, err := r.integers(typ, int(count), raw)
	if err != nil {
		return fmt.Errorf("%w: tag %d: %v", ErrFormat, tag, err)
	}
	if len(vals) == 0 {
		return nil
	}
	if (tag == tagImageWidth || tag == tagImageLength) && vals[0] > math.MaxInt32 {
		return fmt.Errorf("%w: tag %d has extent %d", ErrFormat, tag, vals[0])
	}
	first := int(vals[0])
	switch tag {
	case tagImageWidth:
		page.Width = first
	case tagImageLength:
		page.Height = first
	case tagBitsPerSample:
		page.BitsPerSample = first
	case tagCompression:
		page.Compression = first
	case tagSamplesPerPixel:
		page.SamplesPerPixel = first
	case tagRowsPerStrip:
		if vals[0] <= math.MaxInt32 {
			page.RowsPerStrip = first
		}
	case tagPlanarConfig:
		page.PlanarConfig = first
	case tagPredictor:
		page.Predictor = first
	case tagSampleFormat:
		page.SampleFormat = first
	case tagStripOffsets:
		page.StripOffsets = vals
	case tagStripByteCounts:
		page.StripByteCounts = vals
	case tagTileWidth, tagTileOffsets:
		page.Tiled = true
	}
	return nil
}

func (r *Reader) integers(typ uint16, count int, raw []byte) ([]uint64, error) {
	vals := make([]uint64, count)
	for i := range vals {
		switch typ {
		case typeByte, typeSByte:
			vals[i] = uint64(raw[i])
		case typeShort, typeSShort:
			vals[i] = uint64(r.order.Uint16(raw[2*i:]))
		case typeLong, typeSLong, typeIFD:
			vals[i] = uint64(r.order.Uint32(raw[4*i:]))
		case typeLong8, typeSLong8, typeIFD8:
			vals[i] = r.order.Uint64(raw[8*i:])
		default:
			return nil, fmt.Errorf("field type %d is not an integer type", typ)
		}
	}
	return vals, nil
}

func trimASCII(raw []byte) string {
	end := len(raw)
	for end > 0 && raw[end-1] == 0 {
		end--
	}
	return string(raw[:end])
}

// ReadPage decodes page i into dst, which must hold Width*Height samples.
func (r *Reader) ReadPage(i int, dst []float64) error {
	if i < 0 || i >= len(r.pages) {
		return fmt.Errorf("tiff: page %d outside [0, %d)", i, len(r.pages))
	}
	p := r.pages[i]
	dtype, err := p.DType()
	if err != nil {
		return err
	}
	if p.SamplesPerPixel != 1 {
		return fmt.Errorf("%w: page %d has %d samples per pixel", ErrFormat, i, p.SamplesPerPixel)
	}
	if p.Tiled {
		return fmt.Errorf("%w: page %d is tiled", ErrFormat, i)
	}
	if len(dst) != p.Width*p.Height {
		return fmt.Errorf("tiff: page %d needs %d samples, destination holds %d", i, p.Width*p.Height, len(dst))
	}
	if len(p.StripOffsets) != len(p.StripByteCounts) {
		return fmt.Errorf("%w: page %d has %d strip offsets and %d byte counts", ErrFormat, i, len(p.StripOffsets), len(p.StripByteCounts))
	}

	sampleSize := dtype.Size()
	rowBytes := p.Width * sampleSize
	rowsLeft := p.Height
	pos := 0
	for s := range p.StripOffsets {
		if rowsLeft == 0 {
			break
		}
		rows := min(p.RowsPerStrip, rowsLeft)
		want := rows * rowBytes

		off, count := p.StripOffsets[s], p.StripByteCounts[s]
		if count > uint64(r.size) || off > uint64(r.size)-count {
			return fmt.Errorf("%w: page %d strip %d of %d bytes at %d outside file of %d bytes", ErrFormat, i, s, count, off, r.size)
		}
		packed := make([]byte, count)
		if err := r.readAt(packed, int64(off)); err != nil {
			return fmt.Errorf("%w: page %d strip %d: %v", ErrFormat, i, s, err)
		}
		strip, err := decompress(p.Compression, packed, want)
		if err != nil {
			return fmt.Errorf("page %d strip %d: %w", i, s, err)
		}
		if len(strip) < want {
			return fmt.Errorf("%w: page %d strip %d holds %d bytes, need %d", ErrFormat, i, s, len(strip), want)
		}
		strip = strip[:want]

		if p.Predictor == predictorHorizontal {
			if dtype.IsFloat() {
				return fmt.Errorf("%w: horizontal predictor on floating-point samples", ErrFormat)
			}
			undoHorizontal(strip, rowBytes, sampleSize, r.order)
		} else if p.Predictor != 1 {
			return fmt.Errorf("%w: predictor %d", ErrFormat, p.Predictor)
		}

		n := rows * p.Width
		decodeSamples(dst[pos:pos+n], strip, dtype, r.order)
		pos += n
		rowsLeft -= rows
	}
	if rowsLeft != 0 {
		return fmt.Errorf("%w: page %d strips cover %d of %d rows", ErrFormat, i, p.Height-rowsLeft, p.Height)
	}
	return nil
}

// undoHorizontal reverses horizontal differencing row by row.
func undoHorizontal(buf []byte, rowBytes, sampleSize int, order binary.ByteOrder) {
	for row := 0; row+rowBytes <= len(buf); row += rowBytes {
		b := buf[row : row+rowBytes]
		for i := sampleSize; i < len(b); i += sampleSize {
			switch sampleSize {
			case 1:
				b[i] += b[i-1]
			case 2:
				order.PutUint16(b[i:], order.Uint16(b[i:])+order.Uint16(b[i-2:]))
			case 4:
				order.PutUint32(b[i:], order.Uint32(b[i:])+order.Uint32(b[i-4:]))
			case 8:
				order.PutUint64(b[i:], order.Uint64(b[i:])+order.Uint64(b[i-8:]))
			}
		}
	}
}

func decodeSamples(dst []float64, src []byte, dtype models.DType, order binary.ByteOrder) {
	for i := range dst {
		switch dtype {
		case models.Uint8:
			dst[i] = float64(src[i])
		case models.Int8:
			dst[i] = float64(int8(src[i]))
		case models.Uint16:
			dst[i] = float64(order.Uint16(src[2*i:]))
		case models.Int16:
			dst[i] = float64(int16(order.Uint16(src[2*i:])))
		case models.Uint32:
			dst[i] = float64(order.Uint32(src[4*i:]))
		case models.Int32:
			dst[i] = float64(int32(order.Uint32(src[4*i:])))
		case models.Float32:
			dst[i] = float64(math.Float32frombits(order.Uint32(src[4*i:])))
		case models.Float64:
			dst[i] = math.Float64frombits(order.Uint64(src[8*i:]))
		}
	}
}
