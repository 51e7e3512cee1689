package volume

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	niftiHeaderSize = 348
	niftiVoxOffset  = 352
	niftiDimOffset  = 40
	niftiTypeOffset = 70
	niftiMagicAt    = 344

	niftiVoxOffsetAt = 108

	niftiTypeUint8 = 2
)

var (
	niftiMagicSingle = []byte("n+1\x00")
	niftiMagicPair   = []byte("ni1\x00")
	gzipMagic        = []byte{0x1f, 0x8b}
)

// NIfTI reads NIfTI-1 volumes, plain or gzip-compressed.
type NIfTI struct{}

func NewNIfTI() *NIfTI {
	return &NIfTI{}
}

func (n *NIfTI) Extension() string {
	return ".nii.gz"
}

// Validate reads the whole of r and checks that the voxel data the header
// announces is present and, for gzip input, that the stream is intact.
func (n *NIfTI) Validate(r io.Reader) error {
	src, closeSrc, err := openStream(r)
	if err != nil {
		return err
	}
	defer closeSrc()

	header := make([]byte, niftiHeaderSize)
	_, err = io.ReadFull(src, header)
	if err != nil {
		return fmt.Errorf("%w: truncated header: %v", ErrInvalid, err)
	}

	shape, err := parseHeader(header)
	if err != nil {
		return err
	}
	if !bytes.Equal(header[niftiMagicAt:niftiMagicAt+4], niftiMagicSingle) {
		return fmt.Errorf("%w: header-only volume carries no voxel data", ErrInvalid)
	}

	order := byteOrder(header)
	bitpix := int64(int16(order.Uint16(header[niftiTypeOffset+2:])))
	if bitpix < 1 {
		return fmt.Errorf("%w: bitpix %d", ErrInvalid, bitpix)
	}
	offset := float64(math.Float32frombits(order.Uint32(header[niftiVoxOffsetAt:])))
	if offset < niftiHeaderSize || offset != math.Trunc(offset) {
		return fmt.Errorf("%w: vox_offset %v", ErrInvalid, offset)
	}

	want := int64(offset) - niftiHeaderSize + (shape.Voxels()*bitpix+7)/8
	got, err := io.Copy(io.Discard, src)
	if err != nil {
		return fmt.Errorf("%w: corrupt body: %v", ErrInvalid, err)
	}
	if got < want {
		return fmt.Errorf("%w: body has %d of %d bytes", ErrInvalid, got, want)
	}
	return nil
}

func (n *NIfTI) Shape(r io.Reader) (Shape, error) {
	header, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	return parseHeader(header)
}

// openStream unwraps gzip input. The returned close func is never nil.
func openStream(r io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(2)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: file too short", ErrInvalid)
	}
	if !bytes.Equal(head, gzipMagic) {
		return br, func() {}, nil
	}

	zr, err := gzip.NewReader(br)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad gzip stream: %v", ErrInvalid, err)
	}
	return zr, func() { _ = zr.Close() }, nil
}

func readHeader(r io.Reader) ([]byte, error) {
	src, closeSrc, err := openStream(r)
	if err != nil {
		return nil, err
	}
	defer closeSrc()

	header := make([]byte, niftiHeaderSize)
	_, err = io.ReadFull(src, header)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated header: %v", ErrInvalid, err)
	}
	return header, nil
}

// byteOrder returns nil when sizeof_hdr matches in neither order.
func byteOrder(header []byte) binary.ByteOrder {
	switch {
	case binary.LittleEndian.Uint32(header[0:4]) == niftiHeaderSize:
		return binary.LittleEndian
	case binary.BigEndian.Uint32(header[0:4]) == niftiHeaderSize:
		return binary.BigEndian
	}
	return nil
}

func parseHeader(header []byte) (Shape, error) {
	order := byteOrder(header)
	if order == nil {
		return nil, fmt.Errorf("%w: not a NIfTI-1 header", ErrInvalid)
	}

	magic := header[niftiMagicAt : niftiMagicAt+4]
	if !bytes.Equal(magic, niftiMagicSingle) && !bytes.Equal(magic, niftiMagicPair) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrInvalid, magic)
	}

	rank := int(int16(order.Uint16(header[niftiDimOffset:])))
	if rank < 1 || rank > 7 {
		return nil, fmt.Errorf("%w: dimension count %d out of range", ErrInvalid, rank)
	}

	shape := make(Shape, rank)
	for i := 0; i < rank; i++ {
		d := int(int16(order.Uint16(header[niftiDimOffset+2*(i+1):])))
		if d < 1 {
			return nil, fmt.Errorf("%w: axis %d has size %d", ErrInvalid, i, d)
		}
		shape[i] = d
	}
	return shape, nil
}

// Encode writes a gzip-compressed single-file NIfTI-1 volume of unsigned bytes.
// A nil voxels slice writes an all-zero volume.
func (n *NIfTI) Encode(w io.Writer, shape Shape, voxels []byte) error {
	if len(shape) < 1 || len(shape) > 7 {
		return fmt.Errorf("%w: dimension count %d out of range", ErrInvalid, len(shape))
	}
	if voxels != nil && int64(len(voxels)) != shape.Voxels() {
		return fmt.Errorf("%w: %d voxels for shape %s", ErrInvalid, len(voxels), shape)
	}

	for i, d := range shape {
		if d < 1 || d > math.MaxInt16 {
			return fmt.Errorf("%w: axis %d has size %d", ErrInvalid, i, d)
		}
	}

	header := make([]byte, niftiVoxOffset)
	order := binary.LittleEndian
	order.PutUint32(header[0:], niftiHeaderSize)
	order.PutUint16(header[niftiDimOffset:], uint16(len(shape)))
	for i, d := range shape {
		order.PutUint16(header[niftiDimOffset+2*(i+1):], uint16(d))
	}
	order.PutUint16(header[niftiTypeOffset:], niftiTypeUint8)
	order.PutUint16(header[niftiTypeOffset+2:], 8)
	order.PutUint32(header[niftiVoxOffsetAt:], math.Float32bits(niftiVoxOffset))
	copy(header[niftiMagicAt:], niftiMagicSingle)

	zw := gzip.NewWriter(w)
	_, err := zw.Write(header)
	if err != nil {
		return err
	}

	if voxels != nil {
		_, err = zw.Write(voxels)
	} else {
		_, err = io.CopyN(zw, zeroReader{}, shape.Voxels())
	}
	if err != nil {
		return err
	}
	return zw.Close()
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
