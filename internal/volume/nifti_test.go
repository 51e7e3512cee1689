package volume

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, shape Shape) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, NewNIfTI().Encode(&buf, shape, nil))
	return buf.Bytes()
}

func TestShapeOfEncodedVolume(t *testing.T) {
	codec := NewNIfTI()
	data := encode(t, Shape{100, 100, 100})

	shape, err := codec.Shape(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, Shape{100, 100, 100}, shape)
	assert.NoError(t, codec.Validate(bytes.NewReader(data)))
}

func TestShapeOfUncompressedVolume(t *testing.T) {
	zr, err := gzip.NewReader(bytes.NewReader(encode(t, Shape{4, 5})))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)

	shape, err := NewNIfTI().Shape(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, Shape{4, 5}, shape)
}

func TestShapeBigEndianHeader(t *testing.T) {
	header := make([]byte, niftiHeaderSize)
	binary.BigEndian.PutUint32(header[0:], niftiHeaderSize)
	binary.BigEndian.PutUint16(header[niftiDimOffset:], 3)
	binary.BigEndian.PutUint16(header[niftiDimOffset+2:], 7)
	binary.BigEndian.PutUint16(header[niftiDimOffset+4:], 8)
	binary.BigEndian.PutUint16(header[niftiDimOffset+6:], 9)
	copy(header[niftiMagicAt:], niftiMagicPair)

	shape, err := NewNIfTI().Shape(bytes.NewReader(header))
	require.NoError(t, err)
	assert.Equal(t, Shape{7, 8, 9}, shape)
}

func TestValidateRejectsGarbage(t *testing.T) {
	codec := NewNIfTI()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"too short", []byte("x")},
		{"not nifti", bytes.Repeat([]byte("a"), 400)},
		{"truncated gzip", encode(t, Shape{10, 10, 10})[:12]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := codec.Validate(bytes.NewReader(tt.data))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestValidateRejectsBadMagic(t *testing.T) {
	zr, err := gzip.NewReader(bytes.NewReader(encode(t, Shape{2, 2, 2})))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	copy(raw[niftiMagicAt:], "xxxx")

	assert.ErrorIs(t, NewNIfTI().Validate(bytes.NewReader(raw)), ErrInvalid)
}

func TestEncodeRejectsWrongVoxelCount(t *testing.T) {
	err := NewNIfTI().Encode(io.Discard, Shape{2, 2}, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestShapeEqual(t *testing.T) {
	assert.True(t, Shape{1, 2, 3}.Equal(Shape{1, 2, 3}))
	assert.False(t, Shape{1, 2, 3}.Equal(Shape{1, 2}))
	assert.False(t, Shape{50, 50, 50}.Equal(Shape{100, 100, 100}))
	assert.Equal(t, "(50, 50, 50)", Shape{50, 50, 50}.String())
	assert.Equal(t, int64(125000), Shape{50, 50, 50}.Voxels())
}

func TestValidateRejectsDamagedBody(t *testing.T) {
	codec := NewNIfTI()
	full := encode(t, Shape{40, 40, 40})

	garbageTail := append(append([]byte{}, full[:len(full)/2]...), bytes.Repeat([]byte{0xAB}, 100)...)

	zr, err := gzip.NewReader(bytes.NewReader(full))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"gzip cut in half", full[:len(full)/2]},
		{"gzip with garbage tail", garbageTail},
		{"uncompressed missing voxels", raw[:len(raw)-10]},
		{"header only", raw[:niftiVoxOffset]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// The header survives, only the body is damaged
			_, err := codec.Shape(bytes.NewReader(tt.data))
			require.NoError(t, err)

			assert.ErrorIs(t, codec.Validate(bytes.NewReader(tt.data)), ErrInvalid)
		})
	}
}

func TestValidateRejectsHeaderOnlyPair(t *testing.T) {
	header := make([]byte, niftiHeaderSize)
	binary.LittleEndian.PutUint32(header[0:], niftiHeaderSize)
	binary.LittleEndian.PutUint16(header[niftiDimOffset:], 1)
	binary.LittleEndian.PutUint16(header[niftiDimOffset+2:], 4)
	copy(header[niftiMagicAt:], niftiMagicPair)

	assert.ErrorIs(t, NewNIfTI().Validate(bytes.NewReader(header)), ErrInvalid)
}

func TestEncodeRejectsAxisOutOfRange(t *testing.T) {
	err := NewNIfTI().Encode(io.Discard, Shape{2, 40000}, nil)
	assert.ErrorIs(t, err, ErrInvalid)

	err = NewNIfTI().Encode(io.Discard, Shape{2, 0}, nil)
	assert.ErrorIs(t, err, ErrInvalid)
}
