package transport

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	frames := [][]byte{[]byte("first"), {}, bytes.Repeat([]byte{0xAB}, 1000)}
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f))
	}

	for _, want := range frames {
		got, err := ReadFrame(&buf, MaxFrameSize)
		require.NoError(t, err)
		assert.Equal(t, len(want), len(got))
		assert.True(t, bytes.Equal(want, got))
	}

	_, err := ReadFrame(&buf, MaxFrameSize)
	assert.Equal(t, io.EOF, err, "clean end between frames")
}

func TestReadFrameErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short_header", []byte{0, 0}, io.ErrUnexpectedEOF},
		{"short_body", []byte{0, 0, 0, 5, 'a', 'b'}, io.ErrUnexpectedEOF},
		{"too_large", []byte{0, 0, 0x40, 0x01}, ErrFrameTooLarge},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tc.data), MaxFrameSize)
			assert.True(t, errors.Is(err, tc.want), "got %v, want %v", err, tc.want)
		})
	}
}

func TestAppendFrameHeader(t *testing.T) {
	got := AppendFrame(nil, []byte{1, 2, 3})
	assert.Equal(t, []byte{0, 0, 0, 3, 1, 2, 3}, got)
}
