// File: protocol/bodystream_test.go
// Author: momentics <momentics@gmail.com>

package protocol

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-http/api"
)

func TestChunksBodySinglePass(t *testing.T) {
	b := NewChunksBody([][]byte{[]byte("ab"), nil, []byte("c")})

	chunk, err := b.Next()
	require.NoError(t, err)
	assert.Equal(t, "ab", string(chunk))

	chunk, err = b.Next()
	require.NoError(t, err)
	assert.Equal(t, "c", string(chunk))

	_, err = b.Next()
	assert.Equal(t, io.EOF, err)

	// Exhausted means closed; there is no rewinding.
	_, err = b.Next()
	assert.ErrorIs(t, err, api.ErrStreamClosed)
}

func TestBytesBody(t *testing.T) {
	b := NewBytesBody([]byte("payload"))
	chunk, err := b.Next()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(chunk))
	_, err = b.Next()
	assert.Equal(t, io.EOF, err)

	empty := NewBytesBody(nil)
	_, err = empty.Next()
	assert.Equal(t, io.EOF, err)
}

func TestChunksBodyClose(t *testing.T) {
	b := NewChunksBody([][]byte{[]byte("ab")})
	require.NoError(t, b.Close())
	_, err := b.Next()
	assert.ErrorIs(t, err, api.ErrStreamClosed)
}

func TestFuncBody(t *testing.T) {
	chunks := [][]byte{[]byte("one"), []byte("two")}
	i := 0
	b := NewFuncBody(func() ([]byte, error) {
		if i >= len(chunks) {
			return nil, io.EOF
		}
		c := chunks[i]
		i++
		return c, nil
	})

	out, err := api.ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, "onetwo", string(out))

	_, err = b.Next()
	assert.ErrorIs(t, err, api.ErrStreamClosed)
}

func TestBodyLength(t *testing.T) {
	assert.Equal(t, int64(0), BodyLength(nil))
	assert.Equal(t, int64(5), BodyLength([][]byte{[]byte("ab"), []byte("cde")}))
}
