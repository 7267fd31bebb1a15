// File: api/types_test.go
// Author: momentics <momentics@gmail.com>

package api

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	cases := []struct {
		raw    string
		origin Origin
		target string
	}{
		{"http://example.com/", Origin{"http", "example.com", 80}, "/"},
		{"http://example.com", Origin{"http", "example.com", 80}, "/"},
		{"https://example.com/a/b?x=1", Origin{"https", "example.com", 443}, "/a/b?x=1"},
		{"http://example.com:8080/p", Origin{"http", "example.com", 8080}, "/p"},
		{"https://10.0.0.1:8443/", Origin{"https", "10.0.0.1", 8443}, "/"},
	}
	for _, c := range cases {
		origin, target, err := ParseURL(c.raw)
		require.NoError(t, err, c.raw)
		assert.Equal(t, c.origin, origin, c.raw)
		assert.Equal(t, c.target, target, c.raw)
	}
}

func TestParseURLRejectsBadInput(t *testing.T) {
	for _, raw := range []string{"ftp://example.com/", "http://", "http://example.com:bad/"} {
		_, _, err := ParseURL(raw)
		assert.Error(t, err, raw)
	}
}

func TestOrigin(t *testing.T) {
	o := Origin{Scheme: "https", Host: "example.com", Port: 8443}
	assert.Equal(t, "example.com:8443", o.Addr())
	assert.Equal(t, "https://example.com:8443", o.String())
	assert.True(t, o.TLS())
	assert.False(t, Origin{Scheme: "http", Host: "x", Port: 80}.TLS())

	// Origins are comparable map keys; equality is exact.
	a := Origin{"http", "example.com", 80}
	b := Origin{"http", "example.com", 80}
	assert.True(t, a == b)
}

func TestHeaders(t *testing.T) {
	h := Headers{}.With("Content-Type", "text/plain").With("X-A", "1").With("X-A", "2")

	assert.Equal(t, "text/plain", h.Get("content-type"))
	assert.Equal(t, "1", h.Get("x-a"), "Get returns the first match")
	assert.True(t, h.Has("X-A"))
	assert.False(t, h.Has("X-B"))
	assert.Equal(t, "", h.Get("X-B"))

	// With copies: the original list is untouched.
	h2 := h.With("X-B", "3")
	assert.False(t, h.Has("X-B"))
	assert.True(t, h2.Has("X-B"))
}

func TestNewRequest(t *testing.T) {
	req, err := NewRequest("GET", "http://example.com/x", nil, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/x", req.Target)
	assert.Equal(t, Origin{"http", "example.com", 80}, req.Origin)

	_, err = NewRequest("GET", "::bad::", nil, nil, 0)
	assert.Error(t, err)
}

func TestResponseUpgraded(t *testing.T) {
	assert.True(t, (&Response{Status: 101}).Upgraded())
	assert.False(t, (&Response{Status: 200}).Upgraded())
}

// sliceBody backs the ReadAll test.
type sliceBody struct {
	chunks [][]byte
	fail   error
}

func (b *sliceBody) Next() ([]byte, error) {
	if len(b.chunks) == 0 {
		if b.fail != nil {
			return nil, b.fail
		}
		return nil, io.EOF
	}
	c := b.chunks[0]
	b.chunks = b.chunks[1:]
	return c, nil
}

func (b *sliceBody) Close() error { return nil }

func TestReadAll(t *testing.T) {
	body := &sliceBody{chunks: [][]byte{[]byte("ab"), []byte("cd")}}
	out, err := ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(out))

	failing := &sliceBody{chunks: [][]byte{[]byte("x")}, fail: ErrProtocolFraming}
	out, err = ReadAll(failing)
	assert.ErrorIs(t, err, ErrProtocolFraming)
	assert.Equal(t, "x", string(out))
}
