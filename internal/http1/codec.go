// File: internal/http1/codec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ClientCodec is the HTTP/1.1 wire state machine for one client-side
// connection: it serializes outbound request events into bytes and parses
// inbound bytes into response events. One request/response cycle at a
// time; StartNextCycle re-arms it for keep-alive reuse.

package http1

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/momentics/hioload-http/api"
)

// ErrMalformed reports invalid HTTP/1.1 framing on the inbound side.
var ErrMalformed = fmt.Errorf("malformed HTTP/1.1 message")

// maxHeaderBytes bounds the response head to keep a hostile peer from
// growing the parse buffer without limit.
const maxHeaderBytes = 64 * 1024

type phase int

const (
	phaseHead phase = iota
	phaseBody
	phaseDone
)

type bodyMode int

const (
	modeNone bodyMode = iota
	modeLength
	modeChunked
	modeToEOF
)

type chunkState int

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataCRLF
	chunkTrailer
)

// ClientCodec holds per-exchange protocol state.
type ClientCodec struct {
	inbuf      []byte
	peerClosed bool

	// outbound
	sent         bool
	outDone      bool
	outChunked   bool
	method       string
	keepAliveReq bool

	// inbound
	phase     phase
	status    int
	mode      bodyMode
	remaining int64
	cstate    chunkState
	declared  int64
	reuse     bool
}

// NewClientCodec returns a codec ready for the first exchange.
func NewClientCodec() *ClientCodec {
	c := &ClientCodec{}
	c.resetCycle()
	return c
}

func (c *ClientCodec) resetCycle() {
	c.sent = false
	c.outDone = false
	c.outChunked = false
	c.method = ""
	c.keepAliveReq = true
	c.phase = phaseHead
	c.status = 0
	c.mode = modeNone
	c.remaining = 0
	c.cstate = chunkSize
	c.declared = -1
	c.reuse = false
}

// EncodeRequestHead serializes the request line and header block,
// supplying Host and body-framing headers when the caller did not.
func (c *ClientCodec) EncodeRequestHead(req *api.Request) ([]byte, error) {
	if c.sent {
		return nil, fmt.Errorf("http1: request already sent in this cycle")
	}
	c.sent = true
	c.method = req.Method
	c.keepAliveReq = !strings.EqualFold(req.Headers.Get("Connection"), "close")

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", req.Method, req.Target)

	if !req.Headers.Has("Host") {
		host := req.Origin.Host
		if (req.Origin.Scheme == "http" && req.Origin.Port != 80) ||
			(req.Origin.Scheme == "https" && req.Origin.Port != 443) {
			host = fmt.Sprintf("%s:%d", host, req.Origin.Port)
		}
		fmt.Fprintf(&b, "Host: %s\r\n", host)
	}
	for _, h := range req.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	if strings.EqualFold(req.Headers.Get("Transfer-Encoding"), "chunked") {
		c.outChunked = true
	} else if req.Body != nil {
		if req.ContentLength >= 0 {
			if !req.Headers.Has("Content-Length") {
				fmt.Fprintf(&b, "Content-Length: %d\r\n", req.ContentLength)
			}
		} else {
			b.WriteString("Transfer-Encoding: chunked\r\n")
			c.outChunked = true
		}
	}
	b.WriteString("\r\n")

	if req.Body == nil {
		c.outDone = true
	}
	return b.Bytes(), nil
}

// EncodeData frames one outbound body chunk.
func (c *ClientCodec) EncodeData(chunk []byte) []byte {
	if len(chunk) == 0 {
		return nil
	}
	if !c.outChunked {
		return chunk
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "%x\r\n", len(chunk))
	b.Write(chunk)
	b.WriteString("\r\n")
	return b.Bytes()
}

// EncodeEnd terminates the outbound message: the zero chunk for chunked
// bodies, nothing otherwise.
func (c *ClientCodec) EncodeEnd() []byte {
	c.outDone = true
	if c.outChunked {
		return []byte("0\r\n\r\n")
	}
	return nil
}

// ReceiveData feeds inbound bytes into the parse buffer. An empty slice
// records that the peer closed the stream.
func (c *ClientCodec) ReceiveData(p []byte) {
	if len(p) == 0 {
		c.peerClosed = true
		return
	}
	c.inbuf = append(c.inbuf, p...)
}

// Next returns the next parsed event. NeedData means feed more bytes.
// Parse failures return an error wrapping ErrMalformed; the connection
// must be closed after any such error.
func (c *ClientCodec) Next() (Event, error) {
	for {
		switch c.phase {
		case phaseHead:
			ev, err := c.nextHead()
			if err != nil {
				return nil, err
			}
			if ev == nil {
				continue // interim response consumed, keep parsing
			}
			return ev, nil
		case phaseBody:
			return c.nextBody()
		default:
			return EndOfMessage{}, nil
		}
	}
}

func (c *ClientCodec) nextHead() (Event, error) {
	end := bytes.Index(c.inbuf, []byte("\r\n\r\n"))
	if end < 0 {
		if len(c.inbuf) > maxHeaderBytes {
			return nil, fmt.Errorf("%w: response head exceeds %d bytes", ErrMalformed, maxHeaderBytes)
		}
		if c.peerClosed {
			return ConnectionClosed{}, nil
		}
		return NeedData{}, nil
	}

	head := string(c.inbuf[:end])
	c.inbuf = c.inbuf[end+4:]

	lines := strings.Split(head, "\r\n")
	status, reason, proto, err := parseStatusLine(lines[0])
	if err != nil {
		return nil, err
	}
	headers, err := parseHeaders(lines[1:])
	if err != nil {
		return nil, err
	}

	// Interim responses other than 101 carry no body and are dropped.
	if status >= 100 && status < 200 && status != 101 {
		return nil, nil
	}

	c.status = status
	c.declared = -1
	if v := headers.Get("Content-Length"); v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad Content-Length %q", ErrMalformed, v)
		}
		c.declared = n
	}

	switch {
	case c.method == "HEAD" || status == 204 || status == 304 || status == 101:
		c.mode = modeNone
	case hasChunkedTE(headers):
		c.mode = modeChunked
		c.cstate = chunkSize
	case c.declared >= 0:
		c.mode = modeLength
		c.remaining = c.declared
	default:
		c.mode = modeToEOF
	}

	c.reuse = c.computeReuse(proto, headers)
	c.phase = phaseBody
	return &ResponseHead{Status: status, Reason: reason, Proto: proto, Headers: headers}, nil
}

func (c *ClientCodec) computeReuse(proto string, headers api.Headers) bool {
	if !c.keepAliveReq || c.mode == modeToEOF || c.status == 101 {
		return false
	}
	conn := headers.Get("Connection")
	switch proto {
	case "HTTP/1.1":
		return !strings.EqualFold(conn, "close")
	case "HTTP/1.0":
		return strings.EqualFold(conn, "keep-alive")
	default:
		return false
	}
}

func (c *ClientCodec) nextBody() (Event, error) {
	switch c.mode {
	case modeNone:
		c.phase = phaseDone
		return EndOfMessage{}, nil

	case modeLength:
		if c.remaining == 0 {
			c.phase = phaseDone
			return EndOfMessage{}, nil
		}
		if len(c.inbuf) == 0 {
			if c.peerClosed {
				return ConnectionClosed{}, nil
			}
			return NeedData{}, nil
		}
		n := int64(len(c.inbuf))
		if n > c.remaining {
			n = c.remaining
		}
		chunk := c.inbuf[:n]
		c.inbuf = c.inbuf[n:]
		c.remaining -= n
		return &Data{Chunk: chunk}, nil

	case modeChunked:
		return c.nextChunked()

	default: // modeToEOF
		if len(c.inbuf) > 0 {
			chunk := c.inbuf
			c.inbuf = nil
			return &Data{Chunk: chunk}, nil
		}
		if c.peerClosed {
			c.phase = phaseDone
			return EndOfMessage{}, nil
		}
		return NeedData{}, nil
	}
}

// nextChunked decodes chunked transfer encoding, including the trailer
// section after the zero-length chunk.
func (c *ClientCodec) nextChunked() (Event, error) {
	for {
		switch c.cstate {
		case chunkSize:
			line, ok := c.takeLine()
			if !ok {
				return c.starveChunked()
			}
			if i := strings.IndexByte(line, ';'); i >= 0 {
				line = line[:i] // drop chunk extensions
			}
			size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
			if err != nil || size < 0 {
				return nil, fmt.Errorf("%w: bad chunk size %q", ErrMalformed, line)
			}
			if size == 0 {
				c.cstate = chunkTrailer
				continue
			}
			c.remaining = size
			c.cstate = chunkData

		case chunkData:
			if len(c.inbuf) == 0 {
				return c.starveChunked()
			}
			n := int64(len(c.inbuf))
			if n > c.remaining {
				n = c.remaining
			}
			chunk := c.inbuf[:n]
			c.inbuf = c.inbuf[n:]
			c.remaining -= n
			if c.remaining == 0 {
				c.cstate = chunkDataCRLF
			}
			return &Data{Chunk: chunk}, nil

		case chunkDataCRLF:
			line, ok := c.takeLine()
			if !ok {
				return c.starveChunked()
			}
			if line != "" {
				return nil, fmt.Errorf("%w: missing CRLF after chunk data", ErrMalformed)
			}
			c.cstate = chunkSize

		case chunkTrailer:
			line, ok := c.takeLine()
			if !ok {
				return c.starveChunked()
			}
			if line == "" {
				c.phase = phaseDone
				return EndOfMessage{}, nil
			}
			// Trailer fields are tolerated and discarded.
		}
	}
}

func (c *ClientCodec) starveChunked() (Event, error) {
	if c.peerClosed {
		return ConnectionClosed{}, nil
	}
	return NeedData{}, nil
}

// takeLine consumes one CRLF-terminated line from the parse buffer.
func (c *ClientCodec) takeLine() (string, bool) {
	i := bytes.Index(c.inbuf, []byte("\r\n"))
	if i < 0 {
		return "", false
	}
	line := string(c.inbuf[:i])
	c.inbuf = c.inbuf[i+2:]
	return line, true
}

// Reusable reports whether the connection may carry another exchange
// after the current response is fully drained.
func (c *ClientCodec) Reusable() bool {
	return c.reuse && c.outDone && c.phase == phaseDone && !c.peerClosed
}

// DeclaredLength returns the Content-Length header value, or -1 when
// absent. It is recorded even for chunked responses so the body stream
// can detect contradictory framing.
func (c *ClientCodec) DeclaredLength() int64 {
	return c.declared
}

// Upgraded reports whether the response switched protocols.
func (c *ClientCodec) Upgraded() bool {
	return c.status == 101
}

// TakeResidual removes and returns any received bytes beyond the current
// message, such as non-HTTP data the peer sent right behind a 101
// response head. The caller that detaches the raw stream must replay
// these bytes before reading from the socket.
func (c *ClientCodec) TakeResidual() []byte {
	out := c.inbuf
	c.inbuf = nil
	return out
}

// StartNextCycle re-arms the codec for the next keep-alive exchange.
func (c *ClientCodec) StartNextCycle() error {
	if c.phase != phaseDone || !c.outDone {
		return fmt.Errorf("http1: exchange still in progress")
	}
	c.resetCycle()
	return nil
}

func parseStatusLine(line string) (status int, reason, proto string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/1.") {
		return 0, "", "", fmt.Errorf("%w: bad status line %q", ErrMalformed, line)
	}
	status, aerr := strconv.Atoi(parts[1])
	if aerr != nil || status < 100 || status > 599 {
		return 0, "", "", fmt.Errorf("%w: bad status code %q", ErrMalformed, parts[1])
	}
	if len(parts) == 3 {
		reason = parts[2]
	}
	return status, reason, parts[0], nil
}

func parseHeaders(lines []string) (api.Headers, error) {
	headers := make(api.Headers, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, fmt.Errorf("%w: bad header line %q", ErrMalformed, line)
		}
		headers = append(headers, api.Header{
			Name:  strings.TrimSpace(line[:i]),
			Value: strings.TrimSpace(line[i+1:]),
		})
	}
	return headers, nil
}

func hasChunkedTE(headers api.Headers) bool {
	te := headers.Get("Transfer-Encoding")
	if te == "" {
		return false
	}
	for _, part := range strings.Split(te, ",") {
		if strings.EqualFold(strings.TrimSpace(part), "chunked") {
			return true
		}
	}
	return false
}
