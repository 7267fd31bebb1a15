// File: internal/http1/events.go
// Author: momentics <momentics@gmail.com>
//
// Protocol events produced and consumed by the client codec. The codec is
// a pure byte-to-event state machine: it never touches a socket.

package http1

import "github.com/momentics/hioload-http/api"

// Event is one parsed protocol occurrence on the inbound side.
type Event interface{ event() }

// NeedData signals that the codec cannot progress without more inbound
// bytes; feed it through ReceiveData and call Next again.
type NeedData struct{}

// ResponseHead carries a parsed response status line and header block.
type ResponseHead struct {
	Status  int
	Reason  string
	Proto   string
	Headers api.Headers
}

// Data carries one decoded body chunk.
type Data struct {
	Chunk []byte
}

// EndOfMessage marks the response body as complete.
type EndOfMessage struct{}

// ConnectionClosed reports that the peer closed the stream before the
// message was complete.
type ConnectionClosed struct{}

func (NeedData) event()         {}
func (*ResponseHead) event()    {}
func (*Data) event()            {}
func (EndOfMessage) event()     {}
func (ConnectionClosed) event() {}
