// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Immutable HTTP value objects: Origin, Header, Request, Response.

package api

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Origin identifies a connection destination and the pool partition key:
// the (scheme, host, port) tuple.
type Origin struct {
	Scheme string
	Host   string
	Port   int
}

// Addr returns the dialable "host:port" form.
func (o Origin) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// TLS reports whether connections to this origin require a TLS upgrade.
func (o Origin) TLS() bool {
	return o.Scheme == "https"
}

// String renders the canonical "scheme://host:port" key.
func (o Origin) String() string {
	return fmt.Sprintf("%s://%s", o.Scheme, o.Addr())
}

// Header is a single HTTP header field.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list. Order is preserved on the wire.
type Headers []Header

// Get returns the first value for name, matching case-insensitively.
func (h Headers) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether name is present, matching case-insensitively.
func (h Headers) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// With returns a copy of the list with the field appended.
func (h Headers) With(name, value string) Headers {
	out := make(Headers, len(h), len(h)+1)
	copy(out, h)
	return append(out, Header{Name: name, Value: value})
}

// Request is an immutable HTTP request. Body may be nil for bodyless
// methods. ContentLength -1 means unknown length (sent chunked).
type Request struct {
	Method        string
	Origin        Origin
	Target        string // path plus optional query, "/" at minimum
	Headers       Headers
	Body          BodyStream
	ContentLength int64
}

// NewRequest builds a Request from a method and absolute URL.
func NewRequest(method, rawurl string, headers Headers, body BodyStream, contentLength int64) (*Request, error) {
	origin, target, err := ParseURL(rawurl)
	if err != nil {
		return nil, err
	}
	return &Request{
		Method:        method,
		Origin:        origin,
		Target:        target,
		Headers:       headers,
		Body:          body,
		ContentLength: contentLength,
	}, nil
}

// Response is an immutable HTTP response head plus a streaming body.
// The body must be fully consumed or closed before the underlying
// connection can be reused.
type Response struct {
	Status  int
	Reason  string
	Proto   string
	Headers Headers
	Body    BodyStream
}

// Upgraded reports whether the response switched protocols (101-class).
func (r *Response) Upgraded() bool {
	return r.Status == 101
}

// ParseURL splits an absolute http/https URL into its Origin and request
// target. Default ports are filled in from the scheme.
func ParseURL(rawurl string) (Origin, string, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return Origin{}, "", fmt.Errorf("parse url: %w", err)
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "http"
	}
	if scheme != "http" && scheme != "https" {
		return Origin{}, "", fmt.Errorf("unsupported scheme %q", scheme)
	}
	host := u.Hostname()
	if host == "" {
		return Origin{}, "", fmt.Errorf("url %q has no host", rawurl)
	}
	port := 80
	if scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Origin{}, "", fmt.Errorf("invalid port %q", p)
		}
	}
	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return Origin{Scheme: scheme, Host: host, Port: port}, target, nil
}
