package servex

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"net/url"
	"time"
)

// Protocol is the negotiated transport protocol for a request. Negotiation
// itself happens below the engine (ALPN, upgrade handling); the engine only
// carries the result as request metadata.
type Protocol int

const (
	ProtoHTTP11 Protocol = iota
	ProtoH2
	ProtoH2C
)

func (p Protocol) String() string {
	switch p {
	case ProtoH2:
		return "h2"
	case ProtoH2C:
		return "h2c"
	default:
		return "HTTP/1.1"
	}
}

// Request is the read-only view of one dispatched request. It is owned by
// the dispatcher for the request's lifetime; handlers receive a borrowed
// reference and must not retain it past their ProductionSignal completing.
type Request struct {
	method        string
	url           *url.URL
	requestURI    string
	proto         string
	protocol      Protocol
	header        *Header
	params        map[string]string
	addr          AddressRecord
	body          io.ReadCloser
	contentLength int64
	ctx           context.Context
	id            string
	received      time.Time
}

func (r *Request) Method() string     { return r.method }
func (r *Request) URL() *url.URL      { return r.url }
func (r *Request) RequestURI() string { return r.requestURI }

// Proto is the wire protocol version string, e.g. "HTTP/1.1".
func (r *Request) Proto() string { return r.proto }

// Protocol is the negotiated transport protocol metadata.
func (r *Request) Protocol() Protocol { return r.protocol }

// Header returns the request header multimap. It is a snapshot; mutating
// it has no effect on dispatch.
func (r *Request) Header() *Header { return r.header }

// Param returns the named path parameter bound by the matched route, or "".
func (r *Request) Param(name string) string { return r.params[name] }

// Params returns a copy of all bound path parameters.
func (r *Request) Params() map[string]string {
	out := make(map[string]string, len(r.params))
	for k, v := range r.params {
		out[k] = v
	}
	return out
}

// Addr is the resolved peer/local address and scheme for this request.
func (r *Request) Addr() AddressRecord { return r.addr }

// Body is the inbound body stream: lazy, finite, and non-restartable.
// Reads pull data on demand; the engine never buffers ahead of the reader.
func (r *Request) Body() io.Reader {
	if r.body == nil {
		return eofReader{}
	}
	return r.body
}

// ContentLength is the declared body length, or -1 when unknown (chunked).
func (r *Request) ContentLength() int64 { return r.contentLength }

// Context is canceled when the client goes away or the server shuts down.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// ID is the server-generated identifier for this request, used in logs.
func (r *Request) ID() string { return r.id }

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

func genID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	// Fallback to timestamp-based ID if rand fails (unlikely)
	t := time.Now().UnixNano()
	var fb [16]byte
	for i := 0; i < 16; i++ {
		fb[i] = byte(t >> (uint(i%8) * 8))
	}
	return hex.EncodeToString(fb[:])
}
