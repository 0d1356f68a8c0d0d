package servex

import (
	"sync/atomic"
)

// Response life cycle. Transitions are strictly forward; reaching
// stateHeadersFlushed is irreversible and freezes status and headers.
type responseState = int32

const (
	stateReceived responseState = iota
	stateRouted
	stateHeadersFlushed
	stateBodyStreaming
	stateCompleted
	stateAborted
)

// Response is the mutable per-request handle a handler uses to shape the
// reply. Status and headers may change until the first body byte reaches
// the wire; after that every mutation fails with ErrLateMutation.
type Response struct {
	status int
	header *Header

	flush    FlushStrategy
	flushSet bool

	compression CompressionDecision

	state atomic.Int32
}

func newResponse(connFlush FlushStrategy) *Response {
	r := &Response{
		status: 200,
		header: NewHeader(),
		flush:  connFlush,
	}
	r.state.Store(stateReceived)
	return r
}

// Status returns the response status code (default 200).
func (r *Response) Status() int { return r.status }

// SetStatus sets the status code. Fails with ErrLateMutation once headers
// are flushed and with ErrInvalidStatus outside 100..599.
func (r *Response) SetStatus(code int) error {
	if !r.mutable() {
		return ErrLateMutation
	}
	if code < 100 || code > 599 {
		return ErrInvalidStatus
	}
	r.status = code
	return nil
}

// SetHeader replaces the values of a response header field.
func (r *Response) SetHeader(key, value string) error {
	if !r.mutable() {
		return ErrLateMutation
	}
	r.header.Set(key, value)
	return nil
}

// AddHeader appends a value to a response header field.
func (r *Response) AddHeader(key, value string) error {
	if !r.mutable() {
		return ErrLateMutation
	}
	r.header.Add(key, value)
	return nil
}

// DelHeader removes a response header field.
func (r *Response) DelHeader(key string) error {
	if !r.mutable() {
		return ErrLateMutation
	}
	r.header.Del(key)
	return nil
}

// HeaderValue returns the first value of a response header field.
func (r *Response) HeaderValue(key string) string { return r.header.Get(key) }

// SetFlushStrategy overrides the connection-level flush strategy for this
// response only. Must happen before headers are flushed.
func (r *Response) SetFlushStrategy(fs FlushStrategy) error {
	if !r.mutable() {
		return ErrLateMutation
	}
	r.flush = fs
	r.flushSet = true
	return nil
}

// FlushStrategy returns the strategy in effect for this response.
func (r *Response) FlushStrategy() FlushStrategy { return r.flush }

// Compression returns the frozen compression decision for this response.
// It is resolved by the dispatcher before the handler runs.
func (r *Response) Compression() CompressionDecision { return r.compression }

func (r *Response) mutable() bool {
	return r.state.Load() < stateHeadersFlushed
}

// advance moves the state machine forward; it never moves backward.
func (r *Response) advance(to responseState) {
	for {
		cur := r.state.Load()
		if cur >= to {
			return
		}
		if r.state.CompareAndSwap(cur, to) {
			return
		}
	}
}

func (r *Response) currentState() responseState { return r.state.Load() }
