package servex

import (
	"sync"

	"github.com/valyala/bytebufferpool"
)

// ProductionSignal tells the dispatcher how the response body is produced:
// nothing, one buffer, or a stream of buffers.
type ProductionSignal struct {
	kind   produceKind
	buf    []byte
	stream StreamFunc
}

type produceKind int

const (
	produceEmpty produceKind = iota
	produceSingle
	produceStream
)

// StreamFunc produces body chunks through w on its own goroutine. Write
// blocks until the transport has accepted the previous chunk; a StreamFunc
// therefore cannot outrun a slow consumer. Returning a non-nil error before
// the first chunk yields a 500; after the first chunk it aborts the
// connection.
type StreamFunc func(w *ChunkWriter) error

// NoBody produces an empty response body.
func NoBody() ProductionSignal { return ProductionSignal{kind: produceEmpty} }

// SingleBuffer produces the whole body from one buffer. The engine takes
// ownership of p.
func SingleBuffer(p []byte) ProductionSignal {
	if len(p) == 0 {
		return NoBody()
	}
	return ProductionSignal{kind: produceSingle, buf: p}
}

// StreamOf produces the body by running fn as a chunk producer.
func StreamOf(fn StreamFunc) ProductionSignal {
	return ProductionSignal{kind: produceStream, stream: fn}
}

// bodyPipe carries chunks from a producer goroutine to the connection write
// loop. Capacity is one chunk: the producer cannot push a second chunk
// until the consumer has taken the first, which is the backpressure
// contract. A consumer that never takes delivers nothing to the transport.
type bodyPipe struct {
	ch    chan *bytebufferpool.ByteBuffer
	abort chan struct{}

	closeOnce sync.Once
	abortOnce sync.Once
	err       error // producer's terminal error; set before ch closes
}

func newBodyPipe() *bodyPipe {
	return &bodyPipe{
		ch:    make(chan *bytebufferpool.ByteBuffer, 1),
		abort: make(chan struct{}),
	}
}

// finish is called by the producer side exactly once with its terminal
// error (nil on clean end of data).
func (p *bodyPipe) finish(err error) {
	p.closeOnce.Do(func() {
		p.err = err
		close(p.ch)
	})
}

// cancel is called by the consumer side to stop the producer: on write
// errors, client disconnect, or request cancellation.
func (p *bodyPipe) cancel() {
	p.abortOnce.Do(func() { close(p.abort) })
}

// ChunkWriter is the producer side of a response body stream.
type ChunkWriter struct {
	pipe *bodyPipe
}

// Write hands one chunk to the transport, blocking until the previous
// chunk was accepted. It copies p, so the caller may reuse its buffer.
// After the stream is aborted it returns ErrStreamAborted and no data is
// written.
func (w *ChunkWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	select {
	case <-w.pipe.abort:
		return 0, ErrStreamAborted
	default:
	}
	b := bytebufferpool.Get()
	b.Write(p)
	select {
	case w.pipe.ch <- b:
		return len(p), nil
	case <-w.pipe.abort:
		bytebufferpool.Put(b)
		return 0, ErrStreamAborted
	}
}

// WriteString is Write for strings.
func (w *ChunkWriter) WriteString(s string) (int, error) {
	if len(s) == 0 {
		return 0, nil
	}
	select {
	case <-w.pipe.abort:
		return 0, ErrStreamAborted
	default:
	}
	b := bytebufferpool.Get()
	b.WriteString(s)
	select {
	case w.pipe.ch <- b:
		return len(s), nil
	case <-w.pipe.abort:
		bytebufferpool.Put(b)
		return 0, ErrStreamAborted
	}
}
