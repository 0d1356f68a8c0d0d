package servex

import (
	"bufio"
	"context"
	"io"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"

	"dqx0.com/go/servex/internal/http1"
	"dqx0.com/go/servex/internal/obs"
)

// dispatcher owns the per-request flow: address resolution, route lookup,
// handler invocation, body stream wiring, flush application, and terminal
// signaling back to the connection loop.
type dispatcher struct {
	table     *routeTable
	policy    CompressionPolicy
	flush     FlushStrategy
	forwarded bool
	log       obs.Logger
	meter     obs.Meter
	access    *accessLogger
}

// dispatch handles one parsed request and reports whether the connection
// may continue serving further requests.
func (d *dispatcher) dispatch(ctx context.Context, c net.Conn, bw *bufio.Writer, pr *http1.ParsedRequest, protocol Protocol, keepAlive bool) bool {
	started := time.Now()
	header := headerFromWire(pr.Header, pr.HeaderOrder)
	addr := resolveAddress(c, header, d.forwarded)
	u := parseRequestURL(pr.RequestURI)
	path := "/"
	if u != nil && u.Path != "" {
		path = u.Path
	}

	rt, params, ok := d.table.match(pr.Method, path)
	if !ok {
		// Routing miss: exactly one 404, no handler runs. The response goes
		// out even when the connection will not be kept.
		err := d.writeEmpty(bw, 404, keepAlive)
		d.finishRequest(addr, pr, 404, 0, started)
		return keepAlive && err == nil
	}

	req := &Request{
		method:        pr.Method,
		url:           u,
		requestURI:    pr.RequestURI,
		proto:         pr.Proto,
		protocol:      protocol,
		header:        header,
		params:        params,
		addr:          addr,
		body:          pr.Body,
		contentLength: pr.ContentLength,
		ctx:           ctx,
		id:            genID(),
		received:      started,
	}
	res := newResponse(d.flush)
	res.advance(stateRouted)
	res.compression = decideCompression(d.policy, req, res)

	sig, panicked := d.invoke(rt, req, res)
	if panicked {
		// Headers were not started yet; recover into a clean 500 with no
		// internal detail echoed.
		err := d.writeEmpty(bw, 500, keepAlive)
		res.advance(stateAborted)
		d.finishRequest(addr, pr, 500, 0, started)
		return keepAlive && err == nil
	}

	w := &bodyWriter{
		bw:        bw,
		res:       res,
		proto:     pr.Proto,
		keepAlive: keepAlive,
		method:    pr.Method,
	}

	var alive bool
	switch sig.kind {
	case produceEmpty:
		alive = d.sendBuffered(w, nil)
	case produceSingle:
		alive = d.sendBuffered(w, sig.buf)
	default:
		alive = d.sendStream(ctx, w, sig.stream)
	}
	d.meter.Histogram("servex_response_bytes", float64(w.bytes))
	d.meter.Counter("servex_flushes_total", float64(w.flushes))
	d.finishRequest(addr, pr, w.sentStatus(), w.bytes, started)
	return alive
}

func (d *dispatcher) invoke(rt *route, req *Request, res *Response) (sig ProductionSignal, panicked bool) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Logf(obs.Error, "handler panic on %s %s: %v", req.method, req.requestURI, rec)
			panicked = true
		}
	}()
	if rt.kind == routeFile {
		return fileSignal(rt.file), false
	}
	return rt.handler(req, res), false
}

// fileSignal streams a file's contents lazily through the same outbound
// pipeline as computed bodies, chunk by chunk.
func fileSignal(path string) ProductionSignal {
	return StreamOf(func(w *ChunkWriter) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		buf := make([]byte, 32<<10)
		for {
			n, rerr := f.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if rerr == io.EOF {
				return nil
			}
			if rerr != nil {
				return errors.Wrap(rerr, path)
			}
		}
	})
}

// finishRequest emits the access log record and request counter. Emission
// never blocks completion.
func (d *dispatcher) finishRequest(addr AddressRecord, pr *http1.ParsedRequest, status int, bytes int64, started time.Time) {
	d.meter.Counter("servex_requests_total", 1, obs.Label{Key: "status", Value: statusClass(status)})
	if d.access != nil {
		d.access.record(addr.Peer.Host, pr.Method, pr.RequestURI, pr.Proto, status, bytes, started)
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}

func parseRequestURL(uri string) *url.URL {
	var u *url.URL
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		u, _ = url.Parse(uri)
	} else {
		u, _ = url.ParseRequestURI(uri)
	}
	return u
}

// writeEmpty sends a bodyless response with Content-Length: 0.
func (d *dispatcher) writeEmpty(bw *bufio.Writer, status int, keepAlive bool) error {
	fields := []http1.Field{{K: "Content-Length", V: "0"}}
	if err := http1.WriteResponse(bw, status, "", fields, nil, keepAlive); err != nil {
		return err
	}
	return bw.Flush()
}

// bodyWriter tracks the wire state of one response on the connection's
// write path. All of its methods run on the connection goroutine, keeping
// the single-writer discipline.
type bodyWriter struct {
	bw        *bufio.Writer
	res       *Response
	proto     string
	method    string
	keepAlive bool

	started bool
	chunked bool
	status  int
	bytes   int64
	flushes int64

	comp io.WriteCloser
}

func (w *bodyWriter) sentStatus() int {
	if w.status != 0 {
		return w.status
	}
	return w.res.Status()
}

// chunkedEligible mirrors the HTTP/1.1 framing rule: chunked requires 1.1
// and a connection we intend to keep alive.
func (w *bodyWriter) chunkedEligible() bool {
	return w.proto == "HTTP/1.1" && w.keepAlive
}

// start freezes status and headers and pushes them toward the wire. This
// is the HeadersFlushed transition; it is irreversible.
func (w *bodyWriter) start(chunked bool) error {
	if w.started {
		return nil
	}
	w.status = w.res.Status()
	w.chunked = chunked
	fields := wireFields(w.res.header)
	w.res.advance(stateHeadersFlushed)
	ka := w.keepAlive && (chunked || w.res.header.Has("Content-Length") || noResponseBody(w.status, w.method))
	if err := http1.StartResponse(w.bw, w.status, "", fields, chunked, ka); err != nil {
		return err
	}
	w.started = true
	return nil
}

// writeChunk pushes one body chunk through the optional compressor onto
// the wire.
func (w *bodyWriter) writeChunk(p []byte) error {
	w.res.advance(stateBodyStreaming)
	if w.comp != nil {
		if _, err := w.comp.Write(p); err != nil {
			return err
		}
	} else if err := w.rawWrite(p); err != nil {
		return err
	}
	w.bytes += int64(len(p))
	return nil
}

func (w *bodyWriter) rawWrite(p []byte) error {
	if w.chunked {
		_, err := http1.WriteChunked(w.bw, p)
		return err
	}
	_, err := w.bw.Write(p)
	return err
}

// doFlush forces buffered bytes (including any compressor state) onto the
// transport and counts the flush.
func (w *bodyWriter) doFlush() error {
	if w.comp != nil {
		if err := flushCompressor(w.comp); err != nil {
			return err
		}
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}
	w.flushes++
	return nil
}

// flushUncounted pushes remaining framing bytes (chunked terminator) to
// the wire without counting a strategy flush. Under the strict per-chunk
// strategy every chunk already got its flush; this keeps the
// one-flush-per-chunk accounting exact.
func (w *bodyWriter) flushUncounted() error {
	return w.bw.Flush()
}

// compSink adapts the compressor output onto the chunked (or raw) wire.
type compSink struct{ w *bodyWriter }

func (s compSink) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := s.w.rawWrite(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// sendBuffered writes an empty or single-buffer body. The size is known up
// front, so it is framed with Content-Length and flushed per the strategy's
// terminal rule. Returns whether the connection stays alive.
func (d *dispatcher) sendBuffered(w *bodyWriter, body []byte) bool {
	res := w.res
	dec := res.compression
	if len(body) > 0 && dec.Enabled() && int64(len(body)) > dec.Threshold() {
		cb, err := compressAll(dec.Encoding(), body)
		if err == nil {
			res.header.Set("Content-Encoding", dec.Encoding())
			res.header.Add("Vary", "Accept-Encoding")
			body = cb
		}
	}
	skipBody := noResponseBody(res.Status(), w.method)
	if !skipBody || len(body) > 0 {
		res.header.Set("Content-Length", strconv.FormatInt(int64(len(body)), 10))
	}
	if err := w.start(false); err != nil {
		return false
	}
	if !skipBody && len(body) > 0 {
		if err := w.rawWrite(body); err != nil {
			res.advance(stateAborted)
			return false
		}
		w.bytes = int64(len(body))
	}
	if err := w.doFlush(); err != nil {
		res.advance(stateAborted)
		return false
	}
	res.advance(stateCompleted)
	return w.keepAlive
}

func compressAll(encoding string, p []byte) ([]byte, error) {
	var buf bytebufferpool.ByteBuffer
	c := newCompressor(encoding, &buf)
	if c == nil {
		return nil, errors.New("servex: no compressor for " + encoding)
	}
	if _, err := c.Write(p); err != nil {
		return nil, err
	}
	if err := c.Close(); err != nil {
		return nil, err
	}
	out := make([]byte, len(buf.B))
	copy(out, buf.B)
	return out, nil
}

// sendStream runs the producer on its own goroutine and consumes chunks on
// the connection goroutine, applying the compression decision and flush
// strategy. Returns whether the connection stays alive.
func (d *dispatcher) sendStream(ctx context.Context, w *bodyWriter, fn StreamFunc) bool {
	res := w.res
	pipe := newBodyPipe()
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				d.log.Logf(obs.Error, "body producer panic: %v", rec)
				pipe.finish(errors.Errorf("body producer panic: %v", rec))
			}
		}()
		pipe.finish(fn(&ChunkWriter{pipe: pipe}))
	}()

	dec := res.compression
	// In threshold mode chunks are held back until the body is known to
	// exceed the threshold; a short body is then framed plain with an exact
	// Content-Length instead of a chunked stream.
	holdback := dec.Enabled() && dec.Threshold() > 0
	var held []*bytebufferpool.ByteBuffer
	var heldBytes int64
	releaseHeld := func() {
		for _, b := range held {
			bytebufferpool.Put(b)
		}
		held = nil
	}
	defer releaseHeld()

	// Strict per-chunk mode keeps flush count equal to chunk count, held
	// chunks included.
	strict := res.flush.EachChunk() && !res.flush.Coalescing()

	startStreaming := func(compress bool) error {
		if compress {
			res.header.Set("Content-Encoding", dec.Encoding())
			res.header.Add("Vary", "Accept-Encoding")
			res.header.Del("Content-Length")
		}
		if err := w.start(w.chunkedEligible()); err != nil {
			return err
		}
		if compress {
			w.comp = newCompressor(dec.Encoding(), compSink{w: w})
		}
		for _, b := range held {
			if err := w.writeChunk(b.B); err != nil {
				return err
			}
			if strict {
				if err := w.doFlush(); err != nil {
					return err
				}
			}
		}
		releaseHeld()
		return nil
	}

	abort := func() bool {
		pipe.cancel()
		res.advance(stateAborted)
		return false
	}

	strategy := res.flush
	for {
		select {
		case b, ok := <-pipe.ch:
			if !ok {
				return d.endStream(w, pipe.err, holdback && !w.started, held, heldBytes, startStreaming)
			}
			if holdback && !w.started {
				held = append(held, b)
				heldBytes += int64(len(b.B))
				if heldBytes > dec.Threshold() {
					if err := startStreaming(true); err != nil {
						return abort()
					}
				}
				continue
			}
			if !w.started {
				if err := startStreaming(dec.Enabled()); err != nil {
					return abort()
				}
			}
			err := w.writeChunk(b.B)
			bytebufferpool.Put(b)
			if err != nil {
				return abort()
			}
			if strategy.EachChunk() {
				// Coalescing: skip the flush when the producer already has
				// the next chunk queued; the burst's last chunk flushes.
				if !strategy.Coalescing() || len(pipe.ch) == 0 {
					if err := w.doFlush(); err != nil {
						return abort()
					}
				}
			}
		case <-ctx.Done():
			return abort()
		}
	}
}

// endStream finalizes a body stream once the producer is done. short is
// true when threshold holdback never started the wire response.
func (d *dispatcher) endStream(w *bodyWriter, perr error, short bool, held []*bytebufferpool.ByteBuffer, heldBytes int64, start func(bool) error) bool {
	res := w.res
	if perr != nil {
		if w.started {
			// Headers are on the wire; the framing cannot be repaired.
			// Terminate abruptly and have the connection closed.
			d.log.Logf(obs.Error, "body producer failed mid-stream: %v", perr)
			res.advance(stateAborted)
			return false
		}
		status := 500
		switch {
		case errors.Is(perr, fs.ErrNotExist):
			status = 404
		case errors.Is(perr, ErrBodyTooLarge):
			status = 413
		case errors.Is(perr, http1.ErrChunkLineTooLong):
			status = 413
		}
		d.log.Logf(obs.Warn, "body producer failed before headers: %v", perr)
		if err := d.writeEmpty(w.bw, status, w.keepAlive); err != nil {
			return false
		}
		w.status = status
		w.flushes++
		res.advance(stateAborted)
		return w.keepAlive
	}
	strict := res.flush.EachChunk() && !res.flush.Coalescing()
	if short {
		// Whole body observed below the compression threshold: frame it
		// plain with an exact length.
		res.header.Set("Content-Length", strconv.FormatInt(heldBytes, 10))
		if err := w.start(false); err != nil {
			return false
		}
		for _, b := range held {
			if err := w.writeChunk(b.B); err != nil {
				res.advance(stateAborted)
				return false
			}
			if strict {
				if err := w.doFlush(); err != nil {
					res.advance(stateAborted)
					return false
				}
			}
		}
		var ferr error
		if strict {
			ferr = w.flushUncounted()
		} else {
			ferr = w.doFlush()
		}
		if ferr != nil {
			res.advance(stateAborted)
			return false
		}
		res.advance(stateCompleted)
		return w.keepAlive
	}
	if !w.started {
		// Producer finished without a single chunk.
		res.header.Set("Content-Length", "0")
		if err := w.start(false); err != nil {
			return false
		}
		var ferr error
		if strict {
			ferr = w.flushUncounted()
		} else {
			ferr = w.doFlush()
		}
		if ferr != nil {
			res.advance(stateAborted)
			return false
		}
		res.advance(stateCompleted)
		return w.keepAlive
	}
	if w.comp != nil {
		if err := w.comp.Close(); err != nil {
			res.advance(stateAborted)
			return false
		}
		w.comp = nil
	}
	if w.chunked {
		if err := http1.EndChunked(w.bw); err != nil {
			res.advance(stateAborted)
			return false
		}
	}
	// Terminal flush. Under the strict per-chunk strategy every chunk was
	// already flushed, so pushing the terminator is not a strategy flush.
	var ferr error
	if strict {
		ferr = w.flushUncounted()
	} else {
		ferr = w.doFlush()
	}
	if ferr != nil {
		res.advance(stateAborted)
		return false
	}
	res.advance(stateCompleted)
	return w.keepAlive && w.chunked
}

func wireFields(h *Header) []http1.Field {
	fields := make([]http1.Field, 0, h.Len())
	h.Each(func(k, v string) {
		fields = append(fields, http1.Field{K: k, V: v})
	})
	return fields
}

func noResponseBody(status int, method string) bool {
	if method == "HEAD" {
		return true
	}
	if status >= 100 && status < 200 {
		return true
	}
	return status == 204 || status == 304
}
