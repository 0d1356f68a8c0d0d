package servex

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dqx0.com/go/servex/internal/http1"
	"dqx0.com/go/servex/internal/obs"
)

// Config is the explicit, immutable server configuration, validated once
// at construction. Routes are structured entries matched in order.
type Config struct {
	Addr   string
	Routes []RouteEntry

	// Flush is the connection-level flush strategy; responses may override
	// it individually before their headers go out.
	Flush FlushStrategy

	// Compression is the body compression policy, negotiated per request
	// against Accept-Encoding.
	Compression CompressionPolicy

	// ForwardedHeaders enables best-effort peer address/scheme enrichment
	// from Forwarded / X-Forwarded-* headers.
	ForwardedHeaders bool

	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	// Decoder limits. Zero values fall back to the codec defaults.
	MaxRequestLineBytes int
	MaxHeaderBytes      int // single header line
	MaxTotalHeaderBytes int // whole header block
	MaxChunkLineBytes   int
	MaxBodyBytes        int64

	// AccessLog, when non-nil, receives one Common Log Format line per
	// completed request. Emission never blocks request handling.
	AccessLog io.Writer

	// AcceptLimit optionally rate-limits the accept loop.
	AcceptLimit *rate.Limiter

	Logger obs.Logger
	Meter  obs.Meter
}

// Validate checks the parts of the configuration that can fail without
// building the server.
func (c *Config) Validate() error {
	_, err := buildRouteTable(c.Routes)
	return err
}

// Server is an embeddable streaming HTTP server. Build one with New; the
// configuration and route table are frozen from then on, so concurrent
// dispatch needs no locking around them.
type Server struct {
	cfg   Config
	disp  *dispatcher
	log   obs.Logger
	meter obs.Meter

	baseCtx context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closed    bool
	wg        sync.WaitGroup

	access     *accessLogger
	accessOnce sync.Once
}

// New builds a Server from cfg. The route table is compiled here;
// duplicate (method, pattern) pairs and malformed patterns are rejected.
func New(cfg Config) (*Server, error) {
	table, err := buildRouteTable(cfg.Routes)
	if err != nil {
		return nil, err
	}
	logg := cfg.Logger
	if logg == nil {
		logg = obs.NopLogger{}
	}
	meter := cfg.Meter
	if meter == nil {
		meter = obs.NopMeter{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		log:       logg,
		meter:     meter,
		baseCtx:   ctx,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
	if cfg.AccessLog != nil {
		s.access = newAccessLogger(cfg.AccessLog, meter)
	}
	s.disp = &dispatcher{
		table:     table,
		policy:    cfg.Compression,
		flush:     cfg.Flush,
		forwarded: cfg.ForwardedHeaders,
		log:       logg,
		meter:     meter,
		access:    s.access,
	}
	return s, nil
}

func (s *Server) ListenAndServe() error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on l until the server shuts down or the
// listener fails. Each connection gets its own goroutine; requests on one
// connection are processed strictly in arrival order.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
		l.Close()
	}()
	for {
		if lim := s.cfg.AcceptLimit; lim != nil {
			if err := lim.Wait(s.baseCtx); err != nil {
				return ErrServerClosed
			}
		}
		c, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			return err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			c.Close()
			return ErrServerClosed
		}
		s.conns[c] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.serveConn(c)
	}
}

// Shutdown stops accepting, then waits for in-flight connections. When ctx
// expires first, remaining connections are force-closed and in-flight body
// production is canceled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.cancel()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		<-done
	}
	s.cancel()
	if s.access != nil {
		s.accessOnce.Do(s.access.close)
	}
	return err
}

func (s *Server) serveConn(c net.Conn) {
	ctx, cancelConn := context.WithCancel(s.baseCtx)
	defer func() {
		cancelConn()
		c.Close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.wg.Done()
	}()

	br := bufio.NewReader(c)
	bw := bufio.NewWriter(c)
	alive := true
	for alive {
		if s.cfg.ReadHeaderTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(s.cfg.ReadHeaderTimeout))
		}
		rr := &http1.Reader{
			BR:                  br,
			MaxRequestLineBytes: s.cfg.MaxRequestLineBytes,
			MaxHeaderBytes:      s.cfg.MaxHeaderBytes,
			MaxTotalHeaderBytes: s.cfg.MaxTotalHeaderBytes,
			MaxChunkLineBytes:   s.cfg.MaxChunkLineBytes,
		}
		pr, err := rr.ReadRequest()
		if err != nil {
			s.rejectRequest(bw, err)
			return
		}
		_ = c.SetReadDeadline(time.Time{})

		ka := keepAliveRequested(pr)
		s.mu.Lock()
		if s.closed {
			ka = false
		}
		s.mu.Unlock()

		if strings.EqualFold(getWireHeader(pr, "Expect"), "100-continue") {
			// Interim response so the client starts sending the body.
			_ = http1.WriteContinue(bw)
			_ = bw.Flush()
		}

		if s.cfg.MaxBodyBytes > 0 && pr.Body != nil {
			pr.Body = limitBody(pr.Body, s.cfg.MaxBodyBytes)
		}

		if s.cfg.WriteTimeout > 0 {
			_ = c.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		alive = s.disp.dispatch(ctx, c, bw, pr, requestProtocol(c, pr), ka) && ka

		// Drain any unread body so the next pipelined request parses.
		if pr.Body != nil {
			_ = pr.Body.Close()
		}

		if !alive {
			break
		}
		if s.cfg.IdleTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		} else {
			_ = c.SetReadDeadline(time.Time{})
		}
	}
}

// rejectRequest maps decoder failures onto a best-effort terminal response
// before the connection closes.
func (s *Server) rejectRequest(bw *bufio.Writer, err error) {
	if err == io.EOF {
		return
	}
	status := 400
	switch {
	case err == http1.ErrRequestLineTooLong, err == http1.ErrHeaderTooLarge:
		status = 431
	case isTimeout(err):
		return
	}
	s.log.Logf(obs.Debug, "rejecting connection: %v", err)
	s.meter.Counter("servex_rejected_total", 1, obs.Label{Key: "status", Value: statusClass(status)})
	_ = http1.WriteResponse(bw, status, "", []http1.Field{{K: "Content-Length", V: "0"}}, nil, false)
	_ = bw.Flush()
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func keepAliveRequested(pr *http1.ParsedRequest) bool {
	ka := pr.Proto == "HTTP/1.1"
	connVal := strings.ToLower(getWireHeader(pr, "Connection"))
	if pr.Proto == "HTTP/1.1" {
		if connVal == "close" {
			ka = false
		}
	} else if connVal == "keep-alive" {
		ka = true
	}
	return ka
}

// requestProtocol derives the negotiated-protocol metadata attached to the
// request. Actual protocol negotiation (ALPN, upgrade completion) is the
// transport's concern; the engine only records the outcome.
func requestProtocol(c net.Conn, pr *http1.ParsedRequest) Protocol {
	if tc, ok := c.(*tls.Conn); ok {
		if tc.ConnectionState().NegotiatedProtocol == "h2" {
			return ProtoH2
		}
		return ProtoHTTP11
	}
	upgrade := strings.ToLower(getWireHeader(pr, "Upgrade"))
	if upgrade == "h2c" {
		return ProtoH2C
	}
	return ProtoHTTP11
}

func getWireHeader(pr *http1.ParsedRequest, key string) string {
	if vv, ok := pr.Header[key]; ok && len(vv) > 0 {
		return vv[0]
	}
	return ""
}

// limitBody caps the inbound body at n bytes; reads past the cap fail with
// ErrBodyTooLarge.
func limitBody(rc io.ReadCloser, n int64) io.ReadCloser {
	return &limitedReadCloser{rc: rc, remain: n}
}

type limitedReadCloser struct {
	rc     io.ReadCloser
	remain int64
}

func (l *limitedReadCloser) Read(p []byte) (int, error) {
	if l.remain < 0 {
		return 0, ErrBodyTooLarge
	}
	if l.remain == 0 {
		// Probe one byte to tell a body that ends exactly at the cap from
		// one that overflows it.
		var b [1]byte
		n, err := l.rc.Read(b[:])
		if n > 0 {
			l.remain = -1
			return 0, ErrBodyTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > l.remain {
		p = p[:l.remain]
	}
	n, err := l.rc.Read(p)
	l.remain -= int64(n)
	return n, err
}

func (l *limitedReadCloser) Close() error { return l.rc.Close() }
