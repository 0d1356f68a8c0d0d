package http1

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"
)

var (
	// ErrMalformedRequest covers request lines and header lines that do not
	// parse as HTTP/1.x.
	ErrMalformedRequest = errors.New("http1: malformed request")
	// ErrRequestLineTooLong is returned when the request line exceeds the
	// configured limit.
	ErrRequestLineTooLong = errors.New("http1: request line too long")
	// ErrHeaderTooLarge is returned when a single header line or the header
	// block as a whole exceeds the configured limits.
	ErrHeaderTooLarge = errors.New("http1: header too large")
	// ErrContentLength is returned for invalid or conflicting body-length
	// information (bad Content-Length, CL together with chunked TE).
	ErrContentLength = errors.New("http1: invalid content length")
)

// ParsedRequest is a minimal representation parsed from the wire.
// HeaderOrder lists canonical header keys in first-appearance order.
type ParsedRequest struct {
	Method        string
	RequestURI    string
	Proto         string
	Header        map[string][]string
	HeaderOrder   []string
	ContentLength int64
	Body          io.ReadCloser
}

type Reader struct {
	BR                  *bufio.Reader
	MaxRequestLineBytes int
	MaxHeaderBytes      int // per header line
	MaxTotalHeaderBytes int // whole header block
	MaxChunkLineBytes   int // chunk-size and trailer lines
}

func (r *Reader) ReadRequest() (*ParsedRequest, error) {
	line, err := r.readLine(r.requestLineLimit(), ErrRequestLineTooLong)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, ErrMalformedRequest
	}
	method, uri, proto := parts[0], parts[1], parts[2]
	if method == "" || uri == "" || !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, ErrMalformedRequest
	}
	hdr, order, err := r.readHeaders()
	if err != nil {
		return nil, err
	}
	cl, err := contentLength(hdr)
	if err != nil {
		return nil, err
	}
	chunked := hasChunkedTE(hdr)
	if chunked && cl >= 0 {
		// RFC 7230 3.3.3: reject CL alongside chunked TE (request smuggling).
		return nil, ErrContentLength
	}
	var body io.ReadCloser
	switch {
	case chunked:
		cl = -1
		body = newChunkedBody(r.BR, r.chunkLineLimit())
	case cl > 0:
		lr := &io.LimitedReader{R: r.BR, N: cl}
		body = &limitedBody{lr: lr}
	default:
		cl = 0
		body = io.NopCloser(strings.NewReader(""))
	}
	return &ParsedRequest{
		Method:        method,
		RequestURI:    uri,
		Proto:         proto,
		Header:        hdr,
		HeaderOrder:   order,
		ContentLength: cl,
		Body:          body,
	}, nil
}

// contentLength resolves the Content-Length header values. Multiple values
// are accepted only when identical. Returns -1 when absent.
func contentLength(h map[string][]string) (int64, error) {
	vv, ok := h["Content-Length"]
	if !ok || len(vv) == 0 {
		return -1, nil
	}
	// A single field may carry a comma-joined list; flatten first.
	var all []string
	for _, v := range vv {
		for _, p := range strings.Split(v, ",") {
			all = append(all, strings.TrimSpace(p))
		}
	}
	n, err := strconv.ParseInt(all[0], 10, 64)
	if err != nil || n < 0 {
		return 0, ErrContentLength
	}
	for _, v := range all[1:] {
		if v != all[0] {
			return 0, ErrContentLength
		}
	}
	return n, nil
}

func (r *Reader) readHeaders() (map[string][]string, []string, error) {
	h := make(map[string][]string)
	var order []string
	total := 0
	for {
		line, err := r.readLine(r.headerLineLimit(), ErrHeaderTooLarge)
		if err != nil {
			return nil, nil, err
		}
		if line == "" {
			break
		}
		total += len(line) + 2
		if max := r.MaxTotalHeaderBytes; max > 0 && total > max {
			return nil, nil, ErrHeaderTooLarge
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, nil, ErrMalformedRequest
		}
		k := strings.TrimSpace(line[:i])
		if SanitizeHeaderKey(k) == "" {
			return nil, nil, ErrMalformedRequest
		}
		v := strings.TrimSpace(line[i+1:])
		hk := canonicalHeaderKey(k)
		if _, seen := h[hk]; !seen {
			order = append(order, hk)
		}
		h[hk] = append(h[hk], v)
	}
	return h, order, nil
}

func (r *Reader) readLine(limit int, overflow error) (string, error) {
	var sb strings.Builder
	for {
		b, err := r.BR.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
		if limit > 0 && sb.Len() > limit {
			return "", overflow
		}
	}
	return sb.String(), nil
}

func (r *Reader) requestLineLimit() int {
	if r.MaxRequestLineBytes > 0 {
		return r.MaxRequestLineBytes
	}
	return r.headerLineLimit()
}

func (r *Reader) headerLineLimit() int {
	if r.MaxHeaderBytes > 0 {
		return r.MaxHeaderBytes
	}
	return 8 << 10
}

func (r *Reader) chunkLineLimit() int {
	if r.MaxChunkLineBytes > 0 {
		return r.MaxChunkLineBytes
	}
	return r.headerLineLimit()
}

type limitedBody struct {
	lr *io.LimitedReader
}

func (b *limitedBody) Read(p []byte) (int, error) { return b.lr.Read(p) }

func (b *limitedBody) Close() error {
	// Drain remaining bytes to allow the next request on the same connection.
	buf := make([]byte, 1024)
	for b.lr.N > 0 {
		n := int64(len(buf))
		if n > b.lr.N {
			n = b.lr.N
		}
		if n <= 0 {
			break
		}
		if _, err := io.ReadFull(b.lr, buf[:n]); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				break
			}
			return err
		}
	}
	return nil
}

func hasChunkedTE(h map[string][]string) bool {
	if vv, ok := h["Transfer-Encoding"]; ok {
		for _, v := range vv {
			if strings.Contains(strings.ToLower(v), "chunked") {
				return true
			}
		}
	}
	return false
}

// Very small canonicalizer to avoid importing textproto here.
func canonicalHeaderKey(s string) string {
	b := []byte(strings.ToLower(s))
	upper := true
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			if upper {
				b[i] = byte(c - 'a' + 'A')
			}
			upper = false
			continue
		}
		upper = c == '-'
	}
	return string(b)
}
