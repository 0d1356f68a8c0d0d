package servex

import (
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// CompressionPolicy controls whether response bodies are compressed.
// Enable alone compresses unconditionally (subject to negotiation);
// MinBytes > 0 compresses only once the accumulated body exceeds that many
// bytes; Predicate, when set, is consulted per request before negotiating.
type CompressionPolicy struct {
	Enable    bool
	MinBytes  int64
	Predicate func(req *Request, res *Response) bool
}

type compressionKind int

const (
	compressionDisabled compressionKind = iota
	compressionEnabled
	compressionThreshold
)

// CompressionDecision is the frozen, per-response result of negotiating the
// configured policy against the request's Accept-Encoding. It is resolved
// once, before the first body chunk, and never changes afterward.
type CompressionDecision struct {
	kind      compressionKind
	threshold int64
	encoding  string
}

// Enabled reports whether any compression can apply to this response.
func (d CompressionDecision) Enabled() bool { return d.kind != compressionDisabled }

// Threshold returns the byte threshold, or 0 for unconditional decisions.
func (d CompressionDecision) Threshold() int64 {
	if d.kind == compressionThreshold {
		return d.threshold
	}
	return 0
}

// Encoding returns the negotiated content coding ("gzip" or "deflate"),
// or "" when disabled.
func (d CompressionDecision) Encoding() string { return d.encoding }

func (d CompressionDecision) String() string {
	switch d.kind {
	case compressionEnabled:
		return "enabled(" + d.encoding + ")"
	case compressionThreshold:
		return "threshold(" + d.encoding + ")"
	default:
		return "disabled"
	}
}

// decideCompression negotiates policy against the request headers. It is a
// pure function of its inputs: deciding twice for the same pair yields the
// same result. No mutually supported encoding forces Disabled regardless of
// policy.
func decideCompression(policy CompressionPolicy, req *Request, res *Response) CompressionDecision {
	if !policy.Enable {
		return CompressionDecision{}
	}
	if policy.Predicate != nil && !policy.Predicate(req, res) {
		return CompressionDecision{}
	}
	enc := negotiateEncoding(req.Header().Values("Accept-Encoding"))
	if enc == "" {
		return CompressionDecision{}
	}
	if policy.MinBytes > 0 {
		return CompressionDecision{kind: compressionThreshold, threshold: policy.MinBytes, encoding: enc}
	}
	return CompressionDecision{kind: compressionEnabled, encoding: enc}
}

// negotiateEncoding intersects Accept-Encoding with the supported codings,
// preferring gzip. Codings rejected with q=0 are skipped.
func negotiateEncoding(accept []string) string {
	gzipOK, flateOK := false, false
	for _, v := range accept {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(strings.ToLower(part))
			if part == "" {
				continue
			}
			name := part
			rejected := false
			if i := strings.IndexByte(part, ';'); i >= 0 {
				name = strings.TrimSpace(part[:i])
				q := strings.TrimSpace(part[i+1:])
				if q == "q=0" || strings.HasPrefix(q, "q=0.0") || strings.HasPrefix(q, "q=0,") || q == "q=0." {
					rejected = true
				}
			}
			if rejected {
				continue
			}
			switch name {
			case "gzip", "x-gzip":
				gzipOK = true
			case "deflate":
				flateOK = true
			}
		}
	}
	if gzipOK {
		return "gzip"
	}
	if flateOK {
		return "deflate"
	}
	return ""
}

// newCompressor returns a writer that compresses into w with the given
// coding. Callers must Close it to flush trailing bits.
func newCompressor(encoding string, w io.Writer) io.WriteCloser {
	switch encoding {
	case "gzip":
		return gzip.NewWriter(w)
	case "deflate":
		fw, _ := flate.NewWriter(w, flate.DefaultCompression)
		return fw
	}
	return nil
}

// flushCompressor pushes any buffered compressed bytes through to the
// underlying writer so per-chunk flush strategies stay meaningful under
// compression.
func flushCompressor(c io.WriteCloser) error {
	type flusher interface{ Flush() error }
	if f, ok := c.(flusher); ok {
		return f.Flush()
	}
	return nil
}
