package servex

import (
	"crypto/tls"
	"net"
	"strconv"
	"strings"
)

// Scheme is the request scheme as seen by the client.
type Scheme int

const (
	SchemeHTTP Scheme = iota
	SchemeHTTPS
)

func (s Scheme) String() string {
	if s == SchemeHTTPS {
		return "https"
	}
	return "http"
}

// HostPort is a resolved network endpoint.
type HostPort struct {
	Host string
	Port int
}

func (hp HostPort) String() string {
	return net.JoinHostPort(hp.Host, strconv.Itoa(hp.Port))
}

// AddressRecord carries the per-request address and scheme view. It is
// produced once per request and never mutated afterward.
type AddressRecord struct {
	Peer   HostPort
	Local  HostPort
	Scheme Scheme
}

// resolveAddress derives the address record for one request. With
// forwarding disabled, values come straight from the transport connection.
// With forwarding enabled, the standard Forwarded header is preferred and
// the X-Forwarded-* family is the fallback; anything malformed or absent
// falls back silently to the raw connection values.
func resolveAddress(c net.Conn, h *Header, forwarded bool) AddressRecord {
	rec := recordFromConn(c)
	if !forwarded || h == nil {
		return rec
	}
	if fwd := h.Get("Forwarded"); fwd != "" {
		if r2, ok := applyForwarded(rec, fwd); ok {
			return r2
		}
	}
	if xff := h.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if hp, ok := parseHostPort(first); ok {
			rec.Peer = hp
		}
	}
	if proto := h.Get("X-Forwarded-Proto"); proto != "" {
		switch strings.ToLower(strings.TrimSpace(proto)) {
		case "https":
			rec.Scheme = SchemeHTTPS
		case "http":
			rec.Scheme = SchemeHTTP
		}
	}
	if host := h.Get("X-Forwarded-Host"); host != "" {
		if hp, ok := parseHostPort(strings.TrimSpace(host)); ok {
			rec.Local = hp
		}
	}
	return rec
}

func recordFromConn(c net.Conn) AddressRecord {
	var rec AddressRecord
	if c == nil {
		return rec
	}
	if ra := c.RemoteAddr(); ra != nil {
		rec.Peer, _ = parseHostPort(ra.String())
	}
	if la := c.LocalAddr(); la != nil {
		rec.Local, _ = parseHostPort(la.String())
	}
	if _, ok := c.(*tls.Conn); ok {
		rec.Scheme = SchemeHTTPS
	}
	return rec
}

// applyForwarded parses the first element of an RFC 7239 Forwarded header.
// Returns ok=false on anything it cannot parse so the caller falls back.
func applyForwarded(rec AddressRecord, v string) (AddressRecord, bool) {
	first := strings.TrimSpace(strings.SplitN(v, ",", 2)[0])
	if first == "" {
		return rec, false
	}
	touched := false
	for _, pair := range strings.Split(first, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		eq := strings.IndexByte(pair, '=')
		if eq <= 0 {
			return rec, false
		}
		key := strings.ToLower(strings.TrimSpace(pair[:eq]))
		val := strings.TrimSpace(pair[eq+1:])
		val = strings.Trim(val, `"`)
		switch key {
		case "for":
			hp, ok := parseHostPort(val)
			if !ok {
				return rec, false
			}
			rec.Peer = hp
			touched = true
		case "proto":
			switch strings.ToLower(val) {
			case "https":
				rec.Scheme = SchemeHTTPS
				touched = true
			case "http":
				rec.Scheme = SchemeHTTP
				touched = true
			default:
				return rec, false
			}
		case "host":
			hp, ok := parseHostPort(val)
			if !ok {
				return rec, false
			}
			rec.Local = hp
			touched = true
		case "by":
			// Not part of the address record.
		default:
			return rec, false
		}
	}
	return rec, touched
}

// parseHostPort accepts "host", "host:port", "[v6]:port" and obfuscated
// RFC 7239 ports ("_hidden" is rejected).
func parseHostPort(s string) (HostPort, bool) {
	if s == "" || strings.HasPrefix(s, "_") {
		return HostPort{}, false
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// Bare host without port.
		host = strings.Trim(s, "[]")
		if host == "" || strings.ContainsAny(host, " \t") {
			return HostPort{}, false
		}
		return HostPort{Host: host}, true
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return HostPort{}, false
	}
	return HostPort{Host: host, Port: port}, true
}
