package servex

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeConn struct {
	remote, local net.Addr
}

func (c *fakeConn) Read(b []byte) (int, error)         { return 0, nil }
func (c *fakeConn) Write(b []byte) (int, error)        { return len(b), nil }
func (c *fakeConn) Close() error                       { return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return c.local }
func (c *fakeConn) RemoteAddr() net.Addr               { return c.remote }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func tcpConn() *fakeConn {
	return &fakeConn{
		remote: &net.TCPAddr{IP: net.IPv4(203, 0, 113, 7), Port: 51234},
		local:  &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 8080},
	}
}

func TestResolveAddress_RawConn(t *testing.T) {
	rec := resolveAddress(tcpConn(), NewHeader(), false)
	assert.Equal(t, "203.0.113.7", rec.Peer.Host)
	assert.Equal(t, 51234, rec.Peer.Port)
	assert.Equal(t, "10.0.0.1", rec.Local.Host)
	assert.Equal(t, SchemeHTTP, rec.Scheme)
}

func TestResolveAddress_ForwardingDisabledIgnoresHeaders(t *testing.T) {
	h := NewHeader()
	h.Set("X-Forwarded-For", "198.51.100.9")
	rec := resolveAddress(tcpConn(), h, false)
	assert.Equal(t, "203.0.113.7", rec.Peer.Host)
}

func TestResolveAddress_ForwardedHeader(t *testing.T) {
	h := NewHeader()
	h.Set("Forwarded", `for="198.51.100.9:4711";proto=https, for=192.0.2.1`)
	rec := resolveAddress(tcpConn(), h, true)
	assert.Equal(t, "198.51.100.9", rec.Peer.Host)
	assert.Equal(t, 4711, rec.Peer.Port)
	assert.Equal(t, SchemeHTTPS, rec.Scheme)
}

func TestResolveAddress_XForwardedFallback(t *testing.T) {
	h := NewHeader()
	h.Set("X-Forwarded-For", "198.51.100.9, 192.0.2.1")
	h.Set("X-Forwarded-Proto", "https")
	h.Set("X-Forwarded-Host", "front.example:443")
	rec := resolveAddress(tcpConn(), h, true)
	assert.Equal(t, "198.51.100.9", rec.Peer.Host)
	assert.Equal(t, SchemeHTTPS, rec.Scheme)
	assert.Equal(t, "front.example", rec.Local.Host)
	assert.Equal(t, 443, rec.Local.Port)
}

func TestResolveAddress_MalformedForwardedFallsBack(t *testing.T) {
	for _, v := range []string{
		"for=;proto=",
		"garbage",
		`for="_hidden"`,
		"proto=gopher",
	} {
		h := NewHeader()
		h.Set("Forwarded", v)
		rec := resolveAddress(tcpConn(), h, true)
		assert.Equal(t, "203.0.113.7", rec.Peer.Host, "input %q", v)
		assert.Equal(t, SchemeHTTP, rec.Scheme, "input %q", v)
	}
}

func TestResolveAddress_ForwardedPreferredOverXFF(t *testing.T) {
	h := NewHeader()
	h.Set("Forwarded", "for=198.51.100.9")
	h.Set("X-Forwarded-For", "192.0.2.1")
	rec := resolveAddress(tcpConn(), h, true)
	assert.Equal(t, "198.51.100.9", rec.Peer.Host)
}

func TestParseHostPort(t *testing.T) {
	hp, ok := parseHostPort("[2001:db8::1]:443")
	assert.True(t, ok)
	assert.Equal(t, "2001:db8::1", hp.Host)
	assert.Equal(t, 443, hp.Port)

	hp, ok = parseHostPort("example.com")
	assert.True(t, ok)
	assert.Equal(t, "example.com", hp.Host)
	assert.Equal(t, 0, hp.Port)

	_, ok = parseHostPort("")
	assert.False(t, ok)
}
