package servex

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reqWithAccept(values ...string) *Request {
	h := NewHeader()
	for _, v := range values {
		h.Add("Accept-Encoding", v)
	}
	return &Request{method: "GET", header: h}
}

func TestDecideCompression_Negotiation(t *testing.T) {
	policy := CompressionPolicy{Enable: true}
	res := newResponse(FlushOnTerminate())

	d := decideCompression(policy, reqWithAccept("gzip, deflate"), res)
	assert.True(t, d.Enabled())
	assert.Equal(t, "gzip", d.Encoding())

	d = decideCompression(policy, reqWithAccept("deflate"), res)
	assert.Equal(t, "deflate", d.Encoding())

	d = decideCompression(policy, reqWithAccept("br"), res)
	assert.False(t, d.Enabled(), "no mutual encoding resolves to Disabled regardless of policy")

	d = decideCompression(policy, reqWithAccept("gzip;q=0, deflate"), res)
	assert.Equal(t, "deflate", d.Encoding(), "q=0 must reject the coding")

	d = decideCompression(CompressionPolicy{}, reqWithAccept("gzip"), res)
	assert.False(t, d.Enabled(), "disabled policy wins")
}

func TestDecideCompression_Idempotent(t *testing.T) {
	policy := CompressionPolicy{Enable: true, MinBytes: 128}
	req := reqWithAccept("gzip")
	res := newResponse(FlushOnTerminate())
	first := decideCompression(policy, req, res)
	second := decideCompression(policy, req, res)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(128), first.Threshold())
}

func TestDecideCompression_Predicate(t *testing.T) {
	policy := CompressionPolicy{
		Enable:    true,
		Predicate: func(req *Request, res *Response) bool { return req.Method() == "POST" },
	}
	res := newResponse(FlushOnTerminate())
	d := decideCompression(policy, reqWithAccept("gzip"), res)
	assert.False(t, d.Enabled(), "predicate rejected GET")
}

func TestCompressAll_GzipRoundTrip(t *testing.T) {
	plain := bytes.Repeat([]byte("servex "), 512)
	packed, err := compressAll("gzip", plain)
	require.NoError(t, err)
	require.Less(t, len(packed), len(plain))

	zr, err := gzip.NewReader(bytes.NewReader(packed))
	require.NoError(t, err)
	got, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}
