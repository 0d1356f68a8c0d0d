package http1

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestStartResponse_FieldOrder(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	fields := []Field{{K: "B-Second", V: "2"}, {K: "A-First", V: "1"}}
	if err := StartResponse(bw, 200, "", fields, false, true); err != nil {
		t.Fatalf("StartResponse: %v", err)
	}
	bw.Flush()
	out := buf.String()
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("status line: %q", out)
	}
	if strings.Index(out, "B-Second: 2") > strings.Index(out, "A-First: 1") {
		t.Fatalf("field order not preserved: %q", out)
	}
	if !strings.Contains(out, "Connection: keep-alive\r\n") {
		t.Fatalf("missing Connection header: %q", out)
	}
}

func TestStartResponse_ChunkedStripsContentLength(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	fields := []Field{{K: "Content-Length", V: "10"}}
	if err := StartResponse(bw, 200, "", fields, true, true); err != nil {
		t.Fatalf("StartResponse: %v", err)
	}
	bw.Flush()
	out := buf.String()
	if strings.Contains(out, "Content-Length") {
		t.Fatalf("Content-Length must not appear with chunked: %q", out)
	}
	if !strings.Contains(out, "Transfer-Encoding: chunked\r\n") {
		t.Fatalf("missing chunked TE: %q", out)
	}
}

func TestWriteChunked_Framing(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	if _, err := WriteChunked(bw, []byte("hello")); err != nil {
		t.Fatalf("WriteChunked: %v", err)
	}
	if err := EndChunked(bw); err != nil {
		t.Fatalf("EndChunked: %v", err)
	}
	bw.Flush()
	if got := buf.String(); got != "5\r\nhello\r\n0\r\n\r\n" {
		t.Fatalf("framing=%q", got)
	}
}

func TestSanitizeHeaderValue_StripsCRLF(t *testing.T) {
	if got := SanitizeHeaderValue("a\r\nInjected: x"); got != "aInjected: x" {
		t.Fatalf("got %q", got)
	}
}
