package servex

import (
	"io"
	"strconv"
	"time"

	"github.com/valyala/bytebufferpool"

	"dqx0.com/go/servex/internal/obs"
)

const clfTime = "02/Jan/2006:15:04:05 -0700"

// accessLogger emits one Common Log Format line per completed request
// through a bounded channel so emission never blocks request completion.
// When the channel is full the record is dropped and counted.
type accessLogger struct {
	w     io.Writer
	ch    chan *bytebufferpool.ByteBuffer
	done  chan struct{}
	meter obs.Meter
}

func newAccessLogger(w io.Writer, m obs.Meter) *accessLogger {
	a := &accessLogger{
		w:     w,
		ch:    make(chan *bytebufferpool.ByteBuffer, 1024),
		done:  make(chan struct{}),
		meter: m,
	}
	go a.run()
	return a
}

func (a *accessLogger) run() {
	defer close(a.done)
	for b := range a.ch {
		_, _ = a.w.Write(b.B)
		bytebufferpool.Put(b)
	}
}

// record formats `remote-host - - [timestamp] "METHOD path PROTO" status bytes`.
func (a *accessLogger) record(host, method, path, proto string, status int, bytes int64, t time.Time) {
	if host == "" {
		host = "-"
	}
	b := bytebufferpool.Get()
	b.WriteString(host)
	b.WriteString(" - - [")
	b.B = t.AppendFormat(b.B, clfTime)
	b.WriteString(`] "`)
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(path)
	b.WriteByte(' ')
	b.WriteString(proto)
	b.WriteString(`" `)
	b.B = strconv.AppendInt(b.B, int64(status), 10)
	b.WriteByte(' ')
	b.B = strconv.AppendInt(b.B, bytes, 10)
	b.WriteByte('\n')
	select {
	case a.ch <- b:
	default:
		bytebufferpool.Put(b)
		a.meter.Counter("servex_accesslog_dropped_total", 1)
	}
}

// close drains and stops the sink goroutine.
func (a *accessLogger) close() {
	close(a.ch)
	<-a.done
}
