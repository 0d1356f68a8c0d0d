package servex

// Flusher allows forcing buffered response bytes onto the transport.
type Flusher interface {
	Flush() error
}

// FlushStrategy decides when buffered response bytes are pushed to the
// transport. The zero value buffers until the body completes. An implicit
// transport flush can additionally happen whenever the connection's send
// buffer fills; strategies bound extra flushes, they cannot suppress that.
type FlushStrategy struct {
	each      bool
	scheduled bool
}

// FlushOnTerminate buffers all body writes and flushes once when the body
// completes. Fewest flush calls, worst first-byte latency on long streams.
func FlushOnTerminate() FlushStrategy { return FlushStrategy{} }

// FlushOnEachChunk requests a flush after every body chunk.
//
// With scheduled set, flushes may be coalesced: when the producer has the
// next chunk ready before the write loop comes around, the flush is
// deferred, and one flush covers the burst. Every burst is followed by at
// least one flush, so delivery is guaranteed eventually.
//
// With scheduled unset, every written chunk is followed by exactly one
// flush call.
func FlushOnEachChunk(scheduled bool) FlushStrategy {
	return FlushStrategy{each: true, scheduled: scheduled}
}

// EachChunk reports whether the strategy flushes per chunk rather than at
// termination.
func (f FlushStrategy) EachChunk() bool { return f.each }

// Coalescing reports whether per-chunk flushes may be merged across a burst.
func (f FlushStrategy) Coalescing() bool { return f.each && f.scheduled }

func (f FlushStrategy) String() string {
	switch {
	case !f.each:
		return "on-terminate"
	case f.scheduled:
		return "each-chunk-scheduled"
	default:
		return "each-chunk"
	}
}
