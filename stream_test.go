package servex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A consumer that never takes a chunk must stall the producer after one
// pending chunk; nothing reaches the transport.
func TestBodyPipe_Backpressure(t *testing.T) {
	pipe := newBodyPipe()
	w := &ChunkWriter{pipe: pipe}

	second := make(chan struct{})
	done := make(chan struct{})
	go func() {
		w.Write([]byte("one")) // fills the single slot
		close(second)
		w.Write([]byte("two")) // must block: no demand
		close(done)
	}()

	<-second
	select {
	case <-done:
		t.Fatal("second write completed without consumer demand")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, len(pipe.ch), "at most one chunk may be pending")

	// One unit of demand releases exactly one more chunk.
	b := <-pipe.ch
	assert.Equal(t, "one", string(b.B))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer not released by demand")
	}
	pipe.cancel()
}

func TestChunkWriter_AbortUnblocksProducer(t *testing.T) {
	pipe := newBodyPipe()
	w := &ChunkWriter{pipe: pipe}

	_, err := w.Write([]byte("a"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := w.Write([]byte("b"))
		done <- err
	}()
	pipe.cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStreamAborted)
	case <-time.After(time.Second):
		t.Fatal("producer still blocked after cancel")
	}

	// Writes after abort fail immediately.
	_, err = w.Write([]byte("c"))
	assert.ErrorIs(t, err, ErrStreamAborted)
}

func TestBodyPipe_FinishDeliversError(t *testing.T) {
	pipe := newBodyPipe()
	pipe.finish(ErrStreamAborted)
	_, ok := <-pipe.ch
	assert.False(t, ok)
	assert.ErrorIs(t, pipe.err, ErrStreamAborted)
	// finish is idempotent.
	pipe.finish(nil)
	assert.ErrorIs(t, pipe.err, ErrStreamAborted)
}

func TestProductionSignal_Kinds(t *testing.T) {
	assert.Equal(t, produceEmpty, NoBody().kind)
	assert.Equal(t, produceEmpty, SingleBuffer(nil).kind)
	assert.Equal(t, produceSingle, SingleBuffer([]byte("x")).kind)
	assert.Equal(t, produceStream, StreamOf(func(w *ChunkWriter) error { return nil }).kind)
}
