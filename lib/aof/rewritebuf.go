package aof

import (
	"sync"

	"github.com/VictoriaMetrics/metrics"
)

const rewriteBlockSize = 10 * 1024 * 1024

var rewriteBufferBlocks = metrics.NewCounter("cedar_aof_rewrite_buffer_blocks_total")

// rewriteBlock is one lazily allocated chunk of the rewrite buffer
type rewriteBlock struct {
	data []byte
}

func (b *rewriteBlock) free() int {
	return rewriteBlockSize - len(b.data)
}

// rewriteBuffer accumulates the commands fed while a rewrite runs. The
// engine thread appends, the pipe pump consumes.
//
// Thread-safety: all methods are safe for concurrent use
type rewriteBuffer struct {
	mu      sync.Mutex
	hasData *sync.Cond
	blocks  []*rewriteBlock
	stopped bool
}

func newRewriteBuffer() *rewriteBuffer {
	rb := &rewriteBuffer{}
	rb.hasData = sync.NewCond(&rb.mu)
	return rb
}

// append copies p into the buffer, growing it block by block
func (rb *rewriteBuffer) append(p []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for len(p) > 0 {
		var last *rewriteBlock
		if n := len(rb.blocks); n > 0 {
			last = rb.blocks[n-1]
		}
		if last == nil || last.free() == 0 {
			last = &rewriteBlock{data: make([]byte, 0, rewriteBlockSize)}
			rb.blocks = append(rb.blocks, last)
			rewriteBufferBlocks.Inc()

			// the buffer is unbounded, so log its growth
			if n := len(rb.blocks); n%100 == 0 {
				Logger.Warningf("rewrite buffer grew to %d blocks (%d MiB)", n, n*rewriteBlockSize/1024/1024)
			} else if n%10 == 0 {
				Logger.Infof("rewrite buffer grew to %d blocks (%d MiB)", n, n*rewriteBlockSize/1024/1024)
			}
		}
		n := last.free()
		if n > len(p) {
			n = len(p)
		}
		last.data = append(last.data, p[:n]...)
		p = p[n:]
	}
	rb.hasData.Signal()
}

// next blocks until data is available and returns the first block's
// content, removing it. Returns false after stop() was called.
func (rb *rewriteBuffer) next() ([]byte, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for len(rb.blocks) == 0 && !rb.stopped {
		rb.hasData.Wait()
	}
	if rb.stopped {
		return nil, false
	}
	head := rb.blocks[0]
	rb.blocks = rb.blocks[1:]
	return head.data, true
}

// stop wakes a waiting consumer and makes next return false from now
// on. The remaining blocks stay in the buffer for drain.
func (rb *rewriteBuffer) stop() {
	rb.mu.Lock()
	rb.stopped = true
	rb.mu.Unlock()
	rb.hasData.Broadcast()
}

// drain removes and returns all remaining blocks
func (rb *rewriteBuffer) drain() [][]byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([][]byte, 0, len(rb.blocks))
	for _, b := range rb.blocks {
		out = append(out, b.data)
	}
	rb.blocks = nil
	return out
}

// size returns the buffered byte count
func (rb *rewriteBuffer) size() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var n int64
	for _, b := range rb.blocks {
		n += int64(len(b.data))
	}
	return n
}
