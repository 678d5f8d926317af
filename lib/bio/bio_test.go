package bio

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLazyFreeFIFO checks that jobs of one kind complete strictly in
// submission order
func TestLazyFreeFIFO(t *testing.T) {
	p := NewPool()
	defer p.Stop()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	const n = 100
	for i := 0; i < n; i++ {
		i := i
		p.SubmitLazyFree(func() {
			mu.Lock()
			order = append(order, i)
			if len(order) == n {
				close(done)
			}
			mu.Unlock()
		})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("jobs did not complete")
	}

	for i := 0; i < n; i++ {
		require.Equal(t, i, order[i], "jobs completed out of order")
	}
}

func TestPendingCountAndWaitOneStep(t *testing.T) {
	p := NewPool()
	defer p.Stop()

	assert.Equal(t, 0, p.PendingCount(KindLazyFree))
	assert.Equal(t, 0, p.WaitOneStep(KindLazyFree), "WaitOneStep on empty queue must not block")

	gate := make(chan struct{})
	p.SubmitLazyFree(func() { <-gate })
	for i := 0; i < 10; i++ {
		p.SubmitLazyFree(func() {})
	}
	assert.Equal(t, 11, p.PendingCount(KindLazyFree))

	close(gate)
	remaining := p.WaitOneStep(KindLazyFree)
	assert.Less(t, remaining, 11)

	p.Drain(KindLazyFree)
	assert.Equal(t, 0, p.PendingCount(KindLazyFree))
}

func TestCloseAndFsyncJobs(t *testing.T) {
	p := NewPool()
	defer p.Stop()

	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "sync-me"))
	require.NoError(t, err)
	_, err = f.WriteString("payload")
	require.NoError(t, err)

	p.SubmitFsync(f)
	p.Drain(KindFsync)

	p.SubmitClose(f)
	p.Drain(KindClose)

	// descriptor is gone now, a second close must be tolerated
	p.SubmitClose(f)
	p.Drain(KindClose)
}

func TestStopJoinsWorkers(t *testing.T) {
	p := NewPool()

	ran := false
	donech := make(chan struct{})
	p.SubmitLazyFree(func() { ran = true; close(donech) })

	<-donech
	p.Stop()
	assert.True(t, ran)

	assert.Panics(t, func() { p.SubmitLazyFree(func() {}) })
}
