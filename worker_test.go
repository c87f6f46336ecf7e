package archivefs

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerRunsInOrder(t *testing.T) {
	t.Parallel()

	w := newWorker()
	var (
		mu  sync.Mutex
		got []int
	)
	release := make(chan struct{})
	w.submit(func() { <-release })
	for i := range 100 {
		assert.True(t, w.submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	close(release)
	w.stop()
	w.wait()

	assert.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.False(t, w.submit(func() {}))
}

func TestWorkerStopIdle(t *testing.T) {
	t.Parallel()

	w := newWorker()
	w.stop()
	w.stop()
	w.wait()
}
