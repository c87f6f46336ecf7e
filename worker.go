package archivefs

import "sync"

// worker runs the tasks of one volume in submission order on its own
// goroutine. The queue is unbounded so that submitting never blocks the
// message loop.
type worker struct {
	mu      sync.Mutex
	changed *sync.Cond
	queue   []func()
	stopped bool
	done    chan struct{}
}

func newWorker() *worker {
	w := &worker{done: make(chan struct{})}
	w.changed = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// submit queues fn. It reports false once the worker is stopped.
func (w *worker) submit(fn func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	w.queue = append(w.queue, fn)
	w.changed.Signal()
	return true
}

// stop rejects further tasks. Queued tasks still run; the goroutine exits
// once the queue is empty.
func (w *worker) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.changed.Signal()
}

// wait blocks until the goroutine has exited.
func (w *worker) wait() {
	<-w.done
}

func (w *worker) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.stopped {
			w.changed.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		fn := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()
		fn()
	}
}
