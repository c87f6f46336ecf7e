package archivefs

import (
	"cmp"
	"slices"
	"sync"
)

// Handle is an open file of a volume.
type Handle struct {
	// ID is the caller-chosen handle id.
	ID string

	// Path is the path the handle was opened with, normalized.
	Path string

	// Mode is the open mode; always ModeRead.
	Mode OpenMode

	entry *Entry
	seq   uint64
}

// Entry returns the entry the handle reads.
func (h *Handle) Entry() *Entry {
	return h.entry
}

// handleTable holds the open handles of one volume. A handle is removed
// when it is closed, so a closed id and an unknown id are indistinguishable.
type handleTable struct {
	mu   sync.Mutex
	open map[string]*Handle
	seq  uint64
}

func newHandleTable() *handleTable {
	return &handleTable{open: make(map[string]*Handle)}
}

// add stores h. It reports false if the id is already open.
func (t *handleTable) add(h *Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.open[h.ID]; ok {
		return false
	}
	t.seq++
	h.seq = t.seq
	t.open[h.ID] = h
	return true
}

func (t *handleTable) get(id string) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.open[id]
	return h, ok
}

// remove closes id. It reports false if id was not open.
func (t *handleTable) remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.open[id]; !ok {
		return false
	}
	delete(t.open, id)
	return true
}

// list returns the open handles in the order they were opened.
func (t *handleTable) list() []*Handle {
	t.mu.Lock()
	out := make([]*Handle, 0, len(t.open))
	for _, h := range t.open {
		out = append(out, h)
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b *Handle) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

func (t *handleTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

func (t *handleTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.open)
}
