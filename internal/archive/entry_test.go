package archive

import (
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTreeBuilder(t *testing.T) {
	t.Parallel()

	mod := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	b := newTreeBuilder()
	b.add(Entry{Path: "b.txt", Size: 3, ModTime: mod, Mode: 0o644})
	b.add(Entry{Path: "./a/", IsDir: true, ModTime: mod, Mode: fs.ModeDir | 0o755})
	b.add(Entry{Path: "a/x", Size: 7, Mode: 0o644})
	b.add(Entry{Path: "b.txt", Size: 9, ModTime: mod, Mode: 0o600})
	tree := b.build()

	names := []string{}
	for _, c := range tree.Root().Children() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"b.txt", "a"}, names, "duplicates keep first position")

	e, ok := tree.Lookup("/b.txt")
	require.True(t, ok)
	assert.Equal(t, uint64(9), e.Size, "later member wins")
	assert.Equal(t, fs.FileMode(0o600), e.Info().Mode())

	x, ok := tree.Lookup("a/x")
	require.True(t, ok)
	assert.Equal(t, "/a/x", x.Path)
	assert.Equal(t, int64(7), x.Info().Size())

	dir, ok := tree.Lookup("/a")
	require.True(t, ok)
	assert.True(t, dir.Info().IsDir())
	assert.Zero(t, dir.Info().Size())

	assert.Equal(t, []string{"/", "/b.txt", "/a", "/a/x"}, walkPaths(tree))
	assert.Equal(t, 4, tree.Len())
}

func TestTreeFileReplacedByDirectory(t *testing.T) {
	t.Parallel()

	b := newTreeBuilder()
	b.add(Entry{Path: "/p", Size: 4, Mode: 0o644})
	b.add(Entry{Path: "/p/q", Size: 1, Mode: 0o644})
	tree := b.build()

	p, ok := tree.Lookup("/p")
	require.True(t, ok)
	assert.True(t, p.IsDir)
	assert.Zero(t, p.Size)
	_, ok = tree.Lookup("/p/q")
	assert.True(t, ok)
}

// walkPaths lists the tree depth-first in insertion order.
func walkPaths(tree *Tree) []string {
	var out []string
	var walk func(*Entry)
	walk = func(e *Entry) {
		out = append(out, e.Path)
		for _, c := range e.Children() {
			walk(c)
		}
	}
	walk(tree.Root())
	return out
}

func TestTreeHardLinks(t *testing.T) {
	t.Parallel()

	b := newTreeBuilder()
	b.add(Entry{Path: "/d", IsDir: true, Mode: fs.ModeDir | 0o755})
	b.add(Entry{Path: "/f", Size: 9, Mode: 0o640})
	b.add(Entry{Path: "/a", LinkTarget: "f", hardlink: true})
	b.add(Entry{Path: "/b", LinkTarget: "/a", hardlink: true})
	b.add(Entry{Path: "/to-dir", LinkTarget: "d", hardlink: true})
	b.add(Entry{Path: "/dangling", LinkTarget: "missing", hardlink: true})
	tree := b.build()

	a := mustLookup(t, tree, "/a")
	assert.Equal(t, uint64(9), a.Size)
	assert.Equal(t, fs.FileMode(0o640), a.Mode)
	assert.Equal(t, "/f", a.dataPath())

	chained := mustLookup(t, tree, "/b")
	assert.Equal(t, uint64(9), chained.Size)
	assert.Equal(t, "/f", chained.dataPath())

	for _, p := range []string{"/to-dir", "/dangling"} {
		e := mustLookup(t, tree, p)
		assert.Zero(t, e.Size, p)
		assert.Equal(t, p, e.dataPath(), p)
	}
}
