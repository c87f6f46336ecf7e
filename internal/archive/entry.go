package archive

import (
	"io/fs"
	"slices"
	"time"

	"github.com/meigma/archivefs/internal/pathutil"
)

// Entry is one file or directory in the archive tree.
//
// Entries are immutable once the tree is built and are safe to share
// between goroutines.
type Entry struct {
	// Path is the rooted, normalized path ("/dir/file").
	Path string

	// Name is the last path element; "/" for the root.
	Name string

	// Size is the uncompressed size in bytes. Zero for directories.
	Size uint64

	// IsDir reports whether the entry is a directory.
	IsDir bool

	// ModTime is the modification time recorded in the archive.
	ModTime time.Time

	// Mode holds the permission and type bits recorded in the archive.
	Mode fs.FileMode

	// LinkTarget is the target of a symbolic or hard link.
	LinkTarget string

	// hardlink marks a member whose payload lives in LinkTarget.
	hardlink bool
	// source is the path of the member holding the payload, "" for self.
	source string

	children []*Entry
	byName   map[string]*Entry
}

// Children returns the directory's children in insertion order.
func (e *Entry) Children() []*Entry {
	return slices.Clone(e.children)
}

// Child returns the named child of a directory.
func (e *Entry) Child(name string) (*Entry, bool) {
	if e.byName == nil {
		return nil, false
	}
	c, ok := e.byName[name]
	return c, ok
}

// Info returns an fs.FileInfo view of the entry.
func (e *Entry) Info() fs.FileInfo {
	return entryInfo{e}
}

// dataPath returns the path of the archive member holding e's payload.
func (e *Entry) dataPath() string {
	if e.source != "" {
		return e.source
	}
	return e.Path
}

func (e *Entry) addChild(c *Entry) {
	if e.byName == nil {
		e.byName = make(map[string]*Entry)
	}
	e.children = append(e.children, c)
	e.byName[c.Name] = c
}

// entryInfo implements fs.FileInfo for an Entry.
type entryInfo struct {
	e *Entry
}

func (i entryInfo) Name() string       { return i.e.Name }
func (i entryInfo) ModTime() time.Time { return i.e.ModTime }
func (i entryInfo) IsDir() bool        { return i.e.IsDir }
func (i entryInfo) Sys() any           { return nil }

func (i entryInfo) Size() int64 {
	if i.e.Size > uint64(1<<63-1) {
		return 1<<63 - 1
	}
	return int64(i.e.Size)
}

func (i entryInfo) Mode() fs.FileMode {
	if i.e.IsDir {
		return fs.ModeDir | i.e.Mode.Perm()
	}
	return i.e.Mode
}

// Tree is the immutable metadata tree of an archive.
type Tree struct {
	root  *Entry
	index map[string]*Entry
}

// Root returns the root directory.
func (t *Tree) Root() *Entry {
	return t.root
}

// Len returns the number of entries, including the root.
func (t *Tree) Len() int {
	return len(t.index)
}

// Lookup resolves p segment by segment from the root. Any segment that
// does not name a child of a directory fails the lookup.
func (t *Tree) Lookup(p string) (*Entry, bool) {
	e := t.root
	for _, part := range pathutil.Split(p) {
		if !e.IsDir {
			return nil, false
		}
		child, ok := e.Child(part)
		if !ok {
			return nil, false
		}
		e = child
	}
	return e, true
}

// treeBuilder assembles a Tree from archive members in stream order.
type treeBuilder struct {
	tree *Tree
}

func newTreeBuilder() *treeBuilder {
	root := &Entry{Path: pathutil.Root, Name: pathutil.Root, IsDir: true, Mode: fs.ModeDir | 0o555}
	return &treeBuilder{tree: &Tree{
		root:  root,
		index: map[string]*Entry{pathutil.Root: root},
	}}
}

// add records a member, synthesizing missing parent directories. A member
// whose path already exists replaces the earlier metadata in place so that
// directory order reflects first appearance. A hard link takes the size
// and mode of an earlier regular file and reads its payload.
func (b *treeBuilder) add(m Entry) *Entry {
	m.Path = pathutil.Normalize(m.Path)
	if m.hardlink {
		b.resolveLink(&m)
	}
	if m.Path == pathutil.Root {
		if !m.ModTime.IsZero() {
			b.tree.root.ModTime = m.ModTime
		}
		return b.tree.root
	}
	m.Name = pathutil.Base(m.Path)

	if existing, ok := b.tree.index[m.Path]; ok {
		existing.Size = m.Size
		existing.ModTime = m.ModTime
		existing.Mode = m.Mode
		existing.LinkTarget = m.LinkTarget
		existing.source = m.source
		if existing.IsDir && !m.IsDir {
			b.unindex(existing)
			existing.children = nil
			existing.byName = nil
		}
		existing.IsDir = m.IsDir
		return existing
	}

	parent := b.dir(pathutil.Dir(m.Path), m.ModTime)
	e := &Entry{
		Path:       m.Path,
		Name:       m.Name,
		Size:       m.Size,
		IsDir:      m.IsDir,
		ModTime:    m.ModTime,
		Mode:       m.Mode,
		LinkTarget: m.LinkTarget,
		source:     m.source,
	}
	if e.IsDir {
		e.Size = 0
	}
	parent.addChild(e)
	b.tree.index[e.Path] = e
	return e
}

// resolveLink points a hard link at its target's payload. A link to a
// missing or non-regular member stays an empty file.
func (b *treeBuilder) resolveLink(m *Entry) {
	target, ok := b.tree.index[pathutil.Normalize(m.LinkTarget)]
	if !ok || target.IsDir || !target.Mode.IsRegular() || target.Path == m.Path {
		return
	}
	m.Size = target.Size
	m.Mode = target.Mode
	m.source = target.dataPath()
}

// dir returns the directory at p, creating it and its parents if needed.
func (b *treeBuilder) dir(p string, modTime time.Time) *Entry {
	if e, ok := b.tree.index[p]; ok {
		if !e.IsDir {
			// A file path reused as a directory prefix; the later layout wins.
			e.IsDir = true
			e.Size = 0
			e.Mode = fs.ModeDir | 0o555
		}
		return e
	}
	parent := b.dir(pathutil.Dir(p), modTime)
	e := &Entry{
		Path:    p,
		Name:    pathutil.Base(p),
		IsDir:   true,
		ModTime: modTime,
		Mode:    fs.ModeDir | 0o555,
	}
	parent.addChild(e)
	b.tree.index[p] = e
	return e
}

func (b *treeBuilder) unindex(e *Entry) {
	for _, c := range e.children {
		delete(b.tree.index, c.Path)
		b.unindex(c)
	}
}

func (b *treeBuilder) build() *Tree {
	return b.tree
}
