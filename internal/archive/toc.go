package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/containerd/stargz-snapshotter/estargz"
	"github.com/containerd/stargz-snapshotter/estargz/zstdchunked"

	"github.com/meigma/archivefs/internal/chunk"
	"github.com/meigma/archivefs/internal/pathutil"
)

// tocDecompressors are tried in order against the archive footer.
func tocDecompressors() []estargz.Decompressor {
	return []estargz.Decompressor{
		new(estargz.GzipDecompressor),
		new(estargz.LegacyGzipDecompressor),
		new(zstdchunked.Decompressor),
	}
}

// parseTOC builds the tree from an eStargz table of contents. It reads the
// footer and TOC through stateless range reads and never touches the
// cursor. ok is false when the archive carries no usable TOC.
//
// TOC entries are replayed in tar order through the same builder as the
// stream walk, so both paths yield the same tree.
func (r *Reader) parseTOC(ctx context.Context) (*Tree, bool) {
	if r.codec != CodecGzip && r.codec != CodecZstd {
		return nil, false
	}
	ra := chunk.NewReaderAt(ctx, r.broker, r.size, r.fetchSize)
	toc, err := readTOC(io.NewSectionReader(ra, 0, r.size))
	if err != nil {
		r.log().Debug("no estargz table of contents", "error", err)
		return nil, false
	}

	b := newTreeBuilder()
	for _, e := range toc.Entries {
		m, ok := r.memberFromTOC(e)
		if !ok {
			continue
		}
		b.add(m)
	}
	tree := b.build()
	r.log().Debug("archive directory read from estargz toc", "entries", tree.Len())
	return tree, true
}

// readTOC locates and decodes the TOC named by the archive footer.
func readTOC(sr *io.SectionReader) (*estargz.JTOC, error) {
	var errs []error
	for _, d := range tocDecompressors() {
		fsize := d.FooterSize()
		if fsize > sr.Size() {
			continue
		}
		footer := make([]byte, fsize)
		if _, err := sr.ReadAt(footer, sr.Size()-fsize); err != nil {
			return nil, fmt.Errorf("read footer: %w", err)
		}
		_, off, size, err := d.ParseFooter(footer)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if off < 0 || off >= sr.Size()-fsize {
			errs = append(errs, fmt.Errorf("toc offset %d outside archive", off))
			continue
		}
		if size <= 0 {
			size = sr.Size() - off - fsize
		}
		toc, _, err := d.ParseTOC(io.NewSectionReader(sr, off, size))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return toc, nil
	}
	if len(errs) == 0 {
		return nil, errors.New("archive shorter than any estargz footer")
	}
	return nil, errors.Join(errs...)
}

// memberFromTOC converts a TOC entry to a tree member. Chunk continuations
// and eStargz bookkeeping entries report false.
func (r *Reader) memberFromTOC(e *estargz.TOCEntry) (Entry, bool) {
	if e.Type == "chunk" {
		return Entry{}, false
	}
	m := Entry{
		Path:       pathutil.Normalize(e.Name),
		IsDir:      e.Type == "dir",
		Mode:       e.Stat().Mode(),
		LinkTarget: e.LinkName,
		hardlink:   e.Type == "hardlink",
	}
	if r.isStargzMetadata(m.Path) {
		return Entry{}, false
	}
	if t, err := time.Parse(time.RFC3339, e.ModTime3339); err == nil {
		m.ModTime = t
	}
	if e.Type == "reg" {
		m.Size = uint64(max(e.Size, 0)) //nolint:gosec // clamped to non-negative
	}
	return m, true
}
