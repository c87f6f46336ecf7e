package cache

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

type blockFile struct {
	path    string
	size    int64
	modTime time.Time
}

// walkBlocks visits every regular file below root, skipping temp files.
func walkBlocks(root string, fn func(blockFile)) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), "block-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		fn(blockFile{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func dirSize(root string) (int64, error) {
	var total int64
	err := walkBlocks(root, func(b blockFile) { total += b.size })
	return total, err
}

// pruneDir deletes the oldest blocks until at most targetBytes remain.
func pruneDir(root string, targetBytes int64) (freed, remaining int64, err error) {
	var blocks []blockFile
	if err := walkBlocks(root, func(b blockFile) {
		blocks = append(blocks, b)
		remaining += b.size
	}); err != nil {
		return 0, 0, err
	}
	if remaining <= targetBytes {
		return 0, remaining, nil
	}

	slices.SortFunc(blocks, func(a, b blockFile) int {
		if c := a.modTime.Compare(b.modTime); c != 0 {
			return c
		}
		return strings.Compare(a.path, b.path)
	})
	for _, b := range blocks {
		if remaining <= targetBytes {
			break
		}
		if err := os.Remove(b.path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return freed, remaining, err
		}
		remaining -= b.size
		freed += b.size
	}
	return freed, remaining, nil
}
