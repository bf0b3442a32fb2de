// Package filetree enumerates and recreates job-scoped file trees.
//
// Only regular files are enumerated. Symbolic links are skipped and never followed,
// so a tree can't reach outside its root. Names are slash-separated and always local
// to the root.
package filetree

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
)

var ErrNotLocal = errors.New("path is not local")

type File struct {
	Name string // slash-separated, relative to the root
	Path string // on disk
	Size int64
}

// Open opens the file for reading.
func (f *File) Open() (io.ReadCloser, error) {
	return os.Open(f.Path)
}

// Files yields every regular file under root in lexical order.
// Directories whose base name is in skipDirs are not entered.
// Walking stops after the first error is yielded.
func Files(root string, skipDirs ...string) iter.Seq2[*File, error] {
	return func(yield func(*File, error) bool) {
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if p != root && slices.Contains(skipDirs, d.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				// Symlinks, sockets, devices.
				return nil
			}

			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			if !filepath.IsLocal(rel) {
				return fmt.Errorf("%s: %w", rel, ErrNotLocal)
			}
			info, err := d.Info()
			if err != nil {
				return err
			}

			f := &File{Name: filepath.ToSlash(rel), Path: p, Size: info.Size()}
			if !yield(f, nil) {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			yield(nil, fmt.Errorf("filetree: %w", err))
		}
	}
}

// Write creates the file name under root with the content of r, creating parent
// directories as needed. Names that would escape root are rejected with ErrNotLocal.
func Write(root, name string, r io.Reader) error {
	rel := filepath.FromSlash(name)
	if !filepath.IsLocal(rel) {
		return fmt.Errorf("filetree: %s: %w", name, ErrNotLocal)
	}
	p := filepath.Join(root, rel)

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("filetree: %w", err)
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("filetree: %w", err)
	}
	if _, err = io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("filetree: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("filetree: %w", err)
	}
	return nil
}
