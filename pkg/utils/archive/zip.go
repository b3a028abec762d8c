package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ExtractZip expands the zip archive at src into the directory dest.
//
// Directories are created as needed. Entry names are slash-separated and
// relative; entries escaping dest (via "..", absolute paths or volume names)
// are rejected.
//
// # Args
//
// - src: path of the zip archive.
//
// - dest: directory where entries are expanded. Created if missing.
//
// - onEntry: called with each entry name before it is written. May be nil.
//
// # Returns
//
// - error: zip.ErrFormat (wrapped) when the archive is not readable as zip.
func ExtractZip(src string, dest string, onEntry func(name string)) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("opening archive %s: %w", src, err)
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	for _, f := range r.File {
		if onEntry != nil {
			onEntry(f.Name)
		}
		if err := extractEntry(f, dest); err != nil {
			return fmt.Errorf("extracting %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractEntry(f *zip.File, dest string) error {
	name := filepath.FromSlash(f.Name)
	if !filepath.IsLocal(name) {
		return fmt.Errorf("entry name escapes destination: %s", f.Name)
	}
	target := filepath.Join(dest, name)

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	w, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer w.Close()

	_, err = io.Copy(w, rc)
	return err
}

// ZipTree writes a zip archive of all regular files under root to dest.
//
// Entry names are slash-separated paths relative to root, optionally placed
// under prefix (slash-joined) inside the archive.
func ZipTree(dest io.Writer, root string, prefix string) error {
	zw := zip.NewWriter(dest)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if prefix != "" {
			name = strings.TrimSuffix(prefix, "/") + "/" + name
		}
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		r, err := os.Open(path)
		if err != nil {
			return err
		}
		defer r.Close()
		_, err = io.Copy(w, r)
		return err
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
