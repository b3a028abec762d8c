// Package cache owns the local on-disk cache of remote data items.
//
// Layout: <root>/<dataset>/<subject label>/<session label>/<item>, where
// derived items live under a reserved namespace directory so they can never
// collide with acquired scans (which are keyed by remote ID + sanitized name).
//
// Every cached item carries a sidecar file recording the digests of its
// files; an item is valid only while those digests equal the digests the
// remote currently reports. All other packages touch the cache tree through
// the path-resolution contract here.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/neurodata/synq/pkg/domain"
)

const (
	// SidecarSuffix names the checksum sidecar of a cached item.
	SidecarSuffix = ".__checksum__.json"

	// derivedNamespace is the reserved directory of analysis outputs.
	derivedNamespace = "__derived__"

	// aggregateLabel stands in for a subject/session axis the item is
	// aggregated across (per-subject, per-visit and per-study items).
	aggregateLabel = "__all__"
)

var specialCharRe = regexp.MustCompile(`[^a-zA-Z_0-9]`)

// SanitizeName maps an item name onto its filesystem-safe form, as used in
// both the cache tree and the remote's archive layout.
func SanitizeName(name string) string {
	return specialCharRe.ReplaceAllString(name, "_")
}

// Store resolves descriptors to cache paths and keeps the checksum sidecars.
type Store struct {
	root string
}

// New opens (creating if needed) a cache rooted at root.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string {
	return s.root
}

// SessionDir is the cache directory of all items of one (subject, visit)
// scope within a dataset. Empty IDs map onto the aggregate label of the
// corresponding axis.
func (s *Store) SessionDir(ds domain.Dataset, subjectID string, visitID string) string {
	subjectLabel := aggregateLabel
	if subjectID != "" {
		subjectLabel = ds.SubjectLabel(subjectID)
	}
	sessionLabel := aggregateLabel
	if subjectID != "" && visitID != "" {
		sessionLabel = ds.SessionLabel(subjectID, visitID)
	}
	return filepath.Join(s.root, ds.Name, subjectLabel, sessionLabel)
}

// FilesetPath is the deterministic cache directory of a fileset.
//
// Derived items are namespaced under a reserved directory; acquired items are
// keyed by "<remote id>-<sanitized name>" to avoid collisions between scans
// sharing a type name.
func (s *Store) FilesetPath(ds domain.Dataset, f domain.Fileset) string {
	dir := s.SessionDir(ds, f.SubjectID, f.VisitID)
	if f.Derived() {
		return filepath.Join(dir, derivedNamespace, f.Name)
	}
	name := f.Name
	if f.ID != "" {
		name = f.ID + "-" + SanitizeName(f.Name)
	}
	return filepath.Join(dir, name)
}

// ProvenanceDir is the cache directory holding the per-pipeline provenance
// files of one session scope.
func (s *Store) ProvenanceDir(ds domain.Dataset, subjectID string, visitID string) string {
	return filepath.Join(s.SessionDir(ds, subjectID, visitID), derivedNamespace, "__prov__")
}

// IsValid reports whether the cache entry at itemPath is current: a sidecar
// exists and its digest mapping equals remoteChecksums exactly. Any added,
// removed or changed digest invalidates the entry.
func (s *Store) IsValid(itemPath string, remoteChecksums domain.Checksums) bool {
	cached, err := ReadSidecar(itemPath)
	if err != nil {
		return false
	}
	if len(cached) != len(remoteChecksums) {
		return false
	}
	for k, v := range remoteChecksums {
		if cached[k] != v {
			return false
		}
	}
	return true
}

// Exists reports whether anything is cached at itemPath at all.
func (s *Store) Exists(itemPath string) bool {
	_, err := os.Stat(itemPath)
	return err == nil
}

// Checksums computes the sidecar mapping of the item directory dir: MD5
// digests keyed by slash-relative path. When format is a single-file-primary
// format, the primary file's key is replaced by the reserved ".".
func Checksums(dir string, format *domain.Format) (domain.Checksums, error) {
	sums := domain.Checksums{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		digest, err := fileMD5(path)
		if err != nil {
			return err
		}
		sums[filepath.ToSlash(rel)] = digest
		return nil
	})
	if err != nil {
		return nil, err
	}

	if format != nil && !format.Directory {
		names := make([]string, 0, len(sums))
		for name := range sums {
			names = append(names, name)
		}
		primary, _, err := format.AssortFiles(names)
		if err != nil {
			return nil, err
		}
		sums[domain.PrimaryFileKey] = sums[primary]
		delete(sums, primary)
	}
	return sums, nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Install places locally produced files into the cache as the content of
// fileset f, replacing any previous entry, and writes a fresh sidecar.
//
// # Args
//
// - ds, f: identity of the item.
//
// - sources: paths of the files making up the item; each is copied into the
// item directory under its base name.
//
// # Returns
//
// - string: the item's cache path.
//
// - domain.Checksums: the freshly computed sidecar mapping.
func (s *Store) Install(ds domain.Dataset, f domain.Fileset, sources []string) (string, domain.Checksums, error) {
	itemPath := s.FilesetPath(ds, f)
	if err := os.RemoveAll(itemPath); err != nil {
		return "", nil, err
	}
	if err := os.MkdirAll(itemPath, 0o755); err != nil {
		return "", nil, err
	}
	for _, src := range sources {
		if err := copyFile(src, filepath.Join(itemPath, filepath.Base(src))); err != nil {
			return "", nil, err
		}
	}
	sums, err := Checksums(itemPath, f.Format)
	if err != nil {
		return "", nil, err
	}
	if err := WriteSidecar(itemPath, sums); err != nil {
		return "", nil, err
	}
	return itemPath, sums, nil
}

func copyFile(src string, dest string) error {
	r, err := os.Open(src)
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer w.Close()

	_, err = io.Copy(w, r)
	return err
}
