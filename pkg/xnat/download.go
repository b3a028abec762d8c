package xnat

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/neurodata/synq/pkg/cache"
	"github.com/neurodata/synq/pkg/domain"
	"github.com/neurodata/synq/pkg/utils/archive"
	"github.com/neurodata/synq/pkg/utils/filewatch"
	"github.com/neurodata/synq/pkg/xerrors"
)

// stagingSuffix marks the directory claimed by the process currently
// downloading an item. Creating it is the only synchronization between
// coordinators: exactly one process can claim a cache path at a time.
const stagingSuffix = ".download"

// GetFileset materializes fileset f into the cache and returns the paths of
// its files.
//
// A valid cache entry (checksums matching the remote, or mere existence when
// digest checking is disabled) is returned without touching the network.
// Otherwise the item is downloaded under the staging protocol: the claim on
// `<cache path>.download` decides the single downloader, and everyone else
// polls until the winner finishes, taking over once if it stalls.
//
// # Args
//
// - ds: dataset the item belongs to.
//
// - f: the descriptor, resolved against the remote (URI set) and with an
// assigned Format.
//
// # Returns
//
// - string: path of the primary file, or of the item directory for
// directory formats.
//
// - map[string]string: auxiliary role -> file path. nil for directory
// formats.
func (r *Repository) GetFileset(ctx context.Context, ds domain.Dataset, f domain.Fileset) (string, map[string]string, error) {
	if f.Format == nil {
		return "", nil, fmt.Errorf("%w: cannot materialize %s before a format is assigned", ErrUsage, f)
	}
	cachePath := r.store.FilesetPath(ds, f)

	if !r.verifyDigests && r.store.Exists(cachePath) {
		return assort(cachePath, f.Format)
	}

	err := r.withSession(ctx, func(sess Session) error {
		if f.URI == "" {
			return fmt.Errorf("%w: cannot download %s before its URI is resolved", ErrUsage, f)
		}
		var remote domain.Checksums
		if r.verifyDigests {
			var err error
			remote, err = r.getChecksums(ctx, sess, f)
			if err != nil {
				return xerrors.WrapWithNote(fmt.Sprintf("listing checksums of %s", f), err)
			}
			if r.store.IsValid(cachePath, remote) {
				return nil
			}
		} else if r.store.Exists(cachePath) {
			return nil
		}
		return r.materialize(ctx, sess, ds, f, cachePath, remote)
	})
	if err != nil {
		return "", nil, err
	}
	return assort(cachePath, f.Format)
}

// materialize runs the concurrent-download protocol on cachePath.
//
// remote may be nil (digest checking disabled); the sidecar is then computed
// from the downloaded files.
func (r *Repository) materialize(
	ctx context.Context,
	sess Session,
	ds domain.Dataset,
	f domain.Fileset,
	cachePath string,
	remote domain.Checksums,
) error {
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return xerrors.Wrap(err)
	}
	staging := cachePath + stagingSuffix

	reclaimed := false
	for {
		err := os.Mkdir(staging, 0o755)
		if err == nil {
			// claimed: this process is the downloader.
			if err := r.download(ctx, sess, ds, f, staging, cachePath, remote); err != nil {
				return err
			}
			if err := os.RemoveAll(staging); err != nil {
				return xerrors.Wrap(err)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return xerrors.Wrap(err)
		}

		// Another process holds the claim. Poll until it finishes or stalls.
		done, stale, err := r.awaitPeer(ctx, staging, cachePath)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if stale {
			if reclaimed {
				return xerrors.New(fmt.Sprintf(
					"staging directory %s went stale again after being reclaimed once; giving up on %s",
					staging, f,
				))
			}
			reclaimed = true
			r.logger.Printf(
				"download of %s has not progressed within %s; reclaiming it",
				cachePath, r.raceDelay,
			)
			if err := os.RemoveAll(staging); err != nil {
				return xerrors.Wrap(err)
			}
		}
		// re-attempt the claim.
	}
}

// awaitPeer watches a staging directory owned by another process.
//
// # Returns
//
// - done: the peer completed the download; the cache path is populated.
//
// - stale: the staging directory stopped changing for a full polling
// window; the peer is assumed dead and the caller should reclaim.
//
// Neither flag set means the claim disappeared without a result (the peer
// failed and cleaned up); the caller re-attempts the claim.
func (r *Repository) awaitPeer(ctx context.Context, staging string, cachePath string) (done bool, stale bool, err error) {
	r.logger.Printf(
		"waiting up to %s for another process to finish downloading %s",
		r.raceDelay, cachePath,
	)
	for {
		before, berr := dirModTime(staging)
		if errors.Is(berr, fs.ErrNotExist) {
			return r.store.Exists(cachePath), false, nil
		}
		if berr != nil {
			return false, false, xerrors.Wrap(berr)
		}

		// Sleep out one polling window. A filesystem event on the staging
		// directory cuts the wait short and counts as progress: writes into
		// an existing file there do not touch the directory's mtime, so the
		// event is the only trace of a peer that is still streaming.
		woke, werr := filewatch.Await(ctx, r.raceDelay, staging)
		if werr != nil {
			return false, false, werr
		}

		if r.store.Exists(cachePath) {
			r.logger.Printf("download of %s completed in the other process", cachePath)
			return true, false, nil
		}
		after, aerr := dirModTime(staging)
		if errors.Is(aerr, fs.ErrNotExist) {
			return r.store.Exists(cachePath), false, nil
		}
		if aerr != nil {
			return false, false, xerrors.Wrap(aerr)
		}
		// Stale only when a full window elapsed with no event and no mtime
		// change.
		if woke || !after.Equal(before) {
			if !woke {
				r.logger.Printf(
					"download of %s is still in progress; waiting another %s",
					cachePath, r.raceDelay,
				)
			}
			continue
		}
		return false, true, nil
	}
}

// download streams the resource bundle of f into staging, expands it and
// moves the payload into cachePath with a fresh sidecar.
func (r *Repository) download(
	ctx context.Context,
	sess Session,
	ds domain.Dataset,
	f domain.Fileset,
	staging string,
	cachePath string,
	remote domain.Checksums,
) error {
	zipPath := filepath.Join(staging, "download.zip")
	dest, err := os.Create(zipPath)
	if err != nil {
		return xerrors.Wrap(err)
	}
	if err := sess.Download(ctx, downloadURI(f), dest); err != nil {
		dest.Close()
		return xerrors.WrapWithNote(fmt.Sprintf("downloading %s", f), err)
	}
	if err := dest.Close(); err != nil {
		return xerrors.Wrap(err)
	}

	expanded := filepath.Join(staging, "expanded")
	if err := archive.ExtractZip(zipPath, expanded, nil); err != nil {
		return &CorruptDownloadError{
			Resource: resourceIdentity(f),
			Path:     zipPath,
			cause:    err,
		}
	}

	payload, err := payloadDir(expanded, ds, f)
	if err != nil {
		return &CorruptDownloadError{
			Resource: resourceIdentity(f),
			Path:     zipPath,
			cause:    err,
		}
	}

	if err := os.RemoveAll(cachePath); err != nil {
		return xerrors.Wrap(err)
	}
	if err := os.Rename(payload, cachePath); err != nil {
		return xerrors.Wrap(err)
	}

	if remote == nil {
		remote, err = cache.Checksums(cachePath, f.Format)
		if err != nil {
			return xerrors.WrapWithNote(fmt.Sprintf("digesting %s", cachePath), err)
		}
	}
	return cache.WriteSidecar(cachePath, remote)
}

// downloadURI addresses the file bundle of f: scan descriptors point at the
// scan and name the resource, derived descriptors point at the resource
// itself.
func downloadURI(f domain.Fileset) string {
	uri := f.URI
	if f.ResourceName != "" {
		uri += "/resources/" + f.ResourceName
	}
	return uri + "/files"
}

func resourceIdentity(f domain.Fileset) string {
	if f.ID != "" {
		return f.ID
	}
	return f.Name
}

// payloadDir locates the files directory within an expanded bundle. The
// remote lays archives out as
// <session label>/scans/<id>-<sanitized name>/resources/<label>/files;
// bundles of derived resources use a shallower layout, so any single "files"
// directory found in the tree is accepted as fallback.
func payloadDir(expanded string, ds domain.Dataset, f domain.Fileset) (string, error) {
	if f.ID != "" && f.ResourceName != "" {
		reconstructed := filepath.Join(
			expanded,
			ds.SessionLabel(f.SubjectID, f.VisitID),
			"scans",
			f.ID+"-"+cache.SanitizeName(f.Name),
			"resources",
			f.ResourceName,
			"files",
		)
		if info, err := os.Stat(reconstructed); err == nil && info.IsDir() {
			return reconstructed, nil
		}
	}

	found := ""
	err := filepath.WalkDir(expanded, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == "files" {
			if found != "" {
				return fmt.Errorf("bundle holds several files directories (%s, %s)", found, path)
			}
			found = path
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("bundle holds no files directory")
	}
	return found, nil
}

// assort maps a populated cache entry onto (primary path, aux paths).
func assort(cachePath string, format *domain.Format) (string, map[string]string, error) {
	if format.Directory {
		return cachePath, nil, nil
	}
	entries, err := os.ReadDir(cachePath)
	if err != nil {
		return "", nil, xerrors.Wrap(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	primary, aux, err := format.AssortFiles(names)
	if err != nil {
		return "", nil, err
	}
	auxPaths := make(map[string]string, len(aux))
	for role, name := range aux {
		auxPaths[role] = filepath.Join(cachePath, name)
	}
	return filepath.Join(cachePath, primary), auxPaths, nil
}

func dirModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
