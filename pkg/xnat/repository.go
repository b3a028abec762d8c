package xnat

import (
	"context"
	"fmt"
	"html"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/neurodata/synq/pkg/cache"
	"github.com/neurodata/synq/pkg/domain"
	"github.com/neurodata/synq/pkg/provenance"
	"github.com/neurodata/synq/pkg/xerrors"
)

// ProvResource is the reserved resource label holding a session's provenance
// bundle: a zip of one JSON record per pipeline.
const ProvResource = "PROV__"

// snapshotsResource is the auto-generated preview resource of a scan; it is
// never data and is skipped during discovery.
const snapshotsResource = "SNAPSHOTS"

const defaultRaceDelay = 30 * time.Second

// Repository materializes remote items into a local cache.
//
// Each operation acquires its own Session and releases it on every exit
// path; no connection state outlives an operation.
type Repository struct {
	api           API
	store         *cache.Store
	sessionFilter *regexp.Regexp
	raceDelay     time.Duration
	verifyDigests bool
	logger        *log.Logger
}

type RepositoryOption func(*Repository)

// WithSessionFilter bounds discovery to sessions whose label matches re.
//
// The filter must still admit every session referenced by any subject or
// visit the caller aggregates over; otherwise per-subject and per-visit items
// silently miss data. That is the caller's responsibility, not validated here.
func WithSessionFilter(re *regexp.Regexp) RepositoryOption {
	return func(r *Repository) {
		r.sessionFilter = re
	}
}

// WithRaceDelay sets the polling window of the concurrent-download protocol.
func WithRaceDelay(d time.Duration) RepositoryOption {
	return func(r *Repository) {
		r.raceDelay = d
	}
}

// WithoutDigestCheck makes cache hits trust existence alone, skipping the
// remote checksum comparison.
func WithoutDigestCheck() RepositoryOption {
	return func(r *Repository) {
		r.verifyDigests = false
	}
}

func WithLogger(l *log.Logger) RepositoryOption {
	return func(r *Repository) {
		r.logger = l
	}
}

func NewRepository(api API, store *cache.Store, options ...RepositoryOption) *Repository {
	r := &Repository{
		api:           api,
		store:         store,
		raceDelay:     defaultRaceDelay,
		verifyDigests: true,
		logger:        log.New(io.Discard, "", log.LstdFlags),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

func (r *Repository) Store() *cache.Store {
	return r.store
}

// withSession scopes a Session to one operation: acquired on entry, released
// on every exit path.
func (r *Repository) withSession(ctx context.Context, f func(Session) error) error {
	sess, err := r.api.Connect(ctx)
	if err != nil {
		return xerrors.WrapWithNote("acquiring remote session", err)
	}
	defer sess.Close()
	return f(sess)
}

func projectURI(ds domain.Dataset) string {
	return "/data/archive/projects/" + ds.Name
}

// sessionURI addresses the session of one (subject, visit) scope via its
// labels.
func sessionURI(ds domain.Dataset, subjectID string, visitID string) string {
	return projectURI(ds) +
		"/subjects/" + ds.SubjectLabel(subjectID) +
		"/experiments/" + ds.SessionLabel(subjectID, visitID)
}

// remoteFieldName is the name a field is stored under remotely: derived
// fields carry their analysis as an "<analysis>-<name>" prefix.
func remoteFieldName(f domain.Field) string {
	if f.Derived() {
		return f.FromAnalysis + "-" + f.Name
	}
	return f.Name
}

// GetField reads one field value from the session scope of f.
//
// # Returns
//
// - any: the parsed value (int, float64, string or []any).
//
// - error: ErrNotFound when the session has no such field.
func (r *Repository) GetField(ctx context.Context, ds domain.Dataset, f domain.Field) (any, error) {
	var value any
	err := r.withSession(ctx, func(sess Session) error {
		node, err := getNode(ctx, sess, sessionURI(ds, f.SubjectID, f.VisitID))
		if err != nil {
			return err
		}
		want := remoteFieldName(f)
		for _, item := range node.Items("fields/field") {
			if item.DataField("name") != want {
				continue
			}
			raw, ok := item.DataFields["field"]
			if !ok {
				continue
			}
			value = domain.ParseValue(html.UnescapeString(fmt.Sprint(raw)))
			return nil
		}
		return fmt.Errorf("%w: field %s of %s", ErrNotFound, want, f)
	})
	return value, err
}

// PutField writes the value of f onto its session scope, rendered into the
// remote's textual convention.
func (r *Repository) PutField(ctx context.Context, ds domain.Dataset, f domain.Field) error {
	return r.withSession(ctx, func(sess Session) error {
		return sess.PutField(
			ctx,
			sessionURI(ds, f.SubjectID, f.VisitID),
			remoteFieldName(f),
			domain.FormatValue(f.Value),
		)
	})
}

// GetChecksums fetches the remote digest listing of fileset f and remaps the
// primary file's key to the reserved "." for single-file-primary formats, so
// the mapping compares against locally computed sidecars.
func (r *Repository) GetChecksums(ctx context.Context, f domain.Fileset) (domain.Checksums, error) {
	if f.URI == "" {
		return nil, fmt.Errorf("%w: cannot list checksums of %s before its URI is resolved", ErrUsage, f)
	}
	var sums domain.Checksums
	err := r.withSession(ctx, func(sess Session) error {
		var ferr error
		sums, ferr = r.getChecksums(ctx, sess, f)
		return ferr
	})
	return sums, err
}

func (r *Repository) getChecksums(ctx context.Context, sess Session, f domain.Fileset) (domain.Checksums, error) {
	rs := resultSet{}
	if err := sess.GetJSON(ctx, f.URI+"/files", &rs); err != nil {
		return nil, err
	}
	sums := domain.Checksums{}
	for _, row := range rs.ResultSet.Result {
		sums[row.Name] = row.Digest
	}
	if f.Format != nil && !f.Format.Directory {
		names := make([]string, 0, len(sums))
		for name := range sums {
			names = append(names, name)
		}
		primary, _, err := f.Format.AssortFiles(names)
		if err != nil {
			return nil, err
		}
		sums[domain.PrimaryFileKey] = sums[primary]
		delete(sums, primary)
	}
	return sums, nil
}

// resourceLabel is the remote resource the files of f live in.
func resourceLabel(f domain.Fileset) string {
	if f.ResourceName != "" {
		return f.ResourceName
	}
	if f.Derived() {
		return f.FromAnalysis + "-" + f.Name
	}
	return f.Name
}

// PutFileset installs locally produced files as the content of f: into the
// cache (with a fresh sidecar) and uploaded into the remote resource.
//
// # Args
//
// - ds: dataset the item belongs to.
//
// - f: identity of the item. Format must be assigned.
//
// - sources: paths of the files making up the item.
//
// # Returns
//
// - string: the item's cache path.
func (r *Repository) PutFileset(ctx context.Context, ds domain.Dataset, f domain.Fileset, sources []string) (string, error) {
	if f.Format == nil {
		return "", fmt.Errorf("%w: format of %s must be set before it is uploaded", ErrUsage, f)
	}
	itemPath, _, err := r.store.Install(ds, f, sources)
	if err != nil {
		return "", xerrors.WrapWithNote(fmt.Sprintf("installing %s", f), err)
	}

	uri := sessionURI(ds, f.SubjectID, f.VisitID) + "/resources/" + resourceLabel(f)
	err = r.withSession(ctx, func(sess Session) error {
		return filepath.WalkDir(itemPath, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(itemPath, path)
			if err != nil {
				return err
			}
			src, err := os.Open(path)
			if err != nil {
				return err
			}
			defer src.Close()
			return sess.Upload(ctx, uri, filepath.ToSlash(rel), src)
		})
	})
	if err != nil {
		return "", xerrors.WrapWithNote(fmt.Sprintf("uploading %s", f), err)
	}
	return itemPath, nil
}

// PutRecord saves rec into the session's provenance directory in the cache
// and uploads it into the reserved provenance bundle resource.
func (r *Repository) PutRecord(ctx context.Context, ds domain.Dataset, rec *provenance.Record) error {
	dir := r.store.ProvenanceDir(ds, rec.SubjectID(), rec.VisitID())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Wrap(err)
	}
	path := filepath.Join(dir, rec.Pipeline()+".json")
	if err := rec.Save(path); err != nil {
		return err
	}

	uri := sessionURI(ds, rec.SubjectID(), rec.VisitID()) + "/resources/" + ProvResource
	return r.withSession(ctx, func(sess Session) error {
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		return sess.Upload(ctx, uri, rec.Pipeline()+".json", src)
	})
}
