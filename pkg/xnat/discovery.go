package xnat

import (
	"context"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/neurodata/synq/pkg/domain"
	"github.com/neurodata/synq/pkg/provenance"
	"github.com/neurodata/synq/pkg/utils/archive"
	"github.com/neurodata/synq/pkg/xerrors"
)

// Discovery is the outcome of one scan over a remote project: every fileset,
// field and provenance record that could be enumerated, plus the identities
// that failed.
type Discovery struct {
	Filesets []domain.Fileset
	Fields   []domain.Field
	Records  []*provenance.Record

	// Failures of individual sessions/subjects. A failed identity never
	// aborts its siblings.
	Failures []ScanFailure
}

// ScanFailure names one identity whose enumeration failed.
type ScanFailure struct {
	Identity string
	Err      error
}

func (f ScanFailure) Error() string {
	return fmt.Sprintf("scanning %s: %s", f.Identity, f.Err)
}

// FindData walks the project hierarchy of ds and enumerates all filesets,
// fields and provenance records.
//
// Traversal: per-study fields and resources first, then one pass over all
// sessions (also accumulating the distinct subject identifiers encountered),
// then one pass over those subjects for per-subject fields and resources.
// Sessions whose label does not match the configured session filter are
// skipped before their metadata is fetched.
//
// Failures of one session or subject are collected into Discovery.Failures
// and do not abort the scan; only a failure at project scope is fatal.
func (r *Repository) FindData(ctx context.Context, ds domain.Dataset) (*Discovery, error) {
	out := &Discovery{}
	err := r.withSession(ctx, func(sess Session) error {
		s := &scan{r: r, sess: sess, ds: ds, out: out}
		return s.run(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type scan struct {
	r    *Repository
	sess Session
	ds   domain.Dataset
	out  *Discovery
}

func (s *scan) fail(identity string, err error) {
	s.r.logger.Printf("skipping %s: %s", identity, err)
	s.out.Failures = append(s.out.Failures, ScanFailure{Identity: identity, Err: err})
}

func (s *scan) run(ctx context.Context) error {
	project := s.ds.Name

	node, err := getNode(ctx, s.sess, projectURI(s.ds))
	if err != nil {
		return xerrors.WrapWithNote(fmt.Sprintf("fetching project %s", project), err)
	}
	s.findFields(node, domain.PerStudy, "", "")
	if err := s.findDerived(ctx, node, projectURI(s.ds), domain.PerStudy, "", ""); err != nil {
		s.fail("project "+project+" resources", err)
	}

	subjectLabels, err := s.subjectLabels(ctx)
	if err != nil {
		return xerrors.WrapWithNote(fmt.Sprintf("listing subjects of %s", project), err)
	}
	sessions, err := s.sessionRows(ctx)
	if err != nil {
		return xerrors.WrapWithNote(fmt.Sprintf("listing sessions of %s", project), err)
	}

	s.r.logger.Printf("scanning %d sessions in project %s", len(sessions), project)
	subjectXIDs := map[string]bool{}
	for _, row := range sessions {
		if err := s.session(ctx, row, subjectLabels, subjectXIDs); err != nil {
			s.fail("session "+row.Label, err)
		}
	}

	for _, xid := range sortedKeys(subjectXIDs) {
		label, ok := subjectLabels[xid]
		if !ok {
			s.fail("subject "+xid, fmt.Errorf("%w: subject not listed in project", ErrNotFound))
			continue
		}
		if err := s.subject(ctx, xid, label); err != nil {
			s.fail("subject "+label, err)
		}
	}
	return nil
}

// subjectLabels maps internal subject IDs onto subject labels.
func (s *scan) subjectLabels(ctx context.Context) (map[string]string, error) {
	rs := resultSet{}
	if err := s.sess.GetJSON(ctx, "/data/projects/"+s.ds.Name+"/subjects", &rs); err != nil {
		return nil, err
	}
	labels := map[string]string{}
	for _, row := range rs.ResultSet.Result {
		labels[row.ID] = row.Label
	}
	return labels, nil
}

// sessionRows lists the project's sessions, filtered by label before any
// per-session metadata is fetched.
func (s *scan) sessionRows(ctx context.Context) ([]ResultRow, error) {
	rs := resultSet{}
	if err := s.sess.GetJSON(ctx, "/data/projects/"+s.ds.Name+"/experiments", &rs); err != nil {
		return nil, err
	}
	rows := make([]ResultRow, 0, len(rs.ResultSet.Result))
	for _, row := range rs.ResultSet.Result {
		if s.r.sessionFilter != nil && !s.r.sessionFilter.MatchString(row.Label) {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *scan) session(
	ctx context.Context,
	row ResultRow,
	subjectLabels map[string]string,
	subjectXIDs map[string]bool,
) error {
	node, err := getNode(ctx, s.sess, "/data/projects/"+s.ds.Name+"/experiments/"+row.ID)
	if err != nil {
		return err
	}
	subjectXID := node.DataField("subject_ID")
	if subjectXID == "" {
		return fmt.Errorf("session %s carries no subject identifier", row.ID)
	}
	subjectXIDs[subjectXID] = true

	subjectLabel, ok := subjectLabels[subjectXID]
	if !ok {
		return fmt.Errorf("%w: subject %s of session %s", ErrNotFound, subjectXID, row.ID)
	}
	sessionLabel := node.DataField("label")
	visitID := domain.StripSubjectPrefix(sessionLabel, subjectLabel)
	subjectID := domain.StripProjectPrefix(subjectLabel, s.ds.Name)

	uri := projectURI(s.ds) + "/subjects/" + subjectXID + "/experiments/" + row.ID
	s.findScans(node, uri, subjectID, visitID)
	s.findFields(node, domain.PerSession, subjectID, visitID)
	return s.findDerived(ctx, node, uri, domain.PerSession, subjectID, visitID)
}

func (s *scan) subject(ctx context.Context, xid string, label string) error {
	uri := projectURI(s.ds) + "/subjects/" + xid
	node, err := getNode(ctx, s.sess, uri)
	if err != nil {
		return err
	}
	subjectID := domain.StripProjectPrefix(label, s.ds.Name)
	s.findFields(node, domain.PerSubject, subjectID, "")
	return s.findDerived(ctx, node, uri, domain.PerSubject, subjectID, "")
}

// findFields emits the fields of a node. Every field appears once under its
// verbatim name; names carrying an "<analysis>-<name>" prefix are emitted a
// second time under the bare name with the owning analysis attached, so a
// consumer can address the field by either identity.
func (s *scan) findFields(node Node, freq domain.Frequency, subjectID string, visitID string) {
	for _, item := range node.Items("fields/field") {
		raw, ok := item.DataFields["field"]
		if !ok {
			continue
		}
		value := domain.ParseValue(html.UnescapeString(fmt.Sprint(raw)))
		name := item.DataField("name")

		s.out.Fields = append(s.out.Fields, domain.Field{
			Name:      name,
			Frequency: freq,
			SubjectID: subjectID,
			VisitID:   visitID,
			Value:     value,
		})
		if analysis, bare, ok := strings.Cut(name, "-"); ok {
			s.out.Fields = append(s.out.Fields, domain.Field{
				Name:         bare,
				Frequency:    freq,
				SubjectID:    subjectID,
				VisitID:      visitID,
				FromAnalysis: analysis,
				Value:        value,
			})
		}
	}
}

// findScans emits one fileset per (scan, resource) of a session node. The
// auto-generated snapshots resource is skipped.
func (s *scan) findScans(node Node, sessionURI string, subjectID string, visitID string) {
	for _, scanNode := range node.Items("scans/scan") {
		id := scanNode.DataField("ID")
		scanType := scanNode.DataField("type")
		quality := scanNode.DataField("quality")
		uri := sessionURI + "/scans/" + id

		for _, res := range scanNode.Items("file") {
			label := res.DataField("label")
			if label == snapshotsResource {
				continue
			}
			s.out.Filesets = append(s.out.Filesets, domain.Fileset{
				Name:         scanType,
				Frequency:    domain.PerSession,
				SubjectID:    subjectID,
				VisitID:      visitID,
				Quality:      quality,
				ID:           id,
				URI:          uri,
				ResourceName: label,
			})
		}
	}
}

// findDerived emits the derived resources attached directly to a node. The
// reserved provenance resource is unpacked into records instead of a fileset.
func (s *scan) findDerived(
	ctx context.Context,
	node Node,
	nodeURI string,
	freq domain.Frequency,
	subjectID string,
	visitID string,
) error {
	for _, res := range node.Items("resources/resource") {
		label := res.DataField("label")
		uri := nodeURI + "/resources/" + label

		name := label
		fromAnalysis := ""
		if analysis, rest, ok := strings.Cut(label, "-"); ok {
			fromAnalysis = analysis
			name = rest
		}

		if name != ProvResource {
			s.out.Filesets = append(s.out.Filesets, domain.Fileset{
				Name:         name,
				Frequency:    freq,
				SubjectID:    subjectID,
				VisitID:      visitID,
				FromAnalysis: fromAnalysis,
				URI:          uri,
			})
			continue
		}

		records, err := s.fetchRecords(ctx, uri, freq, subjectID, visitID, fromAnalysis)
		if err != nil {
			return xerrors.WrapWithNote(fmt.Sprintf("unpacking provenance bundle %s", uri), err)
		}
		s.out.Records = append(s.out.Records, records...)
	}
	return nil
}

// fetchRecords downloads the provenance bundle at uri and parses each
// contained JSON file into a record keyed by file name minus extension.
func (s *scan) fetchRecords(
	ctx context.Context,
	uri string,
	freq domain.Frequency,
	subjectID string,
	visitID string,
	owner string,
) ([]*provenance.Record, error) {
	tmp, err := os.MkdirTemp("", "synq-prov-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)

	zipPath := filepath.Join(tmp, "bundle.zip")
	dest, err := os.Create(zipPath)
	if err != nil {
		return nil, err
	}
	if err := s.sess.Download(ctx, uri+"/files", dest); err != nil {
		dest.Close()
		return nil, err
	}
	if err := dest.Close(); err != nil {
		return nil, err
	}

	expanded := filepath.Join(tmp, "expanded")
	if err := archive.ExtractZip(zipPath, expanded, nil); err != nil {
		return nil, err
	}

	records := []*provenance.Record{}
	err = filepath.WalkDir(expanded, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		pipeline := strings.TrimSuffix(d.Name(), ".json")
		rec, err := provenance.Load(pipeline, freq, subjectID, visitID, owner, path)
		if err != nil {
			return err
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
