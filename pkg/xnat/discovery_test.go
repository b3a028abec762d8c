package xnat_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/neurodata/synq/pkg/cache"
	"github.com/neurodata/synq/pkg/domain"
	"github.com/neurodata/synq/pkg/utils/try"
	"github.com/neurodata/synq/pkg/xnat"
)

// fixtureProject serves a small project over HTTP: subjects S1 and S2, each
// with visits V1 and V2, per-subject fields, per-session fields, one scan
// with two resources, a derived resource and a provenance bundle.
func fixtureProject(t *testing.T) *httptest.Server {
	t.Helper()

	node := func(dataFields map[string]any, children ...xnat.Child) xnat.Node {
		return xnat.Node{DataFields: dataFields, Children: children}
	}
	fieldItems := func(nameValue ...string) xnat.Child {
		items := []xnat.Node{}
		for i := 0; i+1 < len(nameValue); i += 2 {
			items = append(items, node(map[string]any{
				"name": nameValue[i], "field": nameValue[i+1],
			}))
		}
		return xnat.Child{Field: "fields/field", Items: items}
	}
	document := func(n xnat.Node) map[string]any {
		return map[string]any{"items": []xnat.Node{n}}
	}
	rows := func(result ...map[string]any) map[string]any {
		return map[string]any{
			"ResultSet": map[string]any{"Result": result},
		}
	}
	serveJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(v); err != nil {
			t.Error(err)
		}
	}

	sessions := map[string]xnat.Node{
		// S1_V1: field a=1, one scan, a derived resource and a provenance
		// bundle.
		"XNAT_E01": node(
			map[string]any{"ID": "XNAT_E01", "label": "PRJ_S1_V1", "subject_ID": "XNAT_S01"},
			fieldItems("a", "1"),
			xnat.Child{Field: "scans/scan", Items: []xnat.Node{
				node(
					map[string]any{"ID": "7", "type": "t1", "quality": "usable"},
					xnat.Child{Field: "file", Items: []xnat.Node{
						node(map[string]any{"label": "DICOM"}),
						node(map[string]any{"label": "NIFTI"}),
						node(map[string]any{"label": "SNAPSHOTS"}),
					}},
				),
			}},
			xnat.Child{Field: "resources/resource", Items: []xnat.Node{
				node(map[string]any{"label": "seg-wm_mask"}),
				node(map[string]any{"label": "PROV__"}),
			}},
		),
		// S1_V2: fields a=2 and c="van" (HTML-escaped quoted string).
		"XNAT_E02": node(
			map[string]any{"ID": "XNAT_E02", "label": "PRJ_S1_V2", "subject_ID": "XNAT_S01"},
			fieldItems("a", "2", "c", "&quot;van&quot;"),
		),
		"XNAT_E03": node(
			map[string]any{"ID": "XNAT_E03", "label": "PRJ_S2_V1", "subject_ID": "XNAT_S02"},
			fieldItems("a", "3"),
		),
		"XNAT_E04": node(
			map[string]any{"ID": "XNAT_E04", "label": "PRJ_S2_V2", "subject_ID": "XNAT_S02"},
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /data/JSESSION", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fixture-session-token"))
	})
	mux.HandleFunc("DELETE /data/JSESSION", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /data/archive/projects/PRJ", func(w http.ResponseWriter, r *http.Request) {
		serveJSON(w, document(node(
			map[string]any{"ID": "PRJ"},
			fieldItems("seg-meanval", "3"),
		)))
	})
	mux.HandleFunc("GET /data/projects/PRJ/subjects", func(w http.ResponseWriter, r *http.Request) {
		serveJSON(w, rows(
			map[string]any{"ID": "XNAT_S01", "label": "PRJ_S1"},
			map[string]any{"ID": "XNAT_S02", "label": "PRJ_S2"},
		))
	})
	mux.HandleFunc("GET /data/projects/PRJ/experiments", func(w http.ResponseWriter, r *http.Request) {
		serveJSON(w, rows(
			map[string]any{"ID": "XNAT_E01", "label": "PRJ_S1_V1"},
			map[string]any{"ID": "XNAT_E02", "label": "PRJ_S1_V2"},
			map[string]any{"ID": "XNAT_E03", "label": "PRJ_S2_V1"},
			map[string]any{"ID": "XNAT_E04", "label": "PRJ_S2_V2"},
		))
	})
	mux.HandleFunc("GET /data/projects/PRJ/experiments/{xid}", func(w http.ResponseWriter, r *http.Request) {
		n, ok := sessions[r.PathValue("xid")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		serveJSON(w, document(n))
	})
	mux.HandleFunc("GET /data/archive/projects/PRJ/subjects/XNAT_S01", func(w http.ResponseWriter, r *http.Request) {
		serveJSON(w, document(node(
			map[string]any{"ID": "XNAT_S01", "label": "PRJ_S1"},
			fieldItems("e", "4.44444"),
		)))
	})
	mux.HandleFunc("GET /data/archive/projects/PRJ/subjects/XNAT_S02", func(w http.ResponseWriter, r *http.Request) {
		serveJSON(w, document(node(
			map[string]any{"ID": "XNAT_S02", "label": "PRJ_S2"},
			fieldItems("e", "3.33333"),
		)))
	})
	mux.HandleFunc(
		"GET /data/archive/projects/PRJ/subjects/XNAT_S01/experiments/XNAT_E01/resources/PROV__/files",
		func(w http.ResponseWriter, r *http.Request) {
			buf := bytes.Buffer{}
			zw := zip.NewWriter(&buf)
			f, err := zw.Create("coreg.json")
			if err != nil {
				t.Error(err)
			}
			f.Write([]byte(`{
				"inputs": {"t1": "abc123"},
				"outputs": {"warped": "def456"},
				"datetime": "2020-01-02T03:04:05Z"
			}`))
			if err := zw.Close(); err != nil {
				t.Error(err)
			}
			w.Header().Set("Content-Type", "application/zip")
			w.Write(buf.Bytes())
		},
	)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func fixtureRepository(t *testing.T, server *httptest.Server, options ...xnat.RepositoryOption) *xnat.Repository {
	t.Helper()
	store := try.To(cache.New(t.TempDir())).OrFatal(t)
	api := xnat.NewClient(server.URL, xnat.WithCredentials("tester", "secret"))
	return xnat.NewRepository(api, store, options...)
}

func findFields(fields []domain.Field, pred func(domain.Field) bool) []domain.Field {
	found := []domain.Field{}
	for _, f := range fields {
		if pred(f) {
			found = append(found, f)
		}
	}
	return found
}

func TestFindData(t *testing.T) {
	ctx := context.Background()
	ds := domain.Dataset{Name: "PRJ"}

	t.Run("a full scan enumerates the whole project", func(t *testing.T) {
		server := fixtureProject(t)
		repo := fixtureRepository(t, server)

		found := try.To(repo.FindData(ctx, ds)).OrFatal(t)
		if len(found.Failures) != 0 {
			t.Fatalf("scan reported failures: %v", found.Failures)
		}

		t.Run("exactly one per-subject field per subject, with its value", func(t *testing.T) {
			for _, want := range []struct {
				subject string
				value   float64
			}{
				{subject: "S1", value: 4.44444},
				{subject: "S2", value: 3.33333},
			} {
				got := findFields(found.Fields, func(f domain.Field) bool {
					return f.Frequency == domain.PerSubject &&
						f.Name == "e" && f.SubjectID == want.subject
				})
				if len(got) != 1 {
					t.Fatalf("field e of subject %s found %d times", want.subject, len(got))
				}
				if got[0].Value != want.value {
					t.Errorf("e of %s = %v, expected %v", want.subject, got[0].Value, want.value)
				}
				if got[0].VisitID != "" {
					t.Errorf("per-subject field carries visit %q", got[0].VisitID)
				}
			}
		})

		t.Run("per-session fields are keyed by (subject, visit)", func(t *testing.T) {
			for _, want := range []struct {
				subject string
				visit   string
				name    string
				value   any
			}{
				{subject: "S1", visit: "V1", name: "a", value: 1},
				{subject: "S1", visit: "V2", name: "a", value: 2},
				{subject: "S1", visit: "V2", name: "c", value: "van"},
				{subject: "S2", visit: "V1", name: "a", value: 3},
			} {
				got := findFields(found.Fields, func(f domain.Field) bool {
					return f.Frequency == domain.PerSession &&
						f.Name == want.name &&
						f.SubjectID == want.subject && f.VisitID == want.visit
				})
				if len(got) != 1 {
					t.Fatalf(
						"field %s of %s/%s found %d times",
						want.name, want.subject, want.visit, len(got),
					)
				}
				if got[0].Value != want.value {
					t.Errorf(
						"%s of %s/%s = %v (%T), expected %v",
						want.name, want.subject, want.visit,
						got[0].Value, got[0].Value, want.value,
					)
				}
			}
		})

		t.Run("prefixed fields are emitted under both identities", func(t *testing.T) {
			verbatim := findFields(found.Fields, func(f domain.Field) bool {
				return f.Name == "seg-meanval" && f.FromAnalysis == ""
			})
			qualified := findFields(found.Fields, func(f domain.Field) bool {
				return f.Name == "meanval" && f.FromAnalysis == "seg"
			})
			if len(verbatim) != 1 || len(qualified) != 1 {
				t.Errorf(
					"dual emission broken: verbatim=%d qualified=%d",
					len(verbatim), len(qualified),
				)
			}
		})

		t.Run("scans become filesets per resource, skipping snapshots", func(t *testing.T) {
			scans := []domain.Fileset{}
			for _, f := range found.Filesets {
				if f.ID == "7" {
					scans = append(scans, f)
				}
			}
			if len(scans) != 2 {
				t.Fatalf("scan 7 yielded %d filesets: %v", len(scans), scans)
			}
			for _, f := range scans {
				if f.Name != "t1" || f.Quality != "usable" {
					t.Errorf("unexpected scan fileset: %+v", f)
				}
				if f.ResourceName == "SNAPSHOTS" {
					t.Error("snapshots resource was not skipped")
				}
			}
		})

		t.Run("derived resources carry their owning analysis", func(t *testing.T) {
			derived := []domain.Fileset{}
			for _, f := range found.Filesets {
				if f.Derived() {
					derived = append(derived, f)
				}
			}
			if len(derived) != 1 {
				t.Fatalf("found %d derived filesets: %v", len(derived), derived)
			}
			if derived[0].Name != "wm_mask" || derived[0].FromAnalysis != "seg" {
				t.Errorf("derived fileset = %+v", derived[0])
			}
		})

		t.Run("the provenance bundle unpacks into records", func(t *testing.T) {
			if len(found.Records) != 1 {
				t.Fatalf("found %d records", len(found.Records))
			}
			rec := found.Records[0]
			if rec.Pipeline() != "coreg" {
				t.Errorf("pipeline = %s", rec.Pipeline())
			}
			if rec.SubjectID() != "S1" || rec.VisitID() != "V1" {
				t.Errorf("record scope = %s/%s", rec.SubjectID(), rec.VisitID())
			}
			if rec.Datetime() != "2020-01-02T03:04:05Z" {
				t.Errorf("datetime = %s", rec.Datetime())
			}
		})
	})

	t.Run("the session filter bounds the scan", func(t *testing.T) {
		server := fixtureProject(t)
		repo := fixtureRepository(
			t, server,
			xnat.WithSessionFilter(regexp.MustCompile(`^PRJ_S1_`)),
		)

		found := try.To(repo.FindData(ctx, ds)).OrFatal(t)
		if len(found.Failures) != 0 {
			t.Fatalf("scan reported failures: %v", found.Failures)
		}

		if got := findFields(found.Fields, func(f domain.Field) bool {
			return f.Frequency == domain.PerSession && f.SubjectID == "S2"
		}); len(got) != 0 {
			t.Errorf("filtered-out sessions leaked fields: %v", got)
		}
		// per-subject pass only covers subjects seen through admitted
		// sessions.
		if got := findFields(found.Fields, func(f domain.Field) bool {
			return f.Frequency == domain.PerSubject && f.SubjectID == "S2"
		}); len(got) != 0 {
			t.Errorf("subject S2 was scanned despite the filter: %v", got)
		}
		if got := findFields(found.Fields, func(f domain.Field) bool {
			return f.Frequency == domain.PerSubject && f.SubjectID == "S1"
		}); len(got) != 1 {
			t.Errorf("subject S1 fields = %v", got)
		}
	})

	t.Run("one failing session does not abort its siblings", func(t *testing.T) {
		server := fixtureProject(t)

		// E99 is listed but has no detail document.
		brokenList := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet && r.URL.Path == "/data/projects/PRJ/experiments" {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(map[string]any{
					"ResultSet": map[string]any{"Result": []map[string]any{
						{"ID": "XNAT_E99", "label": "PRJ_S9_V9"},
						{"ID": "XNAT_E01", "label": "PRJ_S1_V1"},
					}},
				})
				return
			}
			server.Config.Handler.ServeHTTP(w, r)
		}))
		t.Cleanup(brokenList.Close)

		repo := fixtureRepository(t, brokenList)
		found := try.To(repo.FindData(ctx, ds)).OrFatal(t)

		if len(found.Failures) != 1 {
			t.Fatalf("failures = %v", found.Failures)
		}
		if found.Failures[0].Identity != "session PRJ_S9_V9" {
			t.Errorf("failed identity = %s", found.Failures[0].Identity)
		}
		if got := findFields(found.Fields, func(f domain.Field) bool {
			return f.Frequency == domain.PerSession &&
				f.Name == "a" && f.SubjectID == "S1" && f.VisitID == "V1"
		}); len(got) != 1 {
			t.Errorf("sibling session was not scanned: %v", got)
		}
	})
}
