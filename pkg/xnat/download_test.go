package xnat_test

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neurodata/synq/pkg/cache"
	"github.com/neurodata/synq/pkg/domain"
	"github.com/neurodata/synq/pkg/utils/try"
	"github.com/neurodata/synq/pkg/xnat"
)

var niftiFormat = &domain.Format{Name: "nifti", Extension: ".nii"}

func scanFixture() domain.Fileset {
	return domain.Fileset{
		Name: "t1", Frequency: domain.PerSession,
		SubjectID: "S1", VisitID: "V1",
		ID:           "7",
		URI:          "/data/archive/projects/PRJ/subjects/XNAT_S01/experiments/XNAT_E01/scans/7",
		ResourceName: "NIFTI",
		Format:       niftiFormat,
	}
}

// scanServer serves the checksum listing and the zip bundle of scanFixture.
// downloads counts how often the bundle was actually streamed.
func scanServer(t *testing.T, content string, downloads *atomic.Int32) *httptest.Server {
	t.Helper()
	digest := md5.Sum([]byte(content))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /data/JSESSION", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("scan-session-token"))
	})
	mux.HandleFunc("DELETE /data/JSESSION", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(
		"GET /data/archive/projects/PRJ/subjects/XNAT_S01/experiments/XNAT_E01/scans/7/files",
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"ResultSet": map[string]any{"Result": []map[string]any{
					{"Name": "image.nii", "digest": hex.EncodeToString(digest[:])},
				}},
			})
		},
	)
	mux.HandleFunc(
		"GET /data/archive/projects/PRJ/subjects/XNAT_S01/experiments/XNAT_E01/scans/7/resources/NIFTI/files",
		func(w http.ResponseWriter, r *http.Request) {
			downloads.Add(1)
			buf := bytes.Buffer{}
			zw := zip.NewWriter(&buf)
			f, err := zw.Create("S1_V1/scans/7-t1/resources/NIFTI/files/image.nii")
			if err != nil {
				t.Error(err)
			}
			f.Write([]byte(content))
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

func TestGetFileset(t *testing.T) {
	ctx := context.Background()
	ds := domain.Dataset{Name: "PRJ"}

	t.Run("the winner downloads, extracts and leaves a valid entry", func(t *testing.T) {
		downloads := atomic.Int32{}
		server := scanServer(t, "voxels", &downloads)
		store := try.To(cache.New(t.TempDir())).OrFatal(t)
		repo := xnat.NewRepository(xnat.NewClient(server.URL), store)

		f := scanFixture()
		primary, aux, err := repo.GetFileset(ctx, ds, f)
		if err != nil {
			t.Fatal(err)
		}

		if filepath.Base(primary) != "image.nii" {
			t.Errorf("primary = %s", primary)
		}
		if len(aux) != 0 {
			t.Errorf("aux = %v", aux)
		}
		got := try.To(os.ReadFile(primary)).OrFatal(t)
		if string(got) != "voxels" {
			t.Errorf("content = %q", got)
		}

		cachePath := store.FilesetPath(ds, f)
		sums := try.To(cache.ReadSidecar(cachePath)).OrFatal(t)
		if !store.IsValid(cachePath, sums) {
			t.Error("freshly downloaded entry should validate against its sidecar")
		}
		if _, err := os.Stat(cachePath + ".download"); !os.IsNotExist(err) {
			t.Error("staging directory survived a successful download")
		}
		if n := downloads.Load(); n != 1 {
			t.Errorf("bundle was streamed %d times", n)
		}
	})

	t.Run("a valid cache entry short-circuits the download", func(t *testing.T) {
		downloads := atomic.Int32{}
		server := scanServer(t, "voxels", &downloads)
		store := try.To(cache.New(t.TempDir())).OrFatal(t)
		repo := xnat.NewRepository(xnat.NewClient(server.URL), store)

		f := scanFixture()
		if _, _, err := repo.GetFileset(ctx, ds, f); err != nil {
			t.Fatal(err)
		}
		if _, _, err := repo.GetFileset(ctx, ds, f); err != nil {
			t.Fatal(err)
		}
		if n := downloads.Load(); n != 1 {
			t.Errorf("bundle was streamed %d times; the second call should hit the cache", n)
		}
	})

	t.Run("with digest checking off, an existing entry needs no network at all", func(t *testing.T) {
		store := try.To(cache.New(t.TempDir())).OrFatal(t)
		f := scanFixture()
		cachePath := store.FilesetPath(ds, f)
		if err := os.MkdirAll(cachePath, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(cachePath, "image.nii"), []byte("old"), 0o644); err != nil {
			t.Fatal(err)
		}

		repo := xnat.NewRepository(
			connectExploder{t}, store,
			xnat.WithoutDigestCheck(),
		)
		primary, _, err := repo.GetFileset(ctx, ds, f)
		if err != nil {
			t.Fatal(err)
		}
		if filepath.Base(primary) != "image.nii" {
			t.Errorf("primary = %s", primary)
		}
	})

	t.Run("a stale staging directory is reclaimed exactly once", func(t *testing.T) {
		downloads := atomic.Int32{}
		server := scanServer(t, "voxels", &downloads)
		store := try.To(cache.New(t.TempDir())).OrFatal(t)
		repo := xnat.NewRepository(
			xnat.NewClient(server.URL), store,
			xnat.WithRaceDelay(80*time.Millisecond),
		)

		f := scanFixture()
		cachePath := store.FilesetPath(ds, f)
		staging := cachePath + ".download"
		if err := os.MkdirAll(staging, 0o755); err != nil {
			t.Fatal(err)
		}
		// An abandoned claim: no modification for longer than one window.
		old := time.Now().Add(-time.Hour)
		if err := os.Chtimes(staging, old, old); err != nil {
			t.Fatal(err)
		}

		primary, _, err := repo.GetFileset(ctx, ds, f)
		if err != nil {
			t.Fatal(err)
		}
		got := try.To(os.ReadFile(primary)).OrFatal(t)
		if string(got) != "voxels" {
			t.Errorf("content = %q", got)
		}
		if n := downloads.Load(); n != 1 {
			t.Errorf("reclaim should re-attempt the download exactly once, streamed %d times", n)
		}
		if _, err := os.Stat(staging); !os.IsNotExist(err) {
			t.Error("reclaimed staging directory survived")
		}
	})

	t.Run("a waiting process adopts the result of the winner", func(t *testing.T) {
		downloads := atomic.Int32{}
		server := scanServer(t, "voxels", &downloads)
		store := try.To(cache.New(t.TempDir())).OrFatal(t)
		repo := xnat.NewRepository(
			xnat.NewClient(server.URL), store,
			xnat.WithRaceDelay(300*time.Millisecond),
		)

		f := scanFixture()
		cachePath := store.FilesetPath(ds, f)
		staging := cachePath + ".download"
		if err := os.MkdirAll(staging, 0o755); err != nil {
			t.Fatal(err)
		}

		// Simulate the winner: populate the cache path and drop the claim
		// while the coordinator is waiting.
		go func() {
			time.Sleep(60 * time.Millisecond)
			os.MkdirAll(cachePath, 0o755)
			os.WriteFile(filepath.Join(cachePath, "image.nii"), []byte("peer voxels"), 0o644)
			if sums, err := cache.Checksums(cachePath, f.Format); err == nil {
				cache.WriteSidecar(cachePath, sums)
			}
			os.RemoveAll(staging)
		}()

		primary, _, err := repo.GetFileset(ctx, ds, f)
		if err != nil {
			t.Fatal(err)
		}
		got := try.To(os.ReadFile(primary)).OrFatal(t)
		if string(got) != "peer voxels" {
			t.Errorf("content = %q", got)
		}
		if n := downloads.Load(); n != 0 {
			t.Errorf("the waiter should not download; bundle streamed %d times", n)
		}
	})

	t.Run("a claim being actively written is never reclaimed", func(t *testing.T) {
		downloads := atomic.Int32{}
		server := scanServer(t, "voxels", &downloads)
		store := try.To(cache.New(t.TempDir())).OrFatal(t)
		repo := xnat.NewRepository(
			xnat.NewClient(server.URL), store,
			xnat.WithRaceDelay(250*time.Millisecond),
		)

		f := scanFixture()
		cachePath := store.FilesetPath(ds, f)
		staging := cachePath + ".download"
		if err := os.MkdirAll(staging, 0o755); err != nil {
			t.Fatal(err)
		}
		zipPath := filepath.Join(staging, "download.zip")
		if err := os.WriteFile(zipPath, []byte("partial"), 0o644); err != nil {
			t.Fatal(err)
		}

		// Simulate a slow winner: keep appending to the partial bundle well
		// past one polling window. Writes into an existing file leave the
		// directory's mtime alone, so only the events betray the progress.
		go func() {
			for i := 0; i < 10; i++ {
				time.Sleep(40 * time.Millisecond)
				if w, err := os.OpenFile(zipPath, os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
					w.Write([]byte("chunk"))
					w.Close()
				}
			}
			os.MkdirAll(cachePath, 0o755)
			os.WriteFile(filepath.Join(cachePath, "image.nii"), []byte("peer voxels"), 0o644)
			if sums, err := cache.Checksums(cachePath, f.Format); err == nil {
				cache.WriteSidecar(cachePath, sums)
			}
			os.RemoveAll(staging)
		}()

		primary, _, err := repo.GetFileset(ctx, ds, f)
		if err != nil {
			t.Fatal(err)
		}
		got := try.To(os.ReadFile(primary)).OrFatal(t)
		if string(got) != "peer voxels" {
			t.Errorf("content = %q; the live claim was taken over", got)
		}
		if n := downloads.Load(); n != 0 {
			t.Errorf("the waiter should not download; bundle streamed %d times", n)
		}
	})

	t.Run("an unexpandable bundle fails with CorruptDownloadError", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("POST /data/JSESSION", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("tok"))
		})
		mux.HandleFunc("DELETE /data/JSESSION", func(w http.ResponseWriter, r *http.Request) {})
		mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("format") == "zip" {
				w.Write([]byte("this is not a zip archive"))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"ResultSet": map[string]any{"Result": []map[string]any{
					{"Name": "image.nii", "digest": "0123"},
				}},
			})
		})
		server := httptest.NewServer(mux)
		t.Cleanup(server.Close)

		store := try.To(cache.New(t.TempDir())).OrFatal(t)
		repo := xnat.NewRepository(xnat.NewClient(server.URL), store)

		_, _, err := repo.GetFileset(ctx, ds, scanFixture())
		corrupt := new(xnat.CorruptDownloadError)
		if !errors.As(err, &corrupt) {
			t.Fatalf("expected CorruptDownloadError, got %v", err)
		}
		if corrupt.Resource != "7" {
			t.Errorf("error names resource %q", corrupt.Resource)
		}
	})

	t.Run("a descriptor without a format is a usage error", func(t *testing.T) {
		store := try.To(cache.New(t.TempDir())).OrFatal(t)
		repo := xnat.NewRepository(connectExploder{t}, store)

		f := scanFixture()
		f.Format = nil
		_, _, err := repo.GetFileset(ctx, ds, f)
		if !errors.Is(err, xnat.ErrUsage) {
			t.Errorf("expected ErrUsage, got %v", err)
		}
	})
}

// connectExploder fails the test on any connection attempt.
type connectExploder struct {
	t *testing.T
}

func (e connectExploder) Connect(context.Context) (xnat.Session, error) {
	e.t.Error("the repository connected although no network access was expected")
	return nil, context.Canceled
}
