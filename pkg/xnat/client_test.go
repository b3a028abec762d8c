package xnat_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/neurodata/synq/pkg/utils/try"
	"github.com/neurodata/synq/pkg/xnat"
)

func TestClient(t *testing.T) {
	ctx := context.Background()

	t.Run("transient server errors are retried until success", func(t *testing.T) {
		attempts := atomic.Int32{}
		mux := http.NewServeMux()
		mux.HandleFunc("POST /data/JSESSION", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("tok"))
		})
		mux.HandleFunc("DELETE /data/JSESSION", func(w http.ResponseWriter, r *http.Request) {})
		mux.HandleFunc("GET /data/ping", func(w http.ResponseWriter, r *http.Request) {
			if attempts.Add(1) < 3 {
				http.Error(w, "flaky", http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"ok": true})
		})
		server := httptest.NewServer(mux)
		t.Cleanup(server.Close)

		sess := try.To(xnat.NewClient(server.URL).Connect(ctx)).OrFatal(t)
		defer sess.Close()

		into := map[string]any{}
		if err := sess.GetJSON(ctx, "/data/ping", &into); err != nil {
			t.Fatal(err)
		}
		if into["ok"] != true {
			t.Errorf("decoded = %v", into)
		}
		if n := attempts.Load(); n != 3 {
			t.Errorf("request was attempted %d times", n)
		}
	})

	t.Run("absent documents fail fast with ErrNotFound", func(t *testing.T) {
		attempts := atomic.Int32{}
		mux := http.NewServeMux()
		mux.HandleFunc("POST /data/JSESSION", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("tok"))
		})
		mux.HandleFunc("DELETE /data/JSESSION", func(w http.ResponseWriter, r *http.Request) {})
		mux.HandleFunc("GET /data/nothing", func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			http.NotFound(w, r)
		})
		server := httptest.NewServer(mux)
		t.Cleanup(server.Close)

		sess := try.To(xnat.NewClient(server.URL).Connect(ctx)).OrFatal(t)
		defer sess.Close()

		err := sess.GetJSON(ctx, "/data/nothing", &map[string]any{})
		if !errors.Is(err, xnat.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if n := attempts.Load(); n != 1 {
			t.Errorf("a 404 was retried %d times", n)
		}
	})

	t.Run("an expiring token is refreshed before requests", func(t *testing.T) {
		logins := atomic.Int32{}
		issue := func() string {
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
				"sub": "tester",
				"exp": time.Now().Add(10 * time.Second).Unix(),
			}).SignedString([]byte("fixture-secret"))
			if err != nil {
				t.Fatal(err)
			}
			return token
		}

		mux := http.NewServeMux()
		mux.HandleFunc("POST /data/JSESSION", func(w http.ResponseWriter, r *http.Request) {
			logins.Add(1)
			w.Write([]byte(issue()))
		})
		mux.HandleFunc("DELETE /data/JSESSION", func(w http.ResponseWriter, r *http.Request) {})
		mux.HandleFunc("GET /data/ping", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"ok": true})
		})
		server := httptest.NewServer(mux)
		t.Cleanup(server.Close)

		sess := try.To(
			xnat.NewClient(server.URL, xnat.WithCredentials("tester", "secret")).Connect(ctx),
		).OrFatal(t)
		defer sess.Close()

		// The token expires within the refresh leeway, so each request
		// re-authenticates first.
		if err := sess.GetJSON(ctx, "/data/ping", &map[string]any{}); err != nil {
			t.Fatal(err)
		}
		if n := logins.Load(); n < 2 {
			t.Errorf("token about to expire was not refreshed (%d logins)", n)
		}
	})

	t.Run("Close releases the remote session and is idempotent", func(t *testing.T) {
		releases := atomic.Int32{}
		mux := http.NewServeMux()
		mux.HandleFunc("POST /data/JSESSION", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("tok"))
		})
		mux.HandleFunc("DELETE /data/JSESSION", func(w http.ResponseWriter, r *http.Request) {
			if c, err := r.Cookie("JSESSIONID"); err != nil || c.Value != "tok" {
				t.Errorf("release without the session cookie")
			}
			releases.Add(1)
		})
		server := httptest.NewServer(mux)
		t.Cleanup(server.Close)

		sess := try.To(xnat.NewClient(server.URL).Connect(ctx)).OrFatal(t)
		if err := sess.Close(); err != nil {
			t.Fatal(err)
		}
		if err := sess.Close(); err != nil {
			t.Fatal(err)
		}
		if n := releases.Load(); n != 1 {
			t.Errorf("session was released %d times", n)
		}
	})
}
