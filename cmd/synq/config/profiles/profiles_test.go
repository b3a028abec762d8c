package profiles_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/neurodata/synq/cmd/synq/config/profiles"
	"github.com/neurodata/synq/pkg/utils/try"
)

func TestProfileStore(t *testing.T) {
	t.Run("Save then Load round-trips", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "conf", "profile")
		store := profiles.ProfileStore{
			"default": {
				Server:           "https://xnat.example.org",
				User:             "tester",
				CacheRoot:        "/var/cache/synq",
				SessionFilter:    "^MRH017",
				RaceDelaySeconds: 10,
			},
		}
		if err := store.Save(path); err != nil {
			t.Fatal(err)
		}

		loaded := try.To(profiles.LoadProfileStore(path)).OrFatal(t)
		got, ok := loaded["default"]
		if !ok {
			t.Fatalf("loaded = %v", loaded)
		}
		if *got != *store["default"] {
			t.Errorf("loaded profile = %+v", got)
		}
	})

	t.Run("the store file keeps owner-only permissions", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "profile")
		store := profiles.ProfileStore{
			"default": {Server: "https://xnat.example.org", CacheRoot: "/tmp/c"},
		}
		if err := store.Save(path); err != nil {
			t.Fatal(err)
		}
		info := try.To(os.Stat(path)).OrFatal(t)
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("permissions = %o", perm)
		}
	})

	t.Run("a missing store is ErrProfileStoreNotFound", func(t *testing.T) {
		_, err := profiles.LoadProfileStore(filepath.Join(t.TempDir(), "nothing"))
		if !errors.Is(err, profiles.ErrProfileStoreNotFound) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestVerify(t *testing.T) {
	valid := func() *profiles.SynqProfile {
		return &profiles.SynqProfile{
			Server:    "https://xnat.example.org",
			CacheRoot: "/var/cache/synq",
		}
	}

	t.Run("a complete profile verifies", func(t *testing.T) {
		if err := valid().Verify(); err != nil {
			t.Error(err)
		}
	})

	for name, breakIt := range map[string]func(*profiles.SynqProfile){
		"server must be a URL":          func(p *profiles.SynqProfile) { p.Server = "not a url" },
		"cache root must be set":        func(p *profiles.SynqProfile) { p.CacheRoot = "" },
		"session filter must compile":   func(p *profiles.SynqProfile) { p.SessionFilter = "([" },
		"race delay must be in seconds": func(p *profiles.SynqProfile) { p.RaceDelaySeconds = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			p := valid()
			breakIt(p)
			if err := p.Verify(); !errors.Is(err, profiles.ErrProfileInvalid) {
				t.Errorf("err = %v", err)
			}
		})
	}
}
