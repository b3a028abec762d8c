package profiles

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"

	yaml "gopkg.in/yaml.v3"
)

var ErrProfileStoreNotFound = errors.New("config file is not found")
var ErrProfileInvalid = errors.New("synq profile is invalid")

// ProfileStore is a map from profile name to SynqProfile.
type ProfileStore map[string]*SynqProfile

// SynqProfile holds everything needed to reach one remote repository and its
// local cache.
type SynqProfile struct {
	// endpoint of the remote repository
	Server string `yaml:"server"`

	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`

	// root directory of the local cache
	CacheRoot string `yaml:"cacheRoot"`

	// regular expression admitting session labels during discovery.
	// Empty admits everything.
	SessionFilter string `yaml:"sessionFilter,omitempty"`

	// seconds of the polling window of the concurrent-download protocol.
	// Zero means the built-in default.
	RaceDelaySeconds int `yaml:"raceDelaySeconds,omitempty"`

	// skip comparing cached digests against the remote
	SkipDigestCheck bool `yaml:"skipDigestCheck,omitempty"`
}

func verifyURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.IsAbs()
}

// Verify SynqProfile
//
// # Return
//
// nil if it is valid. Otherwise, ErrProfileInvalid error.
func (p *SynqProfile) Verify() error {
	if !verifyURL(p.Server) {
		return fmt.Errorf("%w: server is not a URL: %s", ErrProfileInvalid, p.Server)
	}
	if p.CacheRoot == "" {
		return fmt.Errorf("%w: cacheRoot is not set", ErrProfileInvalid)
	}
	if p.SessionFilter != "" {
		if _, err := regexp.Compile(p.SessionFilter); err != nil {
			return fmt.Errorf("%w: sessionFilter does not compile: %s", ErrProfileInvalid, err)
		}
	}
	if p.RaceDelaySeconds < 0 {
		return fmt.Errorf("%w: raceDelaySeconds is negative", ErrProfileInvalid)
	}
	return nil
}

// LoadProfileStore loads profile store from file.
func LoadProfileStore(filepath string) (ProfileStore, error) {
	buf, err := os.ReadFile(filepath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s", ErrProfileStoreNotFound, filepath)
		}
		return nil, err
	}
	return Unmarshall(buf)
}

// Unmarshall profile store from yaml in byte array.
func Unmarshall(buf []byte) (ProfileStore, error) {
	ret := map[string]*SynqProfile{}
	err := yaml.Unmarshal(buf, &ret)
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// Save profile store to file. The store holds credentials, so the file is
// written 0600 via a temporary file in the same directory.
func (ps *ProfileStore) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), os.FileMode(0700)); err != nil {
		return err
	}

	buf, err := yaml.Marshal(ps)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".profile-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(os.FileMode(0600)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
