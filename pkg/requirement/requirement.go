// Package requirement models software requirements of pipeline execution
// environments and the versions they are satisfied by.
//
// Version strings are picked out of free text (module load banners, --version
// output, ...), ordered totally within one requirement, and matched against
// inclusive ranges to select the tool version a pipeline node should run with.
package requirement

import (
	"errors"
	"fmt"
	"log"
	"strings"
)

var (
	// ErrUsage marks caller mistakes: comparing versions of different
	// requirements, inconsistent range bounds. Never retried.
	ErrUsage = errors.New("usage error")

	// ErrVersionNotDetectable marks text no version could be parsed from.
	ErrVersionNotDetectable = errors.New("version not detectable")

	// ErrNoAcceptableVersion marks an empty selection result.
	ErrNoAcceptableVersion = errors.New("no acceptable version")
)

// Requirement is a software package needed by a node of a pipeline.
type Requirement struct {
	name    string
	website string
}

type Option func(*Requirement) *Requirement

func WithWebsite(url string) Option {
	return func(r *Requirement) *Requirement {
		r.website = url
		return r
	}
}

func New(name string, option ...Option) *Requirement {
	r := &Requirement{name: strings.ToLower(name)}
	for _, opt := range option {
		r = opt(r)
	}
	return r
}

func (r *Requirement) Name() string {
	return r.name
}

func (r *Requirement) Website() string {
	return r.website
}

func (r *Requirement) String() string {
	return r.name
}

// V builds a Version (one argument) or a Range (two arguments) of this
// requirement from version strings.
func (r *Requirement) V(minVer string, maxVer ...string) (Constraint, error) {
	min, err := r.Version(minVer)
	if err != nil {
		return nil, err
	}
	if len(maxVer) == 0 {
		return min, nil
	}
	if 1 < len(maxVer) {
		return nil, fmt.Errorf("%w: V takes at most two versions", ErrUsage)
	}
	max, err := r.Version(maxVer[0])
	if err != nil {
		return nil, err
	}
	return r.Range(min, max)
}

// ParseAll converts version strings to Versions of this requirement.
//
// # Args
//
// - texts: candidate version strings.
//
// - ignoreUnrecognised: when true, unparseable entries are skipped with a log
// line; when false the first unparseable entry fails the whole conversion.
//
// - logger: destination of skip notices. May be nil.
func (r *Requirement) ParseAll(texts []string, ignoreUnrecognised bool, logger *log.Logger) ([]Version, error) {
	versions := make([]Version, 0, len(texts))
	for _, text := range texts {
		v, err := r.Version(text)
		if err != nil {
			if ignoreUnrecognised && errors.Is(err, ErrVersionNotDetectable) {
				if logger != nil {
					logger.Printf("ignoring unrecognised version %q of %s", text, r.name)
				}
				continue
			}
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// Constraint is something a version can satisfy: a single Version (open
// maximum) or an inclusive Range.
type Constraint interface {
	// Contains tests whether v satisfies the constraint.
	//
	// Fails with ErrUsage when v belongs to a different requirement.
	Contains(v Version) (bool, error)

	Requirement() *Requirement

	String() string
}

// LatestWithin picks the maximum version among available satisfying c.
//
// Fails with ErrNoAcceptableVersion when nothing qualifies, and with
// ErrUsage when a candidate belongs to a different requirement.
func LatestWithin(c Constraint, available []Version) (Version, error) {
	var latest *Version
	for _, v := range available {
		ok, err := c.Contains(v)
		if err != nil {
			return Version{}, err
		}
		if !ok {
			continue
		}
		if latest == nil {
			picked := v
			latest = &picked
			continue
		}
		cmp, err := v.Compare(*latest)
		if err != nil {
			return Version{}, err
		}
		if 0 < cmp {
			picked := v
			latest = &picked
		}
	}
	if latest == nil {
		return Version{}, fmt.Errorf(
			"%w: nothing satisfies %s among %s",
			ErrNoAcceptableVersion, c, renderAll(available),
		)
	}
	return *latest, nil
}

func renderAll(versions []Version) string {
	if len(versions) == 0 {
		return "(no candidates)"
	}
	parts := make([]string, len(versions))
	for i, v := range versions {
		parts[i] = v.String()
	}
	return strings.Join(parts, ", ")
}
