package requirement

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Prerelease stages ordered a < b < rc. A full release sorts after any
// prerelease of the same main sequence.
const (
	StageAlpha            = "a"
	StageBeta             = "b"
	StageReleaseCandidate = "rc"

	// sorts after every real stage; never parsed from text.
	stageRelease = "z"
)

type Prerelease struct {
	Stage string
	Num   int
}

// Version is an ordered tuple (major, minor, ...) plus an optional prerelease
// and an optional development number, bound to the requirement it versions.
type Version struct {
	req *Requirement
	seq []int
	pre *Prerelease
	dev *int
}

// versionRe picks a version substring out of surrounding prose:
// digits-dotted main sequence, optional prerelease suffix, optional ".dev<N>".
var versionRe = regexp.MustCompile(
	`(\d+(?:\.\d+)*)([a-zA-Z]+(?:-[a-zA-Z]+)*[-_]?(\d+))?(?:\.dev(\d+))?`,
)

// Version parses text into a Version of this requirement.
//
// The first substring matching the version grammar is used, so surrounding
// text ("FSL release 6.0.1 (build ...)") is ignored. Fails with
// ErrVersionNotDetectable when no match is found or the prerelease suffix is
// not recognised (a prefix of "alpha"/"beta", or "rc"/"release-candidate").
func (r *Requirement) Version(text string) (Version, error) {
	m := versionRe.FindStringSubmatch(text)
	if m == nil {
		return Version{}, fmt.Errorf(
			"%w: no version substring in %q (requirement %s)",
			ErrVersionNotDetectable, text, r.name,
		)
	}

	seqParts := strings.Split(m[1], ".")
	seq := make([]int, len(seqParts))
	for i, p := range seqParts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Version{}, fmt.Errorf(
				"%w: bad sequence part %q in %q", ErrVersionNotDetectable, p, text,
			)
		}
		seq[i] = n
	}

	v := Version{req: r, seq: seq}

	if m[2] != "" {
		rawStage := strings.ToLower(strings.Trim(strings.TrimSuffix(m[2], m[3]), "-_"))
		stage, err := canonicalStage(rawStage)
		if err != nil {
			return Version{}, fmt.Errorf("%w (in %q)", err, text)
		}
		num, err := strconv.Atoi(m[3])
		if err != nil {
			return Version{}, fmt.Errorf(
				"%w: bad prerelease number in %q", ErrVersionNotDetectable, text,
			)
		}
		v.pre = &Prerelease{Stage: stage, Num: num}
	}

	if m[4] != "" {
		n, err := strconv.Atoi(m[4])
		if err != nil {
			return Version{}, fmt.Errorf(
				"%w: bad dev number in %q", ErrVersionNotDetectable, text,
			)
		}
		v.dev = &n
	}

	return v, nil
}

func canonicalStage(stage string) (string, error) {
	switch {
	case stage != "" && strings.HasPrefix("alpha", stage):
		return StageAlpha, nil
	case stage != "" && strings.HasPrefix("beta", stage):
		return StageBeta, nil
	case stage == "rc" || stage == "release-candidate":
		return StageReleaseCandidate, nil
	}
	return "", fmt.Errorf(
		"%w: unrecognised prerelease stage %q", ErrVersionNotDetectable, stage,
	)
}

func (v Version) Requirement() *Requirement {
	return v.req
}

func (v Version) Sequence() []int {
	seq := make([]int, len(v.seq))
	copy(seq, v.seq)
	return seq
}

func (v Version) Prerelease() *Prerelease {
	if v.pre == nil {
		return nil
	}
	pre := *v.pre
	return &pre
}

func (v Version) Dev() (int, bool) {
	if v.dev == nil {
		return 0, false
	}
	return *v.dev, true
}

func (v Version) String() string {
	parts := make([]string, len(v.seq))
	for i, n := range v.seq {
		parts[i] = strconv.Itoa(n)
	}
	s := strings.Join(parts, ".")
	if v.pre != nil {
		s += fmt.Sprintf("%s%d", v.pre.Stage, v.pre.Num)
	}
	if v.dev != nil {
		s += fmt.Sprintf(".dev%d", *v.dev)
	}
	return s
}

// Compare orders v against other.
//
// # Returns
//
// - int: -1, 0 or +1 as v is less than, equal to or greater than other.
//
// - error: ErrUsage when the versions belong to different requirements.
//
// The main sequences compare lexicographically. With equal sequences a full
// release sorts after any prerelease (release > rc > b > a), and a version
// without a dev number sorts after one with it.
func (v Version) Compare(other Version) (int, error) {
	if v.req != other.req {
		return 0, fmt.Errorf(
			"%w: can't compare versions of different requirements (%s and %s)",
			ErrUsage, v.req, other.req,
		)
	}

	for i := 0; i < len(v.seq) && i < len(other.seq); i++ {
		if v.seq[i] != other.seq[i] {
			return sign(v.seq[i] - other.seq[i]), nil
		}
	}
	if len(v.seq) != len(other.seq) {
		return sign(len(v.seq) - len(other.seq)), nil
	}

	vs, vn := stageRelease, 0
	if v.pre != nil {
		vs, vn = v.pre.Stage, v.pre.Num
	}
	os, on := stageRelease, 0
	if other.pre != nil {
		os, on = other.pre.Stage, other.pre.Num
	}
	if vs != os {
		return sign(strings.Compare(vs, os)), nil
	}
	if vn != on {
		return sign(vn - on), nil
	}

	switch {
	case v.dev == nil && other.dev == nil:
		return 0, nil
	case v.dev == nil:
		return 1, nil
	case other.dev == nil:
		return -1, nil
	default:
		return sign(*v.dev - *other.dev), nil
	}
}

// Contains interprets the version as an open range with no maximum:
// it holds for any other version of the same requirement >= v.
func (v Version) Contains(other Version) (bool, error) {
	cmp, err := other.Compare(v)
	if err != nil {
		return false, err
	}
	return 0 <= cmp, nil
}

func (v Version) Equal(other Version) bool {
	cmp, err := v.Compare(other)
	return err == nil && cmp == 0
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case 0 < n:
		return 1
	}
	return 0
}
