package requirement

import "fmt"

// Range is an inclusive [min, max] interval of versions of one requirement.
type Range struct {
	min Version
	max Version
}

// Range builds an inclusive version range of this requirement.
//
// Fails with ErrUsage when the endpoints belong to different requirements
// (or not to this one), or when max < min.
func (r *Requirement) Range(min Version, max Version) (Range, error) {
	if min.req != r || max.req != r {
		return Range{}, fmt.Errorf(
			"%w: inconsistent requirements between range bounds (%s and %s, range of %s)",
			ErrUsage, min.req, max.req, r,
		)
	}
	cmp, err := max.Compare(min)
	if err != nil {
		return Range{}, err
	}
	if cmp < 0 {
		return Range{}, fmt.Errorf(
			"%w: maximum version %s is less than minimum %s", ErrUsage, max, min,
		)
	}
	return Range{min: min, max: max}, nil
}

func (rng Range) Minimum() Version {
	return rng.min
}

func (rng Range) Maximum() Version {
	return rng.max
}

func (rng Range) Requirement() *Requirement {
	return rng.min.req
}

func (rng Range) String() string {
	return fmt.Sprintf("%s[%s <= v <= %s]", rng.min.req, rng.min, rng.max)
}

// Contains tests min <= v <= max. Fails with ErrUsage when v belongs to a
// different requirement.
func (rng Range) Contains(v Version) (bool, error) {
	lo, err := v.Compare(rng.min)
	if err != nil {
		return false, err
	}
	if lo < 0 {
		return false, nil
	}
	hi, err := v.Compare(rng.max)
	if err != nil {
		return false, err
	}
	return hi <= 0, nil
}
