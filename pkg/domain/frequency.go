package domain

import "fmt"

// Frequency is the aggregation scope of a data item within a dataset.
//
// It determines which of the subject/visit identifiers of a descriptor may be
// absent: an absent identifier means "aggregated across that axis".
type Frequency string

const (
	PerSession Frequency = "per_session"
	PerSubject Frequency = "per_subject"
	PerVisit   Frequency = "per_visit"
	PerStudy   Frequency = "per_study"
)

// ExpectsSubject is true when items of this frequency carry a subject ID.
func (f Frequency) ExpectsSubject() bool {
	return f == PerSession || f == PerSubject
}

// ExpectsVisit is true when items of this frequency carry a visit ID.
func (f Frequency) ExpectsVisit() bool {
	return f == PerSession || f == PerVisit
}

func (f Frequency) Valid() bool {
	switch f {
	case PerSession, PerSubject, PerVisit, PerStudy:
		return true
	}
	return false
}

func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(s)
	if !f.Valid() {
		return "", fmt.Errorf("unknown frequency: %s", s)
	}
	return f, nil
}
