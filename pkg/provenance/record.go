// Package provenance records how derived data items came to be: the inputs,
// outputs and configuration of the pipeline run that produced them.
//
// One Record exists per (pipeline, frequency, subject, visit) derivation. It
// is written next to the derived artifacts as their durable metadata, and
// reloaded on later runs to decide whether downstream work can be skipped.
package provenance

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/neurodata/synq/pkg/domain"
)

// content keys with a fixed meaning. Everything else is preserved verbatim.
const (
	KeyInputs   = "inputs"
	KeyOutputs  = "outputs"
	KeyDatetime = "datetime"
)

// SerializationError wraps content that cannot be represented in the
// provenance file format.
type SerializationError struct {
	Pipeline string
	cause    error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf(
		"could not serialise provenance record of pipeline %s: %s",
		e.Pipeline, e.cause,
	)
}

func (e *SerializationError) Unwrap() error {
	return e.cause
}

// Record is the provenance of one derivation. Immutable after creation;
// shared read-only between pipeline runs.
type Record struct {
	pipeline  string
	frequency domain.Frequency
	subjectID string
	visitID   string

	// owner is the analysis the derivation belongs to.
	owner string

	content map[string]any
}

// New creates a Record over a deep copy of content.
//
// A "datetime" entry (RFC3339) is injected when content has none.
func New(
	pipeline string,
	frequency domain.Frequency,
	subjectID string,
	visitID string,
	owner string,
	content map[string]any,
) *Record {
	copied := deepCopyMap(content)
	if _, ok := copied[KeyDatetime]; !ok {
		copied[KeyDatetime] = time.Now().Format(time.RFC3339)
	}
	return &Record{
		pipeline:  pipeline,
		frequency: frequency,
		subjectID: subjectID,
		visitID:   visitID,
		owner:     owner,
		content:   copied,
	}
}

func (r *Record) Pipeline() string            { return r.pipeline }
func (r *Record) Frequency() domain.Frequency { return r.frequency }
func (r *Record) SubjectID() string           { return r.subjectID }
func (r *Record) VisitID() string             { return r.visitID }
func (r *Record) Owner() string               { return r.owner }

func (r *Record) Inputs() any {
	return r.content[KeyInputs]
}

func (r *Record) Outputs() any {
	return r.content[KeyOutputs]
}

func (r *Record) Datetime() string {
	dt, _ := r.content[KeyDatetime].(string)
	return dt
}

// Content exposes the nested provenance mapping. Callers must not mutate it.
func (r *Record) Content() map[string]any {
	return r.content
}

func (r *Record) String() string {
	return fmt.Sprintf(
		"record of %s (frequency=%s, subject=%q, visit=%q, owner=%q)",
		r.pipeline, r.frequency, r.subjectID, r.visitID, r.owner,
	)
}

// Save serialises the record content to path as indented JSON.
//
// Content that JSON cannot represent fails with *SerializationError naming
// the pipeline, never a bare marshalling error.
func (r *Record) Save(path string) error {
	buf, err := json.MarshalIndent(r.content, "", "  ")
	if err != nil {
		return &SerializationError{Pipeline: r.pipeline, cause: err}
	}
	return os.WriteFile(path, buf, 0o644)
}

// Load reads a record saved by Save. Pure deserialization: nothing beyond
// well-formedness of the JSON is validated.
func Load(
	pipeline string,
	frequency domain.Frequency,
	subjectID string,
	visitID string,
	owner string,
	path string,
) (*Record, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(pipeline, frequency, subjectID, visitID, owner, buf)
}

// Decode parses serialized record content fetched from elsewhere than a file.
func Decode(
	pipeline string,
	frequency domain.Frequency,
	subjectID string,
	visitID string,
	owner string,
	buf []byte,
) (*Record, error) {
	content := map[string]any{}
	if err := json.Unmarshal(buf, &content); err != nil {
		return nil, fmt.Errorf("provenance of %s is not well-formed: %w", pipeline, err)
	}
	return &Record{
		pipeline:  pipeline,
		frequency: frequency,
		subjectID: subjectID,
		visitID:   visitID,
		owner:     owner,
		content:   content,
	}, nil
}

// Equal is structural equality of identity and normalized content.
func (r *Record) Equal(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	if r.pipeline != other.pipeline ||
		r.frequency != other.frequency ||
		r.subjectID != other.subjectID ||
		r.visitID != other.visitID ||
		r.owner != other.owner {
		return false
	}
	diff, err := r.Mismatches(other, nil, nil)
	return err == nil && len(diff) == 0
}

func deepCopyMap(m map[string]any) map[string]any {
	copied := make(map[string]any, len(m))
	for k, v := range m {
		copied[k] = deepCopyValue(v)
	}
	return copied
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		copied := make([]any, len(t))
		for i, e := range t {
			copied[i] = deepCopyValue(e)
		}
		return copied
	default:
		return v
	}
}
