package domain

import "fmt"

// Checksums maps relative file paths of a cached item to hex digests.
//
// The key "." is reserved for the primary file of single-file-primary formats.
type Checksums = map[string]string

// PrimaryFileKey is the reserved checksum key of the primary file.
const PrimaryFileKey = "."

// Fileset identifies a named, possibly multi-file data item within a dataset.
//
// Identity is (Name, Frequency, SubjectID, VisitID, FromAnalysis). ID and URI
// are attached once the descriptor is resolved against a remote repository,
// and the descriptor is not mutated after caching completes.
type Fileset struct {
	Name      string
	Frequency Frequency

	// SubjectID of the item. Empty means aggregated across subjects.
	SubjectID string

	// VisitID of the item. Empty means aggregated across visits.
	VisitID string

	// FromAnalysis names the analysis that derived this item.
	// Empty for acquired data.
	FromAnalysis string

	// Format must be assigned before the item can be materialized.
	Format *Format

	// Quality is the remote's quality annotation of the scan, if any.
	Quality string

	// ID is the remote scan/resource ID, set on resolution.
	ID string

	// URI is the opaque remote address of the resource, set on resolution.
	URI string

	// ResourceName is the remote resource label holding the files.
	ResourceName string
}

// Derived is true for items produced by an analysis rather than acquired.
func (f Fileset) Derived() bool {
	return f.FromAnalysis != ""
}

func (f Fileset) String() string {
	return fmt.Sprintf(
		"fileset %s (frequency=%s, subject=%q, visit=%q)",
		f.Name, f.Frequency, f.SubjectID, f.VisitID,
	)
}

// Field is a named scalar/array value associated with a scope.
type Field struct {
	Name      string
	Frequency Frequency
	SubjectID string
	VisitID   string

	// FromAnalysis names the analysis that derived this field, when the
	// remote field name carried an "<analysis>-<name>" prefix.
	FromAnalysis string

	Value any
}

func (f Field) Derived() bool {
	return f.FromAnalysis != ""
}

func (f Field) String() string {
	return fmt.Sprintf(
		"field %s=%v (frequency=%s, subject=%q, visit=%q)",
		f.Name, f.Value, f.Frequency, f.SubjectID, f.VisitID,
	)
}
