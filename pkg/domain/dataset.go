package domain

import "strings"

// Dataset identifies a project within a repository, together with the label
// conventions used to address subjects and sessions remotely and in the
// local cache.
type Dataset struct {
	// Name is the project name/ID unique within the repository.
	Name string

	// SubjectLabelFormat generates a subject label from "{project}" and
	// "{subject}" placeholders. Default: "{subject}".
	SubjectLabelFormat string

	// SessionLabelFormat generates a session label from "{project}",
	// "{subject}" and "{visit}" placeholders. Default: "{subject}_{visit}".
	SessionLabelFormat string
}

const (
	defaultSubjectLabelFormat = "{subject}"
	defaultSessionLabelFormat = "{subject}_{visit}"
)

func (d Dataset) SubjectLabel(subjectID string) string {
	format := d.SubjectLabelFormat
	if format == "" {
		format = defaultSubjectLabelFormat
	}
	return expandLabel(format, d.Name, subjectID, "")
}

func (d Dataset) SessionLabel(subjectID string, visitID string) string {
	format := d.SessionLabelFormat
	if format == "" {
		format = defaultSessionLabelFormat
	}
	return expandLabel(format, d.Name, subjectID, visitID)
}

func expandLabel(format string, project string, subject string, visit string) string {
	r := strings.NewReplacer(
		"{project}", project,
		"{subject}", subject,
		"{visit}", visit,
	)
	return r.Replace(format)
}

// StripSubjectPrefix recovers a visit ID from a session label of the form
// "<subject>_<visit>". Labels without the prefix are returned unchanged.
func StripSubjectPrefix(sessionLabel string, subjectID string) string {
	if strings.HasPrefix(sessionLabel, subjectID+"_") {
		return sessionLabel[len(subjectID)+1:]
	}
	return sessionLabel
}

// StripProjectPrefix recovers a subject ID from a subject label of the form
// "<project>_<subject>". Labels without the prefix are returned unchanged.
func StripProjectPrefix(subjectLabel string, projectID string) string {
	if strings.HasPrefix(subjectLabel, projectID+"_") {
		return subjectLabel[len(projectID)+1:]
	}
	return subjectLabel
}
