package domain

import (
	"fmt"
	"path"
	"strings"
)

// Format describes how the files of a fileset are laid out: either the whole
// item is a directory, or there is one primary file (selected by extension)
// with zero or more auxiliary files alongside it.
type Format struct {
	Name string

	// Extension of the primary file, with leading dot (e.g. ".nii.gz").
	// Ignored for directory formats.
	Extension string

	// Directory formats treat the whole cache directory as the item.
	Directory bool

	// AuxFiles maps auxiliary file roles to their extensions
	// (e.g. "bvecs" -> ".bvec").
	AuxFiles map[string]string
}

// AssortFiles splits the file names of a downloaded resource into the primary
// file and the auxiliary files of this format.
//
// # Returns
//
// - string: name of the primary file.
//
// - map[string]string: auxiliary role -> file name.
//
// - error: when no file matches the primary extension, or several do.
func (f Format) AssortFiles(names []string) (string, map[string]string, error) {
	if f.Directory {
		return "", nil, fmt.Errorf("format %s is a directory format; nothing to assort", f.Name)
	}

	primary := ""
	aux := map[string]string{}
	for _, name := range names {
		base := path.Base(name)
		if strings.HasSuffix(base, f.Extension) {
			if primary != "" {
				return "", nil, fmt.Errorf(
					"format %s: multiple candidates for primary file (%s, %s)",
					f.Name, primary, base,
				)
			}
			primary = base
			continue
		}
		for role, ext := range f.AuxFiles {
			if strings.HasSuffix(base, ext) {
				aux[role] = base
			}
		}
	}
	if primary == "" {
		return "", nil, fmt.Errorf(
			"format %s: no file with extension %s among %s",
			f.Name, f.Extension, strings.Join(names, ", "),
		)
	}
	return primary, aux, nil
}
