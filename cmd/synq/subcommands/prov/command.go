package prov

import (
	prov_diff "github.com/neurodata/synq/cmd/synq/subcommands/prov/diff"
	"github.com/youta-t/flarc"
)

func New() (flarc.Command, error) {
	diff, err := prov_diff.New()
	if err != nil {
		return nil, err
	}

	return flarc.NewCommandGroup(
		"Inspect provenance records.",
		struct{}{},
		flarc.WithSubcommand("diff", diff),
	)
}
