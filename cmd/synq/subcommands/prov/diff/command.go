package diff

import (
	"context"
	"encoding/json"
	"log"
	"path/filepath"
	"strings"

	"github.com/neurodata/synq/cmd/synq/subcommands/common"
	"github.com/neurodata/synq/pkg/domain"
	"github.com/neurodata/synq/pkg/provenance"
	"github.com/youta-t/flarc"
)

type Flag struct {
	Include []string `flag:"include" help:"keep only leaves under this content path, e.g. outputs. Repeatable."`
	Exclude []string `flag:"exclude" help:"drop leaves under this content path, e.g. datetime. Repeatable."`
}

const (
	ARG_OWN   = "OWN"
	ARG_OTHER = "OTHER"
)

func New() (flarc.Command, error) {
	return flarc.NewCommand(
		"compare two provenance record files",
		Flag{},
		flarc.Args{
			{
				Name: ARG_OWN, Required: true,
				Help: "provenance record JSON file.",
			},
			{
				Name: ARG_OTHER, Required: true,
				Help: "provenance record JSON file to compare against.",
			},
		},
		common.NewTaskWithCommonFlag(Task()),
		flarc.WithDescription(`
Compare two provenance record files and print their structural difference as
JSON: which leaves were added, removed or changed, keyed by their
slash-separated content path. Identical records print "{}".

Array-valued leaves compare order-insensitively, and numbers compare by value
regardless of their spelling in the file.

Ignore the run timestamp while comparing:

    {{ .Command }} --exclude datetime old/coreg.json new/coreg.json

Only compare the configuration:

    {{ .Command }} --include parameters old/coreg.json new/coreg.json
`),
	)
}

func Task() common.TaskWithCommonFlag[Flag] {
	return func(
		ctx context.Context,
		logger *log.Logger,
		commonFlag common.CommonFlags,
		cl flarc.Commandline[Flag],
		params []any,
	) error {
		flags := cl.Flags()

		own, err := load(cl.Args()[ARG_OWN][0])
		if err != nil {
			return err
		}
		other, err := load(cl.Args()[ARG_OTHER][0])
		if err != nil {
			return err
		}

		var include []string
		if 0 < len(flags.Include) {
			include = flags.Include
		}
		mismatches, err := own.Mismatches(other, include, flags.Exclude)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cl.Stdout())
		enc.SetIndent("", "    ")
		return enc.Encode(mismatches)
	}
}

// load reads a record file. The pipeline name is taken from the file name;
// identity beyond that does not matter for a file-to-file comparison.
func load(path string) (*provenance.Record, error) {
	pipeline := strings.TrimSuffix(filepath.Base(path), ".json")
	return provenance.Load(pipeline, domain.PerSession, "", "", "", path)
}
