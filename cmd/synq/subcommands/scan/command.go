package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/neurodata/synq/cmd/synq/config/profiles"
	"github.com/neurodata/synq/cmd/synq/subcommands/common"
	"github.com/neurodata/synq/pkg/db/postgres/index"
	kpool "github.com/neurodata/synq/pkg/db/postgres/pool"
	"github.com/neurodata/synq/pkg/domain"
	"github.com/neurodata/synq/pkg/xnat"
	"github.com/youta-t/flarc"
)

type Flag struct {
	SubjectLabel string `flag:"subject-label" help:"subject label format; {project} and {subject} are expanded"`
	SessionLabel string `flag:"session-label" help:"session label format; {project}, {subject} and {visit} are expanded"`
	JSON         bool   `flag:"json" help:"print the discovery as JSON"`
	Index        string `flag:"index" help:"postgres URL of a catalog to register the discovery into"`
}

const ARG_PROJECT = "PROJECT"

func New() (flarc.Command, error) {
	return flarc.NewCommand(
		"enumerate filesets, fields and provenance records of a project",
		Flag{},
		flarc.Args{
			{
				Name: ARG_PROJECT, Required: true,
				Help: "project name on the remote repository.",
			},
		},
		common.NewTask(Task()),
		flarc.WithDescription(`
Walk a remote project and list everything it holds: acquired scans, derived
resources, fields at every aggregation level and provenance records.

Sessions failing to enumerate are reported and skipped; the rest of the
project is still listed.

List project MRH017:

    {{ .Command }} MRH017

The same, machine-readable:

    {{ .Command }} --json MRH017
`),
	)
}

// listing is the JSON shape of a discovery.
type listing struct {
	Filesets []filesetEntry `json:"filesets"`
	Fields   []fieldEntry   `json:"fields"`
	Records  []recordEntry  `json:"records"`
}

type filesetEntry struct {
	Name         string `json:"name"`
	Frequency    string `json:"frequency"`
	SubjectID    string `json:"subjectId,omitempty"`
	VisitID      string `json:"visitId,omitempty"`
	FromAnalysis string `json:"fromAnalysis,omitempty"`
	Quality      string `json:"quality,omitempty"`
	Resource     string `json:"resource,omitempty"`
}

type fieldEntry struct {
	Name         string `json:"name"`
	Frequency    string `json:"frequency"`
	SubjectID    string `json:"subjectId,omitempty"`
	VisitID      string `json:"visitId,omitempty"`
	FromAnalysis string `json:"fromAnalysis,omitempty"`
	Value        any    `json:"value"`
}

type recordEntry struct {
	Pipeline  string `json:"pipeline"`
	Frequency string `json:"frequency"`
	SubjectID string `json:"subjectId,omitempty"`
	VisitID   string `json:"visitId,omitempty"`
	Owner     string `json:"owner,omitempty"`
	Datetime  string `json:"datetime,omitempty"`
}

func Task() common.Task[Flag] {
	return func(
		ctx context.Context,
		logger *log.Logger,
		profile *profiles.SynqProfile,
		repo *xnat.Repository,
		cl flarc.Commandline[Flag],
		params []any,
	) error {
		flags := cl.Flags()
		ds := domain.Dataset{
			Name:               cl.Args()[ARG_PROJECT][0],
			SubjectLabelFormat: flags.SubjectLabel,
			SessionLabelFormat: flags.SessionLabel,
		}

		found, err := repo.FindData(ctx, ds)
		if err != nil {
			return err
		}
		for _, failure := range found.Failures {
			logger.Printf("[WARN] %s", failure.Error())
		}

		if flags.Index != "" {
			if err := register(ctx, flags.Index, ds, found); err != nil {
				return fmt.Errorf("registering discovery into catalog: %w", err)
			}
			logger.Printf(
				"registered %d filesets and %d records into the catalog",
				len(found.Filesets), len(found.Records),
			)
		}

		if flags.JSON {
			enc := json.NewEncoder(cl.Stdout())
			enc.SetIndent("", "    ")
			return enc.Encode(toListing(found))
		}

		out := cl.Stdout()
		for _, f := range found.Filesets {
			fmt.Fprintln(out, f.String())
		}
		for _, f := range found.Fields {
			fmt.Fprintln(out, f.String())
		}
		for _, r := range found.Records {
			fmt.Fprintln(out, r.String())
		}
		return nil
	}
}

// register records the discovery into the catalog at dburi.
func register(ctx context.Context, dburi string, ds domain.Dataset, found *xnat.Discovery) error {
	pool, err := pgxpool.Connect(ctx, dburi)
	if err != nil {
		return err
	}
	defer pool.Close()

	catalog := index.New(kpool.Wrap(pool))
	if err := catalog.Init(ctx); err != nil {
		return err
	}

	for _, f := range found.Filesets {
		entry := index.FilesetEntry{
			Dataset:      ds.Name,
			Name:         f.Name,
			Frequency:    f.Frequency,
			SubjectID:    f.SubjectID,
			VisitID:      f.VisitID,
			FromAnalysis: f.FromAnalysis,
			Quality:      f.Quality,
			URI:          f.URI,
		}
		if err := catalog.RegisterFileset(ctx, entry); err != nil {
			return err
		}
	}
	for _, rec := range found.Records {
		if err := catalog.RegisterRecord(ctx, ds.Name, rec); err != nil {
			return err
		}
	}
	return nil
}

func toListing(found *xnat.Discovery) listing {
	l := listing{
		Filesets: []filesetEntry{},
		Fields:   []fieldEntry{},
		Records:  []recordEntry{},
	}
	for _, f := range found.Filesets {
		l.Filesets = append(l.Filesets, filesetEntry{
			Name:         f.Name,
			Frequency:    string(f.Frequency),
			SubjectID:    f.SubjectID,
			VisitID:      f.VisitID,
			FromAnalysis: f.FromAnalysis,
			Quality:      f.Quality,
			Resource:     f.ResourceName,
		})
	}
	for _, f := range found.Fields {
		l.Fields = append(l.Fields, fieldEntry{
			Name:         f.Name,
			Frequency:    string(f.Frequency),
			SubjectID:    f.SubjectID,
			VisitID:      f.VisitID,
			FromAnalysis: f.FromAnalysis,
			Value:        f.Value,
		})
	}
	for _, r := range found.Records {
		l.Records = append(l.Records, recordEntry{
			Pipeline:  r.Pipeline(),
			Frequency: string(r.Frequency()),
			SubjectID: r.SubjectID(),
			VisitID:   r.VisitID(),
			Owner:     r.Owner(),
			Datetime:  r.Datetime(),
		})
	}
	return l
}
