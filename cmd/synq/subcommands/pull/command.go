package pull

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"

	"github.com/cheggaaa/pb/v3"
	"github.com/neurodata/synq/cmd/synq/config/profiles"
	"github.com/neurodata/synq/cmd/synq/subcommands/common"
	"github.com/neurodata/synq/pkg/domain"
	"github.com/neurodata/synq/pkg/xnat"
	"github.com/youta-t/flarc"
)

type Flag struct {
	Subject      []string `flag:"subject" help:"pull only this subject ID. Repeatable."`
	Visit        []string `flag:"visit" help:"pull only this visit ID. Repeatable."`
	FromAnalysis string   `flag:"from-analysis" help:"pull a derived item of this analysis instead of an acquired one"`
	Ext          string   `flag:"ext" help:"extension of the primary file, e.g. .nii.gz"`
	Directory    bool     `flag:"directory" help:"treat the whole resource as a directory instead of picking a primary file"`
	Aux          []string `flag:"aux" help:"auxiliary file in the form role=extension, e.g. bvecs=.bvec. Repeatable."`
}

const (
	ARG_PROJECT = "PROJECT"
	ARG_NAME    = "NAME"
)

func New() (flarc.Command, error) {
	return flarc.NewCommand(
		"download filesets of a project into the local cache",
		Flag{},
		flarc.Args{
			{
				Name: ARG_PROJECT, Required: true,
				Help: "project name on the remote repository.",
			},
			{
				Name: ARG_NAME, Required: true,
				Help: "name of the fileset to pull, e.g. a scan type.",
			},
		},
		common.NewTask(Task()),
		flarc.WithDescription(`
Download every matching fileset of a project and print the local path of each
primary file, one per line.

Cached items that are still valid are not downloaded again, so pulling is
cheap to repeat. When another process is downloading the same item, this
command waits for it and adopts the result.

Pull every "t1_mprage" scan of project MRH017 as NIfTI:

    {{ .Command }} --ext .nii.gz MRH017 t1_mprage

Only subject S01, visit V2:

    {{ .Command }} --ext .nii.gz --subject S01 --visit V2 MRH017 t1_mprage

A diffusion scan with its gradient files:

    {{ .Command }} --ext .nii.gz --aux bvecs=.bvec --aux bvals=.bval MRH017 dwi
`),
	)
}

const progress pb.ProgressBarTemplate = `{{with string . "prefix"}}{{.}} {{end}}{{counters . }} {{with string . "suffix"}} {{.}}{{end}}`

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
		format, err := buildFormat(cl.Args()[ARG_NAME][0], flags)
		if err != nil {
			return errors.Join(flarc.ErrUsage, err)
		}

		ds := domain.Dataset{Name: cl.Args()[ARG_PROJECT][0]}

		found, err := repo.FindData(ctx, ds)
		if err != nil {
			return err
		}
		for _, failure := range found.Failures {
			logger.Printf("[WARN] %s", failure.Error())
		}

		targets := filter(found.Filesets, cl.Args()[ARG_NAME][0], flags)
		if len(targets) == 0 {
			return fmt.Errorf(
				"no fileset named %s matches in project %s",
				cl.Args()[ARG_NAME][0], ds.Name,
			)
		}

		bar := progress.New(len(targets))
		bar.SetWriter(cl.Stderr())
		bar.Set("prefix", "pulling:")
		bar.Start()
		defer bar.Finish()

		for _, target := range targets {
			target.Format = format
			primary, _, err := repo.GetFileset(ctx, ds, target)
			if err != nil {
				return fmt.Errorf("%s: %w", target.String(), err)
			}
			bar.Increment()
			fmt.Fprintln(cl.Stdout(), primary)
		}
		return nil
	}
}

func buildFormat(name string, flags Flag) (*domain.Format, error) {
	if flags.Directory && flags.Ext != "" {
		return nil, errors.New("--directory and --ext are exclusive")
	}
	if !flags.Directory && flags.Ext == "" {
		return nil, errors.New("either --ext or --directory is required")
	}

	aux := map[string]string{}
	for _, a := range flags.Aux {
		role, ext, ok := strings.Cut(a, "=")
		if !ok || role == "" || ext == "" {
			return nil, fmt.Errorf("invalid --aux: %s", a)
		}
		aux[role] = ext
	}
	return &domain.Format{
		Name:      name,
		Extension: flags.Ext,
		Directory: flags.Directory,
		AuxFiles:  aux,
	}, nil
}

func filter(filesets []domain.Fileset, name string, flags Flag) []domain.Fileset {
	matched := []domain.Fileset{}
	for _, f := range filesets {
		if f.Name != name || f.FromAnalysis != flags.FromAnalysis {
			continue
		}
		if len(flags.Subject) != 0 && !slices.Contains(flags.Subject, f.SubjectID) {
			continue
		}
		if len(flags.Visit) != 0 && !slices.Contains(flags.Visit, f.VisitID) {
			continue
		}
		matched = append(matched, f)
	}
	return matched
}
