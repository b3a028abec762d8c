package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"

	"github.com/neurodata/synq/cmd/synq/subcommands/common"
	subinit "github.com/neurodata/synq/cmd/synq/subcommands/init"
	"github.com/neurodata/synq/cmd/synq/subcommands/logger"
	subprov "github.com/neurodata/synq/cmd/synq/subcommands/prov"
	subpull "github.com/neurodata/synq/cmd/synq/subcommands/pull"
	subscan "github.com/neurodata/synq/cmd/synq/subcommands/scan"
	subver "github.com/neurodata/synq/cmd/synq/subcommands/version"
	"github.com/neurodata/synq/pkg/utils/try"
	"github.com/youta-t/flarc"
)

func main() {
	name := path.Base(os.Args[0])
	logger := logger.Default()
	logger.SetPrefix(fmt.Sprintf("[%s] ", name))

	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, os.Kill,
	)
	defer cancel()

	cf := try.To(common.Flags(".")).OrFatal(logger)
	init := try.To(subinit.New()).OrFatal(logger)
	scan := try.To(subscan.New()).OrFatal(logger)
	pull := try.To(subpull.New()).OrFatal(logger)
	prov := try.To(subprov.New()).OrFatal(logger)
	version := try.To(subver.New()).OrFatal(logger)

	synq := try.To(
		flarc.NewCommandGroup(
			"Manage neuroimaging data between a remote repository and a local cache.",
			cf,
			flarc.WithSubcommand("init", init),
			flarc.WithSubcommand("scan", scan),
			flarc.WithSubcommand("pull", pull),
			flarc.WithSubcommand("prov", prov),
			flarc.WithSubcommand("version", version),
		),
	).OrFatal(logger)

	os.Exit(flarc.Run(ctx, synq, flarc.WithHelp(true)))
}
