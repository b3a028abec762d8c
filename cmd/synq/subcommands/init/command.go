package init

import (
	"context"
	"errors"
	"log"

	"github.com/neurodata/synq/cmd/synq/config/profiles"
	"github.com/neurodata/synq/cmd/synq/subcommands/common"
	"github.com/youta-t/flarc"
)

type Flag struct {
	User             string `flag:"user" help:"user name for the remote repository"`
	Password         string `flag:"password" help:"password for the remote repository"`
	CacheRoot        string `flag:"cache-root" help:"root directory of the local cache"`
	SessionFilter    string `flag:"session-filter" help:"regular expression admitting session labels during scans"`
	RaceDelaySeconds int    `flag:"race-delay" help:"seconds to wait on a download another process has started"`
	SkipDigestCheck  bool   `flag:"skip-digest-check" help:"trust cached items without comparing digests against the remote"`
}

const ARG_SERVER = "SERVER"

func New() (flarc.Command, error) {
	return flarc.NewCommand(
		"register a remote repository as a synq profile",
		Flag{},
		flarc.Args{
			{
				Name: ARG_SERVER, Required: true,
				Help: "URL of the remote repository, e.g. https://xnat.example.org .",
			},
		},
		common.NewTaskWithCommonFlag(Task()),
		flarc.WithDescription(`
Register a remote repository into your profile store.

The profile is stored under the name given by "--profile" (default: "default").
Later commands read the same profile to find the server, credentials and the
local cache directory.

Register a server with a dedicated cache:

    {{ .Command }} --user alice --password secret --cache-root ~/.synq/cache https://xnat.example.org
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
		server := cl.Args()[ARG_SERVER][0]

		store, err := profiles.LoadProfileStore(commonFlag.ProfileStore)
		if errors.Is(err, profiles.ErrProfileStoreNotFound) {
			store = profiles.ProfileStore{}
		} else if err != nil {
			return err
		}

		prof := &profiles.SynqProfile{
			Server:           server,
			User:             flags.User,
			Password:         flags.Password,
			CacheRoot:        flags.CacheRoot,
			SessionFilter:    flags.SessionFilter,
			RaceDelaySeconds: flags.RaceDelaySeconds,
			SkipDigestCheck:  flags.SkipDigestCheck,
		}
		if err := prof.Verify(); err != nil {
			return errors.Join(flarc.ErrUsage, err)
		}

		store[commonFlag.Profile] = prof
		if err := store.Save(commonFlag.ProfileStore); err != nil {
			return err
		}
		logger.Printf(
			"profile '%s' is saved into %s",
			commonFlag.Profile, commonFlag.ProfileStore,
		)
		return nil
	}
}
