package common

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/neurodata/synq/cmd/synq/config/profiles"
	"github.com/neurodata/synq/pkg/cache"
	"github.com/neurodata/synq/pkg/xnat"
	"github.com/youta-t/flarc"
)

type TaskWithCommonFlag[T any] func(
	ctx context.Context,
	logger *log.Logger,
	commonFlag CommonFlags,
	cl flarc.Commandline[T],
	params []any,
) error

func NewTaskWithCommonFlag[T any](task TaskWithCommonFlag[T]) flarc.Task[T] {
	return func(ctx context.Context, cl flarc.Commandline[T], pos []any) error {
		var commonFlag CommonFlags
		found := false
		newpos := make([]any, 0, len(pos))
		for _, p := range pos {
			switch v := p.(type) {
			case CommonFlags:
				found = true
				commonFlag = v
			default:
				newpos = append(newpos, p)
			}
		}
		if !found {
			return errors.New("programming error: common flags not found")
		}

		logger := log.New(cl.Stderr(), "", log.LstdFlags)
		logger.SetPrefix(fmt.Sprintf("[%s] ", cl.Fullname()))

		return task(
			ctx,
			logger,
			commonFlag,
			cl,
			newpos,
		)
	}
}

type Task[T any] func(
	ctx context.Context,
	logger *log.Logger,
	profile *profiles.SynqProfile,
	repo *xnat.Repository,
	cl flarc.Commandline[T],
	params []any,
) error

// NewTask wires a subcommand up with the repository of the selected profile.
func NewTask[T any](task Task[T]) flarc.Task[T] {
	return NewTaskWithCommonFlag(func(
		ctx context.Context,
		logger *log.Logger,
		commonFlag CommonFlags,
		cl flarc.Commandline[T],
		params []any,
	) error {
		store, err := profiles.LoadProfileStore(commonFlag.ProfileStore)
		if err != nil {
			if errors.Is(err, profiles.ErrProfileStoreNotFound) {
				return fmt.Errorf(
					"%w: profile store (%s) is not found. Please try `synq init` first",
					err, commonFlag.ProfileStore,
				)
			}
			return fmt.Errorf(
				"%w: failed to load profile store (%s)",
				err, commonFlag.ProfileStore,
			)
		}
		prof, ok := store[commonFlag.Profile]
		if !ok {
			return fmt.Errorf(
				"profile '%s' not found in the profile store (%s)",
				commonFlag.Profile, commonFlag.ProfileStore,
			)
		}
		if err := prof.Verify(); err != nil {
			return fmt.Errorf(
				"%w: your profile ('%s' in %s) can be broken; remove it and try `synq init` again",
				err, commonFlag.Profile, commonFlag.ProfileStore,
			)
		}

		repo, err := NewRepository(prof, logger)
		if err != nil {
			return err
		}
		return task(ctx, logger, prof, repo, cl, params)
	})
}

// NewRepository builds the repository a verified profile describes.
func NewRepository(prof *profiles.SynqProfile, logger *log.Logger) (*xnat.Repository, error) {
	store, err := cache.New(prof.CacheRoot)
	if err != nil {
		return nil, fmt.Errorf("cannot open cache at %s: %w", prof.CacheRoot, err)
	}

	api := xnat.NewClient(
		prof.Server,
		xnat.WithCredentials(prof.User, prof.Password),
	)

	options := []xnat.RepositoryOption{xnat.WithLogger(logger)}
	if prof.SessionFilter != "" {
		re, err := regexp.Compile(prof.SessionFilter)
		if err != nil {
			return nil, fmt.Errorf("%w: sessionFilter does not compile: %s", profiles.ErrProfileInvalid, err)
		}
		options = append(options, xnat.WithSessionFilter(re))
	}
	if prof.RaceDelaySeconds > 0 {
		options = append(options, xnat.WithRaceDelay(time.Duration(prof.RaceDelaySeconds)*time.Second))
	}
	if prof.SkipDigestCheck {
		options = append(options, xnat.WithoutDigestCheck())
	}
	return xnat.NewRepository(api, store, options...), nil
}
