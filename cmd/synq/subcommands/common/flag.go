package common

import (
	"os"
	"path"
	"path/filepath"
	"strings"
)

type CommonFlags struct {
	Profile      string `flag:"profile" help:"synq profile name to use"`
	ProfileStore string `flag:"profile-store" help:"path to synq profile store file"`
}

type commonFlagDetection struct {
	home string
}

type CommonFlagDetectionOption func(*commonFlagDetection) *commonFlagDetection

func WithHome(home string) CommonFlagDetectionOption {
	return func(opt *commonFlagDetection) *commonFlagDetection {
		opt.home = home
		return opt
	}
}

// Flags detects default common flag values: the profile name comes from
// SYNQ_PROFILE, or from the first line of a ".synqprofile" file found in from
// or any of its ancestors; the store lives under the user's home.
func Flags(from string, opt ...CommonFlagDetectionOption) (CommonFlags, error) {
	detparam := commonFlagDetection{
		home: "",
	}
	for _, o := range opt {
		detparam = *o(&detparam)
	}

	home := detparam.home
	if home == "" {
		_home, err := os.UserHomeDir()
		if err != nil {
			_home = ""
		}
		home = _home
	}

	if _from, err := filepath.Abs(from); err == nil {
		from = _from
	}

	profile := os.Getenv("SYNQ_PROFILE")
	if profile == "" {
		profile = "default"
		for searchpath := from; ; {
			candidate := path.Join(searchpath, ".synqprofile")
			if s, err := os.Stat(candidate); err == nil && s.Mode().IsRegular() {
				buf, err := os.ReadFile(candidate)
				if err != nil {
					return CommonFlags{}, err
				}
				if lines := strings.Split(string(buf), "\n"); 0 < len(lines) {
					profile = strings.TrimSpace(lines[0])
				}
				break
			}
			next := path.Dir(searchpath)
			if next == searchpath {
				break
			}
			searchpath = next
		}
	}

	return CommonFlags{
		Profile:      profile,
		ProfileStore: path.Join(home, ".synq", "profile"),
	}, nil
}
