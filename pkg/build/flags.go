// SPDX-License-Identifier: MIT
//
// Package build exposes the metadata embedded into the binary at link time:
//
//	go build -ldflags "-X biostream/pkg/build.buildVersion=0.3.0 \
//	  -X biostream/pkg/build.buildCommit=$(git rev-parse --short HEAD) \
//	  -X biostream/pkg/build.buildTime=$(date -u +%FT%TZ)"
//
// Development builds carry no flags and report "dev" values.
package build

import (
	"errors"
	"fmt"
)

// Info describes the running binary.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	Time        string `json:"time"`
}

// String renders the version line printed by --version.
func (i Info) String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", i.Version, i.Commit, i.Time)
}

const description = "EEG acquisition, filtering and drowsiness classification"

// Populated by -ldflags.
var (
	buildName    string
	buildTime    string
	buildCommit  string
	buildVersion string
	buildInfo    = devInfo()
)

func devInfo() *Info {
	return &Info{
		Name:        "biostream",
		Description: description,
		Version:     "dev",
		Commit:      "unknown",
		Time:        "unknown",
	}
}

// Initialize copies the linker-provided values into the build info. Missing
// values keep their development defaults and are reported together in the
// returned error, so callers can warn and carry on.
func Initialize() error {
	var errs []error
	set := func(dst *string, v, flag string) {
		if v == "" {
			errs = append(errs, fmt.Errorf("%s is not set", flag))
			return
		}
		*dst = v
	}
	set(&buildInfo.Name, buildName, "buildName")
	set(&buildInfo.Time, buildTime, "buildTime")
	set(&buildInfo.Commit, buildCommit, "buildCommit")
	set(&buildInfo.Version, buildVersion, "buildVersion")
	return errors.Join(errs...)
}

// GetBuildInfo returns the current build information.
func GetBuildInfo() Info {
	return *buildInfo
}
