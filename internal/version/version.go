package version

import (
	"fmt"
	"runtime"
)

// Set through -ldflags "-X position-relayer/internal/version.Version=..." at release.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Name identifies the relayer to peers: Postgres application_name and the
// version command.
const Name = "position-relayer"

// Info is the build metadata printed by the version command.
type Info struct {
	Version   string
	Commit    string
	BuildDate string
	GoVersion string
	Platform  string
}

// Get returns the metadata of the running binary.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// UserAgent is "position-relayer/<version>", with the short commit appended
// when the build carries one.
func (i Info) UserAgent() string {
	ua := Name + "/" + i.Version
	if i.Commit != "" && i.Commit != "unknown" {
		commit := i.Commit
		if len(commit) > 7 {
			commit = commit[:7]
		}
		ua += "+" + commit
	}
	return ua
}

func (i Info) String() string {
	return fmt.Sprintf("%s\ncommit: %s\nbuilt: %s\ngo: %s %s", i.UserAgent(), i.Commit, i.BuildDate, i.GoVersion, i.Platform)
}
