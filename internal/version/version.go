// Package version reports build information set at link time via ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	CommitHash = "dev"
	BuildTime  = "unknown"
	Version    = "dev"
)

// Info is the gateway's build identity.
type Info struct {
	CommitHash string `json:"commitHash"`
	BuildTime  string `json:"buildTime"`
	Version    string `json:"version"`
	GoVersion  string `json:"goVersion"`
	Platform   string `json:"platform"`
}

// Get returns the current build information.
func Get() Info {
	return Info{
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		Version:    Version,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String renders a one-line human summary.
func (i Info) String() string {
	return fmt.Sprintf("nina-gateway %s (commit %s, built %s)", i.Version, i.Short(), i.BuildTime)
}

// Short returns a shortened commit hash.
func (i Info) Short() string {
	if len(i.CommitHash) > 8 {
		return i.CommitHash[:8]
	}
	return i.CommitHash
}
