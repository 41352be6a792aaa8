// Package version identifies the streamtap build. Release builds stamp the
// variables below with the linker:
//
//	go build -ldflags "-X github.com/GameclubPro/girl-sub002/internal/version.Version=v0.3.0 \
//	    -X github.com/GameclubPro/girl-sub002/internal/version.Commit=$(git rev-parse --short HEAD) \
//	    -X github.com/GameclubPro/girl-sub002/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" \
//	    ./cmd/streamtap
package version

import "log/slog"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info is the build stamp as reported by /health and the startup log.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// Get returns the stamped build info.
func Get() Info {
	return Info{Version: Version, Commit: Commit, BuildTime: BuildTime}
}

// LogValue groups the build fields in structured logs.
func (i Info) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("version", i.Version),
		slog.String("commit", i.Commit),
		slog.String("built", i.BuildTime),
	)
}

// String formats the build for --version output.
func (i Info) String() string {
	return "streamtap " + i.Version + " (commit " + i.Commit + ", built " + i.BuildTime + ")"
}
