package version

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestGet_Defaults(t *testing.T) {
	info := Get()
	if info != (Info{Version: "dev", Commit: "unknown", BuildTime: "unknown"}) {
		t.Errorf("Get() = %+v", info)
	}
	if got := info.String(); got != "streamtap dev (commit unknown, built unknown)" {
		t.Errorf("String() = %q", got)
	}
}

func TestGet_Stamped(t *testing.T) {
	defer func(v, c, b string) { Version, Commit, BuildTime = v, c, b }(Version, Commit, BuildTime)
	Version, Commit, BuildTime = "v0.3.0", "abc1234", "2026-01-02T03:04:05Z"

	if got := Get().String(); got != "streamtap v0.3.0 (commit abc1234, built 2026-01-02T03:04:05Z)" {
		t.Errorf("String() = %q", got)
	}
}

func TestInfo_LogValue(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("starting", "build", Get())

	out := buf.String()
	for _, want := range []string{"build.version=dev", "build.commit=unknown", "build.built=unknown"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q missing %q", out, want)
		}
	}
}
