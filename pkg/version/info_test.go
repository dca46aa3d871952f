package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"testing"
)

func TestCurrent_UsesLinkerValues(t *testing.T) {
	prevVersion, prevCommit, prevTime := AppVersion, GitCommit, BuildTime
	t.Cleanup(func() { AppVersion, GitCommit, BuildTime = prevVersion, prevCommit, prevTime })

	AppVersion, GitCommit, BuildTime = " v1.4.0 ", "abc123", "2026-01-02T03:04:05Z"
	info := Current()

	if info.Version != "v1.4.0" || info.Commit != "abc123" || info.BuildTime != "2026-01-02T03:04:05Z" {
		t.Fatalf("Current() = %+v", info)
	}
	if info.GoVersion != runtime.Version() {
		t.Fatalf("GoVersion = %s", info.GoVersion)
	}
	if !strings.Contains(info.String(), "stache v1.4.0") {
		t.Fatalf("String() = %s", info.String())
	}
}

func TestFillFromBuildInfo(t *testing.T) {
	tests := []struct {
		name string
		in   Info
		bi   debug.BuildInfo
		want Info
	}{
		{
			name: "vcs stamp fills unknowns",
			in:   Info{Version: DevelopmentVersion, Commit: Unknown, BuildTime: Unknown},
			bi: debug.BuildInfo{
				Main:     debug.Module{Version: "v0.3.0"},
				Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "deadbeef"}, {Key: "vcs.time", Value: "2026-05-01T00:00:00Z"}},
			},
			want: Info{Version: "v0.3.0", Commit: "deadbeef", BuildTime: "2026-05-01T00:00:00Z"},
		},
		{
			name: "linker values win",
			in:   Info{Version: "v9.9.9", Commit: "cafe", BuildTime: "now"},
			bi: debug.BuildInfo{
				Main:     debug.Module{Version: "v0.3.0"},
				Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "deadbeef"}},
			},
			want: Info{Version: "v9.9.9", Commit: "cafe", BuildTime: "now"},
		},
		{
			name: "devel main version ignored",
			in:   Info{Version: DevelopmentVersion, Commit: Unknown, BuildTime: Unknown},
			bi:   debug.BuildInfo{Main: debug.Module{Version: "(devel)"}},
			want: Info{Version: DevelopmentVersion, Commit: Unknown, BuildTime: Unknown},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bi := tt.bi
			if got := fillFromBuildInfo(tt.in, &bi); got != tt.want {
				t.Fatalf("fillFromBuildInfo() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNormalizeOrDefault(t *testing.T) {
	if got := normalizeOrDefault("   ", "x"); got != "x" {
		t.Fatalf("got %q", got)
	}
	if got := normalizeOrDefault(" v1 ", "x"); got != "v1" {
		t.Fatalf("got %q", got)
	}
}
