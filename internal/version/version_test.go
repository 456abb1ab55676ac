package version

import (
	"runtime/debug"
	"testing"
)

func TestFromBuildInfo(t *testing.T) {
	t.Parallel()
	bi := &debug.BuildInfo{
		Main: debug.Module{Version: "v0.3.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	got := fromBuildInfo(Info{}, bi)
	if got.Version != "v0.3.1" || got.BuildTime != "2026-01-02T03:04:05Z" || !got.Modified {
		t.Fatalf("info = %+v", got)
	}
	if s := got.String(); s != "v0.3.1 (0123456789ab+dirty)" {
		t.Fatalf("String = %q", s)
	}
}

func TestLdflagsWin(t *testing.T) {
	t.Parallel()
	bi := &debug.BuildInfo{
		Main:     debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "feed"}},
	}
	got := fromBuildInfo(Info{Version: "1.0.0", Commit: "beef"}, bi)
	if got.Version != "1.0.0" || got.Commit != "beef" {
		t.Fatalf("info = %+v", got)
	}
	if (Info{Version: "x"}).String() != "x" {
		t.Fatal("String without commit")
	}
}
