package version

import (
	"runtime/debug"
	"testing"

	"github.com/google/go-cmp/cmp"
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
	want := Info{
		Version:   "v0.3.1",
		Commit:    "0123456789abcdef0123",
		BuildTime: "2026-01-02T03:04:05Z",
		Modified:  true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("fromBuildInfo mismatch (-want +got):\n%s", diff)
	}
	if s := got.String(); s != "v0.3.1 (0123456789ab-dirty)" {
		t.Fatalf("String() = %q", s)
	}
}

func TestLinkerValuesWin(t *testing.T) {
	t.Parallel()
	bi := &debug.BuildInfo{
		Main:     debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "fff"}},
	}
	got := fromBuildInfo(Info{Version: "1.0.0", Commit: "abc"}, bi)
	if got.Version != "1.0.0" || got.Commit != "abc" {
		t.Fatalf("linker values overridden: %+v", got)
	}
	if s := got.String(); s != "1.0.0 (abc)" {
		t.Fatalf("String() = %q", s)
	}
}

func TestResolveNeverEmpty(t *testing.T) {
	t.Parallel()
	if Resolve().Version == "" {
		t.Fatalf("Resolve returned an empty version")
	}
}
