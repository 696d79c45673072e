package version

import (
	"runtime"
	"testing"
)

func TestSetAndCurrent(t *testing.T) {
	Set(Info{Version: "v1.2.3", Commit: "abc", BuildTime: "2026-01-01T00:00:00Z"})

	got := Current()
	if got.Version != "v1.2.3" || got.Commit != "abc" || got.BuildTime != "2026-01-01T00:00:00Z" {
		t.Fatalf("unexpected info %+v", got)
	}
	if got.GoVersion != runtime.Version() {
		t.Fatalf("unexpected go version %q", got.GoVersion)
	}

	Set(Info{Commit: "abc", BuildTime: "now"})
	if got := Current(); got.Version != "dev" {
		t.Fatalf("empty version must default to dev, got %q", got.Version)
	}
}
