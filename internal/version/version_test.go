package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestGet(t *testing.T) {
	info := Get()
	if info.Version != Version {
		t.Errorf("Version = %s, want %s", info.Version, Version)
	}
	if info.OS != runtime.GOOS || info.Arch != runtime.GOARCH {
		t.Errorf("Unexpected platform %s/%s", info.OS, info.Arch)
	}
}

func TestInfoString(t *testing.T) {
	s := Info{Version: "1.2.3", GoVersion: "go1.21", OS: "linux", Arch: "amd64"}.String()
	if !strings.Contains(s, "rtq version 1.2.3") || !strings.Contains(s, "linux/amd64") {
		t.Errorf("Unexpected output: %s", s)
	}
	if strings.Contains(s, "Revision") {
		t.Error("Revision line should be omitted when unknown")
	}
}
