// Package version reports build information for the rtq binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is set at build time via -ldflags.
var Version = "0.1.0-dev"

// Info describes the running binary.
type Info struct {
	Version   string
	Revision  string
	GoVersion string
	OS        string
	Arch      string
}

// Get collects build information. The VCS revision is read from the
// embedded build info when the binary was built from a checkout.
func Get() Info {
	info := Info{
		Version:   Version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				info.Revision = s.Value
			}
		}
	}
	return info
}

func (i Info) String() string {
	s := fmt.Sprintf("rtq version %s\n  OS/Arch: %s/%s\n  Go version: %s\n", i.Version, i.OS, i.Arch, i.GoVersion)
	if i.Revision != "" {
		s += fmt.Sprintf("  Revision: %s\n", i.Revision)
	}
	return s
}
