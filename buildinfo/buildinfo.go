// Package buildinfo holds application metadata. Release builds set the
// version fields with ldflags:
//
//	go build -ldflags "\
//	  -X github.com/dubu/turbo-nfc/buildinfo.Version=1.2.0 \
//	  -X github.com/dubu/turbo-nfc/buildinfo.Commit=$(git rev-parse --short HEAD)"
package buildinfo

import (
	"fmt"
	"runtime"
	"strings"
)

var (
	// Name is the binary and mDNS instance name.
	Name = "turbo-nfc"

	// DirName is the directory used under the user config and data paths.
	DirName = "turbo-nfc"

	DisplayName = "Turbo NFC Agent"
	Description = "NFC tag reader bridge for application runtimes"

	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

// FullVersion is Version, followed by the commit in parentheses when set.
func FullVersion() string {
	if Commit != "" {
		return fmt.Sprintf("%s (%s)", Version, Commit)
	}
	return Version
}

// UserAgent returns "turbo-nfc/<version>".
func UserAgent() string {
	return Name + "/" + Version
}

// BuildInfo is the multi-line text printed by the version command.
func BuildInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", Name, FullVersion())
	fmt.Fprintf(&b, "  %s\n", Description)
	fmt.Fprintf(&b, "  Go: %s\n", runtime.Version())
	fmt.Fprintf(&b, "  OS/Arch: %s/%s", runtime.GOOS, runtime.GOARCH)
	if BuildTime != "" {
		fmt.Fprintf(&b, "\n  Built: %s", BuildTime)
	}
	return b.String()
}

func IsDev() bool {
	return Version == "dev"
}
