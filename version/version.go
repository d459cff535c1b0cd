package version

import (
	"fmt"
	"runtime"
)

// Set at build time via -ldflags.
var (
	Version  = "dev"
	Revision = "unknown"
	BuiltAt  = "unknown"
)

// String returns the multi-line version banner.
func String() string {
	return fmt.Sprintf("vmgr %s\nrevision: %s\nbuilt: %s\n%s %s/%s\n",
		Version, Revision, BuiltAt, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
