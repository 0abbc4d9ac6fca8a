// Package version exposes build information set through -ldflags.
package version

var (
	Version = "dev"
	Commit  = "none"
)

// UserAgent is sent with every registry and artifact request.
func UserAgent() string { return "execd/" + Version }
