package version

// Current defines the application version.
// It defaults to "dev" and is set at build time with -ldflags.
var Current = "dev"

// Commit is injected via ldflags alongside Current.
var Commit = "none"

const AppName = "reaper"

// String is the banner printed by `reaper version`.
func String() string {
	return AppName + " " + Current + " (" + Commit + ")"
}
