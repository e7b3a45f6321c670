package build

// CurrentCommit is set by the build system via -ldflags.
var CurrentCommit string

// BuildVersion is the local build version. The major.minor tracks the
// unified record format the service speaks.
const BuildVersion = "2.0.0"

func UserVersion() string {
	return BuildVersion + CurrentCommit
}
