package internal

import "fmt"

var (
	// Set with -ldflags during release builds.
	Version         = "devel"
	GitRevision     = "devel"
	VersionRevision = fmt.Sprintf("%s-%s", Version, GitRevision)
)
