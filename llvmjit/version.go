package llvmjit

import (
	"fmt"

	"golang.org/x/mod/semver"
)

// normalize turns an LLVM version string (e.g. "19.1.0git") into the clean
// "vMAJOR.MINOR.PATCH" form golang.org/x/mod/semver requires, discarding any
// trailing pre-release/build tag LLVM appends.
func normalize(version string) string {
	var major, minor, patch int
	n, _ := fmt.Sscanf(version, "%d.%d.%d", &major, &minor, &patch)
	if n == 0 {
		return "v0.0.0"
	}
	return fmt.Sprintf("v%d.%d.%d", major, minor, patch)
}

// versionMajor extracts the numeric major component from an LLVM version
// string such as "19.1.0git".
func versionMajor(version string) int {
	major := semver.Major(normalize(version)) // "vMAJOR"
	var n int
	fmt.Sscanf(major, "v%d", &n)
	return n
}

// ifAtLeast reports whether version is >= major.minor.
func ifAtLeast(version string, major, minor int) bool {
	want := fmt.Sprintf("v%d.%d.0", major, minor)
	return semver.Compare(normalize(version), want) >= 0
}
