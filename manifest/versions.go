package manifest

import (
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
)

var sha256Re = regexp.MustCompile(`^[0-9a-f]{64}$`)

// normalize maps manifest versions onto the canonical form the semver
// package understands, manifests usually ship bare versions like "3.2".
func normalize(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// ValidVersion reports whether the version can be ordered.
func ValidVersion(v string) bool {
	return semver.IsValid(normalize(v))
}

// CompareVersions orders two manifest versions, newer compares greater.
// Numeric ordering applies per component, "3.10" sorts above "3.2".
func CompareVersions(a, b string) int {
	return semver.Compare(normalize(a), normalize(b))
}

// IsSHA256 reports whether the checksum is a full sha256 digest. Any other
// checksum value is informational and is never enforced.
func IsSHA256(checksum string) bool {
	return sha256Re.MatchString(strings.ToLower(checksum))
}
