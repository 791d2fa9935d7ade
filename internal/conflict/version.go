package conflict

import (
	"strconv"
	"strings"
)

// normalizeVersion strips range operators and a leading "v" so "^1.2.0" and
// "v1.2.0" compare equal.
func normalizeVersion(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimLeft(v, "^~=<> ")
	v = strings.TrimPrefix(v, "v")
	return v
}

type parsedVersion struct {
	parts      []int
	prerelease string
}

func parseVersion(v string) parsedVersion {
	v = normalizeVersion(v)
	if i := strings.IndexByte(v, '+'); i >= 0 {
		v = v[:i]
	}
	var pre string
	if i := strings.IndexByte(v, '-'); i >= 0 {
		v, pre = v[:i], v[i+1:]
	}
	var parts []int
	for _, field := range strings.Split(v, ".") {
		n, err := strconv.Atoi(field)
		if err != nil {
			n = 0
		}
		parts = append(parts, n)
	}
	return parsedVersion{parts: parts, prerelease: pre}
}

// compareVersions orders versions numerically by dotted component. A release
// sorts after its prereleases. Unparseable components count as zero, and ties
// fall back to string order so the result is total.
func compareVersions(a, b string) int {
	pa, pb := parseVersion(a), parseVersion(b)
	n := len(pa.parts)
	if len(pb.parts) > n {
		n = len(pb.parts)
	}
	for i := 0; i < n; i++ {
		x, y := at(pa.parts, i), at(pb.parts, i)
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	switch {
	case pa.prerelease == "" && pb.prerelease != "":
		return 1
	case pa.prerelease != "" && pb.prerelease == "":
		return -1
	}
	if c := strings.Compare(pa.prerelease, pb.prerelease); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

func at(parts []int, i int) int {
	if i < len(parts) {
		return parts[i]
	}
	return 0
}

// latestVersion returns the highest of versions, or "" when empty.
func latestVersion(versions []string) string {
	var best string
	for i, v := range versions {
		if i == 0 || compareVersions(v, best) > 0 {
			best = v
		}
	}
	return best
}
