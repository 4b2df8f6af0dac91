// Package validation checks golden path uploads before anything is written to
// storage: names, namespaces, versions, size and the YAML frontmatter block.
package validation

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-version"
)

// ErrInvalidVersion is wrapped by every version validation failure.
var ErrInvalidVersion = errors.New("invalid version")

// DefaultVersion is used when an upload names no version.
const DefaultVersion = "0.0.1"

// ValidateSemver accepts MAJOR.MINOR.PATCH with optional pre-release and
// build suffixes. go-version alone also accepts "1.0" and a leading "v"; those
// are refused because the version string becomes part of the object key.
func ValidateSemver(versionStr string) error {
	if _, err := version.NewSemver(versionStr); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidVersion, versionStr, err)
	}
	core := versionStr
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	if strings.HasPrefix(versionStr, "v") || strings.Count(core, ".") != 2 {
		return fmt.Errorf("%w %q: want MAJOR.MINOR.PATCH", ErrInvalidVersion, versionStr)
	}
	return nil
}

// CompareSemver returns -1, 0 or 1 as v1 is lower, equal or higher than v2.
func CompareSemver(v1Str, v2Str string) (int, error) {
	v1, err := version.NewVersion(v1Str)
	if err != nil {
		return 0, fmt.Errorf("invalid version v1: %w", err)
	}
	v2, err := version.NewVersion(v2Str)
	if err != nil {
		return 0, fmt.Errorf("invalid version v2: %w", err)
	}
	return v1.Compare(v2), nil
}

// Latest returns the highest version in candidates, preferring releases over
// pre-releases. Strings that do not parse are ignored. ok is false when no
// candidate parses.
func Latest(candidates []string) (latest string, ok bool) {
	var releases, pre version.Collection
	original := make(map[*version.Version]string, len(candidates))
	for _, c := range candidates {
		v, err := version.NewVersion(c)
		if err != nil {
			continue
		}
		original[v] = c
		if v.Prerelease() == "" {
			releases = append(releases, v)
		} else {
			pre = append(pre, v)
		}
	}
	pool := releases
	if len(pool) == 0 {
		pool = pre
	}
	if len(pool) == 0 {
		return "", false
	}
	sort.Sort(pool)
	return original[pool[len(pool)-1]], true
}
