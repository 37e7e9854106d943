package catalog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidVersion indicates a version string that is not a dotted triple of
// integers.
var ErrInvalidVersion = errors.New("version must be a dotted triple of integers")

// Version is a strict x.y.z semantic version.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses "x.y.z" where each part is a non-negative integer.
func ParseVersion(raw string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, raw)
	}
	values := [3]int{}
	for i, part := range parts {
		value, err := strconv.Atoi(part)
		if err != nil || value < 0 || (len(part) > 1 && strings.HasPrefix(part, "0")) {
			return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, raw)
		}
		values[i] = value
	}
	return Version{Major: values[0], Minor: values[1], Patch: values[2]}, nil
}

// Compare returns -1, 0 or 1 as v orders before, equal to or after other.
func (v Version) Compare(other Version) int {
	for _, pair := range [][2]int{
		{v.Major, other.Major},
		{v.Minor, other.Minor},
		{v.Patch, other.Patch},
	} {
		if pair[0] < pair[1] {
			return -1
		}
		if pair[0] > pair[1] {
			return 1
		}
	}
	return 0
}

// NewerThan reports whether v is strictly greater than other. Published
// updates must satisfy this against the live catalog version.
func (v Version) NewerThan(other Version) bool { return v.Compare(other) > 0 }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}
