// Package filters holds the small data helpers the playbooks use as
// template filters and tests: list indexing and averaging, Kubernetes
// condition lookup, crypto mode naming and version splitting.
package filters

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Masterminds/semver"
)

// Number is any numeric element type Avg accepts.
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// AtIndex returns the element at index. Negative indices count from the
// end. ok is false when index is out of range.
func AtIndex[T any](in []T, index int) (v T, ok bool) {
	if index < 0 {
		index += len(in)
	}
	if index < 0 || index >= len(in) {
		return v, false
	}
	return in[index], true
}

// Avg returns the arithmetic mean of in. ok is false for an empty list.
func Avg[T Number](in []T) (avg float64, ok bool) {
	if len(in) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range in {
		sum += float64(v)
	}
	return sum / float64(len(in)), true
}

// All reports whether every element is true. An empty list is true.
func All(in []bool) bool {
	for _, b := range in {
		if !b {
			return false
		}
	}
	return true
}

// GetResources returns metadata.name of a Kubernetes object when one of
// its status.conditions has the given type and a status among the
// "|"-separated statuses. It returns "" otherwise or when the object does
// not have the expected shape.
func GetResources(obj map[string]any, conditionType, statuses string) string {
	want := strings.Split(statuses, "|")

	status, _ := obj["status"].(map[string]any)
	metadata, _ := obj["metadata"].(map[string]any)
	if status == nil || metadata == nil {
		return ""
	}
	conditions, _ := status["conditions"].([]any)
	name, _ := metadata["name"].(string)

	for _, raw := range conditions {
		c, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		t, _ := c["type"].(string)
		s, _ := c["status"].(string)
		if t == conditionType && slices.Contains(want, s) {
			return name
		}
	}
	return ""
}

// CexMode maps lszcrypt mode strings to the short mode name used in
// Kubernetes resource names: "ep11", "cca" or "accel". The first
// recognised entry wins; "" means none matched.
func CexMode(modes []string) string {
	for _, m := range modes {
		switch {
		case strings.HasPrefix(m, "EP11"):
			return "ep11"
		case strings.HasPrefix(m, "CCA"):
			return "cca"
		case strings.HasPrefix(m, "Accel"):
			return "accel"
		}
	}
	return ""
}

// Version is a parsed major.minor.micro version.
type Version struct {
	Major int64 `json:"major"`
	Minor int64 `json:"minor"`
	Micro int64 `json:"micro"`
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Micro)
}

// Less reports whether v orders before o.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Micro < o.Micro
}

// ParseVersion splits a version string such as "4.12", "v2.29.0" or
// "4.14.0-rc.1" into its numeric parts. Missing parts are zero.
func ParseVersion(s string) (Version, error) {
	v, err := semver.NewVersion(strings.TrimSpace(s))
	if err != nil {
		return Version{}, fmt.Errorf("cannot parse version %q: %w", s, err)
	}
	return Version{Major: v.Major(), Minor: v.Minor(), Micro: v.Patch()}, nil
}

// ParseFirstVersion parses the first element of a list of version strings.
func ParseFirstVersion(in []string) (Version, error) {
	if len(in) == 0 {
		return Version{}, fmt.Errorf("no version given")
	}
	return ParseVersion(in[0])
}
