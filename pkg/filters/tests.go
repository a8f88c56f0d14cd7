package filters

import "slices"

// IsRange reports whether in, once sorted, is exactly the consecutive
// integers start..max(in). An empty list is not a range.
func IsRange(in []int, start int) bool {
	if len(in) == 0 {
		return false
	}
	sorted := slices.Clone(in)
	slices.Sort(sorted)
	for i, v := range sorted {
		if v != start+i {
			return false
		}
	}
	return true
}

// InList reports whether v is a member of values.
func InList[T comparable](v T, values []T) bool {
	return slices.Contains(values, v)
}
