package membership

import "sort"

// Delta returns the ids in requested that are not in current, sorted and
// de-duplicated
func Delta(current, requested []int64) []int64 {
	have := make(map[int64]struct{}, len(current))
	for _, id := range current {
		have[id] = struct{}{}
	}
	out := []int64{}
	for _, id := range requested {
		if _, ok := have[id]; ok {
			continue
		}
		have[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MergeIDs returns the sorted union of a and b
func MergeIDs(a, b []int64) []int64 {
	out := append(append([]int64{}, a...), Delta(a, b)...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
