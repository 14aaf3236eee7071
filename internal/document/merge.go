package document

import "sort"

// Merge reconciles a remote element set into the local one. Per element id
// present on both sides, the local copy wins when it is mid-interaction
// (listed in localTransient), has the higher version, or ties on version
// with the lower version nonce; otherwise the remote copy is adopted.
// Elements present on only one side are kept as-is. The result is in
// canonical order. Pure function: neither input slice is mutated.
func Merge(local, remote []Element, localTransient map[string]struct{}) []Element {
	byID := make(map[string]int, len(local))
	for i, el := range local {
		byID[el.ID] = i
	}

	merged := make([]Element, len(local), len(local)+len(remote))
	copy(merged, local)

	for _, rem := range remote {
		i, ok := byID[rem.ID]
		if !ok {
			merged = append(merged, rem)
			continue
		}
		loc := merged[i]
		if _, transient := localTransient[rem.ID]; transient {
			continue
		}
		if loc.Version > rem.Version {
			continue
		}
		if loc.Version == rem.Version && loc.VersionNonce < rem.VersionNonce {
			continue
		}
		merged[i] = rem
	}

	Canonicalize(merged)
	return merged
}

// Canonicalize sorts elements ascending by ordering key, ties broken by id.
// Elements without an ordering key sort last.
func Canonicalize(elements []Element) {
	sort.SliceStable(elements, func(i, j int) bool {
		a, b := elements[i], elements[j]
		switch {
		case a.Index == "" && b.Index == "":
			return a.ID < b.ID
		case a.Index == "":
			return false
		case b.Index == "":
			return true
		case a.Index != b.Index:
			return a.Index < b.Index
		default:
			return a.ID < b.ID
		}
	})
}
