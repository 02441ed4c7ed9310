// Package naming turns instance tags into unique host names.
package naming

import (
	"sort"
	"strconv"
	"strings"
)

// Separator joins tag values and collision counters.
const Separator = "-"

// GenerateName builds the candidate name for one instance. A nil selection
// uses every tag value in ascending key order; otherwise the selected keys are
// used in the given order and keys missing from tags are skipped. With no
// values the instance id is used. Spaces become Separator.
func GenerateName(id string, selection []string, tags map[string]string) string {
	var values []string
	if selection == nil {
		keys := make([]string, 0, len(tags))
		for k := range tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			values = append(values, tags[k])
		}
	} else {
		for _, k := range selection {
			if v, ok := tags[k]; ok {
				values = append(values, v)
			}
		}
	}

	name := id
	if len(values) > 0 {
		name = strings.Join(values, Separator)
	}
	return strings.ReplaceAll(name, " ", Separator)
}

// ResolveNames disambiguates candidate names keyed by instance id.
//
// Instances are visited in ascending id order. A candidate produced by a
// single instance is kept as is. For a candidate produced by several
// instances the first keeps the bare name and the following ones get -2, -3
// and so on. A suffixed name that is already taken skips to the next counter.
func ResolveNames(candidates map[string]string) map[string]string {
	ids := make([]string, 0, len(candidates))
	counts := make(map[string]int, len(candidates))
	for id, name := range candidates {
		ids = append(ids, id)
		counts[name]++
	}
	sort.Strings(ids)

	// Every distinct candidate is reserved for its first occurrence.
	taken := make(map[string]bool, len(counts))
	for name := range counts {
		taken[name] = true
	}

	seen := make(map[string]int, len(counts))
	resolved := make(map[string]string, len(candidates))
	for _, id := range ids {
		name := candidates[id]
		if counts[name] <= 1 {
			resolved[id] = name
			continue
		}

		seen[name]++
		if seen[name] == 1 {
			resolved[id] = name
			continue
		}

		n := seen[name]
		for taken[name+Separator+strconv.Itoa(n)] {
			n++
		}
		seen[name] = n
		unique := name + Separator + strconv.Itoa(n)
		taken[unique] = true
		resolved[id] = unique
	}

	return resolved
}
