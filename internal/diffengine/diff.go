// Package diffengine compares two manifests into added/modified/deleted
// path sets.
package diffengine

import (
	"sort"

	"github.com/keymesh/keymesh/internal/manifest"
)

// Summary holds the counts of a Result.
type Summary struct {
	Added    int `json:"added"`
	Modified int `json:"modified"`
	Deleted  int `json:"deleted"`
	Delta    int `json:"delta"`
}

// Result is the outcome of comparing a local manifest against a remote one.
type Result struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Deleted  []string `json:"deleted"`
	Summary  Summary  `json:"summary"`
}

func entryMap(m *manifest.Manifest) map[string]manifest.Entry {
	out := make(map[string]manifest.Entry, len(m.Entries))
	for _, e := range m.Entries {
		if e.Path != "" {
			out[e.Path] = e
		}
	}
	return out
}

// Compare runs a three-way comparison between local and remote: hash-first,
// mtime-fallback when both hashes are blank. Equal hashes are never
// considered modified regardless of mtime.
func Compare(local, remote *manifest.Manifest) Result {
	localMap := entryMap(local)
	remoteMap := entryMap(remote)

	var added, deleted, modified []string

	for path := range localMap {
		if _, ok := remoteMap[path]; !ok {
			added = append(added, path)
		}
	}
	for path := range remoteMap {
		if _, ok := localMap[path]; !ok {
			deleted = append(deleted, path)
		}
	}
	sort.Strings(added)
	sort.Strings(deleted)

	var common []string
	for path := range localMap {
		if _, ok := remoteMap[path]; ok {
			common = append(common, path)
		}
	}
	sort.Strings(common)

	for _, path := range common {
		localEntry := localMap[path]
		remoteEntry := remoteMap[path]

		if localEntry.Hash != "" && remoteEntry.Hash != "" {
			if localEntry.Hash != remoteEntry.Hash {
				modified = append(modified, path)
			}
			continue
		}
		if localEntry.Hash != "" || remoteEntry.Hash != "" {
			if localEntry.Hash != remoteEntry.Hash {
				modified = append(modified, path)
			}
			continue
		}
		if localEntry.Mtime > remoteEntry.Mtime {
			modified = append(modified, path)
		}
	}

	return Result{
		Added:    nonNil(added),
		Modified: nonNil(modified),
		Deleted:  nonNil(deleted),
		Summary: Summary{
			Added:    len(added),
			Modified: len(modified),
			Deleted:  len(deleted),
			Delta:    len(added) + len(modified) + len(deleted),
		},
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
