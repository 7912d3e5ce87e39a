// Package manifest defines the manifest data model, the indexer that
// builds one from a share tree, and the on-disk store that persists and
// retrieves snapshots.
package manifest

// Entry is one file record within a manifest. Path is POSIX-relative and
// never begins with "/" or contains "..".
type Entry struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
	Hash  string `json:"hash"`
}

// Policy summarizes the indexing knobs and counters used to build a
// Manifest.
type Policy struct {
	Hash             string `json:"hash"`
	IgnoreCount      int    `json:"ignore_count"`
	Skipped          int    `json:"skipped"`
	SmallThresholdMB int    `json:"small_threshold_mb"`
	SampleMB         int    `json:"sample_mb"`
}

// Manifest is a single scan snapshot of one share.
type Manifest struct {
	Share       string   `json:"share"`
	GeneratedAt string   `json:"generated_at"`
	Entries     []Entry  `json:"entries"`
	Policy      Policy   `json:"policy"`
}
