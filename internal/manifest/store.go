package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/keymesh/keymesh/internal/keymesherr"
)

func safeShareName(name string) string {
	return strings.ReplaceAll(name, "/", "-")
}

// sanitizeTimestamp turns an RFC3339-ish timestamp into a filename-safe
// fragment: colons, dashes and the fractional-second dot stripped; the
// fraction's digits are kept.
func sanitizeTimestamp(ts string) string {
	sanitized := strings.NewReplacer(":", "", "-", "").Replace(ts)
	if idx := strings.Index(sanitized, "."); idx >= 0 {
		main := sanitized[:idx]
		rest := strings.TrimSuffix(sanitized[idx+1:], "Z")
		return main + rest + "Z"
	}
	return sanitized
}

func marshalIndented(m *Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Save writes a timestamped snapshot plus the "_latest" alias under outDir.
// If a previous "_latest" file exists and no file with its own timestamped
// name does, a copy is written under that name first (section
// "Supplemented Features": keeps the last two snapshots available for
// diffing without a re-scan).
func Save(outDir string, m *Manifest) (string, error) {
	if m.GeneratedAt == "" {
		return "", &keymesherr.ConfigError{Msg: "manifest missing generated_at timestamp"}
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", &keymesherr.IoError{Op: "mkdir", Path: outDir, Cause: err}
	}

	latestPath := filepath.Join(outDir, safeShareName(m.Share)+"_latest.json")
	if prev, err := os.ReadFile(latestPath); err == nil {
		var prevManifest Manifest
		if jsonErr := json.Unmarshal(prev, &prevManifest); jsonErr == nil && prevManifest.GeneratedAt != "" {
			archived := filepath.Join(outDir, safeShareName(prevManifest.Share)+"_"+sanitizeTimestamp(prevManifest.GeneratedAt)+".json")
			if _, statErr := os.Stat(archived); statErr != nil {
				_ = os.WriteFile(archived, prev, 0o644)
			}
		}
	}

	data, err := marshalIndented(m)
	if err != nil {
		return "", &keymesherr.IoError{Op: "marshal manifest", Cause: err}
	}

	filename := safeShareName(m.Share) + "_" + sanitizeTimestamp(m.GeneratedAt) + ".json"
	target := filepath.Join(outDir, filename)
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", &keymesherr.IoError{Op: "write manifest", Path: target, Cause: err}
	}
	if err := os.WriteFile(latestPath, data, 0o644); err != nil {
		return "", &keymesherr.IoError{Op: "write manifest alias", Path: latestPath, Cause: err}
	}
	return target, nil
}

// Load reads the "_latest" alias for share, or returns (nil, nil) if none
// has been written yet.
func Load(outDir, share string) (*Manifest, error) {
	latestPath := filepath.Join(outDir, safeShareName(share)+"_latest.json")
	data, err := os.ReadFile(latestPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &keymesherr.IoError{Op: "read manifest", Path: latestPath, Cause: err}
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &keymesherr.IoError{Op: "parse manifest", Path: latestPath, Cause: err}
	}
	return &m, nil
}

// LoadPrevious returns the second-to-last persisted snapshot for share, or
// (nil, nil) if fewer than two non-alias versions exist on disk.
func LoadPrevious(outDir, share string) (*Manifest, error) {
	prefix := safeShareName(share) + "_"
	entries, err := os.ReadDir(outDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &keymesherr.IoError{Op: "read manifest dir", Path: outDir, Cause: err}
	}

	var candidates []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || strings.HasSuffix(name, "_latest.json") {
			continue
		}
		candidates = append(candidates, name)
	}
	sort.Strings(candidates)
	if len(candidates) < 2 {
		return nil, nil
	}

	path := filepath.Join(outDir, candidates[len(candidates)-2])
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &keymesherr.IoError{Op: "read manifest", Path: path, Cause: err}
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &keymesherr.IoError{Op: "parse manifest", Path: path, Cause: err}
	}
	return &m, nil
}
