package manifest

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/keymesh/keymesh/internal/hashing"
	"github.com/keymesh/keymesh/internal/ignore"
	"github.com/keymesh/keymesh/internal/keymesherr"
	"go.uber.org/zap"
)

// IgnoreFileName is the per-share ignore file consulted in addition to any
// globally configured patterns.
const IgnoreFileName = ".keymeshignore"

// IndexPolicy bundles the hashing and concurrency knobs a directory scan
// runs under.
type IndexPolicy struct {
	HashPolicy       hashing.Mode
	SmallThresholdMB int
	SampleMB         int
	IgnoreHidden     bool
	MaxWorkers       int
}

// Build walks shareRoot and produces a Manifest of every file beneath it.
// basePatterns are patterns sourced outside the share (app.GetManifest
// passes those read from the share's configured ignore_file); patterns
// from <root>/.keymeshignore are always additionally loaded.
func Build(ctx context.Context, log *zap.Logger, shareName, shareRoot string, basePatterns []string, policy IndexPolicy) (*Manifest, error) {
	root, err := filepath.Abs(shareRoot)
	if err != nil {
		return nil, &keymesherr.IoError{Op: "resolve share root", Path: shareRoot, Cause: err}
	}
	if _, err := os.Stat(root); err != nil {
		return nil, &keymesherr.IoError{Op: "stat share root", Path: root, Cause: err}
	}

	patterns := append([]string{}, basePatterns...)
	extra, err := ignore.LoadPatterns(filepath.Join(root, IgnoreFileName))
	if err != nil {
		return nil, &keymesherr.IoError{Op: "read ignore file", Path: root, Cause: err}
	}
	patterns = append(patterns, extra...)

	type fileJob struct {
		fullPath string
		relPath  string
	}

	var jobs []fileJob
	ignoredCount := 0

	var walk func(dir, relDir string) error
	walk = func(dir, relDir string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return &keymesherr.IoError{Op: "read dir", Path: dir, Cause: err}
		}

		var dirNames, fileNames []string
		byName := map[string]os.DirEntry{}
		for _, e := range entries {
			byName[e.Name()] = e
			if e.IsDir() {
				dirNames = append(dirNames, e.Name())
			} else {
				fileNames = append(fileNames, e.Name())
			}
		}
		sort.Strings(dirNames)
		sort.Strings(fileNames)

		for _, name := range dirNames {
			relPath := joinPosix(relDir, name)
			if policy.IgnoreHidden && (strings.HasPrefix(name, ".") || name == "__pycache__") {
				ignoredCount++
				continue
			}
			if ignore.ShouldIgnoreDir(relPath, patterns) {
				ignoredCount++
				continue
			}
			if err := walk(filepath.Join(dir, name), relPath); err != nil {
				return err
			}
		}

		for _, name := range fileNames {
			relPath := joinPosix(relDir, name)
			entry := byName[name]
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.Mode()&os.ModeSymlink != 0 || !info.Mode().IsRegular() {
				continue
			}
			if ignore.ShouldIgnore(relPath, patterns) {
				ignoredCount++
				continue
			}
			jobs = append(jobs, fileJob{fullPath: filepath.Join(dir, name), relPath: relPath})
		}
		return nil
	}

	if err := walk(root, ""); err != nil {
		return nil, err
	}

	permits := policy.MaxWorkers
	if permits < 1 {
		permits = 1
	}
	sem := semaphore.NewWeighted(int64(permits))

	entries := make([]Entry, len(jobs))
	skippedCounts := make([]int, len(jobs))
	var wg sync.WaitGroup

	for i, job := range jobs {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil, err
		}
		wg.Add(1)
		go func(i int, job fileJob) {
			defer wg.Done()
			defer sem.Release(1)

			info, err := os.Stat(job.fullPath)
			if err != nil {
				if os.IsPermission(err) {
					log.Warn("permission denied while indexing", zap.String("path", job.fullPath))
					skippedCounts[i] = 1
				} else if os.IsNotExist(err) {
					log.Warn("file disappeared during indexing", zap.String("path", job.fullPath))
				}
				return
			}

			hash, err := hashing.HashFile(job.fullPath, policy.HashPolicy, policy.SmallThresholdMB, policy.SampleMB)
			if err != nil {
				log.Warn("hash failed during indexing", zap.String("path", job.fullPath), zap.Error(err))
				return
			}

			entries[i] = Entry{
				Path:  job.relPath,
				Size:  info.Size(),
				Mtime: info.ModTime().Unix(),
				Hash:  hash,
			}
		}(i, job)
	}
	wg.Wait()

	var kept []Entry
	skipped := 0
	for i, e := range entries {
		skipped += skippedCounts[i]
		if e.Path != "" {
			kept = append(kept, e)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Path < kept[j].Path })

	m := &Manifest{
		Share:       shareName,
		GeneratedAt: time.Now().UTC().Format("2006-01-02T15:04:05.000000Z"),
		Entries:     kept,
		Policy: Policy{
			Hash:             string(policy.HashPolicy),
			IgnoreCount:      ignoredCount,
			Skipped:          skipped,
			SmallThresholdMB: policy.SmallThresholdMB,
			SampleMB:         policy.SampleMB,
		},
	}
	log.Info("manifest built",
		zap.String("share", shareName),
		zap.Int("entries", len(kept)),
		zap.Int("ignored", ignoredCount),
		zap.Int("skipped", skipped))

	return m, nil
}

func joinPosix(relDir, name string) string {
	if relDir == "" {
		return name
	}
	return relDir + "/" + name
}
