package ignore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPatternsSkipsBlankAndCommentLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".keymeshignore")
	content := "# comment\n\n*.tmp\n  \nbuild/\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write ignore file: %v", err)
	}

	patterns, err := LoadPatterns(path)
	if err != nil {
		t.Fatalf("LoadPatterns: %v", err)
	}
	want := []string{"*.tmp", "build/"}
	if len(patterns) != len(want) {
		t.Fatalf("patterns = %v, want %v", patterns, want)
	}
	for i, p := range want {
		if patterns[i] != p {
			t.Errorf("patterns[%d] = %q, want %q", i, patterns[i], p)
		}
	}
}

func TestLoadPatternsMissingFileReturnsNil(t *testing.T) {
	patterns, err := LoadPatterns(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("LoadPatterns: %v", err)
	}
	if patterns != nil {
		t.Errorf("patterns = %v, want nil for missing file", patterns)
	}
}

func TestShouldIgnoreMatchesGlob(t *testing.T) {
	patterns := []string{"*.tmp", "secrets/*"}
	if !ShouldIgnore("a.tmp", patterns) {
		t.Error("expected a.tmp to be ignored")
	}
	if !ShouldIgnore("secrets/key.pem", patterns) {
		t.Error("expected secrets/key.pem to be ignored")
	}
	if ShouldIgnore("keep.txt", patterns) {
		t.Error("did not expect keep.txt to be ignored")
	}
}

func TestShouldIgnoreNormalizesBackslashes(t *testing.T) {
	if !ShouldIgnore(`build\out.tmp`, []string{"build/*"}) {
		t.Error("expected backslash-separated candidate to normalize before matching")
	}
}

func TestShouldIgnoreDirTriesBothWithAndWithoutTrailingSlash(t *testing.T) {
	patterns := []string{"node_modules/"}
	if !ShouldIgnoreDir("node_modules", patterns) {
		t.Error("expected bare directory path to match pattern with trailing slash")
	}
}

func TestShouldIgnoreEmptyPatternsNeverMatches(t *testing.T) {
	if ShouldIgnore("anything.txt", nil) {
		t.Error("expected no match with empty pattern list")
	}
}

// A "*" must match across path separators the way Python's fnmatch does;
// path.Match would refuse this since it treats "/" as a segment boundary.
func TestShouldIgnoreWildcardCrossesPathSeparators(t *testing.T) {
	if !ShouldIgnore("sub/dir/x.pyc", []string{"*.pyc"}) {
		t.Error("expected *.pyc to match a nested path the way fnmatch does")
	}
}

func TestShouldIgnoreMatchesCharacterClass(t *testing.T) {
	if !ShouldIgnore("log1.txt", []string{"log[0-9].txt"}) {
		t.Error("expected log[0-9].txt to match log1.txt")
	}
	if ShouldIgnore("logA.txt", []string{"log[0-9].txt"}) {
		t.Error("did not expect log[0-9].txt to match logA.txt")
	}
}
