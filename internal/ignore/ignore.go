// Package ignore parses .keymeshignore files and evaluates fnmatch-style
// glob patterns against POSIX-form relative paths.
package ignore

import (
	"bufio"
	"os"
	"regexp"
	"strings"
	"sync"
)

// LoadPatterns reads an ignore file and returns the non-empty,
// non-comment lines as glob patterns. A missing file yields no patterns.
func LoadPatterns(ignoreFilePath string) ([]string, error) {
	f, err := os.Open(ignoreFilePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return patterns, nil
}

var (
	matcherCacheMu sync.Mutex
	matcherCache   = map[string]*regexp.Regexp{}
)

// fnmatchPattern translates a shell-style glob into the regexp
// fnmatch.translate would build: "*" and "?" match across "/" rather than
// stopping at it, so "*.pyc" matches "sub/dir/x.pyc" the way Python's
// fnmatch.fnmatch does (path.Match refuses that match). Compiled patterns
// are cached since the indexer re-evaluates the same pattern set per file.
func fnmatchPattern(pattern string) *regexp.Regexp {
	matcherCacheMu.Lock()
	re, ok := matcherCache[pattern]
	matcherCacheMu.Unlock()
	if ok {
		return re
	}

	var b strings.Builder
	b.WriteByte('^')
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch c := runes[i]; c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		case '[':
			j := i + 1
			if j < len(runes) && (runes[j] == '!' || runes[j] == '^') {
				j++
			}
			if j < len(runes) && runes[j] == ']' {
				j++
			}
			for j < len(runes) && runes[j] != ']' {
				j++
			}
			if j >= len(runes) {
				b.WriteString(`\[`)
				continue
			}
			class := strings.ReplaceAll(string(runes[i+1:j]), `\`, `\\`)
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteByte('[')
			b.WriteString(class)
			b.WriteByte(']')
			i = j
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteByte('$')

	re = regexp.MustCompile(b.String())
	matcherCacheMu.Lock()
	matcherCache[pattern] = re
	matcherCacheMu.Unlock()
	return re
}

// ShouldIgnore reports whether candidate (a POSIX-form relative path,
// forward slashes) matches any of patterns via fnmatch-style globbing,
// where a wildcard is free to cross path separators.
func ShouldIgnore(candidate string, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	candidate = strings.ReplaceAll(candidate, "\\", "/")
	for _, pattern := range patterns {
		if fnmatchPattern(pattern).MatchString(candidate) {
			return true
		}
	}
	return false
}

// ShouldIgnoreDir reports whether a directory's relative path matches any
// ignore pattern, trying both the bare path and the path with a trailing
// slash so a pattern like "build/" matches the directory itself.
func ShouldIgnoreDir(candidate string, patterns []string) bool {
	candidate = strings.ReplaceAll(candidate, "\\", "/")
	return ShouldIgnore(candidate, patterns) || ShouldIgnore(candidate+"/", patterns)
}
