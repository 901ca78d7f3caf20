// Package ignore provides gitignore-style exclusion rules scoped to the
// directory that declares them, and a copy-on-write filter composed of them.
package ignore

import (
	"bufio"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

const (
	// GitignoreFilename is the git ignore file name.
	GitignoreFilename = ".gitignore"

	// DCIgnoreFilename is the analysis-specific ignore file name.
	DCIgnoreFilename = ".dcignore"
)

// DefaultFilenames are the ignore file names recognized during traversal.
// Both are treated equivalently.
var DefaultFilenames = []string{GitignoreFilename, DCIgnoreFilename}

// IsIgnoreFile reports whether name is one of the recognized ignore file names.
// Creating, editing or removing such a file changes the bundle.
func IsIgnoreFile(name string) bool {
	base := filepath.Base(name)
	for _, n := range DefaultFilenames {
		if base == n {
			return true
		}
	}
	return false
}

// Rule holds the patterns of one ignore file, anchored to its directory.
// A Rule is immutable after construction and may be shared between filters.
type Rule struct {
	basePath string
	domain   []string
	patterns []string
	matchers []gitignore.Pattern
}

// ParseRule builds a rule from the raw lines of an ignore file located in
// basePath. Blank lines, comments and negations are dropped.
func ParseRule(lines []string, basePath string) *Rule {
	r := &Rule{
		basePath: cleanSlash(basePath),
	}
	r.domain = splitPath(r.basePath)
	for _, line := range lines {
		pattern := parseLine(line)
		if pattern == "" {
			continue
		}
		r.patterns = append(r.patterns, pattern)
		r.matchers = append(r.matchers, gitignore.ParsePattern(pattern, r.domain))
	}
	return r
}

// ReadRule reads the ignore file at filePath from fsys and anchors its
// patterns to the file's directory.
func ReadRule(fsys billy.Filesystem, filePath string) (*Rule, error) {
	return ReadRuleAt(fsys, filePath, filepath.Dir(filePath))
}

// ReadRuleAt reads the ignore file at filePath and anchors its patterns to
// basePath. Used when the file is reached through a symlinked directory.
func ReadRuleAt(fsys billy.Filesystem, filePath, basePath string) (*Rule, error) {
	f, err := fsys.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lines, err := readLines(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filePath, err)
	}
	return ParseRule(lines, basePath), nil
}

// BasePath returns the slash-separated directory the rule is anchored to.
func (r *Rule) BasePath() string {
	return r.basePath
}

// Patterns returns a copy of the stored patterns.
func (r *Rule) Patterns() []string {
	out := make([]string, len(r.patterns))
	copy(out, r.patterns)
	return out
}

// Matches reports whether p, taken relative to the rule's base path, is
// matched by any stored pattern. A matched directory matches everything
// beneath it, so every ancestor of p below the base path is checked too.
func (r *Rule) Matches(p string, isDir bool) bool {
	if r == nil || len(r.matchers) == 0 {
		return false
	}
	parts := splitPath(cleanSlash(p))
	if len(parts) <= len(r.domain) {
		return false
	}
	for i, d := range r.domain {
		if parts[i] != d {
			return false
		}
	}
	for end := len(r.domain) + 1; end < len(parts); end++ {
		if r.matchAny(parts[:end], true) {
			return true
		}
	}
	return r.matchAny(parts, isDir)
}

func (r *Rule) matchAny(parts []string, isDir bool) bool {
	for _, m := range r.matchers {
		if m.Match(parts, isDir) == gitignore.Exclude {
			return true
		}
	}
	return false
}

// readLines splits an ignore file into raw lines.
func readLines(rd io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// parseLine normalizes a single ignore file line.
// Returns empty string for comments, blank lines and negations.
func parseLine(line string) string {
	line = strings.TrimSuffix(line, "\r")
	if strings.TrimSpace(line) == "" {
		return ""
	}

	// Trailing spaces are insignificant unless escaped.
	if !strings.HasSuffix(line, "\\ ") {
		line = strings.TrimRight(line, " \t")
	}

	if strings.HasPrefix(line, "#") {
		return ""
	}

	// Negations would let a nested ignore file re-include paths an ancestor
	// excluded, so they are not supported.
	if strings.HasPrefix(line, "!") {
		return ""
	}

	return line
}

func cleanSlash(p string) string {
	p = path.Clean(filepath.ToSlash(p))
	if p == "." {
		return ""
	}
	return p
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
