package bitintegrity

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	regexp "github.com/wasilibs/go-re2"
)

// PathFilter decides which account/subdomain/space paths are audited. When
// inclusion patterns exist only matching paths pass; exclusion always wins.
// Patterns must match the whole path.
type PathFilter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// NewPathFilter compiles inclusion and exclusion patterns.
func NewPathFilter(include, exclude []string) (*PathFilter, error) {
	inc, err := compileAll(include)
	if err != nil {
		return nil, fmt.Errorf("inclusion list: %w", err)
	}
	exc, err := compileAll(exclude)
	if err != nil {
		return nil, fmt.Errorf("exclusion list: %w", err)
	}
	return &PathFilter{include: inc, exclude: exc}, nil
}

// LoadPathFilter reads patterns from the given files, one per line. Blank
// lines and lines starting with # are ignored. An empty path means the list
// is not configured; a configured file that does not exist is an error.
func LoadPathFilter(inclusionFile, exclusionFile string) (*PathFilter, error) {
	include, err := readPatterns(inclusionFile)
	if err != nil {
		return nil, err
	}
	exclude, err := readPatterns(exclusionFile)
	if err != nil {
		return nil, err
	}
	return NewPathFilter(include, exclude)
}

// Allowed reports whether path should be audited.
func (f *PathFilter) Allowed(path string) bool {
	if f == nil {
		return true
	}
	for _, re := range f.exclude {
		if re.MatchString(path) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, re := range f.include {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// SpacePath builds the path a filter is matched against.
func SpacePath(account, subdomain, spaceID string) string {
	return account + "/" + subdomain + "/" + spaceID
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return nil, fmt.Errorf("compiling %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func readPatterns(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("list file %s does not exist", path)
	}
	if err != nil {
		return nil, fmt.Errorf("opening list file %s: %w", path, err)
	}
	defer f.Close()

	var patterns []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading list file %s: %w", path, err)
	}
	return patterns, nil
}
