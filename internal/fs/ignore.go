package fs

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// defaultIgnores are never synced, whatever the project's .gitignore says.
// Installed dependencies and VCS metadata are per machine.
var defaultIgnores = []string{
	".git/",
	"node_modules/",
	".DS_Store",
	"*.swp",
	"*~",
}

// ignoreMatcher decides which workspace paths stay out of the file tree
type ignoreMatcher struct {
	patterns []*ignorePattern
}

type ignorePattern struct {
	regex     *regexp.Regexp
	isNegated bool
	isDir     bool
}

// loadIgnore builds the matcher for root: the defaults, then the root
// .gitignore when present.
func loadIgnore(root string) (*ignoreMatcher, error) {
	m := &ignoreMatcher{}
	if err := m.add(strings.NewReader(strings.Join(defaultIgnores, "\n"))); err != nil {
		return nil, err
	}

	file, err := os.Open(filepath.Join(root, ".gitignore"))
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	defer file.Close()
	if err := m.add(file); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ignoreMatcher) add(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p := &ignorePattern{}
		if strings.HasPrefix(line, "!") {
			p.isNegated = true
			line = strings.TrimPrefix(line, "!")
		}
		if strings.HasSuffix(line, "/") {
			p.isDir = true
			line = strings.TrimSuffix(line, "/")
		}
		p.regex = regexp.MustCompile(patternToRegex(line))
		m.patterns = append(m.patterns, p)
	}
	return scanner.Err()
}

// patternToRegex converts a gitignore glob into an anchored regex.
func patternToRegex(pattern string) string {
	pattern = regexp.QuoteMeta(pattern)
	pattern = strings.ReplaceAll(pattern, `\*\*`, ".*")
	pattern = strings.ReplaceAll(pattern, `\*`, "[^/]*")
	pattern = strings.ReplaceAll(pattern, `\?`, "[^/]")

	if strings.HasPrefix(pattern, "/") {
		pattern = "^" + strings.TrimPrefix(pattern, "/")
	} else {
		pattern = "(^|/)" + pattern
	}
	return pattern + "($|/)"
}

// ignored reports whether the slash-separated relative path is excluded.
// A file below an ignored directory is ignored as well.
func (m *ignoreMatcher) ignored(rel string, isDir bool) bool {
	rel = strings.TrimPrefix(rel, "./")

	ignored := false
	for _, p := range m.patterns {
		if p.isDir && !isDir && !underDir(p.regex, rel) {
			continue
		}
		if p.regex.MatchString(rel) {
			ignored = !p.isNegated
		}
	}
	return ignored
}

// underDir reports whether some parent directory of rel matches re.
func underDir(re *regexp.Regexp, rel string) bool {
	dir := rel
	for {
		i := strings.LastIndex(dir, "/")
		if i < 0 {
			return false
		}
		dir = dir[:i]
		if re.MatchString(dir) {
			return true
		}
	}
}
