package importer

import (
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// expandGlob is filepath.Glob plus a single "**" segment matching any depth.
// The part after "**" is matched against the base name when it has no slash,
// otherwise against the path relative to the part before "**".
func expandGlob(pattern string) ([]string, error) {
	idx := strings.Index(pattern, "**")
	if idx < 0 {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		return matches, nil
	}

	root := strings.TrimRight(pattern[:idx], `/\`)
	if root == "" {
		root = "."
	}
	root = filepath.Clean(root)
	rest := filepath.ToSlash(strings.TrimLeft(pattern[idx+2:], `/\`))
	if rest == "" {
		rest = "*"
	}
	if _, err := path.Match(rest, ""); err != nil {
		return nil, err
	}
	baseOnly := !strings.Contains(rest, "/")

	var matches []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		candidate := filepath.ToSlash(rel)
		if baseOnly {
			candidate = path.Base(candidate)
		}
		if ok, _ := path.Match(rest, candidate); ok {
			matches = append(matches, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
