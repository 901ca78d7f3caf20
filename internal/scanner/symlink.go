package scanner

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// maxLinkHops bounds symlink resolution for a single path.
const maxLinkHops = 40

var errTooManyLinks = errors.New("too many levels of symbolic links")

// canonical resolves every symlink in p, component by component, and
// returns the physical directory path. Without symlink following nothing
// can form a cycle, so p is returned unchanged.
func (s *Scanner) canonical(p string) (string, error) {
	if !s.followSymlinks {
		return p, nil
	}

	pending := splitComponents(p)
	resolved := string(filepath.Separator)
	hops := 0
	for len(pending) > 0 {
		c := pending[0]
		pending = pending[1:]
		switch c {
		case "", ".":
			continue
		case "..":
			resolved = filepath.Dir(resolved)
			continue
		}

		next := filepath.Join(resolved, c)
		fi, err := s.fs.Lstat(next)
		if err != nil {
			return "", err
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			resolved = next
			continue
		}

		hops++
		if hops > maxLinkHops {
			return "", errTooManyLinks
		}
		target, err := s.fs.Readlink(next)
		if err != nil {
			return "", err
		}
		if filepath.IsAbs(target) {
			resolved = string(filepath.Separator)
		}
		pending = append(splitComponents(target), pending...)
	}
	return resolved, nil
}

func splitComponents(p string) []string {
	return strings.Split(filepath.ToSlash(p), "/")
}
