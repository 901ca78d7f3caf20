package ignore

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// defaultHeader is written at the top of a freshly created .dcignore.
var defaultHeader = strings.Join([]string{
	"# Write glob rules for ignored files.",
	"# One pattern per line. Lines starting with # are comments.",
	"# A trailing / matches a directory and everything beneath it.",
	"# Check examples on https://github.com/github/gitignore",
}, "\n") + "\n"

// WriteDefault creates a .dcignore in dir. When templatePath is set its
// content is copied verbatim, otherwise a commented header is written.
// Returns the path of the written file.
func WriteDefault(fsys billy.Filesystem, dir, templatePath string) (string, error) {
	content := []byte(defaultHeader)
	if templatePath != "" {
		data, err := util.ReadFile(fsys, templatePath)
		if err != nil {
			return "", fmt.Errorf("reading template %s: %w", templatePath, err)
		}
		content = data
	}

	target := filepath.Join(dir, DCIgnoreFilename)
	if err := util.WriteFile(fsys, target, content, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", target, err)
	}
	return target, nil
}
