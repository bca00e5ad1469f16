// Package includes anchors a cell's local #include directives to the
// directory of the notebook the cell lives in.
package includes

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const directive = `#include "`

// NotebookPath extracts the notebook file path from a cell id of the form
// "<scheme>:<notebook path>#<fragment>", for example
// "vscode-notebook-cell:/home/me/work/demo.ipynb#W1sZmlsZQ%3D%3D".
func NotebookPath(cellID string) (string, bool) {
	_, rest, ok := strings.Cut(cellID, ":")
	if !ok {
		return "", false
	}
	path, _, ok := strings.Cut(rest, "#")
	if !ok || path == "" {
		return "", false
	}
	if unescaped, err := url.PathUnescape(path); err == nil {
		path = unescaped
	}
	return path, true
}

// Rewrite replaces every `#include "rel/path.h"` line with the absolute path
// resolved against the notebook's directory and returns the rewritten code
// together with the translation units to compile next to it: for each
// include, the sibling .cpp file when one exists.
//
// Code is returned unchanged when cellID does not name a notebook.
func Rewrite(code, cellID string) (string, []string) {
	notebook, ok := NotebookPath(cellID)
	if !ok {
		return code, nil
	}
	baseDir := filepath.Dir(notebook)

	var deps []string
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		if !strings.HasPrefix(line, directive) {
			continue
		}
		// A trailing comment is dropped.
		if before, _, found := strings.Cut(line, "//"); found {
			line = before
		}
		target := strings.TrimSpace(strings.ReplaceAll(strings.TrimPrefix(strings.TrimSpace(line), "#include"), `"`, ""))
		if target == "" {
			continue
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(baseDir, target)
		}
		target = filepath.Clean(target)

		lines[i] = directive + target + `"`
		if src, ok := sourceFor(target); ok {
			deps = append(deps, src)
		}
	}

	return strings.Join(lines, "\n"), deps
}

// sourceFor maps a header to the .cpp file implementing it.
func sourceFor(header string) (string, bool) {
	ext := filepath.Ext(header)
	switch ext {
	case ".h", ".hpp", ".hh", ".hxx":
	default:
		return "", false
	}
	src := strings.TrimSuffix(header, ext) + ".cpp"
	if _, err := os.Stat(src); err != nil {
		return "", false
	}
	return src, true
}
