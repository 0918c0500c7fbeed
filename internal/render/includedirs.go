package render

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const wrappingPunctuation = `"'` + "`" + `()[]{}<>`
const trailingPunctuation = ".,;:"

// trimPathToken strips a fixed set of wrapping punctuation from both
// ends, then any trailing sentence punctuation.
func trimPathToken(tok string) string {
	tok = strings.Trim(tok, wrappingPunctuation)
	tok = strings.TrimRight(tok, trailingPunctuation)
	return tok
}

// DetectIncludeDirectories scans prompt for whitespace-separated tokens
// that look like absolute filesystem paths outside workdir, and returns
// a deterministic comma-joined list of directories to pass to backends
// that accept an --include-directories flag.
func DetectIncludeDirectories(prompt, workdir string) string {
	canonicalWorkdir, err := filepath.Abs(workdir)
	if err != nil {
		canonicalWorkdir = workdir
	}
	if resolved, err := filepath.EvalSymlinks(canonicalWorkdir); err == nil {
		canonicalWorkdir = resolved
	}

	seen := map[string]struct{}{}
	for _, raw := range strings.Fields(prompt) {
		tok := trimPathToken(raw)
		if tok == "" || !filepath.IsAbs(tok) {
			continue
		}
		if isUnder(tok, canonicalWorkdir) {
			continue
		}

		dir := classify(tok)
		if dir == "" {
			continue
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		seen[dir] = struct{}{}
	}

	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return strings.Join(dirs, ",")
}

func isUnder(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && rel != "")
}

// classify maps a candidate path token to the directory it implies: an
// existing file maps to its parent, an existing directory maps to itself,
// a non-existent path with a file extension maps to its parent, and any
// other non-existent path is treated as a directory (maps to itself). The
// caller then keeps only results that exist as directories, which filters
// out non-path tokens like persona markers.
func classify(tok string) string {
	info, err := os.Stat(tok)
	switch {
	case err == nil && info.IsDir():
		return tok
	case err == nil:
		return filepath.Dir(tok)
	case filepath.Ext(tok) != "":
		return filepath.Dir(tok)
	default:
		return tok
	}
}
