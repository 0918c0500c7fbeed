// Package contract implements the patch-with-citations output contract
// checker: detecting whether an agent's response carries a patch and a
// citations marker, and optionally validating the patch applies cleanly
// via `git apply --check`.
package contract

import (
	"bytes"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// PatchFormat discriminates the shape of an extracted patch.
type PatchFormat string

const (
	PatchFormatUnifiedDiff   PatchFormat = "unifieddiff"
	PatchFormatSearchReplace PatchFormat = "searchreplace"
	PatchFormatUnknown       PatchFormat = "unknown"
	PatchFormatNone          PatchFormat = "none"
)

// Check is the result of CheckPatchWithCitations.
type Check struct {
	HasPatch       bool
	HasCitations   bool
	PatchFormat    PatchFormat
	ExtractedPatch string
	Errors         []string
}

var fencedDiffRe = regexp.MustCompile("(?s)```diff\\s*\\n(.*?)```")
var fencedAnyRe = regexp.MustCompile("(?s)```(?:\\w*)\\s*\\n(.*?)```")
var searchReplaceRe = regexp.MustCompile(`(?s)<{3,}\s*SEARCH.*?={3,}.*?>{3,}\s*REPLACE`)

// CheckPatchWithCitations verifies a response carries both a patch block
// and a citations marker, reporting each missing piece as an error.
func CheckPatchWithCitations(text string) Check {
	format, extracted := detectPatchFormat(text)
	c := Check{
		HasPatch:       format != PatchFormatNone,
		HasCitations:   hasCitations(text),
		PatchFormat:    format,
		ExtractedPatch: extracted,
	}
	if !c.HasPatch {
		c.Errors = append(c.Errors, "missing PATCH")
	}
	if !c.HasCitations {
		c.Errors = append(c.Errors, "missing CITATIONS")
	}
	return c
}

func hasCitations(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "citations:") ||
		strings.Contains(lower, "> source:") ||
		strings.Contains(lower, "[cite:")
}

// detectPatchFormat prefers a fenced ```diff block, then any fenced block
// containing diff markers, then raw unified-diff markers in the text, then
// a SEARCH/REPLACE block. A fenced block only counts when its content
// actually carries diff markers, so a ```diff fence full of prose is not
// a patch.
func detectPatchFormat(text string) (PatchFormat, string) {
	if m := fencedDiffRe.FindStringSubmatch(text); m != nil && looksLikeUnifiedDiff(m[1]) {
		return PatchFormatUnifiedDiff, strings.TrimSpace(m[1])
	}
	if m := fencedAnyRe.FindStringSubmatch(text); m != nil {
		if looksLikeUnifiedDiff(m[1]) {
			return PatchFormatUnifiedDiff, strings.TrimSpace(m[1])
		}
	}
	if looksLikeUnifiedDiff(text) {
		return PatchFormatUnifiedDiff, extractRawDiff(text)
	}
	if m := searchReplaceRe.FindString(text); m != "" {
		return PatchFormatSearchReplace, m
	}
	return PatchFormatNone, ""
}

func looksLikeUnifiedDiff(s string) bool {
	return strings.Contains(s, "diff --git ") ||
		(strings.Contains(s, "--- a/") && strings.Contains(s, "+++ b/"))
}

func extractRawDiff(text string) string {
	idx := strings.Index(text, "diff --git ")
	if idx < 0 {
		idx = strings.Index(text, "--- a/")
	}
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(text[idx:])
}

// ValidateGitApplyCheck runs `git apply --check --whitespace=nowarn -`
// against patch with repoRoot as the working directory, first confirming
// repoRoot is inside a git work tree. A failing check is reported via ok,
// not err.
func ValidateGitApplyCheck(repoRoot, patch string) (ok bool, output string, err error) {
	checkCmd := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	checkCmd.Dir = repoRoot
	if err := checkCmd.Run(); err != nil {
		return false, "", fmt.Errorf("%s is not inside a git work tree: %w", repoRoot, err)
	}

	if !strings.HasSuffix(patch, "\n") {
		patch += "\n"
	}

	cmd := exec.Command("git", "apply", "--check", "--whitespace=nowarn", "-")
	cmd.Dir = repoRoot
	cmd.Stdin = strings.NewReader(patch)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	runErr := cmd.Run()
	return runErr == nil, out.String(), nil
}
