// Package diffapply parses unified diffs produced by the implementer
// persona, validates their target paths, and applies them to the working
// tree.
package diffapply

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Line operations within a hunk.
const (
	OpContext = ' '
	OpAdd     = '+'
	OpDelete  = '-'
)

// Line is one line of a hunk.
type Line struct {
	Op   byte
	Text string
}

// Hunk is one @@ block.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// FileEdit is the parsed change set for a single file.
type FileEdit struct {
	Path     string
	OldPath  string
	IsNew    bool
	IsDelete bool
	Hunks    []Hunk
}

var (
	hunkHeaderPattern = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)
	diffFencePattern  = regexp.MustCompile("(?s)```(?:diff|patch)?\\n(.*?)```")
)

// ExtractUnifiedDiff pulls a unified diff out of free-form persona output:
// a ```diff fenced block if present, otherwise everything from the first
// file header onward.
func ExtractUnifiedDiff(text string) string {
	for _, m := range diffFencePattern.FindAllStringSubmatch(text, -1) {
		if strings.Contains(m[1], "--- ") && strings.Contains(m[1], "+++ ") {
			return strings.TrimSpace(m[1])
		}
	}

	padded := "\n" + text
	for _, marker := range []string{"\ndiff --git ", "\n--- "} {
		if idx := strings.Index(padded, marker); idx >= 0 {
			return strings.TrimSpace(padded[idx+1:])
		}
	}
	return ""
}

// Parse parses a unified diff into per-file edits. It accepts both bare
// ---/+++ pairs and git-style diffs with `diff --git` headers; a/ and b/
// prefixes are stripped.
func Parse(diff string) ([]FileEdit, error) {
	lines := strings.Split(diff, "\n")

	var edits []FileEdit
	var current *FileEdit
	var hunk *Hunk

	flushHunk := func() {
		if current != nil && hunk != nil {
			current.Hunks = append(current.Hunks, *hunk)
		}
		hunk = nil
	}
	flushFile := func() {
		flushHunk()
		if current != nil {
			edits = append(edits, *current)
		}
		current = nil
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		switch {
		case strings.HasPrefix(line, "diff --git "):
			flushFile()

		case strings.HasPrefix(line, "--- "):
			flushFile()
			oldPath := parseDiffPath(line[4:])
			if i+1 >= len(lines) || !strings.HasPrefix(lines[i+1], "+++ ") {
				return nil, fmt.Errorf("line %d: --- header without +++ pair", i+1)
			}
			newPath := parseDiffPath(lines[i+1][4:])
			i++

			edit := FileEdit{OldPath: oldPath, Path: newPath}
			if oldPath == "" {
				edit.IsNew = true
			}
			if newPath == "" {
				edit.IsDelete = true
				edit.Path = oldPath
			}
			if edit.Path == "" {
				return nil, fmt.Errorf("line %d: diff header with no usable path", i)
			}
			current = &edit

		case strings.HasPrefix(line, "@@"):
			if current == nil {
				return nil, fmt.Errorf("line %d: hunk header outside a file section", i+1)
			}
			m := hunkHeaderPattern.FindStringSubmatch(line)
			if m == nil {
				return nil, fmt.Errorf("line %d: malformed hunk header %q", i+1, line)
			}
			flushHunk()
			hunk = &Hunk{
				OldStart: atoiDefault(m[1], 1),
				OldLines: atoiDefault(m[2], 1),
				NewStart: atoiDefault(m[3], 1),
				NewLines: atoiDefault(m[4], 1),
			}

		case hunk != nil && len(line) > 0 && (line[0] == OpAdd || line[0] == OpDelete || line[0] == OpContext):
			hunk.Lines = append(hunk.Lines, Line{Op: line[0], Text: line[1:]})

		case hunk != nil && line == "":
			// Blank context line with the leading space trimmed by the model.
			hunk.Lines = append(hunk.Lines, Line{Op: OpContext, Text: ""})

		case hunk != nil && strings.HasPrefix(line, `\ No newline at end of file`):
			// Marker only; nothing to record.

		default:
			// Prose between files ends any open hunk.
			flushHunk()
		}
	}
	flushFile()

	if len(edits) == 0 {
		return nil, fmt.Errorf("no file sections found in diff")
	}
	for _, e := range edits {
		if !e.IsDelete && len(e.Hunks) == 0 {
			return nil, fmt.Errorf("file %s has no hunks", e.Path)
		}
	}
	return edits, nil
}

// parseDiffPath normalizes a ---/+++ header path: strips a/ b/ prefixes
// and timestamps, and maps /dev/null to "".
func parseDiffPath(raw string) string {
	raw = strings.TrimSpace(raw)
	if tab := strings.IndexByte(raw, '\t'); tab >= 0 {
		raw = raw[:tab]
	}
	if raw == "/dev/null" {
		return ""
	}
	raw = strings.TrimPrefix(raw, "a/")
	raw = strings.TrimPrefix(raw, "b/")
	return raw
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
