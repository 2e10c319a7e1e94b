package diffapply

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const defaultMaxFileBytes = 1 << 20 // 1MB

// ErrApplyFailed wraps diff application failures so callers can recognize
// them across package boundaries with errors.Is.
var ErrApplyFailed = fmt.Errorf("apply_failed")

// defaultBlockedExtensions are never written by a diff application.
var defaultBlockedExtensions = []string{
	".exe", ".dll", ".so", ".dylib", ".bin",
	".zip", ".tar", ".gz", ".jar",
	".png", ".jpg", ".jpeg", ".gif", ".ico", ".pdf",
	".pem", ".key", ".p12",
}

// Policy bounds what a diff may touch.
type Policy struct {
	// MaxFileBytes caps the size of any file after application.
	MaxFileBytes int64
	// BlockedExtensions are rejected outright.
	BlockedExtensions []string
}

// DefaultPolicy returns the standard application policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxFileBytes:      defaultMaxFileBytes,
		BlockedExtensions: append([]string(nil), defaultBlockedExtensions...),
	}
}

// ValidatePath checks one target path against the policy: confined to the
// repo, extension not blocked.
func (p Policy) ValidatePath(repoRoot, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute path not allowed: %s", path)
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the repository: %s", path)
	}

	ext := strings.ToLower(filepath.Ext(clean))
	for _, blocked := range p.BlockedExtensions {
		if ext == blocked {
			return "", fmt.Errorf("blocked file extension %s: %s", ext, path)
		}
	}
	return filepath.Join(repoRoot, clean), nil
}

// Stats summarizes applied changes at line granularity.
type Stats struct {
	FilesChanged int
	Additions    int
	Deletions    int
}

// Result reports a diff application.
type Result struct {
	Attempted bool
	Applied   bool
	Reason    string
	Paths     []string
	Stats     Stats
}

// Applier applies parsed file edits under a policy.
type Applier struct {
	repoRoot string
	policy   Policy
	logger   *slog.Logger
}

// NewApplier creates an applier rooted at the repository working tree.
func NewApplier(repoRoot string, policy Policy, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{repoRoot: repoRoot, policy: policy, logger: logger}
}

// Apply validates every edit, then applies them all. Validation failures
// reject the whole diff before any file is written; application failures
// midway leave earlier files written and report the failure.
func (a *Applier) Apply(edits []FileEdit) (*Result, error) {
	result := &Result{Attempted: true}

	type staged struct {
		edit FileEdit
		abs  string
	}
	stage := make([]staged, 0, len(edits))
	for _, edit := range edits {
		abs, err := a.policy.ValidatePath(a.repoRoot, edit.Path)
		if err != nil {
			result.Reason = err.Error()
			return result, fmt.Errorf("validate %s: %w", edit.Path, err)
		}
		stage = append(stage, staged{edit: edit, abs: abs})
	}

	dmp := diffmatchpatch.New()

	for _, s := range stage {
		oldContent := ""
		if data, err := os.ReadFile(s.abs); err == nil {
			oldContent = string(data)
		} else if !os.IsNotExist(err) {
			result.Reason = err.Error()
			return result, fmt.Errorf("read %s: %w", s.edit.Path, err)
		}

		if s.edit.IsDelete {
			if err := os.Remove(s.abs); err != nil && !os.IsNotExist(err) {
				result.Reason = err.Error()
				return result, fmt.Errorf("delete %s: %w", s.edit.Path, err)
			}
			result.Paths = append(result.Paths, s.edit.Path)
			result.Stats.FilesChanged++
			result.Stats.Deletions += len(splitLines(oldContent))
			continue
		}

		newContent, err := applyHunks(oldContent, s.edit.Hunks)
		if err != nil {
			result.Reason = err.Error()
			return result, fmt.Errorf("apply %s: %w", s.edit.Path, err)
		}
		if a.policy.MaxFileBytes > 0 && int64(len(newContent)) > a.policy.MaxFileBytes {
			result.Reason = fmt.Sprintf("%s exceeds size cap after edit", s.edit.Path)
			return result, fmt.Errorf("%s: result exceeds %d bytes", s.edit.Path, a.policy.MaxFileBytes)
		}

		if err := os.MkdirAll(filepath.Dir(s.abs), 0o755); err != nil {
			result.Reason = err.Error()
			return result, fmt.Errorf("mkdir for %s: %w", s.edit.Path, err)
		}
		if err := os.WriteFile(s.abs, []byte(newContent), 0o644); err != nil {
			result.Reason = err.Error()
			return result, fmt.Errorf("write %s: %w", s.edit.Path, err)
		}

		adds, dels := lineStats(dmp, oldContent, newContent)
		result.Paths = append(result.Paths, s.edit.Path)
		result.Stats.FilesChanged++
		result.Stats.Additions += adds
		result.Stats.Deletions += dels

		a.logger.Debug("applied edit",
			"path", s.edit.Path, "additions", adds, "deletions", dels)
	}

	result.Applied = true
	return result, nil
}

// applyHunks applies hunks to content. Each hunk is tried at its declared
// position first, then located by searching for its old-side block.
func applyHunks(content string, hunks []Hunk) (string, error) {
	lines := splitLines(content)

	// Later hunks shift as earlier ones change line counts.
	offset := 0
	for i, hunk := range hunks {
		oldBlock := make([]string, 0, len(hunk.Lines))
		newBlock := make([]string, 0, len(hunk.Lines))
		for _, l := range hunk.Lines {
			switch l.Op {
			case OpContext:
				oldBlock = append(oldBlock, l.Text)
				newBlock = append(newBlock, l.Text)
			case OpDelete:
				oldBlock = append(oldBlock, l.Text)
			case OpAdd:
				newBlock = append(newBlock, l.Text)
			}
		}

		pos := hunk.OldStart - 1 + offset
		if len(oldBlock) == 0 {
			// Pure insertion into an empty or new file.
			if pos < 0 || pos > len(lines) {
				pos = len(lines)
			}
		} else if !blockMatches(lines, pos, oldBlock) {
			found := findBlock(lines, oldBlock)
			if found < 0 {
				return "", fmt.Errorf("hunk %d does not match file content", i+1)
			}
			pos = found
		}

		updated := make([]string, 0, len(lines)-len(oldBlock)+len(newBlock))
		updated = append(updated, lines[:pos]...)
		updated = append(updated, newBlock...)
		updated = append(updated, lines[pos+len(oldBlock):]...)
		lines = updated
		offset += len(newBlock) - len(oldBlock)
	}

	out := strings.Join(lines, "\n")
	if out != "" && !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out, nil
}

func blockMatches(lines []string, pos int, block []string) bool {
	if pos < 0 || pos+len(block) > len(lines) {
		return false
	}
	for i, b := range block {
		if lines[pos+i] != b {
			return false
		}
	}
	return true
}

func findBlock(lines, block []string) int {
	for pos := 0; pos+len(block) <= len(lines); pos++ {
		if blockMatches(lines, pos, block) {
			return pos
		}
	}
	return -1
}

// splitLines splits content into lines without a trailing empty element
// for a final newline.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// lineStats counts added and deleted lines between two versions.
func lineStats(dmp *diffmatchpatch.DiffMatchPatch, oldContent, newContent string) (adds, dels int) {
	oldRunes, newRunes, runeLines := dmp.DiffLinesToRunes(oldContent, newContent)
	diffs := dmp.DiffMainRunes(oldRunes, newRunes, false)
	diffs = dmp.DiffCharsToLines(diffs, runeLines)

	for _, d := range diffs {
		n := len(splitLines(d.Text))
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			adds += n
		case diffmatchpatch.DiffDelete:
			dels += n
		}
	}
	return adds, dels
}
