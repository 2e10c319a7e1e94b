package steps

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/goblinsan/multi-agent-machine-client/artifact"
	"github.com/goblinsan/multi-agent-machine-client/engine"
)

// defaultScanExcludes never invalidate or enter a context scan.
var defaultScanExcludes = []string{".ma/**", "node_modules/**", ".git/**"}

// scannedFile is one working-tree file in the context snapshot.
type scannedFile struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mtime"`
}

// contextSnapshot is the persisted scan result.
type contextSnapshot struct {
	GeneratedAt string        `json:"generated_at"`
	FileCount   int           `json:"file_count"`
	Files       []scannedFile `json:"files"`
}

// ContextStep scans the repository into .ma/context/ artifacts, reusing an
// existing snapshot when no source file changed since it was written.
type ContextStep struct {
	name        string
	forceRescan bool
	excludes    []string
}

// NewContextStep builds a context scan step from its config.
func NewContextStep(name string, c map[string]any) (engine.Step, error) {
	excludes := configStringSlice(c, "exclude")
	if len(excludes) == 0 {
		excludes = defaultScanExcludes
	}
	return &ContextStep{
		name:        name,
		forceRescan: configBool(c, "forceRescan", false) || configBool(c, "force_rescan", false),
		excludes:    excludes,
	}, nil
}

func (s *ContextStep) Name() string { return s.name }

func (s *ContextStep) Execute(_ context.Context, wc *engine.Context) *engine.StepResult {
	files, newest, err := scanTree(wc.RepoRoot, s.excludes)
	if err != nil {
		return engine.Failure(fmt.Errorf("scan repository: %w", err))
	}

	store := wc.Deps.Artifacts
	if store == nil {
		store = artifact.NewStore(wc.RepoRoot)
	}

	if !s.forceRescan && s.canReuse(wc.RepoRoot, store, newest) {
		wc.Logger.Info("reusing existing context snapshot",
			"step", s.name, "files", len(files))
		return engine.Success(map[string]any{
			"reused_existing": true,
			"file_count":      len(files),
			"snapshot_path":   artifact.SnapshotPath(),
			"summary_path":    artifact.SummaryPath(),
		})
	}

	snapshot := contextSnapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		FileCount:   len(files),
		Files:       files,
	}
	if _, err := store.WriteJSON(artifact.SnapshotPath(), snapshot); err != nil {
		return engine.Failure(fmt.Errorf("write snapshot: %w", err))
	}
	if _, err := store.WriteString(artifact.SummaryPath(), summarize(files)); err != nil {
		return engine.Failure(fmt.Errorf("write summary: %w", err))
	}
	if _, err := store.WriteString(artifact.FilesIndexPath(), filesIndex(files)); err != nil {
		return engine.Failure(fmt.Errorf("write files index: %w", err))
	}

	wc.Logger.Info("context scan complete", "step", s.name, "files", len(files))
	return engine.Success(map[string]any{
		"reused_existing": false,
		"file_count":      len(files),
		"snapshot_path":   artifact.SnapshotPath(),
		"summary_path":    artifact.SummaryPath(),
	})
}

// canReuse reports whether the existing snapshot is still current: both
// artifacts present and no scanned file modified after the snapshot.
func (s *ContextStep) canReuse(repoRoot string, store *artifact.Store, newest time.Time) bool {
	if !store.Exists(artifact.SnapshotPath()) || !store.Exists(artifact.SummaryPath()) {
		return false
	}
	info, err := os.Stat(filepath.Join(repoRoot, filepath.FromSlash(artifact.SnapshotPath())))
	if err != nil {
		return false
	}
	return !newest.After(info.ModTime())
}

// scanTree walks the working tree collecting files not matched by the
// exclude globs, and the newest mtime among them.
func scanTree(repoRoot string, excludes []string) ([]scannedFile, time.Time, error) {
	var files []scannedFile
	var newest time.Time

	err := filepath.WalkDir(repoRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(repoRoot, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if excluded(rel+"/", excludes) {
				return fs.SkipDir
			}
			return nil
		}
		if excluded(rel, excludes) {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		files = append(files, scannedFile{
			Path:    rel,
			Size:    info.Size(),
			ModTime: info.ModTime().Unix(),
		})
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return nil, time.Time{}, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, newest, nil
}

// excluded matches a slash-relative path against the exclude globs.
// Directory paths carry a trailing slash so `dir/**` patterns prune the
// walk at the directory itself.
func excluded(rel string, excludes []string) bool {
	isDir := strings.HasSuffix(rel, "/")
	trimmed := strings.TrimSuffix(rel, "/")
	for _, pattern := range excludes {
		if ok, _ := doublestar.Match(pattern, trimmed); ok {
			return true
		}
		if isDir && strings.TrimSuffix(pattern, "/**") == trimmed {
			return true
		}
	}
	return false
}

// summarize renders the human-readable scan summary.
func summarize(files []scannedFile) string {
	byExt := make(map[string]int)
	topDirs := make(map[string]int)
	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f.Path))
		if ext == "" {
			ext = "(none)"
		}
		byExt[ext]++
		if idx := strings.IndexByte(f.Path, '/'); idx > 0 {
			topDirs[f.Path[:idx]]++
		} else {
			topDirs["."]++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Repository Context\n\nScanned %d files.\n\n## Files by extension\n\n", len(files))
	for _, ext := range sortedKeys(byExt) {
		fmt.Fprintf(&b, "- `%s`: %d\n", ext, byExt[ext])
	}
	b.WriteString("\n## Top-level directories\n\n")
	for _, dir := range sortedKeys(topDirs) {
		fmt.Fprintf(&b, "- `%s`: %d files\n", dir, topDirs[dir])
	}
	return b.String()
}

// filesIndex renders one JSON object per line for downstream tooling.
func filesIndex(files []scannedFile) string {
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, `{"path":%q,"size":%d,"mtime":%d}`+"\n", f.Path, f.Size, f.ModTime)
	}
	return b.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}
