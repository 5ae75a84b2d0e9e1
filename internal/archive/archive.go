// Package archive sets finished or superseded story sets aside under
// .hal/archive/<date>-<feature>/ and brings them back.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jywlabs/halloop/internal/loopstate"
	"github.com/jywlabs/halloop/internal/prd"
	"github.com/jywlabs/halloop/internal/template"
)

// featureStateFiles are the files that belong to one story set.
var featureStateFiles = []string{
	template.PRDFile,
	template.ProgressFile,
}

// now is replaced in tests.
var now = time.Now

// ArchiveInfo summarizes one archived story set.
type ArchiveInfo struct {
	Name       string
	Dir        string
	BranchName string
	Completed  int
	Blocked    int
	Total      int
}

// Create moves the feature state files from halDir into halDir/archive/<date>-<name>/.
// It returns the archive directory path on success. Archiving is refused
// while a loop is active.
func Create(halDir, name string, w io.Writer) (string, error) {
	if loopstate.New(halDir).Exists() {
		return "", fmt.Errorf("cannot archive while a loop is running: %w", loopstate.ErrAlreadyActive)
	}
	if !fileExists(filepath.Join(halDir, template.PRDFile)) {
		return "", fmt.Errorf("no feature state to archive (no %s found)", template.PRDFile)
	}

	archiveDir, err := newArchiveDir(halDir, name)
	if err != nil {
		return "", err
	}

	for _, f := range featureStateFiles {
		src := filepath.Join(halDir, f)
		if !fileExists(src) {
			continue
		}
		if err := moveFile(src, filepath.Join(archiveDir, f)); err != nil {
			return "", fmt.Errorf("failed to move %s: %w", f, err)
		}
		fmt.Fprintf(w, "  archived %s\n", f)
	}

	fmt.Fprintf(w, "  archived to %s\n", filepath.Base(archiveDir))
	return archiveDir, nil
}

// Supersede archives the previous story set when next belongs to a different
// branch than the one recorded in .last-branch. The previous prd.json and
// progress.txt are copied aside, progress.txt is reset, and next's branch is
// recorded. It returns the archive directory, or "" when nothing was archived.
func Supersede(halDir string, next *prd.PRD, w io.Writer) (string, error) {
	lastPath := filepath.Join(halDir, template.LastBranchFile)
	data, err := os.ReadFile(lastPath)
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	last := strings.TrimSpace(string(data))

	record := func() error {
		if next.BranchName == "" || next.BranchName == last {
			return nil
		}
		return os.WriteFile(lastPath, []byte(next.BranchName+"\n"), 0644)
	}
	if last == "" || next.BranchName == "" || last == next.BranchName {
		return "", record()
	}

	archiveDir, err := newArchiveDir(halDir, FeatureFromBranch(last))
	if err != nil {
		return "", err
	}

	prdPath := filepath.Join(halDir, template.PRDFile)
	if old, err := readPRD(prdPath); err == nil && old.BranchName == last {
		if err := copyFile(prdPath, filepath.Join(archiveDir, template.PRDFile)); err != nil {
			return "", fmt.Errorf("failed to copy %s: %w", template.PRDFile, err)
		}
		fmt.Fprintf(w, "  archived %s\n", template.PRDFile)
	}

	progressPath := filepath.Join(halDir, template.ProgressFile)
	if fileExists(progressPath) {
		if err := copyFile(progressPath, filepath.Join(archiveDir, template.ProgressFile)); err != nil {
			return "", fmt.Errorf("failed to copy %s: %w", template.ProgressFile, err)
		}
		fmt.Fprintf(w, "  archived %s\n", template.ProgressFile)
	}
	if err := os.WriteFile(progressPath, []byte(template.DefaultProgress), 0644); err != nil {
		return "", fmt.Errorf("failed to reset %s: %w", template.ProgressFile, err)
	}

	if err := record(); err != nil {
		return "", err
	}
	fmt.Fprintf(w, "  previous branch %s archived to %s\n", last, filepath.Base(archiveDir))
	return archiveDir, nil
}

// List returns the archives in halDir sorted by name. Archives whose
// prd.json cannot be read are listed with zero counts.
func List(halDir string) ([]ArchiveInfo, error) {
	entries, err := os.ReadDir(filepath.Join(halDir, template.ArchiveDir))
	if err != nil {
		if os.IsNotExist(err) {
			return []ArchiveInfo{}, nil
		}
		return nil, err
	}

	archives := []ArchiveInfo{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(halDir, template.ArchiveDir, e.Name())
		info := ArchiveInfo{Name: e.Name(), Dir: dir}
		if p, err := readPRD(filepath.Join(dir, template.PRDFile)); err == nil {
			info.BranchName = p.BranchName
			info.Completed, info.Blocked, info.Total = p.Progress()
		}
		archives = append(archives, info)
	}
	sort.Slice(archives, func(i, j int) bool { return archives[i].Name < archives[j].Name })
	return archives, nil
}

// Restore brings an archive back into halDir. Current feature state, if any,
// is archived first as auto-saved-<feature>.
func Restore(halDir, name string, w io.Writer) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid archive name %q", name)
	}
	if loopstate.New(halDir).Exists() {
		return fmt.Errorf("cannot restore while a loop is running: %w", loopstate.ErrAlreadyActive)
	}
	archiveDir := filepath.Join(halDir, template.ArchiveDir, name)
	if !dirExists(archiveDir) {
		return fmt.Errorf("archive %q does not exist", name)
	}

	prdPath := filepath.Join(halDir, template.PRDFile)
	if fileExists(prdPath) {
		feature := "current"
		if p, err := readPRD(prdPath); err == nil && p.BranchName != "" {
			feature = FeatureFromBranch(p.BranchName)
		}
		if _, err := Create(halDir, "auto-saved-"+feature, w); err != nil {
			return fmt.Errorf("failed to save current state: %w", err)
		}
	}

	for _, f := range featureStateFiles {
		src := filepath.Join(archiveDir, f)
		if !fileExists(src) {
			continue
		}
		if err := moveFile(src, filepath.Join(halDir, f)); err != nil {
			return fmt.Errorf("failed to restore %s: %w", f, err)
		}
		fmt.Fprintf(w, "  restored %s\n", f)
	}

	if p, err := readPRD(prdPath); err == nil && p.BranchName != "" {
		if err := os.WriteFile(filepath.Join(halDir, template.LastBranchFile), []byte(p.BranchName+"\n"), 0644); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(archiveDir); err != nil {
		return fmt.Errorf("failed to remove archive directory: %w", err)
	}
	fmt.Fprintf(w, "  restored from %s\n", name)
	return nil
}

// FeatureFromBranch trims the hal/ prefix from a branch name.
func FeatureFromBranch(branchName string) string {
	return strings.ReplaceAll(strings.TrimPrefix(branchName, "hal/"), "/", "-")
}

// newArchiveDir creates halDir/archive/<date>-<name>, suffixed on collision.
func newArchiveDir(halDir, name string) (string, error) {
	baseName := fmt.Sprintf("%s-%s", now().Format("2006-01-02"), name)
	archiveDir := resolveCollision(filepath.Join(halDir, template.ArchiveDir, baseName))
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}
	return archiveDir, nil
}

// readPRD decodes a story set without validating it.
func readPRD(path string) (*prd.PRD, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p prd.PRD
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// resolveCollision appends -2, -3, etc. if the directory already exists.
func resolveCollision(dir string) string {
	if !dirExists(dir) {
		return dir
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", dir, i)
		if !dirExists(candidate) {
			return candidate
		}
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
