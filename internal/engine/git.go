package engine

import (
	"os/exec"
	"path/filepath"
	"strings"
)

// GetGitInfo returns the repo basename and current branch of dir.
// Returns empty strings on any failure (git not installed, not a repo, etc).
func GetGitInfo(dir string) (repo, branch string) {
	// Get repo root
	out, err := gitOutput(dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", ""
	}
	if out != "" {
		repo = filepath.Base(out)
	}

	// Get current branch
	branch, err = gitOutput(dir, "branch", "--show-current")
	if err != nil {
		return repo, ""
	}
	return repo, branch
}

// HeadCommit returns the abbreviated HEAD commit of dir, or "" outside a repo.
func HeadCommit(dir string) string {
	out, err := gitOutput(dir, "rev-parse", "--short", "HEAD")
	if err != nil {
		return ""
	}
	return out
}

func gitOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
