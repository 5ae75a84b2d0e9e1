package template

import (
	_ "embed"
)

//go:embed prompt.md
var DefaultPrompt string

//go:embed progress.txt
var DefaultProgress string

//go:embed config.yaml
var DefaultConfig string

// HalDir is the name of the hal configuration directory.
const HalDir = ".hal"

// File name constants for consistent usage across the codebase.
const (
	PRDFile        = "prd.json"
	LoopStateFile  = "loop-state.json" // Present only while a loop is active
	PromptFile     = "prompt.md"
	ProgressFile   = "progress.txt" // Learnings appended after each attempt
	ConfigFile     = "config.yaml"
	EnvFile        = ".env"
	LastBranchFile = ".last-branch" // Branch identity of the last started story set
	HistoryFile    = "history.db"
	HooksDir       = "hooks"
	LogsDir        = "logs"
	ArchiveDir     = "archive"
)

// DefaultFiles returns the default files to create in .hal/
func DefaultFiles() map[string]string {
	return map[string]string{
		PromptFile:   DefaultPrompt,
		ProgressFile: DefaultProgress,
		ConfigFile:   DefaultConfig,
	}
}
