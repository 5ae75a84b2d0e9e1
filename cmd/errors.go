package cmd

import (
	"errors"
	"io/fs"

	"github.com/jywlabs/halloop/internal/config"
	"github.com/jywlabs/halloop/internal/loopstate"
	"github.com/jywlabs/halloop/internal/prd"
)

// Process exit codes.
const (
	exitOK            = 0
	exitError         = 1
	exitConfigError   = 2
	exitAlreadyActive = 3
	exitNotActive     = 4
	exitStateIO       = 5
)

// exitCode maps an error returned by a command to the process exit code.
func exitCode(err error) int {
	var pathErr *fs.PathError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, prd.ErrInvalidFormat), errors.Is(err, config.ErrInvalid):
		return exitConfigError
	case errors.Is(err, loopstate.ErrAlreadyActive):
		return exitAlreadyActive
	case errors.Is(err, loopstate.ErrNotActive):
		return exitNotActive
	case errors.Is(err, prd.ErrNotFound), errors.Is(err, loopstate.ErrStaleState), errors.As(err, &pathErr):
		return exitStateIO
	}
	return exitError
}
