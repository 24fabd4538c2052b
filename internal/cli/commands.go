package cli

import (
	"fmt"
	"os"
	"sync"

	"github.com/quotaguard/quotamux/internal/errors"
)

// Exit codes let scripts tell "nothing to route to" apart from bad input.
const (
	exitOK        = 0
	exitFailure   = 1
	exitInput     = 2
	exitAdmission = 3
	exitNotFound  = 4
)

var initOnce sync.Once

// InitCLI registers the global flags once. Subcommands register themselves
// from init functions.
func InitCLI() {
	initOnce.Do(InitRoot)
}

// Execute runs the root command with the given arguments.
func Execute(args []string) error {
	InitCLI()
	RootCmd.SetArgs(args)
	return RootCmd.Execute()
}

// ExecuteWithErrorCode runs the root command, prints any error to stderr and
// returns the process exit code.
func ExecuteWithErrorCode(args []string) int {
	err := Execute(args)
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return exitCode(err)
}

func exitCode(err error) int {
	switch errors.Classify(err) {
	case "":
		return exitOK
	case errors.KindInput:
		return exitInput
	case errors.KindAdmission:
		return exitAdmission
	case errors.KindNotFound:
		return exitNotFound
	default:
		return exitFailure
	}
}
