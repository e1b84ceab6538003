package client

import "github.com/rezkam/fleetq/internal/domain"

// Command-line exit codes, shared by the CLI tools.
const (
	ExitOK              = 0
	ExitInvalidArgument = 2
	ExitNotFound        = 3
	ExitConflict        = 4
	ExitTransient       = 5
)

// ExitCodeFor maps an error to its CLI exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	switch domain.KindOf(err) {
	case domain.KindInvalidArgument:
		return ExitInvalidArgument
	case domain.KindNotFound:
		return ExitNotFound
	case domain.KindConflict, domain.KindStaleLease, domain.KindPreconditionFailed:
		return ExitConflict
	default:
		return ExitTransient
	}
}
