package main

import "github.com/rendis/healflow/pkg/schema"

// Process exit codes.
const (
	exitOK         = 0
	exitUsage      = 1 // usage or internal error
	exitDefinition = 2
	exitStorage    = 3
	exitFailed     = 4
	exitEscalated  = 5
	exitCancelled  = 6
	exitNotFound   = 7
)

// exitForError maps an operation error to an exit code.
func exitForError(err error) int {
	switch {
	case err == nil:
		return exitOK
	case schema.IsDefinitionError(err):
		return exitDefinition
	case schema.IsNotFound(err):
		return exitNotFound
	case schema.IsStorageError(err):
		return exitStorage
	default:
		return exitUsage
	}
}

// exitForRun maps a run's status to an exit code. A run still Running was
// detached before it settled.
func exitForRun(status schema.RunStatus) int {
	switch status {
	case schema.RunStatusSucceeded:
		return exitOK
	case schema.RunStatusFailed:
		return exitFailed
	case schema.RunStatusEscalated:
		return exitEscalated
	case schema.RunStatusCancelled:
		return exitCancelled
	default:
		return exitUsage
	}
}
