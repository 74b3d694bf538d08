package daemon

import (
	"errors"
	"fmt"

	"github.com/stellarlink/cfdp/pdu"
	"github.com/stellarlink/cfdp/transaction"
)

// ErrStopped indicates the daemon loop is no longer running.
var ErrStopped = errors.New("daemon: stopped")

// SpawnSendError reports that a send transaction could not be constructed
// because the filestore could not serve the source file. Only the one
// transfer is aborted.
type SpawnSendError struct {
	Err error
}

func (e *SpawnSendError) Error() string {
	return fmt.Sprintf("spawning send transaction: %v", e.Err)
}

func (e *SpawnSendError) Unwrap() error { return e.Err }

// TransactionCommunicationError reports a command that could not be
// delivered to its transaction, typically because the worker already
// stopped. It is surfaced to the caller, never silently retried.
type TransactionCommunicationError struct {
	ID      pdu.TransactionID
	Command transaction.CommandKind
}

func (e *TransactionCommunicationError) Error() string {
	return fmt.Sprintf("cannot deliver %s to transaction %s", e.Command, e.ID)
}
