package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chainops/chain-go/internal/domain"
)

var (
	// ErrAlreadyFinished is terminal; retrying never succeeds.
	ErrAlreadyFinished = errors.New("operation already finished")
	// ErrInconsistent means the store resolved one id to several operations.
	ErrInconsistent = errors.New("operation id resolved to more than one record")
	// ErrNotRunning rejects FinishRunning on a paused operation.
	ErrNotRunning = errors.New("operation is not running")
)

// InvalidStateError rejects a requested state outside the known set.
type InvalidStateError struct {
	Requested string
	Allowed   []domain.OperationState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("state must be one of %s (got %q)", strings.Join(e.AllowedValues(), ", "), e.Requested)
}

func (e *InvalidStateError) AllowedValues() []string {
	out := make([]string, 0, len(e.Allowed))
	for _, state := range e.Allowed {
		out = append(out, string(state))
	}
	return out
}

// StorageError wraps a failure of the backing store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
