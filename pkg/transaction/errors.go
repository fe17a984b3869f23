package transaction

import "errors"

// Common errors for transaction operations
var (
	// ErrNoTransaction is returned when an operation needs a transaction and none is active
	ErrNoTransaction = errors.New("no active transaction")

	// ErrCannotCommit is returned by a non-forced commit of an empty or non-pending transaction
	ErrCannotCommit = errors.New("transaction cannot be committed")

	// ErrTransactionExecuting is returned when staging into a transaction that is being committed
	ErrTransactionExecuting = errors.New("transaction is executing")

	// ErrInvalidState is returned when a lifecycle call does not fit the transaction status
	ErrInvalidState = errors.New("invalid transaction state")

	// ErrInvalidOperation is returned for operations without a mutation or with an unknown type or trigger
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrOperationSkipped marks operations that were not attempted after an earlier failure
	ErrOperationSkipped = errors.New("operation not attempted after earlier failure")

	// ErrMutationPanic wraps a panic raised by a mutation or compensation
	ErrMutationPanic = errors.New("mutation panicked")
)
