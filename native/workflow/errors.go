package workflow

import "errors"

var (
	ErrNotInitialized     = errors.New("workflow: engine not initialized")
	ErrAlreadyInitialized = errors.New("workflow: engine already initialized")
	ErrInvalidCooldown    = errors.New("workflow: cooldown must be positive")
	ErrTxNotFound         = errors.New("workflow: transaction not found")
	ErrNotPending         = errors.New("workflow: transaction not pending")
	ErrBeforeReleaseTime  = errors.New("workflow: before release time")
	ErrReentrantCall      = errors.New("workflow: transaction is executing")
	ErrFamilyOpen         = errors.New("workflow: a request for this operation is already open")
	ErrOperationMismatch  = errors.New("workflow: operation type does not match execution schema")
	ErrRequesterMismatch  = errors.New("workflow: requester must be the signer")
	ErrRecordNotNew       = errors.New("workflow: signed record must be unallocated")
	ErrInvalidRange       = errors.New("workflow: invalid transaction range")
	ErrNoExecutor         = errors.New("workflow: executor not configured")
	ErrInvalidParams      = errors.New("workflow: invalid execution params")
	ErrNilMetaTx          = errors.New("workflow: meta-transaction required")
	ErrNotOwner           = errors.New("workflow: caller is not the owner")
	ErrSnapshotVersion    = errors.New("workflow: unsupported snapshot version")
)
