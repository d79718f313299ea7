package events

import (
	"encoding/hex"
	"strconv"

	"guardflow/core/types"
)

const (
	// TypeTxRequested is emitted when a new PENDING record is created.
	TypeTxRequested = "workflow.tx.requested"
	// TypeTxApproved is emitted when an approval transition runs.
	TypeTxApproved = "workflow.tx.approved"
	// TypeTxCancelled is emitted when a PENDING record is cancelled.
	TypeTxCancelled = "workflow.tx.cancelled"
	// TypeTxExecuted reports the outcome of the effect invocation.
	TypeTxExecuted = "workflow.tx.executed"
	// TypeTransaction is the generic structured audit event.
	TypeTransaction = "workflow.tx.event"
)

// TxRequested captures a freshly created PENDING record.
type TxRequested struct {
	TxID          uint64
	Requester     [20]byte
	Target        [20]byte
	OperationType [32]byte
	ReleaseTime   int64
}

// EventType satisfies the events.Event interface.
func (TxRequested) EventType() string { return TypeTxRequested }

// Event converts the payload into its wire representation.
func (e TxRequested) Event() *types.Event {
	return &types.Event{Type: TypeTxRequested, Attributes: map[string]string{
		"txId":          strconv.FormatUint(e.TxID, 10),
		"requester":     withHexPrefix(e.Requester[:]),
		"target":        withHexPrefix(e.Target[:]),
		"operationType": withHexPrefix(e.OperationType[:]),
		"releaseTime":   strconv.FormatInt(e.ReleaseTime, 10),
	}}
}

// TxApproved records which principal approved a record and through which path.
type TxApproved struct {
	TxID     uint64
	Approver [20]byte
	Path     string
}

// EventType satisfies the events.Event interface.
func (TxApproved) EventType() string { return TypeTxApproved }

// Event converts the payload into its wire representation.
func (e TxApproved) Event() *types.Event {
	return &types.Event{Type: TypeTxApproved, Attributes: map[string]string{
		"txId":     strconv.FormatUint(e.TxID, 10),
		"approver": withHexPrefix(e.Approver[:]),
		"path":     e.Path,
	}}
}

// TxCancelled records a cancellation.
type TxCancelled struct {
	TxID      uint64
	Canceller [20]byte
	Path      string
}

// EventType satisfies the events.Event interface.
func (TxCancelled) EventType() string { return TypeTxCancelled }

// Event converts the payload into its wire representation.
func (e TxCancelled) Event() *types.Event {
	return &types.Event{Type: TypeTxCancelled, Attributes: map[string]string{
		"txId":      strconv.FormatUint(e.TxID, 10),
		"canceller": withHexPrefix(e.Canceller[:]),
		"path":      e.Path,
	}}
}

// TxExecuted reports whether the effect invocation succeeded.
type TxExecuted struct {
	TxID    uint64
	Status  types.TxStatus
	Success bool
	Result  []byte
}

// EventType satisfies the events.Event interface.
func (TxExecuted) EventType() string { return TypeTxExecuted }

// Event converts the payload into its wire representation.
func (e TxExecuted) Event() *types.Event {
	attrs := map[string]string{
		"txId":    strconv.FormatUint(e.TxID, 10),
		"status":  e.Status.String(),
		"success": strconv.FormatBool(e.Success),
	}
	if len(e.Result) > 0 {
		attrs["result"] = hex.EncodeToString(e.Result)
	}
	return &types.Event{Type: TypeTxExecuted, Attributes: attrs}
}

// TransactionEvent is the structured audit event emitted for every transition
// and forwarded to the configured observer.
type TransactionEvent struct {
	TxID          uint64
	Selector      types.Selector
	Status        types.TxStatus
	Requester     [20]byte
	Target        [20]byte
	OperationType [32]byte
}

// EventType satisfies the events.Event interface.
func (TransactionEvent) EventType() string { return TypeTransaction }

// Event converts the payload into its wire representation.
func (e TransactionEvent) Event() *types.Event {
	return &types.Event{Type: TypeTransaction, Attributes: map[string]string{
		"txId":          strconv.FormatUint(e.TxID, 10),
		"selector":      e.Selector.String(),
		"status":        e.Status.String(),
		"requester":     withHexPrefix(e.Requester[:]),
		"target":        withHexPrefix(e.Target[:]),
		"operationType": withHexPrefix(e.OperationType[:]),
	}}
}

// NewTransactionEvent derives the audit event from a record.
func NewTransactionEvent(rec *types.TxRecord) TransactionEvent {
	if rec == nil {
		return TransactionEvent{}
	}
	return TransactionEvent{
		TxID:          rec.ID,
		Selector:      rec.Params.ExecutionSelector,
		Status:        rec.Status,
		Requester:     rec.Params.Requester,
		Target:        rec.Params.Target,
		OperationType: rec.Params.OperationType,
	}
}

func withHexPrefix(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	return "0x" + hex.EncodeToString(raw)
}
