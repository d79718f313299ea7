package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"guardflow/core/events"
	"guardflow/core/types"
	"guardflow/native/access"
	"guardflow/native/hooks"
	"guardflow/native/payment"
)

const (
	opRequest           = "request"
	opApproveDelayed    = "approve_delayed"
	opCancelDelayed     = "cancel_delayed"
	opUpdatePayment     = "update_payment"
	opApproveSigned     = "approve_signed"
	opCancelSigned      = "cancel_signed"
	opRequestAndApprove = "request_and_approve"

	pathDelayed           = "delayed"
	pathSigned            = "signed"
	pathRequestAndApprove = "request_and_approve"
)

// Request creates a PENDING record on the delayed path. The caller must hold
// the delayed-request action on both handler and the execution selector named
// in params. The record becomes approvable once the cooldown has elapsed.
func (e *Engine) Request(ctx context.Context, caller [20]byte, handler types.Selector, params types.TxParams, details *types.PaymentDetails) (*types.TxRecord, error) {
	ctx, span := e.span(ctx, opRequest, attribute.String("workflow.selector", params.ExecutionSelector.String()))
	defer span.End()
	started := time.Now()
	rec, err := e.request(caller, handler, params, details)
	e.finish(ctx, span, opRequest, started, rec, hooks.PostRequest, err)
	return rec, err
}

func (e *Engine) request(caller [20]byte, handler types.Selector, params types.TxParams, details *types.PaymentDetails) (*types.TxRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil, ErrNotInitialized
	}
	params = params.Clone()
	params.Requester = caller
	params.HandlerSelector = handler
	if err := e.validateParams(&params); err != nil {
		return nil, err
	}
	if err := e.registry.Authorize(caller, handler, params.ExecutionSelector, types.ActionDelayedRequest); err != nil {
		return nil, err
	}
	if err := payment.Validate(details); err != nil {
		return nil, err
	}
	if err := e.checkFamily(params.OperationType); err != nil {
		return nil, err
	}

	now := e.now()
	rec := &types.TxRecord{
		ID:          e.allocateID(),
		ReleaseTime: now + e.cooldown,
		CreatedAt:   now,
		Status:      types.TxPending,
		Params:      params,
	}
	if !details.IsZero() {
		rec.Payment = details.Clone()
	}
	if err := e.openFamily(params.OperationType, rec.ID); err != nil {
		return nil, err
	}
	e.txs[rec.ID] = rec
	e.pending[rec.ID] = struct{}{}
	e.persistLocked()

	e.emit(events.TxRequested{
		TxID:          rec.ID,
		Requester:     caller,
		Target:        params.Target,
		OperationType: params.OperationType,
		ReleaseTime:   rec.ReleaseTime,
	})
	e.emit(events.NewTransactionEvent(rec))
	e.log().Info("transaction requested",
		slog.Uint64("txId", rec.ID),
		slog.String("selector", params.ExecutionSelector.String()),
		slog.Int64("releaseTime", rec.ReleaseTime))
	return rec.Clone(), nil
}

// validateParams fills and checks the operation category and the target.
func (e *Engine) validateParams(params *types.TxParams) error {
	schema, ok := e.registry.Schema(params.ExecutionSelector)
	if !ok {
		return fmt.Errorf("%w: %s", access.ErrFunctionNotFound, params.ExecutionSelector)
	}
	if params.OperationType == ([32]byte{}) {
		params.OperationType = schema.OperationType
	} else if params.OperationType != schema.OperationType {
		return fmt.Errorf("%w: %s", ErrOperationMismatch, schema.OperationName)
	}
	if params.Value == nil {
		params.Value = big.NewInt(0)
	}
	if params.Value.Sign() < 0 {
		return fmt.Errorf("%w: negative value", ErrInvalidParams)
	}
	return e.guard.Check(params.ExecutionSelector, params.Target, e.isInternal)
}

// ApproveDelayed completes a PENDING record once its release time has passed.
// An effect failure yields a FAILED record and a nil error.
func (e *Engine) ApproveDelayed(ctx context.Context, caller [20]byte, handler types.Selector, id uint64) (*types.TxRecord, error) {
	ctx, span := e.span(ctx, opApproveDelayed, attribute.Int64("workflow.tx_id", int64(id)))
	defer span.End()
	started := time.Now()
	rec, err := e.approveDelayed(ctx, caller, handler, id)
	e.finish(ctx, span, opApproveDelayed, started, rec, hooks.PostApprove, err)
	return rec, err
}

func (e *Engine) approveDelayed(ctx context.Context, caller [20]byte, handler types.Selector, id uint64) (*types.TxRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, err := e.pendingRecord(id)
	if err != nil {
		return nil, err
	}
	if now := e.now(); now < rec.ReleaseTime {
		return nil, fmt.Errorf("%w: %d < %d", ErrBeforeReleaseTime, now, rec.ReleaseTime)
	}
	if err := e.registry.Authorize(caller, handler, rec.Params.ExecutionSelector, types.ActionDelayedApprove); err != nil {
		return nil, err
	}
	if err := e.precheck(rec.Payment); err != nil {
		return nil, err
	}
	return e.run(ctx, execution{record: rec, stored: true, approver: caller, path: pathDelayed})
}

// CancelDelayed cancels a PENDING record. No release time applies.
func (e *Engine) CancelDelayed(ctx context.Context, caller [20]byte, handler types.Selector, id uint64) (*types.TxRecord, error) {
	ctx, span := e.span(ctx, opCancelDelayed, attribute.Int64("workflow.tx_id", int64(id)))
	defer span.End()
	started := time.Now()
	rec, err := e.cancelDelayed(caller, handler, id)
	e.finish(ctx, span, opCancelDelayed, started, rec, hooks.PostCancel, err)
	return rec, err
}

func (e *Engine) cancelDelayed(caller [20]byte, handler types.Selector, id uint64) (*types.TxRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, err := e.pendingRecord(id)
	if err != nil {
		return nil, err
	}
	if err := e.registry.Authorize(caller, handler, rec.Params.ExecutionSelector, types.ActionDelayedCancel); err != nil {
		return nil, err
	}
	return e.cancel(rec, [32]byte{}, caller, pathDelayed), nil
}

// UpdatePayment replaces the payment attached to a PENDING record. A nil or
// zero value detaches it. Signatures made over the previous payment no longer
// verify.
func (e *Engine) UpdatePayment(ctx context.Context, caller [20]byte, handler types.Selector, id uint64, details *types.PaymentDetails) (*types.TxRecord, error) {
	_, span := e.span(ctx, opUpdatePayment, attribute.Int64("workflow.tx_id", int64(id)))
	defer span.End()
	rec, err := e.updatePayment(caller, handler, id, details)
	if err != nil {
		span.RecordError(err)
		e.metrics.RecordRejection(opUpdatePayment)
	}
	return rec, err
}

func (e *Engine) updatePayment(caller [20]byte, handler types.Selector, id uint64, details *types.PaymentDetails) (*types.TxRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, err := e.pendingRecord(id)
	if err != nil {
		return nil, err
	}
	if err := e.registry.Authorize(caller, handler, rec.Params.ExecutionSelector, types.ActionDelayedRequest); err != nil {
		return nil, err
	}
	if err := payment.Validate(details); err != nil {
		return nil, err
	}
	if details.IsZero() {
		rec.Payment = nil
	} else {
		rec.Payment = details.Clone()
	}
	e.persistLocked()
	e.log().Info("transaction payment updated", slog.Uint64("txId", id))
	return rec.Clone(), nil
}

// pendingRecord loads a record that can take a transition right now.
func (e *Engine) pendingRecord(id uint64) (*types.TxRecord, error) {
	if !e.initialized {
		return nil, ErrNotInitialized
	}
	if _, busy := e.executing[id]; busy {
		return nil, fmt.Errorf("%w: %d", ErrReentrantCall, id)
	}
	rec, ok := e.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTxNotFound, id)
	}
	if rec.Status != types.TxPending {
		return nil, fmt.Errorf("%w: %d is %s", ErrNotPending, id, rec.Status)
	}
	return rec, nil
}
