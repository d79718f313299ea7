package workflow

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"guardflow/core/types"
	"guardflow/native/hooks"
	"guardflow/native/metatx"
	"guardflow/native/payment"
)

// ApproveSigned completes a PENDING record with an off-line signature relayed
// by caller. The signer needs the sign-approve action and the relayer the
// execute-approve action, both on handler and the record's execution selector.
// The caller's fee price is read from ctx (see metatx.WithGasPrice).
func (e *Engine) ApproveSigned(ctx context.Context, relayer [20]byte, handler types.Selector, mtx *types.MetaTransaction) (*types.TxRecord, error) {
	ctx, span := e.span(ctx, opApproveSigned, txIDAttr(mtx))
	defer span.End()
	started := time.Now()
	rec, err := e.approveSigned(ctx, relayer, handler, mtx)
	e.finish(ctx, span, opApproveSigned, started, rec, hooks.PostSignedApprove, err)
	return rec, err
}

func (e *Engine) approveSigned(ctx context.Context, relayer [20]byte, handler types.Selector, mtx *types.MetaTransaction) (*types.TxRecord, error) {
	if mtx == nil {
		return nil, ErrNilMetaTx
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, err := e.pendingRecord(mtx.TxRecord.ID)
	if err != nil {
		return nil, err
	}
	digest, err := e.verifySigned(ctx, mtx, rec, handler, types.ActionSignApprove, relayer, types.ActionExecuteApprove)
	if err != nil {
		return nil, err
	}
	if err := e.precheck(rec.Payment); err != nil {
		return nil, err
	}
	if err := e.verifier.Consume(mtx.Params.Signer, mtx.Params.Nonce); err != nil {
		return nil, err
	}
	return e.run(ctx, execution{record: rec, stored: true, message: digest, approver: mtx.Params.Signer, path: pathSigned})
}

// CancelSigned cancels a PENDING record with an off-line signature relayed by
// caller.
func (e *Engine) CancelSigned(ctx context.Context, relayer [20]byte, handler types.Selector, mtx *types.MetaTransaction) (*types.TxRecord, error) {
	ctx, span := e.span(ctx, opCancelSigned, txIDAttr(mtx))
	defer span.End()
	started := time.Now()
	rec, err := e.cancelSigned(ctx, relayer, handler, mtx)
	e.finish(ctx, span, opCancelSigned, started, rec, hooks.PostSignedCancel, err)
	return rec, err
}

func (e *Engine) cancelSigned(ctx context.Context, relayer [20]byte, handler types.Selector, mtx *types.MetaTransaction) (*types.TxRecord, error) {
	if mtx == nil {
		return nil, ErrNilMetaTx
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, err := e.pendingRecord(mtx.TxRecord.ID)
	if err != nil {
		return nil, err
	}
	digest, err := e.verifySigned(ctx, mtx, rec, handler, types.ActionSignCancel, relayer, types.ActionExecuteCancel)
	if err != nil {
		return nil, err
	}
	if err := e.verifier.Consume(mtx.Params.Signer, mtx.Params.Nonce); err != nil {
		return nil, err
	}
	return e.cancel(rec, digest, mtx.Params.Signer, pathSigned), nil
}

// RequestAndApproveSigned creates and completes a record in one call. The
// signed record must be unallocated (zero id, UNDEFINED status) and name the
// signer as requester. No PENDING interval is observable.
func (e *Engine) RequestAndApproveSigned(ctx context.Context, relayer [20]byte, handler types.Selector, mtx *types.MetaTransaction) (*types.TxRecord, error) {
	ctx, span := e.span(ctx, opRequestAndApprove)
	defer span.End()
	started := time.Now()
	rec, err := e.requestAndApprove(ctx, relayer, handler, mtx)
	e.finish(ctx, span, opRequestAndApprove, started, rec, hooks.PostRequestAndApprove, err)
	return rec, err
}

func (e *Engine) requestAndApprove(ctx context.Context, relayer [20]byte, handler types.Selector, mtx *types.MetaTransaction) (*types.TxRecord, error) {
	if mtx == nil {
		return nil, ErrNilMetaTx
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil, ErrNotInitialized
	}
	signed := &mtx.TxRecord
	if signed.ID != 0 || signed.Status != types.TxUndefined {
		return nil, ErrRecordNotNew
	}
	if signed.Params.Requester != mtx.Params.Signer {
		return nil, ErrRequesterMismatch
	}
	if signed.Params.HandlerSelector != handler {
		return nil, fmt.Errorf("%w: record handler %s", metatx.ErrHandlerMismatch, signed.Params.HandlerSelector)
	}
	params := signed.Params.Clone()
	if err := e.validateParams(&params); err != nil {
		return nil, err
	}
	if params.OperationType != signed.Params.OperationType {
		return nil, fmt.Errorf("%w: operation type must be signed explicitly", ErrOperationMismatch)
	}
	if err := payment.Validate(signed.Payment); err != nil {
		return nil, err
	}
	digest, err := e.verifySigned(ctx, mtx, signed, handler, types.ActionSignRequestAndApprove, relayer, types.ActionExecuteRequestAndApprove)
	if err != nil {
		return nil, err
	}
	if err := e.checkFamily(params.OperationType); err != nil {
		return nil, err
	}
	if err := e.precheck(signed.Payment); err != nil {
		return nil, err
	}
	if err := e.verifier.Consume(mtx.Params.Signer, mtx.Params.Nonce); err != nil {
		return nil, err
	}

	now := e.now()
	rec := &types.TxRecord{
		ID:          e.allocateID(),
		ReleaseTime: now,
		CreatedAt:   now,
		Status:      types.TxPending,
		Params:      params,
	}
	if !signed.Payment.IsZero() {
		rec.Payment = signed.Payment.Clone()
	}
	if err := e.openFamily(params.OperationType, rec.ID); err != nil {
		return nil, err
	}
	return e.run(ctx, execution{record: rec, message: digest, approver: mtx.Params.Signer, path: pathRequestAndApprove})
}

// verifySigned runs the signature pipeline against the authoritative record
// and then the dual-role check: the signer for signerAction and the relayer
// for relayerAction. Nothing is mutated.
func (e *Engine) verifySigned(ctx context.Context, mtx *types.MetaTransaction, record *types.TxRecord, handler types.Selector, signerAction types.Action, relayer [20]byte, relayerAction types.Action) ([32]byte, error) {
	digest, err := e.verifier.Verify(mtx, record, metatx.Expectation{
		Handler:  handler,
		Action:   signerAction,
		Now:      e.now(),
		GasPrice: metatx.GasPrice(ctx),
	})
	e.metrics.RecordSignature(metatx.Reason(err))
	if err != nil {
		return [32]byte{}, err
	}
	exec := record.Params.ExecutionSelector
	if err := e.registry.Authorize(mtx.Params.Signer, handler, exec, signerAction); err != nil {
		return [32]byte{}, err
	}
	if err := e.registry.Authorize(relayer, handler, exec, relayerAction); err != nil {
		return [32]byte{}, err
	}
	return digest, nil
}

func txIDAttr(mtx *types.MetaTransaction) attribute.KeyValue {
	if mtx == nil {
		return attribute.Int64("workflow.tx_id", 0)
	}
	return attribute.Int64("workflow.tx_id", int64(mtx.TxRecord.ID))
}
