package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"guardflow/core/events"
	"guardflow/core/types"
	"guardflow/native/payment"
	"guardflow/observability"
)

// execution describes one approval in flight.
type execution struct {
	record *types.TxRecord
	// stored is false for request-and-approve records, which are only
	// materialised once the effect has run and any payment has settled.
	stored   bool
	message  [32]byte
	approver [20]byte
	path     string
}

// precheck validates an attached payment against the ledger before any state
// is consumed.
func (e *Engine) precheck(details *types.PaymentDetails) error {
	if details.IsZero() {
		return nil
	}
	if err := payment.Validate(details); err != nil {
		return err
	}
	if err := e.payments.Precheck(details); err != nil {
		return fmt.Errorf("%w: %v", payment.ErrSettlementFailed, err)
	}
	return nil
}

// run executes the effect of an authorised record and finalises it. It is
// called with the engine lock held and returns with it held; the lock is
// released only while an external executor runs. Every check and state write
// of the transition has completed before run is entered.
//
// The attached payment is held before the effect runs, so a record whose
// payment cannot be reserved is never executed and stays untouched. An effect
// failure releases the hold and marks the record FAILED without returning an
// error. If delivering the held payment fails after the effect has been
// applied, the effect cannot be taken back: the record is still finalised,
// as FAILED, so it can never run again, and ErrSettlementFailed is returned.
func (e *Engine) run(ctx context.Context, x execution) (*types.TxRecord, error) {
	rec := x.record
	call := Call{
		TxID:     rec.ID,
		Target:   rec.Params.Target,
		Value:    cloneAmount(rec.Params.Value),
		GasLimit: rec.Params.GasLimit,
		Selector: rec.Params.ExecutionSelector,
		Params:   append([]byte(nil), rec.Params.ExecutionParams...),
	}

	hold, err := e.payments.Hold(rec.Payment)
	if err != nil {
		e.recordSettlement(rec, false)
		e.log().Error("payment hold failed",
			slog.Uint64("txId", rec.ID),
			slog.String("selector", call.Selector.String()),
			slog.Any("error", err))
		if !x.stored {
			e.closeFamily(rec.Params.OperationType, rec.ID)
		}
		return nil, err
	}

	e.executing[rec.ID] = struct{}{}
	var result []byte
	if handler, ok := e.internal[call.Selector]; ok && call.Target == e.self {
		result, err = invokeInternal(ctx, handler, call)
	} else {
		executor := e.executor
		e.mu.Unlock()
		result, err = invokeExternal(ctx, executor, call)
		e.mu.Lock()
	}
	delete(e.executing, rec.ID)

	var settleErr error
	if err != nil {
		if rerr := hold.Release(); rerr != nil {
			e.log().Error("payment hold not released",
				slog.Uint64("txId", rec.ID),
				slog.Any("error", rerr))
		}
		rec.Status = types.TxFailed
		rec.Result = []byte(err.Error())
		e.log().Warn("effect execution failed",
			slog.Uint64("txId", rec.ID),
			slog.String("selector", call.Selector.String()),
			slog.Any("error", err))
	} else if settleErr = hold.Capture(); settleErr != nil {
		e.recordSettlement(rec, false)
		if rerr := hold.Release(); rerr != nil {
			e.log().Error("payment hold not released",
				slog.Uint64("txId", rec.ID),
				slog.Any("error", rerr))
		}
		rec.Status = types.TxFailed
		rec.Result = []byte(settleErr.Error())
		e.log().Error("payment settlement failed after effect",
			slog.Uint64("txId", rec.ID),
			slog.String("selector", call.Selector.String()),
			slog.Any("error", settleErr))
	} else {
		e.recordSettlement(rec, true)
		rec.Status = types.TxCompleted
		rec.Result = result
	}
	rec.Message = x.message

	delete(e.pending, rec.ID)
	e.closeFamily(rec.Params.OperationType, rec.ID)
	e.txs[rec.ID] = rec
	e.persistLocked()

	e.emit(events.TxApproved{TxID: rec.ID, Approver: x.approver, Path: x.path})
	e.emit(events.TxExecuted{TxID: rec.ID, Status: rec.Status, Success: rec.Status == types.TxCompleted, Result: rec.Result})
	e.emit(events.NewTransactionEvent(rec))
	if settleErr != nil {
		return nil, settleErr
	}
	return rec.Clone(), nil
}

func (e *Engine) recordSettlement(rec *types.TxRecord, ok bool) {
	if !rec.Payment.IsZero() {
		observability.Settlements().RecordSettlement(assetLabel(rec.Payment), ok)
	}
}

// cancel finalises a PENDING record as CANCELLED.
func (e *Engine) cancel(rec *types.TxRecord, message [32]byte, canceller [20]byte, path string) *types.TxRecord {
	rec.Status = types.TxCancelled
	rec.Message = message
	delete(e.pending, rec.ID)
	e.closeFamily(rec.Params.OperationType, rec.ID)
	e.persistLocked()

	e.emit(events.TxCancelled{TxID: rec.ID, Canceller: canceller, Path: path})
	e.emit(events.NewTransactionEvent(rec))
	return rec.Clone()
}

// invokeInternal runs the handler and applies its commit.
func invokeInternal(ctx context.Context, handler InternalHandler, call Call) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("internal handler panic: %v", r)
		}
	}()
	result, commit, err := handler(ctx, call)
	if err != nil {
		return nil, err
	}
	if commit != nil {
		if err := commit(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func invokeExternal(ctx context.Context, executor Executor, call Call) (result []byte, err error) {
	if executor == nil {
		return nil, ErrNoExecutor
	}
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("executor panic: %v", r)
		}
	}()
	return executor.Execute(ctx, call)
}

func assetLabel(d *types.PaymentDetails) string {
	if d.NativeAmount != nil && d.NativeAmount.Sign() > 0 {
		return "native"
	}
	return "token"
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
