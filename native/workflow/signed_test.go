package workflow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	"guardflow/core/types"
	"guardflow/native/access"
	"guardflow/native/metatx"
	"guardflow/native/payment"
)

func (h *harness) signRecord(key *ecdsa.PrivateKey, record *types.TxRecord, handler types.Selector, action types.Action, nonce uint64) *types.MetaTransaction {
	h.t.Helper()
	mtx := &types.MetaTransaction{
		TxRecord: *record.Clone(),
		Params: types.MetaTxParams{
			ChainID:         h.e.ChainID(),
			Nonce:           nonce,
			HandlerContract: h.e.Contract(),
			HandlerSelector: handler,
			Action:          action,
			Deadline:        h.now + 600,
			Signer:          h.addr(key),
		},
	}
	h.resign(key, mtx)
	return mtx
}

func (h *harness) resign(key *ecdsa.PrivateKey, mtx *types.MetaTransaction) {
	h.t.Helper()
	digest := h.e.Digest(&mtx.TxRecord, &mtx.Params, mtx.Data)
	sig, err := metatx.Sign(digest, key)
	if err != nil {
		h.t.Fatalf("sign: %v", err)
	}
	mtx.Message = digest
	mtx.Signature = sig
}

func (h *harness) requestTimelock(seconds uint64) *types.TxRecord {
	h.t.Helper()
	rec, err := h.e.Request(context.Background(), h.addr(h.owner), TimelockUpdate.Delayed, types.TxParams{
		Target:            testContract,
		ExecutionSelector: TimelockUpdate.Effect,
		ExecutionParams:   TimelockParams(seconds),
	}, nil)
	if err != nil {
		h.t.Fatalf("request timelock: %v", err)
	}
	return rec
}

func (h *harness) newTimelockRecord(seconds uint64) *types.TxRecord {
	return &types.TxRecord{
		Params: types.TxParams{
			Requester:         h.addr(h.owner),
			Target:            testContract,
			Value:             big.NewInt(0),
			OperationType:     TimelockUpdate.OperationType,
			HandlerSelector:   TimelockUpdate.Signed,
			ExecutionSelector: TimelockUpdate.Effect,
			ExecutionParams:   TimelockParams(seconds),
		},
	}
}

func TestApproveSignedBypassesTimelock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.requestTimelock(60)
	mtx := h.signRecord(h.owner, rec, TimelockUpdate.Signed, types.ActionSignApprove, 0)

	done, err := h.e.ApproveSigned(ctx, h.addr(h.broadcaster), TimelockUpdate.Signed, mtx)
	if err != nil {
		t.Fatalf("approve signed: %v", err)
	}
	if done.Status != types.TxCompleted || done.Message != mtx.Message {
		t.Fatalf("unexpected record %s message %x", done.Status, done.Message)
	}
	if h.e.Cooldown() != 60 {
		t.Fatalf("expected cooldown 60, got %d", h.e.Cooldown())
	}
	nonce, _ := h.e.SignerNonce(h.addr(h.owner), h.addr(h.owner))
	if nonce != 1 {
		t.Fatalf("expected nonce 1, got %d", nonce)
	}
	if _, err := h.e.ApproveSigned(ctx, h.addr(h.broadcaster), TimelockUpdate.Signed, mtx); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected replay to fail with ErrNotPending, got %v", err)
	}
}

func TestApproveSignedRequiresBothRoles(t *testing.T) {
	ctx := context.Background()

	t.Run("signer without sign grant", func(t *testing.T) {
		h := newHarness(t)
		rec := h.requestTimelock(60)
		mtx := h.signRecord(h.broadcaster, rec, TimelockUpdate.Signed, types.ActionSignApprove, 0)
		if _, err := h.e.ApproveSigned(ctx, h.addr(h.broadcaster), TimelockUpdate.Signed, mtx); !errors.Is(err, access.ErrNoPermission) {
			t.Fatalf("expected ErrNoPermission, got %v", err)
		}
		nonce, _ := h.e.SignerNonce(h.addr(h.owner), h.addr(h.broadcaster))
		if nonce != 0 {
			t.Fatalf("rejected request must not consume a nonce")
		}
	})

	t.Run("relayer without execute grant", func(t *testing.T) {
		h := newHarness(t)
		rec := h.requestTimelock(60)
		mtx := h.signRecord(h.owner, rec, TimelockUpdate.Signed, types.ActionSignApprove, 0)
		if _, err := h.e.ApproveSigned(ctx, h.addr(h.owner), TimelockUpdate.Signed, mtx); !errors.Is(err, access.ErrNoPermission) {
			t.Fatalf("expected ErrNoPermission, got %v", err)
		}
		got, _ := h.e.GetTransaction(h.addr(h.owner), rec.ID)
		if got.Status != types.TxPending {
			t.Fatalf("record must stay PENDING")
		}
	})
}

func TestApproveSignedVerification(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		mutate func(h *harness, mtx *types.MetaTransaction) context.Context
		want   error
	}{
		{
			name: "expired deadline",
			mutate: func(h *harness, mtx *types.MetaTransaction) context.Context {
				h.now = mtx.Params.Deadline + 1
				return ctx
			},
			want: metatx.ErrDeadlineExpired,
		},
		{
			name: "gas price above maximum",
			mutate: func(h *harness, mtx *types.MetaTransaction) context.Context {
				mtx.Params.MaxGasPrice = big.NewInt(10)
				h.resign(h.owner, mtx)
				return metatx.WithGasPrice(ctx, big.NewInt(11))
			},
			want: metatx.ErrGasPriceExceeded,
		},
		{
			name: "wrong action",
			mutate: func(h *harness, mtx *types.MetaTransaction) context.Context {
				mtx.Params.Action = types.ActionSignCancel
				h.resign(h.owner, mtx)
				return ctx
			},
			want: metatx.ErrActionMismatch,
		},
		{
			name: "future nonce",
			mutate: func(h *harness, mtx *types.MetaTransaction) context.Context {
				mtx.Params.Nonce = 3
				h.resign(h.owner, mtx)
				return ctx
			},
			want: metatx.ErrNonceMismatch,
		},
		{
			name: "other chain",
			mutate: func(h *harness, mtx *types.MetaTransaction) context.Context {
				mtx.Params.ChainID = testChainID + 1
				h.resign(h.owner, mtx)
				return ctx
			},
			want: metatx.ErrChainIDMismatch,
		},
		{
			name: "truncated signature",
			mutate: func(h *harness, mtx *types.MetaTransaction) context.Context {
				mtx.Signature = mtx.Signature[:64]
				return ctx
			},
			want: metatx.ErrInvalidSignatureLength,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.requestTimelock(60)
			mtx := h.signRecord(h.owner, rec, TimelockUpdate.Signed, types.ActionSignApprove, 0)
			callCtx := tc.mutate(h, mtx)
			if _, err := h.e.ApproveSigned(callCtx, h.addr(h.broadcaster), TimelockUpdate.Signed, mtx); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			got, _ := h.e.GetTransaction(h.addr(h.owner), rec.ID)
			if got.Status != types.TxPending {
				t.Fatalf("record must stay PENDING, got %s", got.Status)
			}
		})
	}
}

func TestPaymentUpdateInvalidatesSignature(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.requestTimelock(60)
	mtx := h.signRecord(h.owner, rec, TimelockUpdate.Signed, types.ActionSignApprove, 0)
	if _, err := h.e.UpdatePayment(ctx, h.addr(h.owner), TimelockUpdate.Delayed, rec.ID, &types.PaymentDetails{Recipient: [20]byte{0x0F}, NativeAmount: big.NewInt(1)}); err != nil {
		t.Fatalf("update payment: %v", err)
	}
	if _, err := h.e.ApproveSigned(ctx, h.addr(h.broadcaster), TimelockUpdate.Signed, mtx); !errors.Is(err, metatx.ErrMessageMismatch) {
		t.Fatalf("expected ErrMessageMismatch, got %v", err)
	}
	mtx.Message = [32]byte{}
	if _, err := h.e.ApproveSigned(ctx, h.addr(h.broadcaster), TimelockUpdate.Signed, mtx); !errors.Is(err, metatx.ErrSignerMismatch) {
		t.Fatalf("expected ErrSignerMismatch, got %v", err)
	}
}

func TestCancelSigned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.requestTimelock(60)
	mtx := h.signRecord(h.owner, rec, TimelockUpdate.Signed, types.ActionSignCancel, 0)
	done, err := h.e.CancelSigned(ctx, h.addr(h.broadcaster), TimelockUpdate.Signed, mtx)
	if err != nil {
		t.Fatalf("cancel signed: %v", err)
	}
	if done.Status != types.TxCancelled || done.Message != mtx.Message {
		t.Fatalf("unexpected record %s", done.Status)
	}
	if h.e.Cooldown() != testTimelock {
		t.Fatalf("cancel must not apply the effect")
	}
	h.requestTimelock(90)
	h.assertPendingConsistent()
}

func TestSignerNonceIsSharedAcrossOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.requestTimelock(60)
	approve := h.signRecord(h.owner, first, TimelockUpdate.Signed, types.ActionSignApprove, 0)
	if _, err := h.e.ApproveSigned(ctx, h.addr(h.broadcaster), TimelockUpdate.Signed, approve); err != nil {
		t.Fatalf("approve signed: %v", err)
	}
	second := h.requestTimelock(90)
	cancel := h.signRecord(h.owner, second, TimelockUpdate.Signed, types.ActionSignCancel, 0)
	if _, err := h.e.CancelSigned(ctx, h.addr(h.broadcaster), TimelockUpdate.Signed, cancel); !errors.Is(err, metatx.ErrNonceMismatch) {
		t.Fatalf("expected ErrNonceMismatch, got %v", err)
	}
	cancel = h.signRecord(h.owner, second, TimelockUpdate.Signed, types.ActionSignCancel, 1)
	if _, err := h.e.CancelSigned(ctx, h.addr(h.broadcaster), TimelockUpdate.Signed, cancel); err != nil {
		t.Fatalf("cancel with next nonce: %v", err)
	}
}

func TestRequestAndApproveSigned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mtx := h.signRecord(h.owner, h.newTimelockRecord(120), TimelockUpdate.Signed, types.ActionSignRequestAndApprove, 0)

	done, err := h.e.RequestAndApproveSigned(ctx, h.addr(h.broadcaster), TimelockUpdate.Signed, mtx)
	if err != nil {
		t.Fatalf("request and approve: %v", err)
	}
	if done.ID != 1 || done.Status != types.TxCompleted {
		t.Fatalf("unexpected record %+v", done)
	}
	if h.e.Cooldown() != 120 {
		t.Fatalf("expected cooldown 120, got %d", h.e.Cooldown())
	}
	if _, err := h.e.RequestAndApproveSigned(ctx, h.addr(h.broadcaster), TimelockUpdate.Signed, mtx); !errors.Is(err, metatx.ErrNonceMismatch) {
		t.Fatalf("expected replay to fail with ErrNonceMismatch, got %v", err)
	}
	pending, _ := h.e.ListPending(h.addr(h.owner))
	if len(pending) != 0 {
		t.Fatalf("request-and-approve must not leave a PENDING record")
	}
}

func TestRequestAndApproveRejectsMalformedRecords(t *testing.T) {
	ctx := context.Background()

	t.Run("allocated id", func(t *testing.T) {
		h := newHarness(t)
		record := h.newTimelockRecord(120)
		record.ID = 7
		mtx := h.signRecord(h.owner, record, TimelockUpdate.Signed, types.ActionSignRequestAndApprove, 0)
		if _, err := h.e.RequestAndApproveSigned(ctx, h.addr(h.broadcaster), TimelockUpdate.Signed, mtx); !errors.Is(err, ErrRecordNotNew) {
			t.Fatalf("expected ErrRecordNotNew, got %v", err)
		}
	})

	t.Run("requester is not the signer", func(t *testing.T) {
		h := newHarness(t)
		record := h.newTimelockRecord(120)
		record.Params.Requester = h.addr(h.broadcaster)
		mtx := h.signRecord(h.owner, record, TimelockUpdate.Signed, types.ActionSignRequestAndApprove, 0)
		if _, err := h.e.RequestAndApproveSigned(ctx, h.addr(h.broadcaster), TimelockUpdate.Signed, mtx); !errors.Is(err, ErrRequesterMismatch) {
			t.Fatalf("expected ErrRequesterMismatch, got %v", err)
		}
	})

	t.Run("implicit operation type", func(t *testing.T) {
		h := newHarness(t)
		record := h.newTimelockRecord(120)
		record.Params.OperationType = [32]byte{}
		mtx := h.signRecord(h.owner, record, TimelockUpdate.Signed, types.ActionSignRequestAndApprove, 0)
		if _, err := h.e.RequestAndApproveSigned(ctx, h.addr(h.broadcaster), TimelockUpdate.Signed, mtx); !errors.Is(err, ErrOperationMismatch) {
			t.Fatalf("expected ErrOperationMismatch, got %v", err)
		}
	})

	t.Run("exclusive family already open", func(t *testing.T) {
		h := newHarness(t)
		h.requestTimelock(60)
		mtx := h.signRecord(h.owner, h.newTimelockRecord(120), TimelockUpdate.Signed, types.ActionSignRequestAndApprove, 0)
		if _, err := h.e.RequestAndApproveSigned(ctx, h.addr(h.broadcaster), TimelockUpdate.Signed, mtx); !errors.Is(err, ErrFamilyOpen) {
			t.Fatalf("expected ErrFamilyOpen, got %v", err)
		}
		nonce, _ := h.e.SignerNonce(h.addr(h.owner), h.addr(h.owner))
		if nonce != 0 {
			t.Fatalf("rejected request must not consume a nonce")
		}
	})
}

func TestRequestAndApproveSettlementFailureBurnsID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.e.SetLedger(failingLedger{})
	record := h.newTimelockRecord(120)
	record.Payment = &types.PaymentDetails{Recipient: [20]byte{0x0F}, NativeAmount: big.NewInt(3)}
	mtx := h.signRecord(h.owner, record, TimelockUpdate.Signed, types.ActionSignRequestAndApprove, 0)

	if _, err := h.e.RequestAndApproveSigned(ctx, h.addr(h.broadcaster), TimelockUpdate.Signed, mtx); !errors.Is(err, payment.ErrSettlementFailed) {
		t.Fatalf("expected ErrSettlementFailed, got %v", err)
	}
	if h.e.Cooldown() != testTimelock {
		t.Fatalf("staged effect must not commit when settlement fails")
	}
	if _, err := h.e.GetTransaction(h.addr(h.owner), 1); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("record must not be materialised, got %v", err)
	}
	nonce, _ := h.e.SignerNonce(h.addr(h.owner), h.addr(h.owner))
	if nonce != 1 {
		t.Fatalf("consumed nonce stays consumed, got %d", nonce)
	}
	next := h.requestTimelock(60)
	if next.ID != 2 {
		t.Fatalf("expected burned id to be skipped, got %d", next.ID)
	}
}
