package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"guardflow/core/types"
)

// Point names a lifecycle point after which observers are notified.
type Point uint8

const (
	PostRequest Point = iota + 1
	PostApprove
	PostCancel
	PostSignedApprove
	PostSignedCancel
	PostRequestAndApprove
)

func (p Point) String() string {
	switch p {
	case PostRequest:
		return "post_request"
	case PostApprove:
		return "post_approve"
	case PostCancel:
		return "post_cancel"
	case PostSignedApprove:
		return "post_signed_approve"
	case PostSignedCancel:
		return "post_signed_cancel"
	case PostRequestAndApprove:
		return "post_request_and_approve"
	default:
		return fmt.Sprintf("point(%d)", uint8(p))
	}
}

var (
	ErrZeroAddress  = errors.New("hooks: zero address")
	ErrNilHook      = errors.New("hooks: hook required")
	ErrHookExists   = errors.New("hooks: hook already registered for selector")
	ErrHookNotFound = errors.New("hooks: hook not registered for selector")
)

// Hook observes completed transitions. Returned errors and panics are
// swallowed by the dispatcher.
type Hook interface {
	OnTransition(ctx context.Context, point Point, record *types.TxRecord) error
}

// HookFunc adapts a function to the Hook interface.
type HookFunc func(ctx context.Context, point Point, record *types.TxRecord) error

// OnTransition implements Hook.
func (f HookFunc) OnTransition(ctx context.Context, point Point, record *types.TxRecord) error {
	return f(ctx, point, record)
}

type entry struct {
	id   [20]byte
	hook Hook
}

// Dispatcher keeps an ordered set of hooks per execution selector.
type Dispatcher struct {
	mu        sync.RWMutex
	hooks     map[types.Selector][]entry
	logger    *slog.Logger
	onFailure func(point Point, err error)
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{hooks: make(map[types.Selector][]entry)}
}

// SetLogger overrides the logger used for swallowed failures.
func (d *Dispatcher) SetLogger(logger *slog.Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger = logger
}

// SetFailureCallback installs a callback invoked for every swallowed failure.
// The workflow engine uses it to count hook failures.
func (d *Dispatcher) SetFailureCallback(fn func(point Point, err error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onFailure = fn
}

// Set registers hook under id for the selector. Hooks run in registration
// order.
func (d *Dispatcher) Set(sel types.Selector, id [20]byte, hook Hook) error {
	if id == ([20]byte{}) {
		return ErrZeroAddress
	}
	if hook == nil {
		return ErrNilHook
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.hooks[sel] {
		if e.id == id {
			return ErrHookExists
		}
	}
	d.hooks[sel] = append(d.hooks[sel], entry{id: id, hook: hook})
	return nil
}

// Clear removes the hook registered under id for the selector.
func (d *Dispatcher) Clear(sel types.Selector, id [20]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.hooks[sel]
	for i, e := range list {
		if e.id == id {
			next := append(append([]entry(nil), list[:i]...), list[i+1:]...)
			if len(next) == 0 {
				delete(d.hooks, sel)
			} else {
				d.hooks[sel] = next
			}
			return nil
		}
	}
	return ErrHookNotFound
}

// Hooks lists the ids registered for the selector.
func (d *Dispatcher) Hooks(sel types.Selector) [][20]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	list := d.hooks[sel]
	out := make([][20]byte, len(list))
	for i, e := range list {
		out[i] = e.id
	}
	return out
}

// Bindings lists the hook ids per selector, in registration order.
func (d *Dispatcher) Bindings() map[types.Selector][][20]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[types.Selector][][20]byte, len(d.hooks))
	for sel, list := range d.hooks {
		ids := make([][20]byte, len(list))
		for i, e := range list {
			ids[i] = e.id
		}
		out[sel] = ids
	}
	return out
}

// Dispatch notifies every hook registered for the record's execution selector.
// Each call is isolated: an error or panic is logged and dropped. It returns
// the number of hooks that failed.
func (d *Dispatcher) Dispatch(ctx context.Context, point Point, record *types.TxRecord) int {
	if d == nil || record == nil {
		return 0
	}
	d.mu.RLock()
	list := append([]entry(nil), d.hooks[record.Params.ExecutionSelector]...)
	logger, onFailure := d.logger, d.onFailure
	d.mu.RUnlock()
	if logger == nil {
		logger = slog.Default()
	}
	failures := 0
	for _, e := range list {
		if err := d.invoke(ctx, e, point, record.Clone()); err != nil {
			failures++
			logger.Warn("hook failed",
				slog.String("point", point.String()),
				slog.Uint64("txId", record.ID),
				slog.String("selector", record.Params.ExecutionSelector.String()),
				slog.String("hook", fmt.Sprintf("0x%x", e.id)),
				slog.Any("error", err))
			if onFailure != nil {
				onFailure(point, err)
			}
		}
	}
	return failures
}

func (d *Dispatcher) invoke(ctx context.Context, e entry, point Point, record *types.TxRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hooks: panic: %v", r)
		}
	}()
	return e.hook.OnTransition(ctx, point, record)
}
