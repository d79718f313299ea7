package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"guardflow/core/events"
	"guardflow/core/types"
	"guardflow/native/access"
	"guardflow/native/hooks"
	"guardflow/native/metatx"
	"guardflow/native/payment"
	"guardflow/native/whitelist"
	"guardflow/observability"
)

const tracerName = "guardflow/workflow"

// Call is one effect invocation derived from a record.
type Call struct {
	TxID     uint64
	Target   [20]byte
	Value    *big.Int
	GasLimit uint64
	Selector types.Selector
	Params   []byte
}

// Executor invokes effects on targets other than the hosting contract. The
// engine lock is not held while Execute runs.
type Executor interface {
	Execute(ctx context.Context, call Call) ([]byte, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, call Call) ([]byte, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, call Call) ([]byte, error) {
	return f(ctx, call)
}

// InternalHandler runs an effect on the hosting contract. It is invoked with
// the engine lock held and must stage its changes: nothing is visible until
// the returned commit runs. A commit error fails the effect, so commit must
// apply all or nothing.
type InternalHandler func(ctx context.Context, call Call) (result []byte, commit func() error, err error)

// Config seeds the protected roles and timing at initialisation.
type Config struct {
	Owner           [20]byte
	Broadcaster     [20]byte
	Recovery        [20]byte
	TimelockSeconds uint64
	// Roles and Guards are bootstrap batches applied together with the
	// protected roles. Initialisation fails as a whole if any action fails.
	Roles  []access.ConfigAction
	Guards []whitelist.GuardAction
}

// Engine owns the lifecycle of every record. All state lives on the engine and
// is mutated only through its transitions.
type Engine struct {
	mu sync.Mutex

	chainID  uint64
	self     [20]byte
	registry *access.Registry
	guard    *whitelist.Registry
	verifier *metatx.Verifier
	hooks    *hooks.Dispatcher
	payments *payment.Engine
	executor Executor
	observer events.Observer
	internal map[types.Selector]InternalHandler

	txs       map[uint64]*types.TxRecord
	pending   map[uint64]struct{}
	executing map[uint64]struct{}
	exclusive map[[32]byte]struct{}
	open      map[[32]byte]uint64
	nextID    uint64
	cooldown  int64

	initialized bool
	persister   Persister
	// expectedHooks are the bindings of the last restored snapshot.
	expectedHooks map[types.Selector][][20]byte

	emitter events.Emitter
	logger  *slog.Logger
	metrics *observability.WorkflowMetrics
	tracer  trace.Tracer
	nowFn   func() int64
}

// NewEngine constructs an uninitialised engine for the hosting contract self
// on the given network.
func NewEngine(chainID uint64, self [20]byte) *Engine {
	e := &Engine{
		chainID:   chainID,
		self:      self,
		registry:  access.NewRegistry(),
		guard:     whitelist.NewRegistry(self),
		verifier:  metatx.NewVerifier(chainID, self),
		hooks:     hooks.NewDispatcher(),
		internal:  make(map[types.Selector]InternalHandler),
		txs:       make(map[uint64]*types.TxRecord),
		pending:   make(map[uint64]struct{}),
		executing: make(map[uint64]struct{}),
		exclusive: make(map[[32]byte]struct{}),
		open:      make(map[[32]byte]uint64),
		nextID:    1,
		emitter:   events.NoopEmitter{},
		metrics:   observability.Workflow(),
		tracer:    otel.Tracer(tracerName),
		nowFn:     func() int64 { return time.Now().Unix() },
	}
	e.hooks.SetFailureCallback(func(point hooks.Point, _ error) {
		e.metrics.RecordHookFailure(point.String())
	})
	e.registerBuiltins()
	return e
}

// Initialize creates the protected roles, the built-in function schemas and
// their default grants. It can run only once.
func (e *Engine) Initialize(cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return ErrAlreadyInitialized
	}
	if cfg.TimelockSeconds == 0 {
		return ErrInvalidCooldown
	}
	working := e.registry.Clone()
	if err := working.InitProtectedRoles(cfg.Owner, cfg.Broadcaster, cfg.Recovery); err != nil {
		return err
	}
	if err := installBuiltinSchemas(working); err != nil {
		return err
	}
	for _, chunk := range chunks(len(cfg.Roles), access.MaxBatchSize) {
		if err := working.ApplyBatch(cfg.Roles[chunk[0]:chunk[1]]); err != nil {
			return fmt.Errorf("workflow: bootstrap roles: %w", err)
		}
	}
	guard := e.guard.Clone()
	for _, chunk := range chunks(len(cfg.Guards), whitelist.MaxBatchSize) {
		if err := guard.ApplyBatch(cfg.Guards[chunk[0]:chunk[1]]); err != nil {
			return fmt.Errorf("workflow: bootstrap whitelist: %w", err)
		}
	}
	e.registry = working
	e.guard = guard
	e.cooldown = int64(cfg.TimelockSeconds)
	e.initialized = true
	e.persistLocked()
	e.log().Info("workflow engine initialised",
		slog.Uint64("chainId", e.chainID),
		slog.String("contract", fmt.Sprintf("0x%x", e.self)),
		slog.Int64("timelockSeconds", e.cooldown))
	return nil
}

// chunks splits [0, n) into half-open ranges of at most size elements.
func chunks(n, size int) [][2]int {
	var out [][2]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger overrides the logger. Passing nil restores slog.Default.
func (e *Engine) SetLogger(logger *slog.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logger = logger
	e.hooks.SetLogger(logger)
}

// SetExecutor configures the effect executor for external targets.
func (e *Engine) SetExecutor(executor Executor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executor = executor
}

// SetLedger binds attached payments and native transfers to a ledger, paid
// from the hosting contract's account.
func (e *Engine) SetLedger(ledger payment.Ledger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ledger == nil {
		e.payments = nil
		return
	}
	e.payments = payment.NewEngine(ledger, e.self)
}

// SetObserver configures the external observer receiving audit events.
func (e *Engine) SetObserver(observer events.Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = observer
}

// SetPersister configures the store the engine snapshot is written to after
// every successful mutation.
func (e *Engine) SetPersister(p Persister) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.persister = p
}

// SetTracer overrides the tracer. Passing nil restores the global provider.
func (e *Engine) SetTracer(tracer trace.Tracer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	e.tracer = tracer
}

// RegisterHandler binds an internal handler for a selector on the hosting
// contract. Built-in handlers cannot be replaced.
func (e *Engine) RegisterHandler(sel types.Selector, handler InternalHandler) error {
	if sel.IsZero() {
		return access.ErrZeroSelector
	}
	if handler == nil {
		return ErrInvalidParams
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.internal[sel]; exists {
		return fmt.Errorf("%w: handler for %s", access.ErrFunctionExists, sel)
	}
	e.internal[sel] = handler
	return nil
}

// SetHook registers a best-effort hook for an execution selector. Only the
// owner may manage hooks.
func (e *Engine) SetHook(caller [20]byte, sel types.Selector, id [20]byte, hook hooks.Hook) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	if _, ok := e.registry.Schema(sel); !ok {
		return fmt.Errorf("%w: %s", access.ErrFunctionNotFound, sel)
	}
	if err := e.hooks.Set(sel, id, hook); err != nil {
		return err
	}
	e.persistLocked()
	return nil
}

// ClearHook removes a hook. Only the owner may manage hooks.
func (e *Engine) ClearHook(caller [20]byte, sel types.Selector, id [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireOwner(caller); err != nil {
		return err
	}
	err := e.hooks.Clear(sel, id)
	if ids := e.expectedHooks[sel]; containsID(ids, id) {
		e.expectedHooks[sel] = dropID(ids, id)
		err = nil
	}
	if err != nil {
		return err
	}
	e.persistLocked()
	return nil
}

func dropID(ids [][20]byte, id [20]byte) [][20]byte {
	out := make([][20]byte, 0, len(ids))
	for _, have := range ids {
		if have != id {
			out = append(out, have)
		}
	}
	return out
}

func (e *Engine) requireOwner(caller [20]byte) error {
	if !e.initialized {
		return ErrNotInitialized
	}
	if !e.registry.HasRole(access.OwnerRole, caller) {
		return ErrNotOwner
	}
	return nil
}

func (e *Engine) now() int64 {
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return slog.Default()
}

func (e *Engine) emit(evt events.Event) {
	if e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) isInternal(sel types.Selector) bool {
	_, ok := e.internal[sel]
	return ok
}

func (e *Engine) allocateID() uint64 {
	id := e.nextID
	e.nextID++
	return id
}

func (e *Engine) pendingIDs() []uint64 {
	out := make([]uint64, 0, len(e.pending))
	for id := range e.pending {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// openFamily marks an exclusive operation category as having an outstanding
// request.
func (e *Engine) openFamily(opType [32]byte, id uint64) error {
	if _, ok := e.exclusive[opType]; !ok {
		return nil
	}
	if holder, busy := e.open[opType]; busy && holder != id {
		return fmt.Errorf("%w: transaction %d", ErrFamilyOpen, holder)
	}
	e.open[opType] = id
	return nil
}

func (e *Engine) checkFamily(opType [32]byte) error {
	if _, ok := e.exclusive[opType]; !ok {
		return nil
	}
	if holder, busy := e.open[opType]; busy {
		return fmt.Errorf("%w: transaction %d", ErrFamilyOpen, holder)
	}
	return nil
}

func (e *Engine) closeFamily(opType [32]byte, id uint64) {
	if holder, ok := e.open[opType]; ok && holder == id {
		delete(e.open, opType)
	}
}

// span starts a transition span carrying the operation name.
func (e *Engine) span(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	tracer := e.tracer
	e.mu.Unlock()
	attrs = append(attrs, attribute.String("workflow.operation", operation))
	return tracer.Start(ctx, "workflow."+operation, trace.WithAttributes(attrs...))
}

// finish records the outcome of a public transition and, on success, runs the
// best-effort notifications outside the engine lock.
func (e *Engine) finish(ctx context.Context, span trace.Span, operation string, started time.Time, rec *types.TxRecord, point hooks.Point, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.RecordRejection(operation)
		e.log().Debug("workflow transition rejected",
			slog.String("operation", operation),
			slog.Any("error", err))
		return
	}
	span.SetAttributes(
		attribute.Int64("workflow.tx_id", int64(rec.ID)),
		attribute.String("workflow.status", rec.Status.String()),
	)
	e.metrics.RecordTransition(operation, rec.Status.String(), time.Since(started))
	e.notify(ctx, point, rec)
}

// notify dispatches hooks and forwards the audit event. Failures are logged
// and dropped.
func (e *Engine) notify(ctx context.Context, point hooks.Point, rec *types.TxRecord) {
	e.mu.Lock()
	dispatcher := e.hooks
	observer := e.observer
	logger := e.log()
	pending := len(e.pending)
	e.mu.Unlock()

	e.metrics.SetPending(pending)
	dispatcher.Dispatch(ctx, point, rec)
	if observer == nil {
		return
	}
	if err := forward(ctx, observer, events.NewTransactionEvent(rec)); err != nil {
		e.metrics.RecordObserverFailure()
		logger.Warn("observer failed",
			slog.Uint64("txId", rec.ID),
			slog.String("selector", rec.Params.ExecutionSelector.String()),
			slog.Any("error", err))
	}
}

func forward(ctx context.Context, observer events.Observer, evt events.TransactionEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return observer.OnTransactionEvent(ctx, evt)
}
