package durable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/dshills/durable-go/durable/emit"
	"github.com/dshills/durable-go/durable/store"
)

// ErrCheckpointFailed wraps a failed write to the durability service. An
// invocation that hits it should be retried as a whole.
var ErrCheckpointFailed = errors.New("checkpoint failed")

// Checkpoint is the single gateway between handlers and the durability service.
//
// It persists operation transitions, exposes the latest known record of any
// operation, tracks local lifecycle state, and provides the suspension
// primitives handlers block on. All methods are safe for concurrent use.
type Checkpoint interface {
	// Checkpoint submits update and waits until the service has applied it.
	Checkpoint(ctx context.Context, update store.OperationUpdate) error

	// CheckpointAsync submits update without waiting. Updates are applied in
	// submission order; a failure terminates the execution.
	CheckpointAsync(update store.OperationUpdate)

	// StepData returns a copy of the latest known record for id, or nil.
	StepData(id string) *store.Operation

	// MarkOperationState records the local lifecycle state of id.
	// opts.Metadata is mandatory on the first call for an id.
	MarkOperationState(id string, state OperationState, opts MarkOptions) error

	// MarkOperationAwaited moves id from IDLE_NOT_AWAITED to IDLE_AWAITED.
	MarkOperationAwaited(id string)

	// WaitForRetryTimer blocks until the step's NextAttemptTimestamp has
	// passed and the service has moved the record out of PENDING.
	WaitForRetryTimer(ctx context.Context, id string) error

	// WaitForStatusChange blocks until the remote status of id moves away
	// from its current non-terminal value.
	WaitForStatusChange(ctx context.Context, id string) error

	// OperationState returns the lifecycle record of id.
	OperationState(id string) (OperationInfo, bool)

	// AllOperations returns every lifecycle record in registration order.
	AllOperations() []OperationInfo

	// Terminate tears the execution down with err. Only the first call has an effect.
	Terminate(err error)
}

// queued is one entry of the ordered write queue. Barriers carry no update
// and are acknowledged once every earlier update has been sent.
type queued struct {
	update  store.OperationUpdate
	done    chan error
	barrier bool
}

// checkpointManager implements Checkpoint for one invocation.
//
// Writes go through a single ordered queue drained by one worker goroutine,
// which batches up to MaxCheckpointBatch updates per service call and chains
// the checkpoint token from each response into the next call.
type checkpointManager struct {
	client      store.Client
	executionID string
	opts        Options

	// ioCtx outlives suspension so queued writes still reach the service.
	ioCtx context.Context

	// ioMu keeps fetches from interleaving with checkpoint calls.
	ioMu sync.Mutex

	mu      sync.Mutex
	token   string
	ops     map[string]*store.Operation
	queue   []queued
	sending int
	waiting int
	changed chan struct{} // closed and replaced whenever ops change

	life    *lifecycle
	fetches singleflight.Group
	polls   *rate.Limiter

	wake   chan struct{}
	idle   chan struct{}
	closed chan struct{}

	closeOnce sync.Once
	stopOnce  sync.Once
	onStop    func()

	terminated chan struct{}
	termErr    error
	suspended  chan struct{}
}

func newCheckpointManager(ioCtx context.Context, client store.Client, executionID, token string, ops []*store.Operation, opts Options, onStop func()) *checkpointManager {
	m := &checkpointManager{
		client:      client,
		executionID: executionID,
		opts:        opts,
		ioCtx:       ioCtx,
		token:       token,
		ops:         make(map[string]*store.Operation, len(ops)),
		changed:     make(chan struct{}),
		polls:       rate.NewLimiter(rate.Every(opts.PollInterval), 1),
		wake:        make(chan struct{}, 1),
		idle:        make(chan struct{}, 1),
		closed:      make(chan struct{}),
		onStop:      onStop,
		terminated:  make(chan struct{}),
		suspended:   make(chan struct{}),
	}
	for _, op := range ops {
		m.ops[op.ID] = op.Clone()
	}
	m.life = newLifecycle(m.lifecycleChanged)
	return m
}

// start launches the write worker and, when enabled, the idle monitor.
func (m *checkpointManager) start() {
	go m.runWorker()
	if m.opts.SuspendOnIdle {
		go m.runIdleMonitor()
	}
}

// close stops the background goroutines. Pending and later awaited writes
// fail with ErrTerminated.
func (m *checkpointManager) close() {
	m.closeOnce.Do(func() { close(m.closed) })
}

// Checkpoint submits update and waits for the service to apply it.
func (m *checkpointManager) Checkpoint(ctx context.Context, update store.OperationUpdate) error {
	done := make(chan error, 1)
	if !m.enqueue(queued{update: update, done: done}) {
		return ErrTerminated
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return m.stopCause(ctx)
	case <-m.closed:
		return ErrTerminated
	}
}

// CheckpointAsync submits update without waiting for it.
func (m *checkpointManager) CheckpointAsync(update store.OperationUpdate) {
	m.enqueue(queued{update: update})
}

// flush waits until every update submitted so far has been sent.
func (m *checkpointManager) flush(ctx context.Context) error {
	done := make(chan error, 1)
	if !m.enqueue(queued{barrier: true, done: done}) {
		return ErrTerminated
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.closed:
		return ErrTerminated
	}
}

func (m *checkpointManager) enqueue(q queued) bool {
	select {
	case <-m.closed:
		return false
	default:
	}
	m.mu.Lock()
	m.queue = append(m.queue, q)
	m.mu.Unlock()
	signal(m.wake)
	m.notifyIdle()
	return true
}

func (m *checkpointManager) runWorker() {
	for {
		select {
		case <-m.closed:
			return
		case <-m.wake:
		}
		for {
			batch := m.takeBatch()
			if len(batch) == 0 {
				break
			}
			m.send(batch)
		}
	}
}

// takeBatch acknowledges barriers at the head of the queue and returns up to
// MaxCheckpointBatch updates that precede the next barrier.
func (m *checkpointManager) takeBatch() []queued {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.queue) > 0 && m.queue[0].barrier {
		m.queue[0].done <- nil
		m.queue = m.queue[1:]
	}

	n := 0
	for n < len(m.queue) && n < m.opts.MaxCheckpointBatch && !m.queue[n].barrier {
		n++
	}
	batch := make([]queued, n)
	copy(batch, m.queue[:n])
	m.queue = m.queue[n:]
	m.sending += n
	return batch
}

func (m *checkpointManager) send(batch []queued) {
	updates := make([]store.OperationUpdate, len(batch))
	for i, q := range batch {
		updates[i] = q.update
	}

	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	m.ioMu.Lock()
	out, err := m.client.Checkpoint(m.ioCtx, m.executionID, token, updates)
	m.ioMu.Unlock()

	if err == nil {
		m.mu.Lock()
		m.token = out.CheckpointToken
		m.mergeLocked(out.Operations)
		m.mu.Unlock()
	} else {
		err = fmt.Errorf("%w: %w", ErrCheckpointFailed, err)
	}

	m.mu.Lock()
	m.sending -= len(batch)
	m.mu.Unlock()

	m.opts.Metrics.RecordCheckpointBatch(len(updates))
	meta := map[string]interface{}{"batch_size": len(updates)}
	if err != nil {
		meta["error"] = err.Error()
	}
	m.emit(emit.Event{Msg: emit.MsgCheckpointBatch, Meta: meta})

	// A failed write leaves the service and the local cache apart, so the
	// invocation stops before any waiter observes the error.
	if err != nil {
		m.Terminate(err)
	}
	for _, q := range batch {
		if err == nil {
			m.opts.Metrics.RecordOperation(string(q.update.Type), string(q.update.Action))
		}
		if q.done != nil {
			q.done <- err
		}
	}
	m.notifyIdle()
}

// mergeLocked folds fresh records into the cache. A terminal record is never
// replaced by a non-terminal one.
func (m *checkpointManager) mergeLocked(ops []*store.Operation) {
	changed := false
	for _, op := range ops {
		if op == nil {
			continue
		}
		if cur, ok := m.ops[op.ID]; ok && cur.Status.Terminal() && !op.Status.Terminal() {
			continue
		}
		m.ops[op.ID] = op.Clone()
		changed = true
	}
	if changed {
		close(m.changed)
		m.changed = make(chan struct{})
	}
}

// refresh re-reads the execution state. Concurrent callers share one fetch.
func (m *checkpointManager) refresh() error {
	_, err, _ := m.fetches.Do("state", func() (interface{}, error) {
		m.ioMu.Lock()
		ops, _, err := store.FetchAll(m.ioCtx, m.client, m.executionID, m.opts.PageSize)
		m.ioMu.Unlock()
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.mergeLocked(ops)
		m.mu.Unlock()
		return nil, nil
	})
	return err
}

// StepData returns a copy of the latest known record for id.
func (m *checkpointManager) StepData(id string) *store.Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops[id].Clone()
}

// MarkOperationState records the local lifecycle state of id.
func (m *checkpointManager) MarkOperationState(id string, state OperationState, opts MarkOptions) error {
	return m.life.mark(id, state, opts)
}

// MarkOperationAwaited moves id from IDLE_NOT_AWAITED to IDLE_AWAITED.
func (m *checkpointManager) MarkOperationAwaited(id string) {
	m.life.markAwaited(id)
}

// OperationState returns the lifecycle record of id.
func (m *checkpointManager) OperationState(id string) (OperationInfo, bool) {
	return m.life.get(id)
}

// AllOperations returns every lifecycle record in registration order.
func (m *checkpointManager) AllOperations() []OperationInfo {
	return m.life.all()
}

// WaitForRetryTimer blocks until the recorded retry time has passed and the
// service no longer reports id as PENDING.
//
// The clock is re-read at least every PollInterval so an injected clock that
// jumps forward is noticed promptly. Once the local timer has elapsed the
// service is polled at most once per PollInterval.
func (m *checkpointManager) WaitForRetryTimer(ctx context.Context, id string) error {
	m.beginWait()
	defer m.endWait()

	if op := m.StepData(id); op != nil && op.StepDetails != nil && op.StepDetails.NextAttemptTimestamp != nil {
		if err := m.sleepUntil(ctx, *op.StepDetails.NextAttemptTimestamp); err != nil {
			return err
		}
	}

	for {
		if err := m.pace(ctx); err != nil {
			return err
		}
		if err := m.refresh(); err != nil {
			return err
		}
		if op := m.StepData(id); op == nil || op.Status != store.StatusPending {
			return nil
		}

		timer := time.NewTimer(m.opts.PollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return m.stopCause(ctx)
		}
	}
}

// pace blocks until the next status poll is allowed.
func (m *checkpointManager) pace(ctx context.Context) error {
	if err := m.polls.Wait(ctx); err != nil {
		// The limiter fails fast when the deadline falls inside its delay.
		<-ctx.Done()
		return m.stopCause(ctx)
	}
	return nil
}

func (m *checkpointManager) sleepUntil(ctx context.Context, wakeAt time.Time) error {
	for {
		d := wakeAt.Sub(m.opts.Clock())
		if d <= 0 {
			return nil
		}
		if d > m.opts.PollInterval {
			d = m.opts.PollInterval
		}
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return m.stopCause(ctx)
		}
	}
}

// WaitForStatusChange polls the service until the status of id moves away
// from the value it had when the wait began.
func (m *checkpointManager) WaitForStatusChange(ctx context.Context, id string) error {
	op := m.StepData(id)
	if op != nil && op.Status.Terminal() {
		return nil
	}
	var initial store.OperationStatus
	if op != nil {
		initial = op.Status
	}

	m.beginWait()
	defer m.endWait()

	for {
		if err := m.pace(ctx); err != nil {
			return err
		}
		if err := m.refresh(); err != nil {
			return err
		}

		m.mu.Lock()
		cur, changed := m.ops[id], m.changed
		m.mu.Unlock()
		if cur != nil && cur.Status != initial {
			return nil
		}

		timer := time.NewTimer(m.opts.PollInterval)
		select {
		case <-timer.C:
		case <-changed:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return m.stopCause(ctx)
		}
	}
}

// Terminate tears the execution down with err.
func (m *checkpointManager) Terminate(err error) {
	if err == nil {
		err = ErrTerminated
	}
	m.stopOnce.Do(func() {
		m.termErr = err
		close(m.terminated)
		if m.onStop != nil {
			m.onStop()
		}
	})
}

// suspend ends the invocation with status PENDING.
func (m *checkpointManager) suspend(reason string) {
	m.stopOnce.Do(func() {
		close(m.suspended)
		m.opts.Metrics.RecordSuspension(reason)
		m.emit(emit.Event{Msg: emit.MsgExecutionSuspended, Meta: map[string]interface{}{"reason": reason}})
		if m.onStop != nil {
			m.onStop()
		}
	})
}

// terminationError returns the error passed to Terminate, or nil.
func (m *checkpointManager) terminationError() error {
	select {
	case <-m.terminated:
		return m.termErr
	default:
		return nil
	}
}

// stopCause explains why ctx ended: suspension, termination, or the caller's own cancellation.
func (m *checkpointManager) stopCause(ctx context.Context) error {
	select {
	case <-m.suspended:
		return ErrSuspended
	default:
	}
	if err := m.terminationError(); err != nil {
		return fmt.Errorf("%w: %w", ErrTerminated, err)
	}
	return ctx.Err()
}

func (m *checkpointManager) beginWait() {
	m.mu.Lock()
	m.waiting++
	m.mu.Unlock()
	m.notifyIdle()
}

func (m *checkpointManager) endWait() {
	m.mu.Lock()
	m.waiting--
	m.mu.Unlock()
	m.notifyIdle()
}

func (m *checkpointManager) lifecycleChanged() {
	m.opts.Metrics.UpdateInflight(m.life.count(StateExecuting))
	m.notifyIdle()
}

func (m *checkpointManager) notifyIdle() {
	signal(m.idle)
}

// isIdle reports whether every task is waiting: no operation is executing,
// no write is queued or in flight, and at least one task waits.
func (m *checkpointManager) isIdle() bool {
	m.mu.Lock()
	busy := len(m.queue) > 0 || m.sending > 0 || m.waiting == 0
	m.mu.Unlock()
	return !busy && m.life.count(StateExecuting) == 0
}

// runIdleMonitor suspends the invocation once it has stayed idle for IdleGracePeriod.
func (m *checkpointManager) runIdleMonitor() {
	var (
		timer  *time.Timer
		expiry <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, expiry = nil, nil
		}
	}
	defer stopTimer()

	for {
		select {
		case <-m.closed:
			return
		case <-m.terminated:
			return
		case <-m.idle:
			if !m.isIdle() {
				stopTimer()
			} else if timer == nil {
				timer = time.NewTimer(m.opts.IdleGracePeriod)
				expiry = timer.C
			}
		case <-expiry:
			timer, expiry = nil, nil
			if m.isIdle() {
				m.suspend("idle")
				return
			}
		}
	}
}

func (m *checkpointManager) emit(e emit.Event) {
	e.ExecutionID = m.executionID
	m.opts.Emitter.Emit(e)
}

// signal performs a non-blocking send on a 1-buffered channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

var _ Checkpoint = (*checkpointManager)(nil)
