// Package instance hosts the per-account task runtime: a FIFO queue, a
// bounded slot pool and a dispatcher goroutine that drains the queue into
// executor goroutines as slots free up.
package instance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/we-make-money/midjourney-proxy/internal/discord"
	"github.com/we-make-money/midjourney-proxy/internal/domain"
	"github.com/we-make-money/midjourney-proxy/internal/notify"
	"github.com/we-make-money/midjourney-proxy/internal/store"
	"github.com/we-make-money/midjourney-proxy/pkg/semaphore"
	"github.com/we-make-money/midjourney-proxy/pkg/telemetry"
)

const (
	defaultAcquireTimeout = 100 * time.Millisecond
	defaultGracePeriod    = time.Second
	defaultPollInterval   = time.Second
	defaultMaxRunDuration = 30 * time.Minute
)

// Thunk performs the upstream submission for a task once the dispatcher
// has reserved an execution slot for it. A non-nil error fails the task.
type Thunk func(ctx context.Context) error

// Option adjusts instance timing and capacity knobs.
type Option func(*Instance)

// WithAcquireTimeout bounds how long the dispatcher waits for a free slot
// before re-checking the queue.
func WithAcquireTimeout(d time.Duration) Option {
	return func(i *Instance) { i.acquireTimeout = d }
}

// WithGracePeriod sets the pause between upstream acceptance and the first
// progress check.
func WithGracePeriod(d time.Duration) Option {
	return func(i *Instance) { i.gracePeriod = d }
}

// WithPollInterval sets how often an executor re-examines a running task.
func WithPollInterval(d time.Duration) Option {
	return func(i *Instance) { i.pollInterval = d }
}

// WithMaxRunDuration sets the watchdog limit after which a still-running
// task is failed.
func WithMaxRunDuration(d time.Duration) Option {
	return func(i *Instance) { i.maxRunDuration = d }
}

// WithQueueSize bounds the pending queue. n <= 0 leaves it unbounded.
func WithQueueSize(n int) Option {
	return func(i *Instance) { i.queueSize = n }
}

// Instance binds one upstream account to its own queue and slot pool.
// Tasks submitted to an instance run only on that account.
type Instance struct {
	account  domain.Account
	client   discord.Client
	store    store.Store
	notifier notify.Notifier
	logger   *slog.Logger

	sem   *semaphore.Semaphore
	queue *taskQueue
	wake  chan struct{}

	mu      sync.RWMutex
	running map[string]*domain.Task
	thunks  map[string]Thunk

	acquireTimeout time.Duration
	gracePeriod    time.Duration
	pollInterval   time.Duration
	maxRunDuration time.Duration
	queueSize      int

	// started and cancel are guarded by mu.
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a stopped instance for the account. Call Start before
// submitting tasks.
func New(account domain.Account, client discord.Client, st store.Store, notifier notify.Notifier, logger *slog.Logger, opts ...Option) *Instance {
	inst := &Instance{
		account:  account,
		client:   client,
		store:    st,
		notifier: notifier,
		logger: logger.With(
			slog.String("component", "instance"),
			slog.String("instance_id", account.ID),
		),
		running:        make(map[string]*domain.Task),
		thunks:         make(map[string]Thunk),
		wake:           make(chan struct{}, 1),
		acquireTimeout: defaultAcquireTimeout,
		gracePeriod:    defaultGracePeriod,
		pollInterval:   defaultPollInterval,
		maxRunDuration: defaultMaxRunDuration,
	}
	for _, opt := range opts {
		opt(inst)
	}
	inst.sem = semaphore.New(account.EffectiveCoreSize())
	inst.queue = newTaskQueue(inst.queueSize)
	return inst
}

// ID returns the upstream account id.
func (i *Instance) ID() string { return i.account.ID }

// Account returns the account backing this instance.
func (i *Instance) Account() domain.Account { return i.account }

// IsAlive reports whether the account accepts new work.
func (i *Instance) IsAlive() bool { return i.account.Enabled }

// EffectiveCoreSize is the clamped concurrent slot count.
func (i *Instance) EffectiveCoreSize() int { return i.account.EffectiveCoreSize() }

// Weight is the account's share in weighted balancing.
func (i *Instance) Weight() int { return i.account.Weight }

// QueueLen returns the number of tasks waiting for a slot.
func (i *Instance) QueueLen() int { return i.queue.len() }

// RunningFutureCount returns the number of tasks holding execution slots.
func (i *Instance) RunningFutureCount() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.running)
}

// Start launches the dispatcher goroutine. Starting an already started
// instance is a no-op; Start and Stop are safe to call concurrently.
func (i *Instance) Start(ctx context.Context) {
	i.mu.Lock()
	if i.started {
		i.mu.Unlock()
		return
	}
	i.started = true
	ctx, i.cancel = context.WithCancel(ctx)
	i.wg.Add(1)
	i.mu.Unlock()
	go i.dispatchLoop(ctx)
	i.logger.Info("instance started",
		slog.Int("core_size", i.EffectiveCoreSize()),
		slog.Int("weight", i.account.Weight),
	)
}

// Stop halts the dispatcher and waits for running executors to finish
// their current iteration. Queued tasks that never ran are failed.
func (i *Instance) Stop() {
	i.mu.Lock()
	if !i.started {
		i.mu.Unlock()
		return
	}
	i.started = false
	cancel := i.cancel
	i.mu.Unlock()
	cancel()
	i.wg.Wait()
	for _, task := range i.queue.tasks() {
		if i.queue.remove(task.ID()) == nil {
			continue
		}
		if err := task.Fail("instance stopped"); err == nil {
			i.saveAndNotify(context.Background(), task)
		}
	}
	i.logger.Info("instance stopped")
}

// Submit queues the task for execution. The returned result tells the
// caller whether the task started immediately, was queued behind others,
// or was rejected.
func (i *Instance) Submit(task *domain.Task, thunk Thunk) *domain.SubmitResult {
	id := task.ID()
	if i.isKnown(id) {
		return domain.NewSubmitResult(domain.CodeExisted, "task already submitted").
			WithProperty(domain.PropertyDiscordInstanceID, i.account.ID)
	}
	task.SetProperty(domain.PropertyDiscordInstanceID, i.account.ID)

	i.mu.Lock()
	i.thunks[id] = thunk
	i.mu.Unlock()

	// Persist before the queue sees the task: admission is atomic, so a
	// store failure rejects the submission instead of letting an
	// unpersisted task run.
	if err := i.store.Save(context.Background(), task.Snapshot()); err != nil {
		i.mu.Lock()
		delete(i.thunks, id)
		i.mu.Unlock()
		i.logger.Error("persist task failed",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
		return domain.SubmitFailure("failed to persist task: "+err.Error()).
			WithProperty(domain.PropertyDiscordInstanceID, i.account.ID)
	}

	// Sampled before the dispatcher can see the task, so the answer
	// reflects the state the submission met.
	runningAtSubmit := i.RunningFutureCount()

	before, ok := i.queue.push(task)
	if !ok {
		i.mu.Lock()
		delete(i.thunks, id)
		i.mu.Unlock()
		// Undo the admission persist.
		if err := i.store.Delete(context.Background(), id); err != nil {
			i.logger.Error("delete rejected task failed",
				slog.String("task_id", id),
				slog.String("error", err.Error()),
			)
		}
		return domain.NewSubmitResult(domain.CodeQueueFull, "queue is full").
			WithProperty(domain.PropertyDiscordInstanceID, i.account.ID)
	}
	telemetry.InstanceQueueLength.WithLabelValues(i.account.ID).Set(float64(i.queue.len()))
	if err := i.notifier.NotifyTaskChange(context.Background(), task.Snapshot()); err != nil {
		i.logger.Error("notify task change failed",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
	}
	i.signalWake()

	if before == 0 && runningAtSubmit < i.EffectiveCoreSize() {
		return domain.SubmitSuccess(id).
			WithProperty(domain.PropertyDiscordInstanceID, i.account.ID)
	}
	return domain.NewSubmitResult(domain.CodeInQueue, fmt.Sprintf("queued, %d task(s) ahead", before)).
		WithProperty(domain.PropertyDiscordInstanceID, i.account.ID).
		WithProperty(domain.PropertyNumberOfQueues, before)
}

// ExitTask cancels a task owned by this instance. A still-queued task is
// failed without ever running; a running task is moved to CANCEL and its
// executor notices on the next poll. Returns false when the task is not
// here.
func (i *Instance) ExitTask(id string) bool {
	if task := i.queue.remove(id); task != nil {
		telemetry.InstanceQueueLength.WithLabelValues(i.account.ID).Set(float64(i.queue.len()))
		i.mu.Lock()
		delete(i.thunks, id)
		i.mu.Unlock()
		if err := task.Fail("cancelled before dispatch"); err == nil {
			i.saveAndNotify(context.Background(), task)
		}
		return true
	}

	i.mu.RLock()
	task := i.running[id]
	i.mu.RUnlock()
	if task == nil {
		return false
	}
	if err := task.SetStatus(domain.StatusCancel); err != nil {
		// A task caught between dequeue and Start is still NOT_START and
		// cannot legally move to CANCEL, so fail it instead.
		if task.Fail("cancelled before dispatch") != nil {
			i.logger.Warn("cancel rejected",
				slog.String("task_id", id),
				slog.String("error", err.Error()),
			)
			return false
		}
	}
	return true
}

// GetRunningTask returns the running task with the given id, or nil.
func (i *Instance) GetRunningTask(id string) *domain.Task {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.running[id]
}

// GetRunningByNonce matches a running task by its interaction nonce.
func (i *Instance) GetRunningByNonce(nonce string) *domain.Task {
	if nonce == "" {
		return nil
	}
	return i.FindRunning(func(t *domain.Task) bool { return t.Nonce() == nonce })
}

// GetRunningByMessageID matches a running task by the upstream message id
// assigned after acceptance.
func (i *Instance) GetRunningByMessageID(messageID string) *domain.Task {
	if messageID == "" {
		return nil
	}
	return i.FindRunning(func(t *domain.Task) bool { return t.MessageID() == messageID })
}

// FindRunning returns the first running task matching the predicate.
func (i *Instance) FindRunning(pred func(*domain.Task) bool) *domain.Task {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for _, t := range i.running {
		if pred(t) {
			return t
		}
	}
	return nil
}

// QueuedTasks returns a snapshot of the pending queue, oldest first.
func (i *Instance) QueuedTasks() []*domain.Task {
	return i.queue.tasks()
}

func (i *Instance) isKnown(id string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if _, ok := i.running[id]; ok {
		return true
	}
	if _, ok := i.thunks[id]; ok {
		return true
	}
	return false
}

// signalWake nudges the dispatcher. The channel is one-buffered so the
// signal is level-triggered: repeated nudges collapse into one.
func (i *Instance) signalWake() {
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

func (i *Instance) dispatchLoop(ctx context.Context) {
	defer i.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-i.wake:
		}
		i.drain(ctx)
	}
}

// drain moves queued tasks into executors while slots are available. When
// all slots are busy it keeps retrying in short beats until the queue
// empties or the instance stops; executors re-signal on release as well.
func (i *Instance) drain(ctx context.Context) {
	for i.queue.len() > 0 {
		if ctx.Err() != nil {
			return
		}
		if !i.sem.TryAcquire(i.acquireTimeout) {
			continue
		}
		task := i.queue.pop()
		if task == nil {
			i.sem.Release()
			return
		}
		telemetry.InstanceQueueLength.WithLabelValues(i.account.ID).Set(float64(i.queue.len()))

		i.mu.Lock()
		thunk := i.thunks[task.ID()]
		delete(i.thunks, task.ID())
		i.running[task.ID()] = task
		i.mu.Unlock()
		telemetry.InstanceRunning.WithLabelValues(i.account.ID).Set(float64(i.RunningFutureCount()))

		i.wg.Add(1)
		go i.execute(ctx, task, thunk)
	}
}

// execute owns the slot reserved by the dispatcher and releases it when
// the task reaches a terminal state.
func (i *Instance) execute(ctx context.Context, task *domain.Task, thunk Thunk) {
	started := time.Now()
	defer func() {
		i.mu.Lock()
		delete(i.running, task.ID())
		i.mu.Unlock()
		i.sem.Release()
		i.signalWake()

		status := task.Status()
		telemetry.InstanceRunning.WithLabelValues(i.account.ID).Set(float64(i.RunningFutureCount()))
		telemetry.TasksFinishedTotal.WithLabelValues(i.account.ID, string(status)).Inc()
		telemetry.TaskDurationSeconds.WithLabelValues(string(task.Action())).Observe(time.Since(started).Seconds())
		i.logger.Info("task finished",
			slog.String("task_id", task.ID()),
			slog.String("action", string(task.Action())),
			slog.String("status", string(status)),
			slog.Duration("elapsed", time.Since(started)),
		)
		i.wg.Done()
	}()

	if err := task.Start(); err != nil {
		// Already terminal, e.g. cancelled while the dispatcher held it.
		i.saveAndNotify(ctx, task)
		return
	}
	i.saveAndNotify(ctx, task)

	if thunk == nil {
		i.failAndNotify(ctx, task, "[Internal Server Error] no submission bound to task")
		return
	}
	if err := thunk(ctx); err != nil {
		i.failAndNotify(ctx, task, thunkFailReason(err))
		return
	}

	if !i.sleep(ctx, i.gracePeriod) {
		i.failAndNotify(ctx, task, "instance stopped")
		return
	}
	i.poll(ctx, task)
}

// poll watches the task until inbound events drive it terminal, persisting
// every observed change. The watchdog fails tasks that outlive the
// configured run limit.
func (i *Instance) poll(ctx context.Context, task *domain.Task) {
	deadline := time.UnixMilli(task.StartTime()).Add(i.maxRunDuration)
	lastStatus := domain.TaskStatus("")
	lastProgress := ""
	for {
		status, progress := task.Status(), task.Progress()
		if status != lastStatus || progress != lastProgress {
			i.saveAndNotify(ctx, task)
			lastStatus, lastProgress = status, progress
		}
		if status.IsTerminal() {
			return
		}
		if time.Now().After(deadline) {
			i.failAndNotify(ctx, task, "task exceeded maximum run duration")
			return
		}
		if !i.sleep(ctx, i.pollInterval) {
			i.failAndNotify(ctx, task, "instance stopped")
			return
		}
	}
}

func (i *Instance) failAndNotify(ctx context.Context, task *domain.Task, reason string) {
	if err := task.Fail(reason); err != nil {
		// Lost the race against a concurrent terminal transition.
		i.saveAndNotify(ctx, task)
		return
	}
	i.saveAndNotify(ctx, task)
}

// sleep waits for d and reports false when the context ends first.
func (i *Instance) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// saveAndNotify persists the current snapshot and fans it out to the
// notification channels. Both are best-effort from the executor's point of
// view.
func (i *Instance) saveAndNotify(ctx context.Context, task *domain.Task) {
	snap := task.Snapshot()
	if err := i.store.Save(ctx, snap); err != nil {
		i.logger.Error("persist task failed",
			slog.String("task_id", snap.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := i.notifier.NotifyTaskChange(ctx, snap); err != nil {
		i.logger.Error("notify task change failed",
			slog.String("task_id", snap.ID),
			slog.String("error", err.Error()),
		)
	}
}
