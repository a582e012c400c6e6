package instance_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/we-make-money/midjourney-proxy/internal/discord"
	"github.com/we-make-money/midjourney-proxy/internal/domain"
	"github.com/we-make-money/midjourney-proxy/internal/instance"
	"github.com/we-make-money/midjourney-proxy/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient accepts every operation and records imagine prompts in call
// order.
type fakeClient struct {
	mu       sync.Mutex
	imagines []string
	answer   *discord.Message
	err      error
}

func (f *fakeClient) reply() (*discord.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.answer != nil {
		return f.answer, nil
	}
	return discord.Success(), nil
}

func (f *fakeClient) Imagine(_ context.Context, prompt, _ string) (*discord.Message, error) {
	f.mu.Lock()
	f.imagines = append(f.imagines, prompt)
	f.mu.Unlock()
	return f.reply()
}

func (f *fakeClient) Upscale(context.Context, string, int, string, int, string) (*discord.Message, error) {
	return f.reply()
}

func (f *fakeClient) Variation(context.Context, string, int, string, int, string) (*discord.Message, error) {
	return f.reply()
}

func (f *fakeClient) Reroll(context.Context, string, string, int, string) (*discord.Message, error) {
	return f.reply()
}

func (f *fakeClient) Action(context.Context, string, string, int, string) (*discord.Message, error) {
	return f.reply()
}

func (f *fakeClient) Describe(context.Context, string, string) (*discord.Message, error) {
	return f.reply()
}

func (f *fakeClient) Blend(context.Context, []string, discord.BlendDimensions, string) (*discord.Message, error) {
	return f.reply()
}

func (f *fakeClient) Upload(context.Context, string, string) (*discord.Message, error) {
	msg, err := f.reply()
	if msg != nil && msg.Result == "" {
		msg = &discord.Message{Code: msg.Code, Description: msg.Description, Result: "uploaded.png"}
	}
	return msg, err
}

func (f *fakeClient) SendImageMessage(context.Context, string, string) (*discord.Message, error) {
	return f.reply()
}

// recordingNotifier captures every snapshot in order.
type recordingNotifier struct {
	mu    sync.Mutex
	snaps []domain.TaskData
}

func (r *recordingNotifier) NotifyTaskChange(_ context.Context, task domain.TaskData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, task)
	return nil
}

func (r *recordingNotifier) statuses(taskID string) []domain.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.TaskStatus
	for _, s := range r.snaps {
		if s.ID == taskID {
			out = append(out, s.Status)
		}
	}
	return out
}

func newTestInstance(t *testing.T, account domain.Account, client discord.Client, opts ...instance.Option) (*instance.Instance, *store.MemoryStore, *recordingNotifier) {
	t.Helper()
	st := store.NewMemoryStore()
	rec := &recordingNotifier{}
	opts = append([]instance.Option{
		instance.WithAcquireTimeout(10 * time.Millisecond),
		instance.WithGracePeriod(time.Millisecond),
		instance.WithPollInterval(5 * time.Millisecond),
	}, opts...)
	inst := instance.New(account, client, st, rec, discardLogger(), opts...)
	return inst, st, rec
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func imagineTask(id string) *domain.Task {
	return domain.NewTask(domain.TaskData{
		ID:     id,
		Action: domain.ActionImagine,
		Nonce:  "nonce-" + id,
		Prompt: "a lighthouse at dusk",
	})
}

func TestInstance_ImagineLifecycle(t *testing.T) {
	client := &fakeClient{}
	inst, st, rec := newTestInstance(t, domain.Account{ID: "acc-1", Enabled: true, CoreSize: 1}, client)
	inst.Start(context.Background())
	defer inst.Stop()

	task := imagineTask("t-1")
	res := inst.SubmitImagine(task)
	require.Equal(t, domain.CodeSuccess, res.Code)
	assert.Equal(t, "t-1", res.Result)
	assert.Equal(t, "acc-1", res.Properties[domain.PropertyDiscordInstanceID])

	waitFor(t, func() bool { return task.Status() == domain.StatusSubmitted })

	// Inbound events advance the task; the executor notices on poll.
	require.NoError(t, task.SetStatus(domain.StatusInProgress))
	task.SetProgress("50%")
	waitFor(t, func() bool {
		got, err := st.Get(context.Background(), "t-1")
		return err == nil && got.Status == domain.StatusInProgress
	})

	require.NoError(t, task.Succeed("https://cdn.example/final.png"))
	waitFor(t, func() bool { return inst.RunningFutureCount() == 0 })

	got, err := st.Get(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, got.Status)
	assert.Equal(t, "100%", got.Progress)
	assert.Equal(t, "https://cdn.example/final.png", got.ImageURL)
	assert.NotZero(t, got.FinishTime)

	statuses := rec.statuses("t-1")
	require.NotEmpty(t, statuses)
	assert.Equal(t, domain.StatusNotStart, statuses[0])
	assert.Equal(t, domain.StatusSuccess, statuses[len(statuses)-1])

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, []string{"a lighthouse at dusk"}, client.imagines)
}

func TestInstance_QueuedBehindBusySlot(t *testing.T) {
	client := &fakeClient{}
	inst, _, _ := newTestInstance(t, domain.Account{ID: "acc-1", Enabled: true, CoreSize: 1}, client)
	inst.Start(context.Background())
	defer inst.Stop()

	first := imagineTask("t-1")
	res := inst.SubmitImagine(first)
	require.Equal(t, domain.CodeSuccess, res.Code)
	waitFor(t, func() bool { return inst.RunningFutureCount() == 1 })

	// Queue is empty but the only slot is held, so the second submission
	// must report its queue position instead of claiming an immediate start.
	second := imagineTask("t-2")
	res = inst.SubmitImagine(second)
	assert.Equal(t, domain.CodeInQueue, res.Code)
	assert.Equal(t, 0, res.Properties[domain.PropertyNumberOfQueues])

	require.NoError(t, first.Succeed(""))
	waitFor(t, func() bool { return second.Status() == domain.StatusSubmitted })
	require.NoError(t, second.Succeed(""))
	waitFor(t, func() bool { return inst.RunningFutureCount() == 0 })
}

func TestInstance_QueueFull(t *testing.T) {
	client := &fakeClient{}
	inst, st, _ := newTestInstance(t, domain.Account{ID: "acc-1", Enabled: true, CoreSize: 1}, client,
		instance.WithQueueSize(1))
	inst.Start(context.Background())
	defer inst.Stop()

	running := imagineTask("t-1")
	require.Equal(t, domain.CodeSuccess, inst.SubmitImagine(running).Code)
	waitFor(t, func() bool { return inst.RunningFutureCount() == 1 })

	require.Equal(t, domain.CodeInQueue, inst.SubmitImagine(imagineTask("t-2")).Code)
	res := inst.SubmitImagine(imagineTask("t-3"))
	assert.Equal(t, domain.CodeQueueFull, res.Code)

	// The rejected task leaves no persisted record behind.
	_, err := st.Get(context.Background(), "t-3")
	require.Error(t, err)

	require.NoError(t, running.Succeed(""))
	waitFor(t, func() bool { return inst.QueueLen() == 0 })
}

// failingStore rejects every Save, simulating a broken backend.
type failingStore struct {
	*store.MemoryStore
}

func (f *failingStore) Save(context.Context, domain.TaskData) error {
	return errors.New("connection pool timeout")
}

func TestInstance_StoreFailureRejectsSubmission(t *testing.T) {
	client := &fakeClient{}
	st := &failingStore{MemoryStore: store.NewMemoryStore()}
	rec := &recordingNotifier{}
	inst := instance.New(domain.Account{ID: "acc-1", Enabled: true, CoreSize: 1}, client, st, rec, discardLogger(),
		instance.WithAcquireTimeout(10*time.Millisecond),
		instance.WithGracePeriod(time.Millisecond),
		instance.WithPollInterval(5*time.Millisecond),
	)
	inst.Start(context.Background())
	defer inst.Stop()

	task := imagineTask("t-1")
	res := inst.SubmitImagine(task)
	assert.Equal(t, domain.CodeFailure, res.Code)
	assert.Equal(t, "acc-1", res.Properties[domain.PropertyDiscordInstanceID])
	assert.Equal(t, 0, inst.QueueLen())
	assert.Equal(t, domain.StatusNotStart, task.Status())

	// Admission never happened, so the same id is not "existed".
	assert.Equal(t, domain.CodeFailure, inst.SubmitImagine(task).Code)

	// The task must never reach the upstream.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, inst.RunningFutureCount())
	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Empty(t, client.imagines)
}

func TestInstance_DuplicateSubmitRejected(t *testing.T) {
	client := &fakeClient{}
	inst, _, _ := newTestInstance(t, domain.Account{ID: "acc-1", Enabled: true, CoreSize: 1}, client)
	inst.Start(context.Background())
	defer inst.Stop()

	task := imagineTask("t-1")
	require.Equal(t, domain.CodeSuccess, inst.SubmitImagine(task).Code)
	waitFor(t, func() bool { return inst.RunningFutureCount() == 1 })

	res := inst.SubmitImagine(task)
	assert.Equal(t, domain.CodeExisted, res.Code)

	require.NoError(t, task.Succeed(""))
	waitFor(t, func() bool { return inst.RunningFutureCount() == 0 })
}

func TestInstance_ConcurrencyNeverExceedsCoreSize(t *testing.T) {
	client := &fakeClient{}
	inst, _, _ := newTestInstance(t, domain.Account{ID: "acc-1", Enabled: true, CoreSize: 2}, client)
	inst.Start(context.Background())
	defer inst.Stop()

	var peak atomic.Int32
	tasks := make([]*domain.Task, 0, 6)
	for _, id := range []string{"t-1", "t-2", "t-3", "t-4", "t-5", "t-6"} {
		task := imagineTask(id)
		tasks = append(tasks, task)
		inst.SubmitImagine(task)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			n := int32(inst.RunningFutureCount())
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			finished := 0
			for _, task := range tasks {
				if task.Status().IsTerminal() {
					finished++
				}
			}
			if finished == len(tasks) {
				return
			}
			for _, task := range tasks {
				if task.Status() == domain.StatusSubmitted {
					task.Succeed("")
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not finish in time")
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestInstance_DispatchOrderIsFIFO(t *testing.T) {
	client := &fakeClient{}
	inst, _, _ := newTestInstance(t, domain.Account{ID: "acc-1", Enabled: true, CoreSize: 1}, client)
	inst.Start(context.Background())
	defer inst.Stop()

	first := imagineTask("t-1")
	second := imagineTask("t-2")
	third := imagineTask("t-3")
	for _, task := range []*domain.Task{first, second, third} {
		task := task
		res := inst.Submit(task, func(ctx context.Context) error {
			_, err := client.Imagine(ctx, task.Prompt()+"-"+task.ID(), task.Nonce())
			return err
		})
		require.NotEqual(t, domain.CodeFailure, res.Code)
	}

	for _, task := range []*domain.Task{first, second, third} {
		waitFor(t, func() bool { return task.Status() == domain.StatusSubmitted })
		require.NoError(t, task.Succeed(""))
		waitFor(t, func() bool { return task.Status() == domain.StatusSuccess })
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.imagines, 3)
	assert.Equal(t, "a lighthouse at dusk-t-1", client.imagines[0])
	assert.Equal(t, "a lighthouse at dusk-t-2", client.imagines[1])
	assert.Equal(t, "a lighthouse at dusk-t-3", client.imagines[2])
}

func TestInstance_UpstreamRejectionFailsTask(t *testing.T) {
	client := &fakeClient{answer: discord.Failure(discord.CodeBannedPrompt, "banned prompt detected")}
	inst, st, _ := newTestInstance(t, domain.Account{ID: "acc-1", Enabled: true, CoreSize: 1}, client)
	inst.Start(context.Background())
	defer inst.Stop()

	task := imagineTask("t-1")
	inst.SubmitImagine(task)
	waitFor(t, func() bool { return task.Status() == domain.StatusFailure })

	got, err := st.Get(context.Background(), "t-1")
	require.NoError(t, err)
	// The recorded reason is the upstream description verbatim.
	assert.Equal(t, "banned prompt detected", got.FailReason)
}

func TestInstance_InfrastructureErrorFailsTask(t *testing.T) {
	client := &fakeClient{err: errors.New("connection reset")}
	inst, _, rec := newTestInstance(t, domain.Account{ID: "acc-1", Enabled: true, CoreSize: 1}, client)
	inst.Start(context.Background())
	defer inst.Stop()

	task := imagineTask("t-1")
	inst.SubmitImagine(task)
	waitFor(t, func() bool { return task.Status() == domain.StatusFailure })
	assert.Equal(t, "[Internal Server Error] connection reset", task.FailReason())

	statuses := rec.statuses("t-1")
	assert.Equal(t, domain.StatusFailure, statuses[len(statuses)-1])
}

func TestInstance_CancelQueuedTask(t *testing.T) {
	client := &fakeClient{}
	inst, st, _ := newTestInstance(t, domain.Account{ID: "acc-1", Enabled: true, CoreSize: 1}, client)
	inst.Start(context.Background())
	defer inst.Stop()

	running := imagineTask("t-1")
	inst.SubmitImagine(running)
	waitFor(t, func() bool { return inst.RunningFutureCount() == 1 })

	queued := imagineTask("t-2")
	inst.SubmitImagine(queued)
	require.Equal(t, 1, inst.QueueLen())

	require.True(t, inst.ExitTask("t-2"))
	assert.Equal(t, 0, inst.QueueLen())
	assert.Equal(t, domain.StatusFailure, queued.Status())

	got, err := st.Get(context.Background(), "t-2")
	require.NoError(t, err)
	assert.Contains(t, got.FailReason, "cancelled")

	require.NoError(t, running.Succeed(""))
	waitFor(t, func() bool { return inst.RunningFutureCount() == 0 })
}

func TestInstance_CancelRunningTask(t *testing.T) {
	client := &fakeClient{}
	inst, st, _ := newTestInstance(t, domain.Account{ID: "acc-1", Enabled: true, CoreSize: 1}, client)
	inst.Start(context.Background())
	defer inst.Stop()

	task := imagineTask("t-1")
	inst.SubmitImagine(task)
	waitFor(t, func() bool { return task.Status() == domain.StatusSubmitted })

	require.True(t, inst.ExitTask("t-1"))
	waitFor(t, func() bool { return inst.RunningFutureCount() == 0 })
	assert.Equal(t, domain.StatusCancel, task.Status())

	got, err := st.Get(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancel, got.Status)
}

func TestInstance_ExitTaskUnknown(t *testing.T) {
	client := &fakeClient{}
	inst, _, _ := newTestInstance(t, domain.Account{ID: "acc-1", Enabled: true, CoreSize: 1}, client)
	assert.False(t, inst.ExitTask("nope"))
}

func TestInstance_WatchdogFailsOverdueTask(t *testing.T) {
	client := &fakeClient{}
	inst, _, _ := newTestInstance(t, domain.Account{ID: "acc-1", Enabled: true, CoreSize: 1}, client,
		instance.WithMaxRunDuration(20*time.Millisecond))
	inst.Start(context.Background())
	defer inst.Stop()

	task := imagineTask("t-1")
	inst.SubmitImagine(task)
	waitFor(t, func() bool { return task.Status() == domain.StatusFailure })
	assert.Contains(t, task.FailReason(), "maximum run duration")
}

func TestInstance_LookupRunning(t *testing.T) {
	client := &fakeClient{}
	inst, _, _ := newTestInstance(t, domain.Account{ID: "acc-1", Enabled: true, CoreSize: 1}, client)
	inst.Start(context.Background())
	defer inst.Stop()

	task := imagineTask("t-1")
	inst.SubmitImagine(task)
	waitFor(t, func() bool { return inst.GetRunningTask("t-1") != nil })

	assert.Same(t, task, inst.GetRunningByNonce("nonce-t-1"))
	assert.Nil(t, inst.GetRunningByNonce(""))

	task.SetMessageID("msg-9")
	assert.Same(t, task, inst.GetRunningByMessageID("msg-9"))

	require.NoError(t, task.Succeed(""))
	waitFor(t, func() bool { return inst.GetRunningTask("t-1") == nil })
}

func TestInstance_StopFailsQueuedTasks(t *testing.T) {
	client := &fakeClient{}
	inst, _, _ := newTestInstance(t, domain.Account{ID: "acc-1", Enabled: true, CoreSize: 1}, client)
	inst.Start(context.Background())

	running := imagineTask("t-1")
	inst.SubmitImagine(running)
	waitFor(t, func() bool { return inst.RunningFutureCount() == 1 })
	queued := imagineTask("t-2")
	inst.SubmitImagine(queued)

	inst.Stop()
	assert.True(t, running.Status().IsTerminal())
	assert.Equal(t, domain.StatusFailure, queued.Status())
	assert.Contains(t, queued.FailReason(), "instance stopped")
}

func TestInstance_LifecycleIsReentrant(t *testing.T) {
	client := &fakeClient{}
	inst, _, _ := newTestInstance(t, domain.Account{ID: "acc-1", Enabled: true, CoreSize: 1}, client)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst.Start(context.Background())
		}()
	}
	wg.Wait()

	task := imagineTask("t-1")
	require.Equal(t, domain.CodeSuccess, inst.SubmitImagine(task).Code)
	waitFor(t, func() bool { return task.Status() == domain.StatusSubmitted })
	require.NoError(t, task.Succeed(""))
	waitFor(t, func() bool { return inst.RunningFutureCount() == 0 })

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst.Stop()
		}()
	}
	wg.Wait()

	// A stopped instance restarts cleanly.
	inst.Start(context.Background())
	defer inst.Stop()
	second := imagineTask("t-2")
	require.Equal(t, domain.CodeSuccess, inst.SubmitImagine(second).Code)
	waitFor(t, func() bool { return second.Status() == domain.StatusSubmitted })
	require.NoError(t, second.Succeed(""))
	waitFor(t, func() bool { return inst.RunningFutureCount() == 0 })
}

func TestRegistry_AliveAndOrder(t *testing.T) {
	reg := instance.NewRegistry(discardLogger())
	client := &fakeClient{}
	st := store.NewMemoryStore()
	rec := &recordingNotifier{}

	a := instance.New(domain.Account{ID: "a", Enabled: true, CoreSize: 1}, client, st, rec, discardLogger())
	b := instance.New(domain.Account{ID: "b", Enabled: false, CoreSize: 1}, client, st, rec, discardLogger())
	c := instance.New(domain.Account{ID: "c", Enabled: true, CoreSize: 1}, client, st, rec, discardLogger())
	reg.Register(a)
	reg.Register(b)
	reg.Register(c)

	assert.Len(t, reg.All(), 3)
	alive := reg.Alive()
	require.Len(t, alive, 2)
	assert.Equal(t, "a", alive[0].ID())
	assert.Equal(t, "c", alive[1].ID())
	assert.Same(t, b, reg.Get("b"))
	assert.Nil(t, reg.Get("zz"))
}
