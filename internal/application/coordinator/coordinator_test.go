package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aescanero/dago-master/internal/retry"
	"github.com/aescanero/dago-master/pkg/domain"
	"github.com/aescanero/dago-master/pkg/ports"
)

type recordingPublisher struct {
	mu          sync.Mutex
	dispatches  []domain.TaskDispatch
	logs        []domain.LogEntry
	dispatchErr error
	// failFirst makes that many dispatches fail with dispatchErr before any succeeds
	failFirst int
	attempts  int
}

func (p *recordingPublisher) PublishDispatch(ctx context.Context, task domain.TaskDispatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.dispatchErr != nil && (p.failFirst == 0 || p.attempts <= p.failFirst) {
		return p.dispatchErr
	}
	p.dispatches = append(p.dispatches, task)
	return nil
}

func (p *recordingPublisher) PublishLog(ctx context.Context, entry domain.LogEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logs = append(p.logs, entry)
	return nil
}

func (p *recordingPublisher) Dispatches() []domain.TaskDispatch {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.TaskDispatch(nil), p.dispatches...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	c     *Coordinator
	pub   *recordingPublisher
	clock *fakeClock
}

func newFixture(t *testing.T, mutate ...func(o *Options)) *fixture {
	t.Helper()

	pub := &recordingPublisher{}
	clock := &fakeClock{now: epoch}
	seq := 0
	opts := Options{
		Model:          "gpt-4.1-mini",
		CallbackTarget: "master:50051",
		Now:            clock.Now,
		NewID: func() string {
			seq++
			return fmt.Sprintf("s%d", seq)
		},
	}
	for _, m := range mutate {
		m(&opts)
	}

	return &fixture{
		c:     New(pub, ports.NopMetrics{}, zaptest.NewLogger(t), opts),
		pub:   pub,
		clock: clock,
	}
}

func (f *fixture) submit(t *testing.T, query string) string {
	t.Helper()
	id, err := f.c.Submit(context.Background(), "u1", query)
	require.NoError(t, err)
	require.NoError(t, f.c.CheckInvariants())
	return id
}

func (f *fixture) register(t *testing.T, workerID string) {
	t.Helper()
	f.c.HandleRegister(context.Background(), domain.RegisterEvent{WorkerID: workerID})
	require.NoError(t, f.c.CheckInvariants())
}

func (f *fixture) result(t *testing.T, workerID, sessionID, result string) {
	t.Helper()
	err := f.c.HandleResult(context.Background(), domain.ResultReport{
		WorkerID:  workerID,
		SessionID: sessionID,
		Result:    result,
	})
	require.NoError(t, err)
	require.NoError(t, f.c.CheckInvariants())
}

func (f *fixture) status(t *testing.T, sessionID string) domain.SessionStatus {
	t.Helper()
	sess, err := f.c.Session(sessionID)
	require.NoError(t, err)
	return sess.Status
}

func messages(entries []domain.LogEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message)
	}
	return out
}

func TestCoordinator_SingleWorkerLifecycle(t *testing.T) {
	f := newFixture(t)

	s1 := f.submit(t, "hello")
	assert.Equal(t, "s1", s1)
	assert.Equal(t, domain.SessionStatusPending, f.status(t, s1))
	assert.Empty(t, f.pub.Dispatches())

	f.register(t, "w1")
	assert.Equal(t, domain.SessionStatusRunning, f.status(t, s1))

	dispatches := f.pub.Dispatches()
	require.Len(t, dispatches, 1)
	assert.Equal(t, domain.TaskDispatch{
		WorkerID:     "w1",
		SessionID:    "s1",
		UserID:       "u1",
		Query:        "hello",
		Model:        "gpt-4.1-mini",
		GRPCCallback: "master:50051",
		Timestamp:    epoch.UnixMilli(),
	}, dispatches[0])

	f.clock.Advance(2 * time.Second)
	f.result(t, "w1", s1, "hi")

	sess, err := f.c.Session(s1)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusDone, sess.Status)
	assert.Equal(t, "hi", sess.Result)
	assert.Equal(t, "w1", sess.AssignedWorker)
	assert.Equal(t, "2.00s", sess.Duration)

	workers := f.c.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, domain.WorkerStatusIdle, workers[0].Status)

	assert.Contains(t, messages(f.c.Logs(s1)), "task dispatched to worker w1")
	assert.Contains(t, messages(f.c.Logs(s1)), "result received from worker w1")
}

func TestCoordinator_SecondQueryWaitsForWorker(t *testing.T) {
	f := newFixture(t)
	f.register(t, "w1")

	s1 := f.submit(t, "first")
	s2 := f.submit(t, "second")

	assert.Equal(t, domain.SessionStatusRunning, f.status(t, s1))
	assert.Equal(t, domain.SessionStatusPending, f.status(t, s2))
	assert.Equal(t, []string{s2}, f.c.QueuedSessions())
	assert.Contains(t, messages(f.c.Logs(s2)), "no worker available, task queued")

	f.result(t, "w1", s1, "one")

	assert.Equal(t, domain.SessionStatusDone, f.status(t, s1))
	assert.Equal(t, domain.SessionStatusRunning, f.status(t, s2))
	assert.Empty(t, f.c.QueuedSessions())

	dispatches := f.pub.Dispatches()
	require.Len(t, dispatches, 2)
	assert.Equal(t, s2, dispatches[1].SessionID)
	assert.Equal(t, "w1", dispatches[1].WorkerID)
}

func TestCoordinator_BacklogDrainsInFIFOOrder(t *testing.T) {
	f := newFixture(t)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.submit(t, fmt.Sprintf("q%d", i)))
	}
	for _, id := range ids {
		assert.Equal(t, domain.SessionStatusPending, f.status(t, id))
	}
	assert.Equal(t, ids, f.c.QueuedSessions())

	f.register(t, "w1")
	assert.Equal(t, domain.SessionStatusRunning, f.status(t, ids[0]))
	assert.Equal(t, ids[1:], f.c.QueuedSessions())

	for i := 0; i < len(ids); i++ {
		f.result(t, "w1", ids[i], "ok")
		if i+1 < len(ids) {
			assert.Equal(t, domain.SessionStatusRunning, f.status(t, ids[i+1]))
		}
	}

	var order []string
	for _, d := range f.pub.Dispatches() {
		order = append(order, d.SessionID)
	}
	assert.Equal(t, ids, order)
}

func TestCoordinator_WaitingNoticeLoggedOnce(t *testing.T) {
	f := newFixture(t)
	s1 := f.submit(t, "hello")

	f.c.TryAssign(context.Background())
	f.c.TryAssign(context.Background())

	count := 0
	for _, msg := range messages(f.c.Logs(s1)) {
		if msg == "no worker available, task queued" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestCoordinator_DuplicateResultIsNoop(t *testing.T) {
	f := newFixture(t)
	f.register(t, "w1")
	s1 := f.submit(t, "hello")

	f.result(t, "w1", s1, "first")
	before := len(f.c.Logs(s1))

	f.result(t, "w1", s1, "second")
	err := f.c.HandleResult(context.Background(), domain.ResultReport{
		WorkerID: "w1", SessionID: s1, Error: "late",
	})
	require.NoError(t, err)

	sess, _ := f.c.Session(s1)
	assert.Equal(t, domain.SessionStatusDone, sess.Status)
	assert.Equal(t, "first", sess.Result)
	assert.Len(t, f.c.Logs(s1), before)
}

func TestCoordinator_FailedResult(t *testing.T) {
	f := newFixture(t)
	f.register(t, "w1")
	s1 := f.submit(t, "hello")

	err := f.c.HandleResult(context.Background(), domain.ResultReport{
		WorkerID: "w1", SessionID: s1, Error: "model unavailable",
	})
	require.NoError(t, err)

	sess, _ := f.c.Session(s1)
	assert.Equal(t, domain.SessionStatusFailed, sess.Status)
	assert.Equal(t, "model unavailable", sess.Error)
	assert.Contains(t, messages(f.c.Logs(s1)), "task failed on worker w1: model unavailable")
	assert.Equal(t, domain.WorkerStatusIdle, f.c.Workers()[0].Status)
}

func TestCoordinator_ResultEdgeCases(t *testing.T) {
	f := newFixture(t)
	f.register(t, "w1")
	f.register(t, "w2")
	s1 := f.submit(t, "hello")

	// unknown session is acknowledged
	require.NoError(t, f.c.HandleResult(context.Background(), domain.ResultReport{WorkerID: "w1", SessionID: "nope"}))

	// result from a worker that does not hold the session
	f.result(t, "w2", s1, "stolen")
	assert.Equal(t, domain.SessionStatusRunning, f.status(t, s1))

	f.result(t, "w1", s1, "ok")
	assert.Equal(t, domain.SessionStatusDone, f.status(t, s1))
}

func TestCoordinator_StatusGuard(t *testing.T) {
	f := newFixture(t)
	f.register(t, "w1")
	s1 := f.submit(t, "hello")

	// a busy worker reporting idle stays busy
	f.clock.Advance(time.Second)
	f.c.HandleStatus(context.Background(), domain.StatusEvent{WorkerID: "w1", Status: domain.WorkerStatusIdle})
	require.NoError(t, f.c.CheckInvariants())

	w := f.c.Workers()[0]
	assert.Equal(t, domain.WorkerStatusBusy, w.Status)
	assert.Equal(t, domain.WorkerStatusIdle, w.ReportedStatus)
	assert.Equal(t, epoch.Add(time.Second), w.LastSeen)

	s2 := f.submit(t, "second")
	assert.Equal(t, domain.SessionStatusPending, f.status(t, s2))

	f.result(t, "w1", s1, "ok")

	// an idle worker reporting busy is still assigned the next task
	f.register(t, "w2")
	f.c.HandleStatus(context.Background(), domain.StatusEvent{WorkerID: "w2", Status: domain.WorkerStatusBusy})
	require.NoError(t, f.c.CheckInvariants())
	s3 := f.submit(t, "third")
	sess, _ := f.c.Session(s3)
	assert.Equal(t, "w2", sess.AssignedWorker)

	// unknown workers are ignored
	f.c.HandleStatus(context.Background(), domain.StatusEvent{WorkerID: "ghost", Status: domain.WorkerStatusIdle})
	assert.Len(t, f.c.Workers(), 2)
}

func TestCoordinator_RegisterAssignsInRegistrationOrder(t *testing.T) {
	f := newFixture(t)
	f.register(t, "w1")
	f.register(t, "w2")

	s1 := f.submit(t, "a")
	s2 := f.submit(t, "b")

	d := f.pub.Dispatches()
	require.Len(t, d, 2)
	assert.Equal(t, "w1", d[0].WorkerID)
	assert.Equal(t, s1, d[0].SessionID)
	assert.Equal(t, "w2", d[1].WorkerID)
	assert.Equal(t, s2, d[1].SessionID)
}

func TestCoordinator_ReRegister(t *testing.T) {
	t.Run("keeps busy worker busy by default", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, "w1")
		s1 := f.submit(t, "hello")

		f.register(t, "w1")
		assert.Equal(t, domain.SessionStatusRunning, f.status(t, s1))
		assert.Equal(t, domain.WorkerStatusBusy, f.c.Workers()[0].Status)
	})

	t.Run("reset policy fails the running session", func(t *testing.T) {
		f := newFixture(t, func(o *Options) { o.ResetBusyOnRegister = true })
		f.register(t, "w1")
		s1 := f.submit(t, "hello")
		s2 := f.submit(t, "queued")

		f.register(t, "w1")

		sess, _ := f.c.Session(s1)
		assert.Equal(t, domain.SessionStatusFailed, sess.Status)
		assert.Equal(t, "worker re-registered", sess.Error)
		assert.Equal(t, domain.SessionStatusRunning, f.status(t, s2))
	})
}

func TestCoordinator_SweepStale(t *testing.T) {
	f := newFixture(t)
	f.register(t, "w1")
	s1 := f.submit(t, "hello")
	f.register(t, "w2")
	s2 := f.submit(t, "queued behind")
	s3 := f.submit(t, "waits")

	f.clock.Advance(20 * time.Second)
	f.c.HandleStatus(context.Background(), domain.StatusEvent{WorkerID: "w2", Status: domain.WorkerStatusBusy})
	f.clock.Advance(20 * time.Second)

	assert.Zero(t, f.c.SweepStale(context.Background(), 0))
	evicted := f.c.SweepStale(context.Background(), 30*time.Second)
	require.NoError(t, f.c.CheckInvariants())

	assert.Equal(t, 1, evicted)
	sess, _ := f.c.Session(s1)
	assert.Equal(t, domain.SessionStatusFailed, sess.Status)
	assert.Equal(t, "worker lost", sess.Error)
	assert.Contains(t, messages(f.c.Logs(s1)), "worker w1 lost, task failed")

	assert.Equal(t, domain.SessionStatusRunning, f.status(t, s2))
	assert.Equal(t, domain.SessionStatusPending, f.status(t, s3))
	require.Len(t, f.c.Workers(), 1)
	assert.Equal(t, "w2", f.c.Workers()[0].ID)
}

func TestCoordinator_DispatchFailure(t *testing.T) {
	t.Run("transport failure leaves backlog queued", func(t *testing.T) {
		f := newFixture(t)
		f.pub.dispatchErr = fmt.Errorf("publish: %w", ports.ErrTransport)
		f.register(t, "w1")

		s1 := f.submit(t, "a")
		s2 := f.submit(t, "b")

		sess, _ := f.c.Session(s1)
		assert.Equal(t, domain.SessionStatusFailed, sess.Status)
		assert.Equal(t, "dispatch failed", sess.Error)
		assert.Equal(t, domain.WorkerStatusIdle, f.c.Workers()[0].Status)

		// s2 was submitted after the failure and took the freed worker, then failed too
		assert.Equal(t, domain.SessionStatusFailed, f.status(t, s2))
		require.NoError(t, f.c.CheckInvariants())
	})

	t.Run("other failure retries the queue", func(t *testing.T) {
		f := newFixture(t)
		f.pub.dispatchErr = errors.New("encode failed")
		f.submit(t, "a")
		f.submit(t, "b")

		f.register(t, "w1")

		stats := f.c.Stats()
		assert.Equal(t, 2, stats.Sessions[domain.SessionStatusFailed])
		assert.Zero(t, stats.QueueDepth)
		assert.Equal(t, 1, stats.IdleWorkers)
	})

	t.Run("transport failure keeps remaining backlog", func(t *testing.T) {
		f := newFixture(t)
		f.pub.dispatchErr = ports.ErrTransport
		f.submit(t, "a")
		s2 := f.submit(t, "b")

		f.register(t, "w1")

		assert.Equal(t, domain.SessionStatusPending, f.status(t, s2))
		assert.Equal(t, []string{s2}, f.c.QueuedSessions())
	})
}

func TestCoordinator_DispatchRetriedWhileBusDown(t *testing.T) {
	quickRetry := func(attempts int) func(o *Options) {
		return func(o *Options) {
			o.DispatchRetry = retry.Policy{
				MaxRetries:        attempts,
				InitialDelay:      time.Millisecond,
				MaxDelay:          time.Millisecond,
				BackoffMultiplier: 1,
			}
		}
	}

	t.Run("delivered once the bus recovers", func(t *testing.T) {
		f := newFixture(t, quickRetry(5))
		f.pub.dispatchErr = fmt.Errorf("publish: %w", ports.ErrTransport)
		f.pub.failFirst = 3
		f.register(t, "w1")

		s1 := f.submit(t, "a")
		assert.Equal(t, domain.SessionStatusRunning, f.status(t, s1))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, f.c.Wait(ctx))

		dispatches := f.pub.Dispatches()
		require.Len(t, dispatches, 1)
		assert.Equal(t, s1, dispatches[0].SessionID)
		assert.Equal(t, domain.SessionStatusRunning, f.status(t, s1))
		require.NoError(t, f.c.CheckInvariants())
	})

	t.Run("fails once the policy is exhausted", func(t *testing.T) {
		f := newFixture(t, quickRetry(2))
		f.pub.dispatchErr = ports.ErrTransport
		f.register(t, "w1")

		s1 := f.submit(t, "a")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, f.c.Wait(ctx))

		sess, err := f.c.Session(s1)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionStatusFailed, sess.Status)
		assert.Equal(t, "dispatch failed", sess.Error)
		assert.Equal(t, domain.WorkerStatusIdle, f.c.Workers()[0].Status)

		f.pub.mu.Lock()
		assert.Equal(t, 3, f.pub.attempts)
		f.pub.mu.Unlock()
	})

	t.Run("dropped when the session completes meanwhile", func(t *testing.T) {
		f := newFixture(t, func(o *Options) {
			o.DispatchRetry = retry.Policy{
				MaxRetries:        3,
				InitialDelay:      50 * time.Millisecond,
				MaxDelay:          50 * time.Millisecond,
				BackoffMultiplier: 1,
			}
		})
		f.pub.dispatchErr = ports.ErrTransport
		f.register(t, "w1")

		s1 := f.submit(t, "a")
		f.result(t, "w1", s1, "done anyway")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, f.c.Wait(ctx))

		assert.Equal(t, domain.SessionStatusDone, f.status(t, s1))
		f.pub.mu.Lock()
		assert.Equal(t, 1, f.pub.attempts)
		f.pub.mu.Unlock()
	})
}

func TestCoordinator_SubmitValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.c.Submit(context.Background(), "u1", "   ")
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = f.c.Session("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCoordinator_DuplicateSessionID(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.NewID = func() string { return "fixed" } })

	_, err := f.c.Submit(context.Background(), "u1", "a")
	require.NoError(t, err)
	_, err = f.c.Submit(context.Background(), "u1", "b")
	assert.ErrorIs(t, err, ErrDuplicateSession)
	assert.Equal(t, []string{"fixed"}, f.c.QueuedSessions())
}

func TestCoordinator_WorkerLogs(t *testing.T) {
	f := newFixture(t)
	s1 := f.submit(t, "hello")

	f.c.HandleWorkerLog(context.Background(), domain.LogEvent{
		SessionID: s1, Source: domain.LogSourceWorker, Message: "thinking",
	})
	f.c.HandleWorkerLog(context.Background(), domain.LogEvent{
		SessionID: s1, Source: domain.LogSourceMaster, Message: "echo of our own entry",
	})

	msgs := messages(f.c.Logs(s1))
	assert.Contains(t, msgs, "thinking")
	assert.NotContains(t, msgs, "echo of our own entry")

	empty := f.c.Logs("no-such-session")
	require.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestCoordinator_WorkerLogForUnknownSessionDropped(t *testing.T) {
	f := newFixture(t)
	f.register(t, "w1")
	f.clock.Advance(time.Minute)

	f.c.HandleWorkerLog(context.Background(), domain.LogEvent{
		SessionID: "forged", WorkerID: "w1", Source: domain.LogSourceWorker, Message: "noise",
	})

	assert.Empty(t, f.c.Logs("forged"))
	// the worker still counts as alive
	assert.Equal(t, epoch.Add(time.Minute), f.c.Workers()[0].LastSeen)
}

func TestCoordinator_LogsForwarded(t *testing.T) {
	f := newFixture(t)
	f.register(t, "w1")
	s1 := f.submit(t, "hello")

	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()

	var forwarded []string
	for _, e := range f.pub.logs {
		if e.SessionID == s1 {
			assert.Equal(t, domain.LogSourceMaster, e.Source)
			forwarded = append(forwarded, e.Message)
		}
	}
	assert.Contains(t, forwarded, "task dispatched to worker w1")
}

func TestCoordinator_WatchLogs(t *testing.T) {
	f := newFixture(t)
	s1 := f.submit(t, "hello")

	replay, ch, cancel, err := f.c.WatchLogs(s1)
	require.NoError(t, err)
	defer cancel()
	assert.NotEmpty(t, replay)

	f.register(t, "w1")
	entry := <-ch
	assert.Equal(t, "task dispatched to worker w1", entry.Message)

	f.result(t, "w1", s1, "hi")
	var rest []string
	for e := range ch {
		rest = append(rest, e.Message)
	}
	assert.Equal(t, []string{"result received from worker w1"}, rest)

	_, done, cancelDone, err := f.c.WatchLogs(s1)
	require.NoError(t, err)
	defer cancelDone()
	_, open := <-done
	assert.False(t, open)

	_, _, _, err = f.c.WatchLogs("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCoordinator_ConcurrentEvents(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		var mu sync.Mutex
		seq := 0
		o.NewID = func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("s%d", seq)
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.c.HandleRegister(context.Background(), domain.RegisterEvent{WorkerID: fmt.Sprintf("w%d", i)})
		}(i)
	}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.c.Submit(context.Background(), "u", fmt.Sprintf("q%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	require.NoError(t, f.c.CheckInvariants())

	// complete everything that gets dispatched until the backlog is empty
	done := map[string]bool{}
	for {
		progressed := false
		for _, d := range f.pub.Dispatches() {
			if done[d.SessionID] {
				continue
			}
			done[d.SessionID] = true
			progressed = true
			require.NoError(t, f.c.HandleResult(context.Background(), domain.ResultReport{
				WorkerID: d.WorkerID, SessionID: d.SessionID, Result: "ok",
			}))
			require.NoError(t, f.c.CheckInvariants())
		}
		if !progressed {
			break
		}
	}

	stats := f.c.Stats()
	assert.Equal(t, 20, stats.Sessions[domain.SessionStatusDone])
	assert.Equal(t, 4, stats.IdleWorkers)
	assert.Zero(t, stats.QueueDepth)
}

func TestHealthMonitor_Status(t *testing.T) {
	f := newFixture(t)
	f.register(t, "w1")
	f.submit(t, "a")
	f.submit(t, "b")

	h := NewHealthMonitor(f.c, time.Hour, 0, zaptest.NewLogger(t))
	status := h.GetStatus()
	assert.Equal(t, 1, status.TotalWorkers)
	assert.Equal(t, 1, status.BusyWorkers)
	assert.Equal(t, 1, status.QueueDepth)
	assert.True(t, status.Consistent)

	h.Start()
	h.Start()
	h.Stop()
	h.Stop()
}
