package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aescanero/dago-master/internal/retry"
	"github.com/aescanero/dago-master/pkg/domain"
	"github.com/aescanero/dago-master/pkg/ports"
)

// Publisher delivers coordinator output to the event bus
type Publisher interface {
	PublishDispatch(ctx context.Context, task domain.TaskDispatch) error
	PublishLog(ctx context.Context, entry domain.LogEntry) error
}

// Options configures a Coordinator
type Options struct {
	// Model is stamped on every dispatch event
	Model string

	// CallbackTarget is the result callback address handed to workers
	CallbackTarget string

	// ResetBusyOnRegister treats a busy worker that registers again as restarted
	ResetBusyOnRegister bool

	// LogMaxPerSession caps each session's log trail; 0 keeps everything
	LogMaxPerSession int

	// PublishTimeout bounds each dispatch or log publish
	PublishTimeout time.Duration

	// DispatchRetry re-sends a dispatch the bus could not take. The zero
	// policy fails the session on the first transport error.
	DispatchRetry retry.Policy

	NewID func() string
	Now   func() time.Time
}

// Stats is a point-in-time summary of coordinator state
type Stats struct {
	IdleWorkers int                          `json:"idleWorkers"`
	BusyWorkers int                          `json:"busyWorkers"`
	QueueDepth  int                          `json:"queueDepth"`
	Sessions    map[domain.SessionStatus]int `json:"sessions"`
}

// Coordinator applies worker and client events to the registry, the
// session store, the queue and the log trail as one unit
type Coordinator struct {
	mu       sync.RWMutex
	registry *WorkerRegistry
	sessions *SessionStore
	queue    *TaskQueue
	logs     *LogAggregator

	// inflight maps a busy worker to its RUNNING session
	inflight map[string]string
	// waitNoted holds sessions already told no worker was available
	waitNoted map[string]bool

	publisher Publisher
	metrics   ports.MetricsCollector
	logger    *zap.Logger
	opts      Options

	// redispatches tracks dispatches waiting for the bus to come back
	redispatches sync.WaitGroup
}

// outbox collects publishes produced under the lock
type outbox struct {
	dispatches []domain.TaskDispatch
	logs       []domain.LogEntry
}

// New creates a new coordinator
func New(publisher Publisher, metrics ports.MetricsCollector, logger *zap.Logger, opts Options) *Coordinator {
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	return &Coordinator{
		registry:  NewWorkerRegistry(),
		sessions:  NewSessionStore(),
		queue:     NewTaskQueue(),
		logs:      NewLogAggregator(opts.LogMaxPerSession),
		inflight:  make(map[string]string),
		waitNoted: make(map[string]bool),
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		opts:      opts,
	}
}

// Submit creates a PENDING session for query, queues it and tries to
// assign it immediately. It never waits for a worker.
func (c *Coordinator) Submit(ctx context.Context, userID, query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", ErrEmptyQuery
	}

	id := c.opts.NewID()
	out := &outbox{}

	c.mu.Lock()
	now := c.opts.Now()
	if _, err := c.sessions.Create(id, userID, query, now); err != nil {
		c.mu.Unlock()
		return "", err
	}
	if err := c.queue.Enqueue(domain.QueuedTask{
		SessionID:  id,
		UserID:     userID,
		Query:      query,
		EnqueuedAt: now,
	}); err != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	c.metrics.RecordSessionSubmitted()
	c.logLocked(id, fmt.Sprintf("query received from user %s", userID), out)

	c.tryAssignLocked(out)
	if sess, _ := c.sessions.Get(id); sess.Status == domain.SessionStatusPending {
		c.noteWaitingLocked(id, out)
	}
	c.mu.Unlock()

	c.logger.Info("session submitted",
		zap.String("session_id", id),
		zap.String("user_id", userID))

	c.flush(ctx, out)
	return id, nil
}

// HandleRegister adds or refreshes a worker and assigns queued work to it
func (c *Coordinator) HandleRegister(ctx context.Context, ev domain.RegisterEvent) {
	out := &outbox{}

	c.mu.Lock()
	now := c.opts.Now()
	_, isNew := c.registry.Register(ev.WorkerID, now)
	if isNew {
		c.logger.Info("worker registered", zap.String("worker_id", ev.WorkerID))
		c.logLocked("", fmt.Sprintf("worker %s registered", ev.WorkerID), out)
	} else if sessionID, held := c.inflight[ev.WorkerID]; held && c.opts.ResetBusyOnRegister {
		c.logger.Warn("busy worker registered again, failing its task",
			zap.String("worker_id", ev.WorkerID),
			zap.String("session_id", sessionID))
		c.releaseLocked(ev.WorkerID, sessionID, "worker re-registered",
			fmt.Sprintf("worker %s restarted, task failed", ev.WorkerID), out)
	} else {
		c.logger.Debug("worker registration refreshed", zap.String("worker_id", ev.WorkerID))
	}

	c.tryAssignLocked(out)
	c.mu.Unlock()

	c.flush(ctx, out)
}

// HandleStatus applies a worker heartbeat. A report that contradicts the
// coordinator's assignment record only refreshes lastSeen.
func (c *Coordinator) HandleStatus(ctx context.Context, ev domain.StatusEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now()
	if _, ok := c.registry.Get(ev.WorkerID); !ok {
		c.logger.Debug("status from unknown worker ignored",
			zap.String("worker_id", ev.WorkerID),
			zap.String("status", string(ev.Status)))
		return
	}

	_, held := c.inflight[ev.WorkerID]
	consistent := (held && ev.Status == domain.WorkerStatusBusy) ||
		(!held && ev.Status == domain.WorkerStatusIdle)
	if consistent {
		c.registry.UpdateStatus(ev.WorkerID, ev.Status, now)
		return
	}

	c.registry.Report(ev.WorkerID, ev.Status, now)
	c.logger.Debug("status report contradicts assignment",
		zap.String("worker_id", ev.WorkerID),
		zap.String("reported", string(ev.Status)),
		zap.Bool("in_flight", held))
}

// HandleWorkerLog appends a worker-sourced log entry to its session
func (c *Coordinator) HandleWorkerLog(ctx context.Context, ev domain.LogEvent) {
	if ev.Source != domain.LogSourceWorker {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now()
	if ev.WorkerID != "" {
		c.registry.Touch(ev.WorkerID, now)
	}
	if _, ok := c.sessions.Get(ev.SessionID); !ok {
		c.logger.Debug("log for unknown session dropped",
			zap.String("session_id", ev.SessionID),
			zap.String("worker_id", ev.WorkerID))
		return
	}
	c.logs.Append(ev.Entry(now))
}

// HandleResult applies a worker's result callback. Results for unknown
// sessions are logged and ignored; repeated results keep the first outcome.
func (c *Coordinator) HandleResult(ctx context.Context, rep domain.ResultReport) error {
	out := &outbox{}

	c.mu.Lock()
	now := c.opts.Now()
	sess, ok := c.sessions.Get(rep.SessionID)
	switch {
	case !ok:
		c.mu.Unlock()
		c.logger.Warn("result for unknown session ignored",
			zap.String("session_id", rep.SessionID),
			zap.String("worker_id", rep.WorkerID))
		return nil
	case sess.Status.Terminal():
		c.mu.Unlock()
		c.logger.Info("duplicate result ignored",
			zap.String("session_id", rep.SessionID),
			zap.String("worker_id", rep.WorkerID),
			zap.String("status", string(sess.Status)))
		return nil
	case sess.Status != domain.SessionStatusRunning || sess.AssignedWorker != rep.WorkerID:
		c.mu.Unlock()
		c.logger.Warn("result does not match assignment, ignored",
			zap.String("session_id", rep.SessionID),
			zap.String("worker_id", rep.WorkerID),
			zap.String("assigned_worker", sess.AssignedWorker),
			zap.String("status", string(sess.Status)))
		return nil
	}

	var (
		status domain.SessionStatus
		msg    string
		err    error
	)
	if rep.Failed() {
		status = domain.SessionStatusFailed
		msg = fmt.Sprintf("task failed on worker %s: %s", rep.WorkerID, rep.Error)
		_, err = c.sessions.SetFailed(rep.SessionID, rep.Error, now)
	} else {
		status = domain.SessionStatusDone
		msg = fmt.Sprintf("result received from worker %s", rep.WorkerID)
		_, err = c.sessions.SetDone(rep.SessionID, rep.Result, rep.Duration, now)
	}
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to complete session: %w", err)
	}

	delete(c.inflight, rep.WorkerID)
	if err := c.registry.MarkIdle(rep.WorkerID); err != nil {
		c.logger.Warn("result from a worker no longer registered",
			zap.String("worker_id", rep.WorkerID))
	}
	c.registry.Touch(rep.WorkerID, now)

	c.logLocked(rep.SessionID, msg, out)
	c.logs.CloseWatchers(rep.SessionID)
	c.metrics.RecordSessionCompleted(string(status), now.Sub(*sess.StartedAt))

	c.tryAssignLocked(out)
	c.mu.Unlock()

	c.logger.Info("session completed",
		zap.String("session_id", rep.SessionID),
		zap.String("worker_id", rep.WorkerID),
		zap.String("status", string(status)))

	c.flush(ctx, out)
	return nil
}

// TryAssign matches queued tasks to idle workers
func (c *Coordinator) TryAssign(ctx context.Context) {
	out := &outbox{}

	c.mu.Lock()
	c.tryAssignLocked(out)
	c.mu.Unlock()

	c.flush(ctx, out)
}

// SweepStale evicts workers not seen within timeout and fails their
// in-flight sessions. It returns the number of evicted workers.
func (c *Coordinator) SweepStale(ctx context.Context, timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	out := &outbox{}

	c.mu.Lock()
	now := c.opts.Now()
	stale := c.registry.Stale(now.Add(-timeout))
	for _, workerID := range stale {
		if sessionID, held := c.inflight[workerID]; held {
			c.releaseLocked(workerID, sessionID, "worker lost",
				fmt.Sprintf("worker %s lost, task failed", workerID), out)
		}
		c.registry.Remove(workerID)
		c.metrics.RecordWorkerEvicted()
		c.logger.Warn("worker evicted",
			zap.String("worker_id", workerID),
			zap.Duration("timeout", timeout))
	}
	if len(stale) > 0 {
		c.tryAssignLocked(out)
	}
	c.mu.Unlock()

	c.flush(ctx, out)
	return len(stale)
}

// Session returns a snapshot of the session
func (c *Coordinator) Session(id string) (domain.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sess, ok := c.sessions.Get(id)
	if !ok {
		return domain.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess, nil
}

// Logs returns the session's log trail, empty when there is none
func (c *Coordinator) Logs(sessionID string) []domain.LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.logs.Get(sessionID)
}

// WatchLogs returns the session's current entries and a channel of the
// entries that follow. The channel is closed when the session completes
// or cancel is called.
func (c *Coordinator) WatchLogs(sessionID string) ([]domain.LogEntry, <-chan domain.LogEntry, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions.Get(sessionID)
	if !ok {
		return nil, nil, nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	id, ch := c.logs.Watch(sessionID, 64)
	if sess.Status.Terminal() {
		c.logs.Unwatch(sessionID, id)
	}

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.logs.Unwatch(sessionID, id)
	}
	return c.logs.Get(sessionID), ch, cancel, nil
}

// Workers returns the registry in registration order
func (c *Coordinator) Workers() []domain.Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.registry.List()
}

// Stats summarizes workers, queue and sessions
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idle, busy := c.registry.Counts()
	return Stats{
		IdleWorkers: idle,
		BusyWorkers: busy,
		QueueDepth:  c.queue.Len(),
		Sessions:    c.sessions.Counts(),
	}
}

// QueuedSessions returns the queued session IDs from head to tail
func (c *Coordinator) QueuedSessions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.queue.SessionIDs()
}

// releaseLocked fails the worker's running session and frees the worker
func (c *Coordinator) releaseLocked(workerID, sessionID, reason, msg string, out *outbox) {
	now := c.opts.Now()
	sess, _ := c.sessions.Get(sessionID)

	changed, err := c.sessions.SetFailed(sessionID, reason, now)
	if err != nil {
		c.logger.Error("failed to fail session",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	delete(c.inflight, workerID)
	_ = c.registry.MarkIdle(workerID)

	if changed {
		c.logLocked(sessionID, msg, out)
		c.logs.CloseWatchers(sessionID)
		var elapsed time.Duration
		if sess.StartedAt != nil {
			elapsed = now.Sub(*sess.StartedAt)
		}
		c.metrics.RecordSessionCompleted(string(domain.SessionStatusFailed), elapsed)
	}
}

// logLocked records a master entry and schedules its forward to the bus
func (c *Coordinator) logLocked(sessionID, msg string, out *outbox) {
	entry := domain.LogEntry{
		SessionID: sessionID,
		Source:    domain.LogSourceMaster,
		Message:   msg,
		Timestamp: c.opts.Now(),
	}
	c.logs.Append(entry)
	out.logs = append(out.logs, entry)
}

// flush publishes what was collected under the lock
func (c *Coordinator) flush(ctx context.Context, out *outbox) {
	if c.publisher == nil {
		return
	}
	base := context.WithoutCancel(ctx)

	for _, entry := range out.logs {
		pubCtx, cancel := context.WithTimeout(base, c.opts.PublishTimeout)
		if err := c.publisher.PublishLog(pubCtx, entry); err != nil {
			c.logger.Debug("failed to forward log entry",
				zap.String("session_id", entry.SessionID),
				zap.Error(err))
		}
		cancel()
	}

	for _, task := range out.dispatches {
		err := c.publishDispatch(base, task)
		switch {
		case err == nil:
		case errors.Is(err, ports.ErrTransport) && c.opts.DispatchRetry.MaxRetries > 0:
			c.redispatches.Add(1)
			go c.redispatch(base, task, err)
		default:
			c.dispatchFailed(ctx, task, err)
		}
	}
}

func (c *Coordinator) publishDispatch(ctx context.Context, task domain.TaskDispatch) error {
	pubCtx, cancel := context.WithTimeout(ctx, c.opts.PublishTimeout)
	defer cancel()
	return c.publisher.PublishDispatch(pubCtx, task)
}

// redispatch keeps publishing task while the bus reports transport errors.
// The session stays RUNNING on its worker until the policy gives up.
func (c *Coordinator) redispatch(ctx context.Context, task domain.TaskDispatch, cause error) {
	defer c.redispatches.Done()

	c.logger.Warn("dispatch not delivered, retrying",
		zap.String("session_id", task.SessionID),
		zap.String("worker_id", task.WorkerID),
		zap.Error(cause))

	time.Sleep(c.opts.DispatchRetry.CalculateDelay(0))

	policy := c.opts.DispatchRetry
	policy.MaxRetries--
	err := policy.DoWhen(ctx, func(ctx context.Context) error {
		if !c.stillAssigned(task) {
			return errDispatchAbandoned
		}
		return c.publishDispatch(ctx, task)
	}, func(attempt int, delay time.Duration, err error) {
		c.logger.Warn("dispatch not delivered, retrying",
			zap.String("session_id", task.SessionID),
			zap.String("worker_id", task.WorkerID),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
	}, func(err error) bool {
		return errors.Is(err, ports.ErrTransport)
	})
	switch {
	case errors.Is(err, errDispatchAbandoned):
		c.logger.Debug("session reassigned or completed, dispatch dropped",
			zap.String("session_id", task.SessionID),
			zap.String("worker_id", task.WorkerID))
		return
	case err != nil:
		c.dispatchFailed(ctx, task, err)
		return
	}
	c.logger.Info("dispatch delivered after retry",
		zap.String("session_id", task.SessionID),
		zap.String("worker_id", task.WorkerID))
}

// stillAssigned reports whether task's session is still RUNNING on its worker
func (c *Coordinator) stillAssigned(task domain.TaskDispatch) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sess, ok := c.sessions.Get(task.SessionID)
	return ok && sess.Status == domain.SessionStatusRunning && sess.AssignedWorker == task.WorkerID
}

// Wait blocks until dispatches being retried are delivered or failed,
// or ctx is done
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.redispatches.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatchFailed fails a session whose dispatch never reached the bus.
// The queue is only retried when the bus itself is reachable.
func (c *Coordinator) dispatchFailed(ctx context.Context, task domain.TaskDispatch, cause error) {
	c.logger.Error("dispatch failed",
		zap.String("session_id", task.SessionID),
		zap.String("worker_id", task.WorkerID),
		zap.Error(cause))
	c.metrics.RecordDispatchFailure()

	out := &outbox{}
	c.mu.Lock()
	sess, ok := c.sessions.Get(task.SessionID)
	if ok && sess.Status == domain.SessionStatusRunning && sess.AssignedWorker == task.WorkerID {
		c.releaseLocked(task.WorkerID, task.SessionID, "dispatch failed",
			fmt.Sprintf("dispatch failed: %v", cause), out)
	}
	if !errors.Is(cause, ports.ErrTransport) {
		c.tryAssignLocked(out)
	}
	c.refreshGaugesLocked()
	c.mu.Unlock()

	c.flush(ctx, out)
}
