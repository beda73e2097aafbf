package coordinator

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/aescanero/dago-master/pkg/domain"
)

// tryAssignLocked pairs the queue head with the first idle worker until
// either runs out. Caller holds c.mu.
func (c *Coordinator) tryAssignLocked(out *outbox) {
	defer c.refreshGaugesLocked()

	for c.queue.Len() > 0 {
		worker, ok := c.registry.FindIdle()
		if !ok {
			head, _ := c.queue.Peek()
			c.noteWaitingLocked(head.SessionID, out)
			return
		}

		task, _ := c.queue.Dequeue()
		if err := c.assignLocked(task, worker.ID, out); err != nil {
			c.logger.Error("assignment skipped",
				zap.String("session_id", task.SessionID),
				zap.String("worker_id", worker.ID),
				zap.Error(err))
		}
	}
}

// assignLocked starts task on workerID. A worker that is idle in the
// registry but still holds a session is repaired to busy and the task goes
// back to the head of the queue; a queued session that is no longer
// PENDING is dropped from the queue.
func (c *Coordinator) assignLocked(task domain.QueuedTask, workerID string, out *outbox) error {
	if held, ok := c.inflight[workerID]; ok {
		_ = c.registry.MarkBusy(workerID)
		if err := c.queue.Requeue(task); err != nil {
			return fmt.Errorf("%w: %v", ErrInvariant, err)
		}
		return fmt.Errorf("%w: idle worker %s still runs session %s", ErrInvariant, workerID, held)
	}

	sess, ok := c.sessions.Get(task.SessionID)
	if !ok {
		return fmt.Errorf("%w: queued session %s does not exist", ErrInvariant, task.SessionID)
	}
	if sess.Status != domain.SessionStatusPending {
		return fmt.Errorf("%w: queued session %s is %s", ErrInvariant, task.SessionID, sess.Status)
	}

	now := c.opts.Now()
	if err := c.registry.MarkBusy(workerID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	if err := c.sessions.SetRunning(task.SessionID, workerID, now); err != nil {
		_ = c.registry.MarkIdle(workerID)
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	c.inflight[workerID] = task.SessionID
	delete(c.waitNoted, task.SessionID)

	c.logLocked(task.SessionID, fmt.Sprintf("task dispatched to worker %s", workerID), out)
	out.dispatches = append(out.dispatches, domain.TaskDispatch{
		WorkerID:     workerID,
		SessionID:    task.SessionID,
		UserID:       task.UserID,
		Query:        task.Query,
		Model:        c.opts.Model,
		GRPCCallback: c.opts.CallbackTarget,
		Timestamp:    now.UnixMilli(),
	})

	c.metrics.RecordDispatch()
	c.metrics.RecordQueueWait(now.Sub(task.EnqueuedAt))
	c.logger.Info("task dispatched",
		zap.String("session_id", task.SessionID),
		zap.String("worker_id", workerID))
	return nil
}

// noteWaitingLocked logs once per session that it is waiting for a worker
func (c *Coordinator) noteWaitingLocked(sessionID string, out *outbox) {
	if sessionID == "" || c.waitNoted[sessionID] {
		return
	}
	c.waitNoted[sessionID] = true
	c.logLocked(sessionID, "no worker available, task queued", out)
	c.logger.Info("no worker available, task queued",
		zap.String("session_id", sessionID),
		zap.Int("queue_depth", c.queue.Len()))
}

func (c *Coordinator) refreshGaugesLocked() {
	idle, busy := c.registry.Counts()
	c.metrics.SetWorkerCounts(idle, busy)
	c.metrics.SetQueueDepth(c.queue.Len())
}

// CheckInvariants verifies that worker availability, the queue and
// session status agree. It returns an error wrapping ErrInvariant.
func (c *Coordinator) CheckInvariants() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for workerID, sessionID := range c.inflight {
		sess, ok := c.sessions.Get(sessionID)
		if !ok || sess.Status != domain.SessionStatusRunning {
			return fmt.Errorf("%w: in-flight session %s is not RUNNING", ErrInvariant, sessionID)
		}
		if sess.AssignedWorker != workerID {
			return fmt.Errorf("%w: session %s assigned to %s but held by %s", ErrInvariant, sessionID, sess.AssignedWorker, workerID)
		}
	}

	if running := c.sessions.Counts()[domain.SessionStatusRunning]; running != len(c.inflight) {
		return fmt.Errorf("%w: %d RUNNING sessions but %d busy assignments", ErrInvariant, running, len(c.inflight))
	}

	for _, w := range c.registry.List() {
		_, held := c.inflight[w.ID]
		if held != (w.Status == domain.WorkerStatusBusy) {
			return fmt.Errorf("%w: worker %s is %s with in-flight=%t", ErrInvariant, w.ID, w.Status, held)
		}
	}

	for _, sessionID := range c.queue.SessionIDs() {
		sess, ok := c.sessions.Get(sessionID)
		if !ok || sess.Status != domain.SessionStatusPending {
			return fmt.Errorf("%w: queued session %s is not PENDING", ErrInvariant, sessionID)
		}
	}
	return nil
}
