package coordinator

import (
	"container/list"
	"fmt"

	"github.com/aescanero/dago-master/pkg/domain"
)

// TaskQueue is a strict FIFO of tasks waiting for a worker.
// Each session appears at most once.
type TaskQueue struct {
	items *list.List
	index map[string]*list.Element
}

// NewTaskQueue creates an empty queue
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		items: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Enqueue appends task at the tail
func (q *TaskQueue) Enqueue(task domain.QueuedTask) error {
	if _, ok := q.index[task.SessionID]; ok {
		return fmt.Errorf("session %s already queued: %w", task.SessionID, ErrDuplicateSession)
	}
	q.index[task.SessionID] = q.items.PushBack(task)
	return nil
}

// Requeue puts task back at the head
func (q *TaskQueue) Requeue(task domain.QueuedTask) error {
	if _, ok := q.index[task.SessionID]; ok {
		return fmt.Errorf("session %s already queued: %w", task.SessionID, ErrDuplicateSession)
	}
	q.index[task.SessionID] = q.items.PushFront(task)
	return nil
}

// Dequeue removes and returns the head task
func (q *TaskQueue) Dequeue() (domain.QueuedTask, bool) {
	front := q.items.Front()
	if front == nil {
		return domain.QueuedTask{}, false
	}
	task := q.items.Remove(front).(domain.QueuedTask)
	delete(q.index, task.SessionID)
	return task, true
}

// Peek returns the head task without removing it
func (q *TaskQueue) Peek() (domain.QueuedTask, bool) {
	front := q.items.Front()
	if front == nil {
		return domain.QueuedTask{}, false
	}
	return front.Value.(domain.QueuedTask), true
}

// Remove drops the task of sessionID wherever it sits
func (q *TaskQueue) Remove(sessionID string) bool {
	el, ok := q.index[sessionID]
	if !ok {
		return false
	}
	q.items.Remove(el)
	delete(q.index, sessionID)
	return true
}

// Contains reports whether sessionID is queued
func (q *TaskQueue) Contains(sessionID string) bool {
	_, ok := q.index[sessionID]
	return ok
}

// Len returns the number of queued tasks
func (q *TaskQueue) Len() int {
	return q.items.Len()
}

// SessionIDs returns the queued session IDs from head to tail
func (q *TaskQueue) SessionIDs() []string {
	ids := make([]string, 0, q.items.Len())
	for el := q.items.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(domain.QueuedTask).SessionID)
	}
	return ids
}
