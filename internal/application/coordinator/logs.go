package coordinator

import "github.com/aescanero/dago-master/pkg/domain"

// LogAggregator keeps the log trail of each session in arrival order and
// fans new entries out to live watchers.
// It is not safe for concurrent use; the Coordinator serializes access.
type LogAggregator struct {
	entries  map[string][]domain.LogEntry
	max      int
	watchers map[string]map[uint64]chan domain.LogEntry
	nextID   uint64
}

// NewLogAggregator creates an aggregator. maxPerSession <= 0 keeps every entry.
func NewLogAggregator(maxPerSession int) *LogAggregator {
	return &LogAggregator{
		entries:  make(map[string][]domain.LogEntry),
		max:      maxPerSession,
		watchers: make(map[string]map[uint64]chan domain.LogEntry),
	}
}

// Append stores entry under its session. System-level entries are not kept.
func (l *LogAggregator) Append(entry domain.LogEntry) {
	if entry.SessionID == "" {
		return
	}

	entries := append(l.entries[entry.SessionID], entry)
	if l.max > 0 && len(entries) > l.max {
		entries = append([]domain.LogEntry(nil), entries[len(entries)-l.max:]...)
	}
	l.entries[entry.SessionID] = entries

	for _, ch := range l.watchers[entry.SessionID] {
		// slow watchers miss entries rather than block the coordinator
		select {
		case ch <- entry:
		default:
		}
	}
}

// Get returns a copy of the session's entries, never nil
func (l *LogAggregator) Get(sessionID string) []domain.LogEntry {
	entries := l.entries[sessionID]
	out := make([]domain.LogEntry, len(entries))
	copy(out, entries)
	return out
}

// Watch registers a channel receiving the session's future entries
func (l *LogAggregator) Watch(sessionID string, buffer int) (uint64, <-chan domain.LogEntry) {
	l.nextID++
	ch := make(chan domain.LogEntry, buffer)
	if l.watchers[sessionID] == nil {
		l.watchers[sessionID] = make(map[uint64]chan domain.LogEntry)
	}
	l.watchers[sessionID][l.nextID] = ch
	return l.nextID, ch
}

// Unwatch removes and closes one watcher
func (l *LogAggregator) Unwatch(sessionID string, id uint64) {
	set := l.watchers[sessionID]
	ch, ok := set[id]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(l.watchers, sessionID)
	}
	close(ch)
}

// CloseWatchers ends every watch on the session
func (l *LogAggregator) CloseWatchers(sessionID string) {
	for id, ch := range l.watchers[sessionID] {
		close(ch)
		delete(l.watchers[sessionID], id)
	}
	delete(l.watchers, sessionID)
}

// Watchers returns the number of open watchers
func (l *LogAggregator) Watchers() int {
	n := 0
	for _, set := range l.watchers {
		n += len(set)
	}
	return n
}
