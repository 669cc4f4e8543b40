package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// Events are grouped by execution id. It is mainly used by tests and local
// tooling that want to assert on what an execution did.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	out, _ := durable.Execute(ctx, svc, id, handler, durable.WithEmitter(emitter))
//
//	retries := emitter.GetHistoryWithFilter(id, emit.HistoryFilter{Msg: emit.MsgOperationRetry})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // executionID -> events
}

// HistoryFilter specifies criteria for filtering execution history.
//
// All fields are optional and combined with AND logic.
type HistoryFilter struct {
	OperationID string // Filter by operation id (empty = no filter)
	Name        string // Filter by operation name (empty = no filter)
	Msg         string // Filter by event kind (empty = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.ExecutionID] = append(b.events[event.ExecutionID], event)
}

// GetHistory returns a copy of all events for executionID in emission order.
func (b *BufferedEmitter) GetHistory(executionID string) []Event {
	return b.GetHistoryWithFilter(executionID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events for executionID that match filter.
// It never returns nil.
func (b *BufferedEmitter) GetHistoryWithFilter(executionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[executionID] {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

func (f HistoryFilter) matches(event Event) bool {
	if f.OperationID != "" && event.OperationID != f.OperationID {
		return false
	}
	if f.Name != "" && event.Name != f.Name {
		return false
	}
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	return true
}

// Count returns how many events with msg were recorded for executionID.
func (b *BufferedEmitter) Count(executionID, msg string) int {
	return len(b.GetHistoryWithFilter(executionID, HistoryFilter{Msg: msg}))
}

// Clear removes events for executionID, or every event when executionID is empty.
func (b *BufferedEmitter) Clear(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if executionID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, executionID)
}
