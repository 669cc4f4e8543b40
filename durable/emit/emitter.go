package emit

// Emitter receives observability events from a durable execution.
//
// Implementations should be:
//   - Non-blocking: Emit is called on the execution's hot path
//   - Thread-safe: Handlers run on their own goroutines and emit concurrently
//   - Resilient: A failing backend must not fail the execution
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Emit should not panic. Errors should be handled internally.
	Emit(event Event)
}

// Multi fans every event out to each emitter in order.
type Multi []Emitter

// Emit forwards event to every non-nil emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
