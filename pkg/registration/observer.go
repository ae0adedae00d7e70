package registration

// Event is one progress notification from the optimizer: the pyramid level
// it happened on, the iteration index within that level, and the metric
// value after the iteration.
type Event struct {
	Level     int
	Iteration int
	Metric    float64
}

// Observer receives iteration events. The core pushes events to a
// caller-supplied sink; observers are pure consumers and feed nothing back
// into the optimization.
type Observer interface {
	Notify(e Event)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(e Event)

// Notify calls the wrapped function.
func (f ObserverFunc) Notify(e Event) { f(e) }
