package metadata

// EventKind classifies object-model lifecycle events.
type EventKind uint8

const (
	EventCreated EventKind = iota + 1
	EventWritten
	EventDetached
	EventReleased
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventWritten:
		return "written"
	case EventDetached:
		return "detached"
	case EventReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Event reports a structural or data change in a File.
type Event struct {
	Kind     EventKind
	File     string
	Path     string
	NodeKind Kind
	// Bytes is the buffer size written or released.
	Bytes int64
}

// Observer receives events from the files it is subscribed to. Observe is
// called synchronously with the file lock held and must not call back into
// the file.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f(ev).
func (f ObserverFunc) Observe(ev Event) { f(ev) }
