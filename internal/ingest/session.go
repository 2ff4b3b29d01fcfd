// Package ingest owns the active session and its ordered fragment buffer.
// A single background worker drains the buffer into the segment builder,
// so fragments are merged in strict arrival order without blocking the
// producer.
package ingest

// State tracks one utterance's lifecycle.
type State int

const (
	StateIdle State = iota
	StateReceiving
	StateFinalizing
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Session is one text-to-speech utterance in flight. Exactly one session
// is active at a time; the queue owns it for its whole lifetime.
type Session struct {
	ID         string
	State      State
	FullText   string
	SegmentSeq int
	WorkDir    string

	buffer [][]byte
}
