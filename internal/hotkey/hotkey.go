package hotkey

import (
	"sync"
	"time"
)

// EdgeKind is a raw key transition direction.
type EdgeKind string

const (
	EdgeDown EdgeKind = "down"
	EdgeUp   EdgeKind = "up"
)

// Edge is one push-to-talk key transition.
type Edge struct {
	Kind EdgeKind
	At   time.Time
}

// Listener yields raw hotkey transitions as typed edge events. The OS-level
// hook itself lives with a collaborator process; implementations here adapt
// its edges onto a channel the session controller consumes.
type Listener interface {
	Edges() <-chan Edge
	Close() error
}

// ChannelListener is a directly-fed listener for embedding the engine in a
// host process (and for tests).
type ChannelListener struct {
	edges  chan Edge
	mu     sync.Mutex
	closed bool
}

func NewChannelListener() *ChannelListener {
	return &ChannelListener{edges: make(chan Edge, 16)}
}

// Push enqueues an edge without blocking; edges are shed if the consumer
// has stalled, matching the rule that the listener never performs blocking
// work inline.
func (l *ChannelListener) Push(kind EdgeKind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	select {
	case l.edges <- Edge{Kind: kind, At: time.Now()}:
		return true
	default:
		return false
	}
}

func (l *ChannelListener) Edges() <-chan Edge { return l.edges }

func (l *ChannelListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.edges)
	return nil
}
