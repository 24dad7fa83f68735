package hotkey

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dahshury/WinSTT/internal/bus"
	"github.com/dahshury/WinSTT/internal/protocol"
)

// BusListener receives hotkey edges published by an OS-hook collaborator on
// the event bus.
type BusListener struct {
	edges chan Edge
	sub   *nats.Subscription
	log   *slog.Logger

	mu     sync.Mutex
	closed bool
}

func NewBusListener(busClient *bus.Client, log *slog.Logger) (*BusListener, error) {
	l := &BusListener{
		edges: make(chan Edge, 16),
		log:   log.With(slog.String("component", "hotkey")),
	}
	sub, err := busClient.Conn().Subscribe(protocol.SubjectHotkeyEdge, l.handleEdge)
	if err != nil {
		return nil, err
	}
	l.sub = sub
	return l, nil
}

func (l *BusListener) handleEdge(msg *nats.Msg) {
	var edge protocol.HotkeyEdge
	if err := json.Unmarshal(msg.Data, &edge); err != nil {
		l.log.Warn("failed to decode hotkey edge", slog.String("error", err.Error()))
		return
	}

	var kind EdgeKind
	switch edge.Kind {
	case "down":
		kind = EdgeDown
	case "up":
		kind = EdgeUp
	default:
		l.log.Warn("unknown hotkey edge kind", slog.String("kind", edge.Kind))
		return
	}

	at := edge.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.edges <- Edge{Kind: kind, At: at}:
	default:
		l.log.Warn("hotkey edge dropped, consumer stalled")
	}
}

func (l *BusListener) Edges() <-chan Edge { return l.edges }

func (l *BusListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.sub != nil {
		_ = l.sub.Drain()
	}
	close(l.edges)
	return nil
}
