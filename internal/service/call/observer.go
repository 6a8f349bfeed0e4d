package call

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"secureconnect-calls/internal/domain"
)

// EventType names an observable coordinator event
type EventType string

const (
	EventIncomingCall          EventType = "incoming-call"
	EventStatusChanged         EventType = "status-changed"
	EventRemoteStreamAvailable EventType = "remote-stream-available"
	EventParticipantUpdated    EventType = "participant-updated"
	EventPeerRemoved           EventType = "peer-removed"
	EventPeerStateChanged      EventType = "peer-state-changed"
)

// Event is delivered to observers in the order the coordinator produced it
type Event struct {
	Type        EventType              `json:"type"`
	SessionID   uuid.UUID              `json:"session_id"`
	Session     *domain.CallSession    `json:"session,omitempty"`
	UserID      uuid.UUID              `json:"user_id,omitempty"`
	Participant *domain.Participant    `json:"participant,omitempty"`
	State       domain.ConnectionState `json:"state,omitempty"`
	Stream      RemoteStream           `json:"-"`
	StreamID    string                 `json:"stream_id,omitempty"`
}

type notifier struct {
	log *zap.Logger

	mu        sync.RWMutex
	nextID    int
	observers map[int]func(Event)

	events *queue[Event]
	done   chan struct{}
}

func newNotifier(log *zap.Logger) *notifier {
	return &notifier{
		log:       log,
		observers: make(map[int]func(Event)),
		events:    newQueue[Event](),
		done:      make(chan struct{}),
	}
}

func (n *notifier) subscribe(fn func(Event)) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.observers[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.observers, id)
			n.mu.Unlock()
		})
	}
}

func (n *notifier) emit(e Event) {
	n.events.push(e)
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		e, ok := n.events.pop(context.Background())
		if !ok {
			return
		}
		n.mu.RLock()
		fns := make([]func(Event), 0, len(n.observers))
		for _, fn := range n.observers {
			fns = append(fns, fn)
		}
		n.mu.RUnlock()

		for _, fn := range fns {
			n.deliver(fn, e)
		}
	}
}

func (n *notifier) deliver(fn func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("Observer panicked",
				zap.String("event", string(e.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	fn(e)
}

// stop flushes pending events and clears all observers
func (n *notifier) stop() {
	n.events.close()
	<-n.done
	n.mu.Lock()
	n.observers = make(map[int]func(Event))
	n.mu.Unlock()
}
