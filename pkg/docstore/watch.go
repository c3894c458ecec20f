package docstore

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/suprimo/suprimo/pkg/log"
)

// subscriberBuffer is the per-subscription channel capacity. A subscriber
// that falls this far behind starts losing events and must re-query.
const subscriberBuffer = 256

// Subscription is a live change stream for one query
type Subscription struct {
	// Events delivers post-commit changes matching the subscribed query.
	// Closed when the subscription is cancelled or the store shuts down.
	Events <-chan ChangeEvent

	id     int
	cancel func()
	once   sync.Once
}

// Cancel terminates the subscription and closes Events
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// notifier fans out committed change events to matching subscribers
type notifier struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[int]*subscriber
	stopped bool
	logger  zerolog.Logger
}

type subscriber struct {
	query Query
	ch    chan ChangeEvent
}

func newNotifier() *notifier {
	return &notifier{
		subs:   make(map[int]*subscriber),
		logger: log.WithComponent("docstore"),
	}
}

func (n *notifier) subscribe(q Query) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++

	ch := make(chan ChangeEvent, subscriberBuffer)
	if n.stopped {
		close(ch)
		return &Subscription{Events: ch, id: id, cancel: func() {}}
	}

	n.subs[id] = &subscriber{query: q, ch: ch}

	return &Subscription{
		Events: ch,
		id:     id,
		cancel: func() { n.unsubscribe(id) },
	}
}

func (n *notifier) unsubscribe(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if sub, ok := n.subs[id]; ok {
		delete(n.subs, id)
		close(sub.ch)
	}
}

func (n *notifier) publish(ev ChangeEvent) {
	// All events delivered here are committed server-side state
	ev.Metadata = ChangeMetadata{FromCache: false, HasPendingWrites: false}

	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, sub := range n.subs {
		if !n.matches(sub.query, ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Subscriber buffer full, skip
			n.logger.Warn().
				Str("collection", ev.Collection).
				Str("doc_id", ev.ID).
				Msg("dropping change event for slow subscriber")
		}
	}
}

// matches applies the subscription query to a change event. Removed events
// carry no document, so only the collection is checked for those.
func (n *notifier) matches(q Query, ev ChangeEvent) bool {
	if q.Collection != "" && q.Collection != ev.Collection {
		return false
	}
	if ev.Kind == ChangeRemoved || len(q.Filters) == 0 {
		return true
	}
	return matchesFilters(ev.Doc, q.Filters)
}

func (n *notifier) stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return
	}
	n.stopped = true
	for id, sub := range n.subs {
		delete(n.subs, id)
		close(sub.ch)
	}
}
