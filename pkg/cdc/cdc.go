package cdc

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/suprimo/suprimo/pkg/config"
	"github.com/suprimo/suprimo/pkg/docstore"
	"github.com/suprimo/suprimo/pkg/log"
	"github.com/suprimo/suprimo/pkg/metrics"
	"github.com/suprimo/suprimo/pkg/types"
)

// Callback receives one debounced batch of change events
type Callback func(batch []docstore.ChangeEvent)

// Manager owns change-stream subscriptions: it debounces and batches raw
// change events and reconnects dropped streams
type Manager struct {
	store  docstore.Store
	cfg    config.CDCConfig
	logger zerolog.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

type subscription struct {
	id       string
	query    docstore.Query
	callback Callback
	stopCh   chan struct{}
	done     sync.WaitGroup
}

// NewManager creates a subscription manager
func NewManager(store docstore.Store, cfg config.CDCConfig) *Manager {
	return &Manager{
		store:  store,
		cfg:    cfg,
		logger: log.WithComponent("cdc"),
		subs:   make(map[string]*subscription),
	}
}

// Subscribe opens a change stream for the query. Arriving events are
// buffered until the debounce window closes, then delivered as one batch.
func (m *Manager) Subscribe(ctx context.Context, q docstore.Query, cb Callback) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", types.NewError(types.CodeFatal, "subscription manager is closed")
	}

	// Register the watch before returning so changes written immediately
	// after Subscribe are not lost to the goroutine startup window
	stream, err := m.store.Watch(ctx, q)
	if err != nil {
		return "", err
	}

	sub := &subscription{
		id:       uuid.NewString(),
		query:    q,
		callback: cb,
		stopCh:   make(chan struct{}),
	}
	m.subs[sub.id] = sub

	sub.done.Add(1)
	go m.run(ctx, sub, stream)

	m.logger.Debug().
		Str("subscription_id", sub.id).
		Str("collection", q.Collection).
		Msg("cdc subscription opened")
	return sub.id, nil
}

// Unsubscribe cancels the stream and discards any buffered changes
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()

	if ok {
		close(sub.stopCh)
		sub.done.Wait()
	}
}

// Close releases every subscription. The manager accepts no new
// subscriptions afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	for _, s := range subs {
		close(s.stopCh)
		s.done.Wait()
	}
}

// run owns one stream: it consumes raw events, debounces them into
// batches, and resubscribes when the stream drops
func (m *Manager) run(ctx context.Context, sub *subscription, stream *docstore.Subscription) {
	defer sub.done.Done()

	attempt := 0
	for {
		if stream == nil {
			var err error
			stream, err = m.store.Watch(ctx, sub.query)
			if err != nil {
				if !m.backoffReconnect(sub, &attempt) {
					return
				}
				continue
			}
		}

		delivered, streamEnded := m.consume(ctx, sub, stream)
		stream.Cancel()
		stream = nil
		if delivered {
			attempt = 0
		}
		if !streamEnded {
			// Stopped by Unsubscribe/Close
			return
		}
		if !m.backoffReconnect(sub, &attempt) {
			return
		}
	}
}

// consume reads the stream until it closes (ended=true) or the
// subscription stops (ended=false). delivered reports whether any batch
// reached the callback.
func (m *Manager) consume(ctx context.Context, sub *subscription, stream *docstore.Subscription) (delivered, ended bool) {
	var buffer []docstore.ChangeEvent
	debounce := time.NewTimer(m.cfg.Debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		batch := make([]docstore.ChangeEvent, len(buffer))
		copy(batch, buffer)
		buffer = buffer[:0]
		metrics.CDCBatchesDelivered.Inc()
		delivered = true
		sub.callback(batch)
	}

	defer debounce.Stop()
	for {
		select {
		case <-sub.stopCh:
			return delivered, false
		case <-ctx.Done():
			return delivered, false
		case ev, ok := <-stream.Events:
			if !ok {
				flush()
				return delivered, true
			}
			buffer = append(buffer, ev)
			// Overflow evicts the oldest changes within the batch
			if over := len(buffer) - m.cfg.MaxBatch; over > 0 {
				buffer = buffer[over:]
			}
			if pending && !debounce.Stop() {
				<-debounce.C
			}
			debounce.Reset(m.cfg.Debounce)
			pending = true
		case <-debounce.C:
			pending = false
			flush()
		}
	}
}

// backoffReconnect waits reconnectDelay x attempt before the next
// subscribe. Returns false when attempts are exhausted.
func (m *Manager) backoffReconnect(sub *subscription, attempt *int) bool {
	*attempt++
	if *attempt > m.cfg.MaxReconnect {
		m.logger.Error().
			Str("subscription_id", sub.id).
			Int("attempts", *attempt-1).
			Msg("cdc stream abandoned after reconnect attempts exhausted")
		m.mu.Lock()
		delete(m.subs, sub.id)
		m.mu.Unlock()
		return false
	}

	metrics.CDCReconnects.Inc()
	delay := time.Duration(*attempt) * m.cfg.ReconnectDelay
	m.logger.Warn().
		Str("subscription_id", sub.id).
		Int("attempt", *attempt).
		Dur("delay", delay).
		Msg("cdc stream dropped, reconnecting")

	select {
	case <-sub.stopCh:
		return false
	case <-time.After(delay):
		return true
	}
}

// ApplyChangesToArray folds a change batch into a document slice: Added
// prepends when the id is absent, Modified replaces by id, Removed drops
// by id
func ApplyChangesToArray(current []docstore.Document, changes []docstore.ChangeEvent) []docstore.Document {
	out := make([]docstore.Document, len(current))
	copy(out, current)

	for _, ch := range changes {
		switch ch.Kind {
		case docstore.ChangeAdded:
			if indexOf(out, ch.ID) == -1 {
				out = append([]docstore.Document{ch.Doc}, out...)
			}
		case docstore.ChangeModified:
			if i := indexOf(out, ch.ID); i >= 0 {
				out[i] = ch.Doc
			}
		case docstore.ChangeRemoved:
			if i := indexOf(out, ch.ID); i >= 0 {
				out = append(out[:i], out[i+1:]...)
			}
		}
	}
	return out
}

func indexOf(docs []docstore.Document, id string) int {
	for i, d := range docs {
		if d.ID() == id {
			return i
		}
	}
	return -1
}
