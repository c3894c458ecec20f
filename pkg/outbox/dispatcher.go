package outbox

import (
	"context"
	"fmt"
	"sort"
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

// Headers accompany every handler invocation
type Headers struct {
	MessageID     string
	Type          string
	CorrelationID string
	RetryCount    int
}

// Handler processes one outbox message. A nil return marks the message
// Completed; an error schedules a retry or escalates to the DLQ.
type Handler func(ctx context.Context, payload map[string]any, headers Headers) error

// Dispatcher polls the outbox and delivers messages to registered handlers.
// Multiple dispatcher instances may compete; the per-message lease keeps
// each message with one processor at a time.
type Dispatcher struct {
	store       docstore.Store
	outbox      *Outbox
	cfg         config.OutboxConfig
	processorID string
	logger      zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher with a fresh processor identity
func NewDispatcher(store docstore.Store, ob *Outbox, cfg config.OutboxConfig) *Dispatcher {
	return &Dispatcher{
		store:       store,
		outbox:      ob,
		cfg:         cfg,
		processorID: uuid.NewString(),
		logger:      log.WithComponent("outbox-dispatcher"),
		handlers:    make(map[string]Handler),
		stopCh:      make(chan struct{}),
	}
}

// RegisterHandler binds a message type to its handler. Registering twice
// replaces the previous handler.
func (d *Dispatcher) RegisterHandler(msgType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[msgType] = h
}

// Start launches the background polling loop
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
	d.logger.Info().
		Str("processor_id", d.processorID).
		Dur("poll_every", d.cfg.PollEvery).
		Msg("outbox dispatcher started")
}

// Stop terminates the polling loop and waits for the in-flight batch
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	d.logger.Info().Msg("outbox dispatcher stopped")
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PollEvery*4)
			if _, err := d.DispatchOnce(ctx); err != nil {
				d.logger.Error().Err(err).Msg("outbox dispatch cycle failed")
			}
			cancel()
		}
	}
}

// DispatchOnce processes one batch of due messages and returns how many
// handler invocations ran
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	due, err := d.pollDue(ctx)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, msg := range due {
		leased, ok, err := d.lease(ctx, msg.ID)
		if err != nil {
			d.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to lease outbox message")
			continue
		}
		if !ok {
			continue
		}
		d.process(ctx, leased)
		processed++
	}
	return processed, nil
}

// pollDue returns Pending and Failed messages whose scheduledFor has
// passed, oldest first, bounded by the batch size. Messages stuck in
// Processing under an expired lease are reclaimed as due.
func (d *Dispatcher) pollDue(ctx context.Context) ([]types.OutboxMessage, error) {
	page, err := d.store.Query(ctx, docstore.Query{
		Collection: types.CollectionOutbox,
		Filters: []docstore.Filter{
			docstore.Where("status", docstore.OpIn, []any{
				string(types.OutboxPending), string(types.OutboxFailed), string(types.OutboxProcessing),
			}),
		},
		OrderBy: "createdAt",
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var due []types.OutboxMessage
	for _, doc := range page.Docs {
		var msg types.OutboxMessage
		if err := doc.Decode(&msg); err != nil {
			return nil, err
		}
		if msg.Status == types.OutboxProcessing && !d.leaseExpired(msg, now) {
			continue
		}
		if msg.ScheduledFor != nil && msg.ScheduledFor.After(now) {
			continue
		}
		due = append(due, msg)
		if len(due) >= d.cfg.BatchSize {
			break
		}
	}

	sort.SliceStable(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	return due, nil
}

func (d *Dispatcher) leaseExpired(msg types.OutboxMessage, now time.Time) bool {
	return msg.LeaseAt == nil || now.Sub(*msg.LeaseAt) >= d.cfg.LeaseTTL
}

// lease transactionally claims one message for this processor. Returns
// false when another processor holds a live lease or the message already
// left the dispatchable states.
func (d *Dispatcher) lease(ctx context.Context, id string) (types.OutboxMessage, bool, error) {
	var claimed types.OutboxMessage
	var ok bool
	err := d.store.RunInTransaction(ctx, func(tx docstore.Txn) error {
		ok = false

		var msg types.OutboxMessage
		if err := tx.Get(types.CollectionOutbox, id, &msg); err != nil {
			if docstore.IsNotFound(err) {
				return nil
			}
			return err
		}

		now := time.Now().UTC()
		switch msg.Status {
		case types.OutboxPending, types.OutboxFailed:
		case types.OutboxProcessing:
			if !d.leaseExpired(msg, now) {
				return nil
			}
		default:
			return nil
		}

		msg.Status = types.OutboxProcessing
		msg.ProcessorID = d.processorID
		msg.LeaseAt = &now
		if err := tx.Set(types.CollectionOutbox, id, msg); err != nil {
			return err
		}

		claimed = msg
		ok = true
		return nil
	})
	return claimed, ok, err
}

// process invokes the handler and applies the outcome transition
func (d *Dispatcher) process(ctx context.Context, msg types.OutboxMessage) {
	handler := d.handlerFor(msg.Type)

	var handlerErr error
	if handler == nil {
		handlerErr = fmt.Errorf("no handler registered for message type %q", msg.Type)
	} else {
		timer := metrics.NewTimer()
		handlerErr = handler(ctx, msg.Payload, Headers{
			MessageID:     msg.ID,
			Type:          msg.Type,
			CorrelationID: msg.CorrelationID,
			RetryCount:    msg.RetryCount,
		})
		timer.ObserveDuration(metrics.OutboxDispatchDuration)
	}

	if handlerErr == nil {
		if err := d.complete(ctx, msg.ID); err != nil {
			d.logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to mark message completed")
			return
		}
		metrics.OutboxDispatched.WithLabelValues("completed").Inc()
		return
	}

	d.logger.Warn().Err(handlerErr).
		Str("message_id", msg.ID).
		Str("type", msg.Type).
		Int("retry_count", msg.RetryCount).
		Msg("outbox handler failed")

	if err := d.fail(ctx, msg.ID, handlerErr); err != nil {
		d.logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to record handler failure")
	}
}

func (d *Dispatcher) complete(ctx context.Context, id string) error {
	return d.store.RunInTransaction(ctx, func(tx docstore.Txn) error {
		var msg types.OutboxMessage
		if err := tx.Get(types.CollectionOutbox, id, &msg); err != nil {
			return err
		}
		msg.Status = types.OutboxCompleted
		msg.ProcessorID = ""
		msg.LeaseAt = nil
		msg.LastError = ""
		return tx.Set(types.CollectionOutbox, id, msg)
	})
}

// fail increments the retry count and either schedules the next attempt or
// moves the message to the dead-letter collection, atomically
func (d *Dispatcher) fail(ctx context.Context, id string, handlerErr error) error {
	return d.store.RunInTransaction(ctx, func(tx docstore.Txn) error {
		var msg types.OutboxMessage
		if err := tx.Get(types.CollectionOutbox, id, &msg); err != nil {
			return err
		}

		msg.RetryCount++
		msg.LastError = handlerErr.Error()
		msg.ProcessorID = ""
		msg.LeaseAt = nil

		if msg.RetryCount >= d.cfg.MaxRetries {
			msg.Status = types.OutboxDeadLetter
			if err := tx.Set(types.CollectionOutboxDead, msg.ID, msg); err != nil {
				return err
			}
			if err := tx.Delete(types.CollectionOutbox, msg.ID); err != nil {
				return err
			}
			metrics.OutboxDeadLetters.Inc()
			metrics.OutboxDispatched.WithLabelValues("dead_letter").Inc()
			d.logger.Error().
				Str("message_id", msg.ID).
				Str("type", msg.Type).
				Int("retry_count", msg.RetryCount).
				Msg("message escalated to dead-letter queue")
			return nil
		}

		msg.Status = types.OutboxFailed
		next := time.Now().UTC().Add(d.retryDelay(msg.RetryCount))
		msg.ScheduledFor = &next
		metrics.OutboxDispatched.WithLabelValues("failed").Inc()
		return tx.Set(types.CollectionOutbox, msg.ID, msg)
	})
}

func (d *Dispatcher) retryDelay(retryCount int) time.Duration {
	delays := d.cfg.RetryDelays
	if len(delays) == 0 {
		return time.Minute
	}
	if retryCount >= len(delays) {
		return delays[len(delays)-1]
	}
	return delays[retryCount]
}

func (d *Dispatcher) handlerFor(msgType string) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[msgType]
}
