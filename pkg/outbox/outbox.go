package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/suprimo/suprimo/pkg/docstore"
	"github.com/suprimo/suprimo/pkg/log"
	"github.com/suprimo/suprimo/pkg/types"
)

// Outbox enqueues messages inside domain transactions and manages the
// dead-letter collection
type Outbox struct {
	store  docstore.Store
	logger zerolog.Logger
}

// New creates an outbox over the document store
func New(store docstore.Store) *Outbox {
	return &Outbox{
		store:  store,
		logger: log.WithComponent("outbox"),
	}
}

// Enqueue writes the message in the caller's transaction, so the message
// exists iff the domain write commits
func (o *Outbox) Enqueue(tx docstore.Txn, msg types.OutboxMessage) (types.OutboxMessage, error) {
	if msg.Type == "" {
		return types.OutboxMessage{}, types.NewError(types.CodeValidation, "outbox message requires a type")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	msg.Status = types.OutboxPending
	msg.RetryCount = 0
	msg.CreatedAt = time.Now().UTC()
	msg.ProcessorID = ""
	msg.LeaseAt = nil

	if err := tx.Set(types.CollectionOutbox, msg.ID, msg); err != nil {
		return types.OutboxMessage{}, err
	}
	return msg, nil
}

// ListDead returns the most recent dead-letter entries
func (o *Outbox) ListDead(ctx context.Context, limit int) ([]types.OutboxMessage, error) {
	page, err := o.store.Query(ctx, docstore.Query{
		Collection: types.CollectionOutboxDead,
		OrderBy:    "createdAt",
		Descending: true,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}

	msgs := make([]types.OutboxMessage, 0, len(page.Docs))
	for _, d := range page.Docs {
		var m types.OutboxMessage
		if err := d.Decode(&m); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// RetryDead moves a dead-letter entry back to the outbox with a reset retry
// count, atomically
func (o *Outbox) RetryDead(ctx context.Context, id string) error {
	return o.store.RunInTransaction(ctx, func(tx docstore.Txn) error {
		var msg types.OutboxMessage
		if err := tx.Get(types.CollectionOutboxDead, id, &msg); err != nil {
			return err
		}

		msg.Status = types.OutboxPending
		msg.RetryCount = 0
		msg.LastError = ""
		msg.ScheduledFor = nil
		msg.ProcessorID = ""
		msg.LeaseAt = nil

		if err := tx.Set(types.CollectionOutbox, msg.ID, msg); err != nil {
			return err
		}
		return tx.Delete(types.CollectionOutboxDead, id)
	})
}
