package eventstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/suprimo/suprimo/pkg/docstore"
	"github.com/suprimo/suprimo/pkg/log"
	"github.com/suprimo/suprimo/pkg/metrics"
	"github.com/suprimo/suprimo/pkg/types"
)

// appendAttempts bounds the opaque retry loop around version conflicts
const appendAttempts = 3

// Reducer folds one event into an aggregate state
type Reducer func(state map[string]any, ev types.Event) map[string]any

// Store is the append-only event log with per-aggregate monotonic versioning
// and snapshot-accelerated replay
type Store struct {
	store  docstore.Store
	logger zerolog.Logger
}

// New creates an event store on top of the document store
func New(store docstore.Store) *Store {
	return &Store{
		store:  store,
		logger: log.WithComponent("eventstore"),
	}
}

// eventKey builds the document id for one event. The zero-padded version
// keeps bucket iteration in version order and makes the key collide for two
// writers racing on the same version.
func eventKey(aggType, aggID string, version int64) string {
	return fmt.Sprintf("%s:%s:%012d", aggType, aggID, version)
}

func snapshotKey(aggType, aggID string, version int64) string {
	return fmt.Sprintf("%s:%s:%012d", aggType, aggID, version)
}

// Append writes one event, assigning the next version for its aggregate.
// Two concurrent appenders serialize: one succeeds, the other retries
// internally up to a bounded attempt cap.
func (s *Store) Append(ctx context.Context, ev types.Event) (types.Event, error) {
	var out types.Event
	var err error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		err = s.store.RunInTransaction(ctx, func(tx docstore.Txn) error {
			var txErr error
			out, txErr = s.AppendInTx(tx, ev)
			return txErr
		})
		if err == nil {
			return out, nil
		}
		if !types.IsCode(err, types.CodeConflict) {
			return types.Event{}, err
		}
		metrics.EventAppendConflicts.Inc()
	}
	return types.Event{}, err
}

// AppendInTx writes one event inside an existing transaction, so callers can
// commit a domain write, the event, and an outbox message atomically.
func (s *Store) AppendInTx(tx docstore.Txn, ev types.Event) (types.Event, error) {
	if ev.AggregateID == "" || ev.AggregateType == "" {
		return types.Event{}, types.NewError(types.CodeValidation, "event requires aggregate id and type")
	}
	if ev.Type == "" {
		return types.Event{}, types.NewError(types.CodeValidation, "event requires a type")
	}

	version := s.nextVersion(tx, types.AggregateRef{Type: ev.AggregateType, ID: ev.AggregateID})

	ev.ID = uuid.NewString()
	ev.Version = version
	ev.Timestamp = time.Now().UTC()
	if ev.ClientTime.IsZero() {
		ev.ClientTime = ev.Timestamp
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = uuid.NewString()
	}
	ev.Payload = SanitizePayload(ev.Payload)
	ev.Immutable = true

	key := eventKey(ev.AggregateType, ev.AggregateID, version)

	// A colliding key means another appender won this version
	var existing types.Event
	if err := tx.Get(types.CollectionEvents, key, &existing); err == nil {
		return types.Event{}, types.Errorf(types.CodeConflict,
			"version %d of %s/%s already written", version, ev.AggregateType, ev.AggregateID)
	} else if !docstore.IsNotFound(err) {
		return types.Event{}, err
	}

	if err := tx.Set(types.CollectionEvents, key, ev); err != nil {
		return types.Event{}, err
	}

	metrics.EventsAppended.WithLabelValues(ev.AggregateType).Inc()
	return ev, nil
}

// AppendBatch writes events in one transaction, assigning versions
// sequentially per aggregate. The causation id of event i+1 defaults to the
// id of event i when unset.
func (s *Store) AppendBatch(ctx context.Context, events []types.Event) ([]types.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	var out []types.Event
	var err error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		out = out[:0]
		err = s.store.RunInTransaction(ctx, func(tx docstore.Txn) error {
			var prevID string
			for _, ev := range events {
				if ev.CausationID == "" && prevID != "" {
					ev.CausationID = prevID
				}
				written, txErr := s.AppendInTx(tx, ev)
				if txErr != nil {
					return txErr
				}
				prevID = written.ID
				out = append(out, written)
			}
			return nil
		})
		if err == nil {
			return out, nil
		}
		if !types.IsCode(err, types.CodeConflict) {
			return nil, err
		}
		metrics.EventAppendConflicts.Inc()
	}
	return nil, err
}

// nextVersion computes max version + 1 inside the transaction. A failing
// version query defaults to version 1, which covers the first write of a new
// aggregate.
func (s *Store) nextVersion(tx docstore.Txn, ref types.AggregateRef) int64 {
	docs, err := tx.Query(docstore.Query{
		Collection: types.CollectionEvents,
		Filters: []docstore.Filter{
			docstore.Where("aggregateId", docstore.OpEq, ref.ID),
			docstore.Where("aggregateType", docstore.OpEq, ref.Type),
		},
		OrderBy:    "version",
		Descending: true,
		Limit:      1,
	})
	if err != nil || len(docs) == 0 {
		return 1
	}
	var last types.Event
	if err := docs[0].Decode(&last); err != nil {
		return 1
	}
	return last.Version + 1
}

// GetEvents returns events for one aggregate ordered by ascending version.
// Zero values for fromVersion, toVersion, and limit mean unbounded.
func (s *Store) GetEvents(ctx context.Context, ref types.AggregateRef, fromVersion, toVersion int64, limit int) ([]types.Event, error) {
	filters := []docstore.Filter{
		docstore.Where("aggregateId", docstore.OpEq, ref.ID),
		docstore.Where("aggregateType", docstore.OpEq, ref.Type),
	}
	if fromVersion > 0 {
		filters = append(filters, docstore.Where("version", docstore.OpGte, fromVersion))
	}
	if toVersion > 0 {
		filters = append(filters, docstore.Where("version", docstore.OpLte, toVersion))
	}

	page, err := s.store.Query(ctx, docstore.Query{
		Collection: types.CollectionEvents,
		Filters:    filters,
		OrderBy:    "version",
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}

	events := make([]types.Event, 0, len(page.Docs))
	for _, d := range page.Docs {
		var ev types.Event
		if err := d.Decode(&ev); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// ReplayEvents folds the reducer over all events of one aggregate
func (s *Store) ReplayEvents(ctx context.Context, ref types.AggregateRef, reduce Reducer, initial map[string]any) (map[string]any, int64, error) {
	events, err := s.GetEvents(ctx, ref, 0, 0, 0)
	if err != nil {
		return nil, 0, err
	}

	state := initial
	if state == nil {
		state = map[string]any{}
	}
	var version int64
	for _, ev := range events {
		state = reduce(state, ev)
		version = ev.Version
	}
	return state, version, nil
}

// LoadState reconstructs aggregate state, starting from the latest snapshot
// when one exists and replaying only the events past it
func (s *Store) LoadState(ctx context.Context, ref types.AggregateRef, reduce Reducer, initial map[string]any) (map[string]any, int64, error) {
	snap, err := s.latestSnapshot(ctx, ref)
	if err != nil {
		return nil, 0, err
	}

	state := initial
	if state == nil {
		state = map[string]any{}
	}
	var fromVersion int64
	if snap != nil {
		state = snap.State
		fromVersion = snap.Version
		metrics.SnapshotLoads.WithLabelValues("snapshot").Inc()
	} else {
		metrics.SnapshotLoads.WithLabelValues("replay").Inc()
	}

	events, err := s.GetEvents(ctx, ref, fromVersion+1, 0, 0)
	if err != nil {
		return nil, 0, err
	}

	version := fromVersion
	for _, ev := range events {
		state = reduce(state, ev)
		version = ev.Version
	}
	return state, version, nil
}

// CreateSnapshot persists a point-in-time aggregate state. Older snapshots
// remain; loads always pick the highest version.
func (s *Store) CreateSnapshot(ctx context.Context, ref types.AggregateRef, state map[string]any, version int64) error {
	if version <= 0 {
		return types.NewError(types.CodeValidation, "snapshot requires a positive version")
	}
	snap := types.Snapshot{
		AggregateType: ref.Type,
		AggregateID:   ref.ID,
		Version:       version,
		State:         SanitizePayload(state),
		CreatedAt:     time.Now().UTC(),
	}
	key := snapshotKey(ref.Type, ref.ID, version)
	if err := s.store.Set(ctx, types.CollectionEventSnapshots, key, snap); err != nil {
		return err
	}
	s.logger.Debug().
		Str("aggregate_id", ref.ID).
		Int64("version", version).
		Msg("snapshot created")
	return nil
}

func (s *Store) latestSnapshot(ctx context.Context, ref types.AggregateRef) (*types.Snapshot, error) {
	page, err := s.store.Query(ctx, docstore.Query{
		Collection: types.CollectionEventSnapshots,
		Filters: []docstore.Filter{
			docstore.Where("aggregateId", docstore.OpEq, ref.ID),
			docstore.Where("aggregateType", docstore.OpEq, ref.Type),
		},
		OrderBy:    "version",
		Descending: true,
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	if len(page.Docs) == 0 {
		return nil, nil
	}
	var snap types.Snapshot
	if err := page.Docs[0].Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}
