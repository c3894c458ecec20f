package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/suprimo/suprimo/pkg/types"
)

// Collections created at open time. Buckets for other collections are
// created on first write.
var defaultCollections = []string{
	types.CollectionEvents,
	types.CollectionEventSnapshots,
	types.CollectionQuotations,
	types.CollectionOrders,
	types.CollectionAutoQuotes,
	types.CollectionAutoQuoteLocks,
	types.CollectionLocks,
	types.CollectionOutbox,
	types.CollectionOutboxDead,
	types.CollectionIdempotencyKeys,
	types.CollectionInventory,
	types.CollectionProducts,
	types.CollectionSuppliers,
}

// BoltStore implements Store using BoltDB. BoltDB serializes all write
// transactions, so RunInTransaction callers never observe write-write
// conflicts; the retry contract of the Store interface still holds for
// callers written against stores that do conflict.
type BoltStore struct {
	db       *bolt.DB
	notifier *notifier
}

// Open creates a BoltDB-backed store under dataDir
func Open(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "suprimo.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, types.WrapError(types.CodeTransient, "failed to open database", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, c := range defaultCollections {
			if _, err := tx.CreateBucketIfNotExists([]byte(c)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", c, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, notifier: newNotifier()}, nil
}

// Close closes the database and terminates all change subscriptions
func (s *BoltStore) Close() error {
	s.notifier.stop()
	return s.db.Close()
}

// Get reads one document into out
func (s *BoltStore) Get(ctx context.Context, collection, id string, out any) error {
	if err := ctx.Err(); err != nil {
		return types.WrapError(types.CodeTransient, "context cancelled", err)
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return (&boltTxn{tx: tx}).Get(collection, id, out)
	})
}

// Set overwrites one document
func (s *BoltStore) Set(ctx context.Context, collection, id string, doc any) error {
	return s.RunInTransaction(ctx, func(tx Txn) error {
		return tx.Set(collection, id, doc)
	})
}

// Update merges patch into an existing document
func (s *BoltStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	return s.RunInTransaction(ctx, func(tx Txn) error {
		return tx.Update(collection, id, patch)
	})
}

// Delete removes one document. Deleting a missing document succeeds.
func (s *BoltStore) Delete(ctx context.Context, collection, id string) error {
	return s.RunInTransaction(ctx, func(tx Txn) error {
		return tx.Delete(collection, id)
	})
}

// Query returns one page of matching documents
func (s *BoltStore) Query(ctx context.Context, q Query) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.CodeTransient, "context cancelled", err)
	}

	var docs []Document
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		docs, err = queryBucket(tx, q, false)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Apply cursor, then limit
	if q.Cursor != "" {
		idx := -1
		for i, d := range docs {
			if docID(d, "") == q.Cursor {
				idx = i
				break
			}
		}
		docs = docs[idx+1:]
	}

	page := &Page{}
	if q.Limit > 0 && len(docs) > q.Limit {
		page.Docs = docs[:q.Limit]
		page.NextCursor = docID(page.Docs[q.Limit-1], "")
	} else {
		page.Docs = docs
	}
	return page, nil
}

// RunInTransaction executes fn atomically. fn sees a consistent snapshot and
// may issue reads then writes; change events are published only after commit.
func (s *BoltStore) RunInTransaction(ctx context.Context, fn func(tx Txn) error) error {
	if err := ctx.Err(); err != nil {
		return types.WrapError(types.CodeTransient, "context cancelled", err)
	}

	var changes []ChangeEvent
	err := s.db.Update(func(tx *bolt.Tx) error {
		btx := &boltTxn{tx: tx}
		if err := fn(btx); err != nil {
			return err
		}
		changes = btx.changes
		return nil
	})
	if err != nil {
		return err
	}

	for _, c := range changes {
		s.notifier.publish(c)
	}
	return nil
}

// BatchWrite applies up to MaxBatchSize operations atomically
func (s *BoltStore) BatchWrite(ctx context.Context, ops []WriteOp) error {
	if len(ops) > MaxBatchSize {
		return types.Errorf(types.CodeValidation, "batch of %d exceeds limit of %d", len(ops), MaxBatchSize)
	}
	return s.RunInTransaction(ctx, func(tx Txn) error {
		for _, op := range ops {
			var err error
			switch op.Kind {
			case WriteSet:
				err = tx.Set(op.Collection, op.ID, op.Doc)
			case WriteUpdate:
				err = tx.Update(op.Collection, op.ID, op.Patch)
			case WriteDelete:
				err = tx.Delete(op.Collection, op.ID)
			default:
				err = types.Errorf(types.CodeValidation, "unknown write kind %q", op.Kind)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Watch subscribes to post-commit changes matching q
func (s *BoltStore) Watch(ctx context.Context, q Query) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.CodeTransient, "context cancelled", err)
	}
	return s.notifier.subscribe(q), nil
}

// boltTxn adapts a bolt transaction to the Txn interface and records the
// change events to publish after commit
type boltTxn struct {
	tx      *bolt.Tx
	changes []ChangeEvent
}

func (t *boltTxn) bucket(collection string) (*bolt.Bucket, error) {
	if t.tx.Writable() {
		return t.tx.CreateBucketIfNotExists([]byte(collection))
	}
	b := t.tx.Bucket([]byte(collection))
	if b == nil {
		return nil, NotFound(collection, "")
	}
	return b, nil
}

func (t *boltTxn) Get(collection, id string, out any) error {
	b := t.tx.Bucket([]byte(collection))
	if b == nil {
		return NotFound(collection, id)
	}
	data := b.Get([]byte(id))
	if data == nil {
		return NotFound(collection, id)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
	}
	return nil
}

func (t *boltTxn) Set(collection, id string, doc any) error {
	b, err := t.bucket(collection)
	if err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", collection, id, err)
	}

	kind := ChangeAdded
	if b.Get([]byte(id)) != nil {
		kind = ChangeModified
	}
	if err := b.Put([]byte(id), data); err != nil {
		return types.WrapError(types.CodePersist, "write failed", err)
	}

	var d Document
	if err := json.Unmarshal(data, &d); err == nil {
		t.changes = append(t.changes, ChangeEvent{Kind: kind, Collection: collection, ID: id, Doc: d})
	}
	return nil
}

func (t *boltTxn) Update(collection, id string, patch map[string]any) error {
	var existing Document
	if err := t.Get(collection, id, &existing); err != nil {
		return err
	}
	for k, v := range patch {
		if v == nil {
			delete(existing, k)
			continue
		}
		existing[k] = v
	}
	return t.Set(collection, id, existing)
}

func (t *boltTxn) Delete(collection, id string) error {
	b, err := t.bucket(collection)
	if err != nil {
		return err
	}
	if b.Get([]byte(id)) == nil {
		return nil
	}
	if err := b.Delete([]byte(id)); err != nil {
		return types.WrapError(types.CodePersist, "delete failed", err)
	}
	t.changes = append(t.changes, ChangeEvent{Kind: ChangeRemoved, Collection: collection, ID: id})
	return nil
}

func (t *boltTxn) Query(q Query) ([]Document, error) {
	docs, err := queryBucket(t.tx, q, true)
	if err != nil {
		return nil, err
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

// queryBucket scans one bucket, filters, and sorts. When limited is true the
// caller applies Limit itself (transactional reads have no cursor paging).
func queryBucket(tx *bolt.Tx, q Query, limited bool) ([]Document, error) {
	b := tx.Bucket([]byte(q.Collection))
	if b == nil {
		return nil, nil
	}

	var docs []Document
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var d Document
		if err := json.Unmarshal(v, &d); err != nil {
			return nil, fmt.Errorf("failed to decode %s/%s: %w", q.Collection, k, err)
		}
		if docID(d, string(k)) == "" {
			d["id"] = string(k)
		}
		if matchesFilters(d, q.Filters) {
			docs = append(docs, d)
		}
	}

	sortDocs(docs, q.OrderBy, q.Descending)
	return docs, nil
}

func docID(d Document, fallback string) string {
	if id := d.ID(); id != "" {
		return id
	}
	return fallback
}

func matchesFilters(d Document, filters []Filter) bool {
	for _, f := range filters {
		if !matchFilter(d[f.Field], f) {
			return false
		}
	}
	return true
}

func matchFilter(fieldVal any, f Filter) bool {
	if f.Op == OpIn {
		rv := reflect.ValueOf(f.Value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return false
		}
		for i := 0; i < rv.Len(); i++ {
			if compareValues(fieldVal, rv.Index(i).Interface()) == 0 {
				return true
			}
		}
		return false
	}

	cmp := compareValues(fieldVal, f.Value)
	switch f.Op {
	case OpEq:
		return cmp == 0
	case OpNeq:
		return cmp != 0
	case OpLt:
		return cmp == -1
	case OpLte:
		return cmp == -1 || cmp == 0
	case OpGt:
		return cmp == 1
	case OpGte:
		return cmp == 1 || cmp == 0
	}
	return false
}

// compareValues returns -1, 0, or 1 for comparable values, and 2 when the
// values are incomparable (missing field, type mismatch).
func compareValues(a, b any) int {
	an, aIsNum := toFloat(a)
	bn, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
		return 0
	}

	at, aIsTime := toTime(a)
	bt, bIsTime := toTime(b)
	if aIsTime && bIsTime {
		switch {
		case at.Before(bt):
			return -1
		case at.After(bt):
			return 1
		}
		return 0
	}

	as, aIsStr := toString(a)
	bs, bIsStr := toString(b)
	if aIsStr && bIsStr {
		return bytes.Compare([]byte(as), []byte(bs))
	}

	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		if ab == bb {
			return 0
		}
		if !ab {
			return -1
		}
		return 1
	}

	if a == nil && b == nil {
		return 0
	}
	return 2
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func toString(v any) (string, bool) {
	if s, ok := v.(string); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.IsValid() && rv.Kind() == reflect.String {
		return rv.String(), true
	}
	return "", false
}

func sortDocs(docs []Document, orderBy string, descending bool) {
	if orderBy == "" {
		sort.SliceStable(docs, func(i, j int) bool {
			return docID(docs[i], "") < docID(docs[j], "")
		})
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		cmp := compareValues(docs[i][orderBy], docs[j][orderBy])
		if cmp == 2 {
			// Incomparable values keep id order
			return docID(docs[i], "") < docID(docs[j], "")
		}
		if descending {
			return cmp == 1
		}
		return cmp == -1
	})
}
