package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
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

// ConflictStrategy decides what Execute does when the operation is already
// Processing under a live lease elsewhere
type ConflictStrategy string

const (
	// ReturnCached waits for no one: returns the stored result when present,
	// otherwise reports a conflict
	ReturnCached ConflictStrategy = "return_cached"
	// Fail reports a conflict error immediately
	Fail ConflictStrategy = "fail"
	// ExecuteAnyway runs fn regardless of the concurrent execution
	ExecuteAnyway ConflictStrategy = "execute_anyway"
)

// maxCacheEntries caps the in-memory cache; eviction removes expired
// entries first, then the oldest
const maxCacheEntries = 1000

// Result is the outcome of an idempotent execution
type Result struct {
	Value  map[string]any
	Source string // "memory", "store", or "executed"
}

// Options tune a single Execute call
type Options struct {
	TTL      time.Duration
	Strategy ConflictStrategy
}

// Fn is the guarded operation. Its returned map is persisted as the cached
// result.
type Fn func(ctx context.Context) (map[string]any, error)

type cacheEntry struct {
	record   types.IdempotencyRecord
	cachedAt time.Time
}

// Guard deduplicates logical operations by time-bucketed fingerprint,
// backed by an in-memory cache and a persistent record table
type Guard struct {
	store       docstore.Store
	cfg         config.IdempotencyConfig
	processorID string
	logger      zerolog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewGuard creates an idempotency guard
func NewGuard(store docstore.Store, cfg config.IdempotencyConfig) *Guard {
	return &Guard{
		store:       store,
		cfg:         cfg,
		processorID: uuid.NewString(),
		logger:      log.WithComponent("idempotency"),
		cache:       make(map[string]cacheEntry),
	}
}

// Fingerprint hashes the operation type, its sorted parameters, and the
// current TTL bucket, so the same logical request within one window
// collapses to the same value
func Fingerprint(opType string, params map[string]any, now time.Time, ttl time.Duration) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(opType)
	for _, k := range keys {
		v, _ := json.Marshal(params[k])
		sb.WriteString("|")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.Write(v)
	}
	if ttl > 0 {
		fmt.Fprintf(&sb, "|bucket=%d", now.UnixMilli()/ttl.Milliseconds())
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// Key encodes the operation type and the fingerprint prefix
func Key(opType, fingerprint string) string {
	return opType + "_" + fingerprint[:16]
}

// Execute runs fn at most once per fingerprint window. Duplicate calls
// return the stored result instead of re-executing.
func (g *Guard) Execute(ctx context.Context, opType string, params map[string]any, fn Fn, opts *Options) (*Result, error) {
	ttl := g.cfg.TTL
	strategy := ReturnCached
	if opts != nil {
		if opts.TTL > 0 {
			ttl = opts.TTL
		}
		if opts.Strategy != "" {
			strategy = opts.Strategy
		}
	}

	now := time.Now().UTC()
	fingerprint := Fingerprint(opType, params, now, ttl)
	key := Key(opType, fingerprint)

	if cached, ok := g.fromMemory(key, now); ok {
		metrics.IdempotencyHits.WithLabelValues("memory").Inc()
		return &Result{Value: cached.Result, Source: "memory"}, nil
	}

	claimed, existing, err := g.claim(ctx, key, opType, fingerprint, now, ttl, strategy)
	if err != nil {
		return nil, err
	}
	if !claimed {
		metrics.IdempotencyHits.WithLabelValues("store").Inc()
		g.remember(*existing)
		return &Result{Value: existing.Result, Source: "store"}, nil
	}

	value, fnErr := g.runAndPersist(ctx, key, fn)
	if fnErr != nil {
		return nil, fnErr
	}
	metrics.IdempotencyHits.WithLabelValues("executed").Inc()
	return &Result{Value: value, Source: "executed"}, nil
}

// claim transactionally inspects the persistent record and either takes the
// Processing lease (claimed=true) or yields the completed record
func (g *Guard) claim(ctx context.Context, key, opType, fingerprint string, now time.Time, ttl time.Duration, strategy ConflictStrategy) (bool, *types.IdempotencyRecord, error) {
	var claimed bool
	var existing *types.IdempotencyRecord

	err := g.store.RunInTransaction(ctx, func(tx docstore.Txn) error {
		claimed = false
		existing = nil

		var rec types.IdempotencyRecord
		err := tx.Get(types.CollectionIdempotencyKeys, key, &rec)
		if err != nil && !docstore.IsNotFound(err) {
			return err
		}

		if err == nil {
			if rec.Status == types.IdempotencyCompleted && now.Before(rec.ExpiresAt) {
				existing = &rec
				return nil
			}
			if rec.Status == types.IdempotencyProcessing && g.leaseLive(rec, now) {
				switch strategy {
				case Fail:
					return types.Errorf(types.CodeConflict,
						"operation %s already in progress", key)
				case ExecuteAnyway:
					// fall through to take over the record
				default: // ReturnCached
					if rec.Result != nil {
						existing = &rec
						return nil
					}
					return types.Errorf(types.CodeConflict,
						"operation %s in progress with no cached result", key)
				}
			}
		}

		lease := now
		if err := tx.Set(types.CollectionIdempotencyKeys, key, types.IdempotencyRecord{
			Key:         key,
			Operation:   opType,
			Fingerprint: fingerprint,
			Status:      types.IdempotencyProcessing,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
			ProcessorID: g.processorID,
			LeaseAt:     &lease,
		}); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	return claimed, existing, err
}

// runAndPersist executes fn and records the terminal status before
// propagating any error
func (g *Guard) runAndPersist(ctx context.Context, key string, fn Fn) (map[string]any, error) {
	value, fnErr := fn(ctx)

	update := map[string]any{
		"processorId": nil,
		"leaseAt":     nil,
	}
	if fnErr != nil {
		update["status"] = string(types.IdempotencyFailed)
		update["error"] = fnErr.Error()
	} else {
		update["status"] = string(types.IdempotencyCompleted)
		update["result"] = value
	}

	if err := g.store.Update(context.WithoutCancel(ctx), types.CollectionIdempotencyKeys, key, update); err != nil {
		g.logger.Error().Err(err).Str("key", key).Msg("failed to persist idempotency outcome")
	} else if fnErr == nil {
		var rec types.IdempotencyRecord
		if err := g.store.Get(context.WithoutCancel(ctx), types.CollectionIdempotencyKeys, key, &rec); err == nil {
			g.remember(rec)
		}
	}

	return value, fnErr
}

func (g *Guard) leaseLive(rec types.IdempotencyRecord, now time.Time) bool {
	return rec.LeaseAt != nil && now.Sub(*rec.LeaseAt) < g.cfg.LeaseTTL
}

func (g *Guard) fromMemory(key string, now time.Time) (types.IdempotencyRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.cache[key]
	if !ok {
		g.evictExpiredLocked(now)
		return types.IdempotencyRecord{}, false
	}
	if entry.record.Status != types.IdempotencyCompleted || !now.Before(entry.record.ExpiresAt) {
		delete(g.cache, key)
		return types.IdempotencyRecord{}, false
	}
	return entry.record, true
}

func (g *Guard) remember(rec types.IdempotencyRecord) {
	if rec.Status != types.IdempotencyCompleted {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.cache) >= maxCacheEntries {
		g.evictExpiredLocked(time.Now().UTC())
		if len(g.cache) >= maxCacheEntries {
			g.evictOldestLocked()
		}
	}
	g.cache[rec.Key] = cacheEntry{record: rec, cachedAt: time.Now().UTC()}
}

func (g *Guard) evictExpiredLocked(now time.Time) {
	for k, e := range g.cache {
		if !now.Before(e.record.ExpiresAt) {
			delete(g.cache, k)
		}
	}
}

func (g *Guard) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range g.cache {
		if oldestKey == "" || e.cachedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.cachedAt
		}
	}
	if oldestKey != "" {
		delete(g.cache, oldestKey)
	}
}

// CacheSize reports the number of in-memory entries
func (g *Guard) CacheSize() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cache)
}
