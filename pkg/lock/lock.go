package lock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/suprimo/suprimo/pkg/config"
	"github.com/suprimo/suprimo/pkg/docstore"
	"github.com/suprimo/suprimo/pkg/log"
	"github.com/suprimo/suprimo/pkg/metrics"
	"github.com/suprimo/suprimo/pkg/types"
)

// AcquireOptions overrides per-call lock parameters. Zero values fall back
// to the manager configuration.
type AcquireOptions struct {
	TTL        time.Duration
	MaxRetries int
	Metadata   map[string]string
}

// Manager hands out lease-based distributed locks backed by the document
// store. Locks held by this process are heartbeated until released.
type Manager struct {
	store  docstore.Store
	cfg    config.LockConfig
	logger zerolog.Logger

	mu   sync.Mutex
	held map[string]*Handle
}

// Handle is one held lock. Release it exactly once; further releases are
// no-ops.
type Handle struct {
	ID       string
	HolderID string

	mgr    *Manager
	ttl    time.Duration
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewManager creates a lock manager
func NewManager(store docstore.Store, cfg config.LockConfig) *Manager {
	return &Manager{
		store:  store,
		cfg:    cfg,
		logger: log.WithComponent("lock"),
		held:   make(map[string]*Handle),
	}
}

// LockID builds the canonical lock id for a scope and resource. Path
// separators would collide with document key conventions, so they are
// replaced.
func LockID(scope, resourceID string) string {
	id := scope + ":" + resourceID
	id = strings.ReplaceAll(id, "/", "_")
	id = strings.ReplaceAll(id, "\\", "_")
	return id
}

// Acquire obtains the lock for scope/resourceID, retrying with exponential
// backoff and jitter up to the retry cap. A nil opts uses the manager
// configuration.
func (m *Manager) Acquire(ctx context.Context, scope, resourceID string, opts *AcquireOptions) (*Handle, error) {
	ttl := m.cfg.TTL
	maxRetries := m.cfg.MaxRetries
	var meta map[string]string
	if opts != nil {
		if opts.TTL > 0 {
			ttl = opts.TTL
		}
		if opts.MaxRetries > 0 {
			maxRetries = opts.MaxRetries
		}
		meta = opts.Metadata
	}

	id := LockID(scope, resourceID)
	holder := uuid.NewString()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.RetryBase
	bo.MaxInterval = m.cfg.RetryMax
	bo.MaxElapsedTime = 0

	attempt := func() error {
		err := m.tryAcquire(ctx, id, holder, ttl, meta)
		if err == nil {
			return nil
		}
		if types.IsCode(err, types.CodeLockUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(attempt,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries)), ctx))
	if err != nil {
		metrics.LockAcquisitions.WithLabelValues("failed").Inc()
		return nil, err
	}

	h := &Handle{
		ID:       id,
		HolderID: holder,
		mgr:      m,
		ttl:      ttl,
		stopCh:   make(chan struct{}),
	}
	m.mu.Lock()
	m.held[id] = h
	m.mu.Unlock()

	metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
	metrics.LocksHeld.Inc()

	h.wg.Add(1)
	go h.heartbeatLoop(m.cfg.Heartbeat)

	m.logger.Debug().Str("lock_id", id).Str("holder_id", holder).Msg("lock acquired")
	return h, nil
}

// tryAcquire performs one transactional acquisition attempt: absent or
// expired records are taken over, live ones report lock-unavailable.
func (m *Manager) tryAcquire(ctx context.Context, id, holder string, ttl time.Duration, meta map[string]string) error {
	return m.store.RunInTransaction(ctx, func(tx docstore.Txn) error {
		now := time.Now().UTC()

		var rec types.LockRecord
		err := tx.Get(types.CollectionLocks, id, &rec)
		if err != nil && !docstore.IsNotFound(err) {
			return err
		}
		if err == nil && now.Before(rec.ExpiresAt) {
			return types.Errorf(types.CodeLockUnavailable,
				"lock %s held by %s until %s", id, rec.HolderID, rec.ExpiresAt.Format(time.RFC3339))
		}

		return tx.Set(types.CollectionLocks, id, types.LockRecord{
			ID:            id,
			HolderID:      holder,
			AcquiredAt:    now,
			ExpiresAt:     now.Add(ttl),
			LastHeartbeat: now,
			Metadata:      meta,
		})
	})
}

// Extend pushes the lock expiry forward by ttl. Only the recorded holder
// may extend.
func (m *Manager) Extend(ctx context.Context, id, holder string, ttl time.Duration) error {
	return m.store.RunInTransaction(ctx, func(tx docstore.Txn) error {
		var rec types.LockRecord
		if err := tx.Get(types.CollectionLocks, id, &rec); err != nil {
			if docstore.IsNotFound(err) {
				return types.Errorf(types.CodeLockUnavailable, "lock %s no longer exists", id)
			}
			return err
		}
		if rec.HolderID != holder {
			return types.Errorf(types.CodeLockUnavailable,
				"lock %s taken over by %s", id, rec.HolderID)
		}

		now := time.Now().UTC()
		rec.ExpiresAt = now.Add(ttl)
		rec.Heartbeats++
		rec.LastHeartbeat = now
		return tx.Set(types.CollectionLocks, id, rec)
	})
}

// Release deletes the lock after verifying holder identity. Releasing a
// missing lock succeeds; releasing another holder's lock fails without
// effect.
func (m *Manager) Release(ctx context.Context, id, holder string) error {
	return m.store.RunInTransaction(ctx, func(tx docstore.Txn) error {
		var rec types.LockRecord
		if err := tx.Get(types.CollectionLocks, id, &rec); err != nil {
			if docstore.IsNotFound(err) {
				return nil
			}
			return err
		}
		if rec.HolderID != holder {
			return types.Errorf(types.CodeConflict,
				"lock %s held by %s, not %s", id, rec.HolderID, holder)
		}
		return tx.Delete(types.CollectionLocks, id)
	})
}

// IsLocked reports whether a live (non-expired) lock exists
func (m *Manager) IsLocked(ctx context.Context, scope, resourceID string) (bool, error) {
	var rec types.LockRecord
	err := m.store.Get(ctx, types.CollectionLocks, LockID(scope, resourceID), &rec)
	if err != nil {
		if docstore.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return time.Now().UTC().Before(rec.ExpiresAt), nil
}

// WithLock runs fn under the lock, releasing on every exit path including
// panics. When acquisition fails fn is never invoked.
func (m *Manager) WithLock(ctx context.Context, scope, resourceID string, opts *AcquireOptions, fn func(ctx context.Context) error) error {
	h, err := m.Acquire(ctx, scope, resourceID, opts)
	if err != nil {
		if types.IsCode(err, types.CodeLockUnavailable) {
			return err
		}
		return fmt.Errorf("failed to acquire lock %s: %w", LockID(scope, resourceID), err)
	}
	defer h.Release(context.WithoutCancel(ctx))

	return fn(ctx)
}

// ReleaseAll releases every lock held by this process, best effort
func (m *Manager) ReleaseAll(ctx context.Context) {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.held))
	for _, h := range m.held {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		if err := h.Release(ctx); err != nil {
			m.logger.Warn().Err(err).Str("lock_id", h.ID).Msg("failed to release lock on shutdown")
		}
	}
}

// Release stops the heartbeat and deletes the lock record
func (h *Handle) Release(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		close(h.stopCh)
		h.wg.Wait()

		h.mgr.mu.Lock()
		delete(h.mgr.held, h.ID)
		h.mgr.mu.Unlock()

		metrics.LocksHeld.Dec()
		err = h.mgr.Release(ctx, h.ID, h.HolderID)
		if err == nil {
			h.mgr.logger.Debug().Str("lock_id", h.ID).Msg("lock released")
		}
	})
	return err
}

// heartbeatLoop extends the lease every heartbeat interval until released.
// A failed extension means the lease was taken over; the loop stops so the
// holder does not fight the new owner.
func (h *Handle) heartbeatLoop(interval time.Duration) {
	defer h.wg.Done()

	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := h.mgr.Extend(ctx, h.ID, h.HolderID, h.ttl)
			cancel()
			if err != nil {
				h.mgr.logger.Warn().Err(err).Str("lock_id", h.ID).Msg("lock heartbeat failed, stopping")
				return
			}
			metrics.LockHeartbeats.Inc()
		}
	}
}
