package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailsync/internal/model"
	"mailsync/pkg/metrics"
)

// Store is a lease table with an atomic insert-if-absent.
type Store interface {
	// Insert creates the lease unless a row for its key exists. It reports
	// whether this call created it.
	Insert(ctx context.Context, lease model.Lease) (bool, error)
	// Get returns nil, nil when no row exists.
	Get(ctx context.Context, key string) (*model.Lease, error)
	// DeleteExpired removes the row only if it is still expired at now.
	DeleteExpired(ctx context.Context, key string, now time.Time) (bool, error)
	// DeleteIfOwned removes the row only if holder still owns it.
	DeleteIfOwned(ctx context.Context, key, holder string) (bool, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Manager hands out per-account leases shared by every node.
type Manager struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

func NewManager(store Store, ttl time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
}

// TryAcquire claims key for holderID. Contention returns (false, nil); only
// store failures produce an error.
func (m *Manager) TryAcquire(ctx context.Context, key, holderID string) (bool, error) {
	now := m.now()
	m.purge(ctx, now)

	lease := model.Lease{
		Key:        key,
		HolderID:   holderID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}

	ok, err := m.store.Insert(ctx, lease)
	if err != nil {
		metrics.IncrementLockAcquire("error")
		return false, fmt.Errorf("insert lease %s: %w", key, err)
	}
	if ok {
		metrics.IncrementLockAcquire("acquired")
		return true, nil
	}

	existing, err := m.store.Get(ctx, key)
	if err != nil {
		metrics.IncrementLockAcquire("error")
		return false, fmt.Errorf("read lease %s: %w", key, err)
	}

	if existing != nil {
		if !existing.Expired(now) {
			m.logger.Debug("Lease held elsewhere",
				zap.String("key", key),
				zap.String("holder", existing.HolderID),
				zap.Time("expires_at", existing.ExpiresAt),
			)
			metrics.IncrementLockAcquire("contended")
			return false, nil
		}

		// another node may beat us to the delete; the insert below settles it
		if _, err := m.store.DeleteExpired(ctx, key, now); err != nil {
			metrics.IncrementLockAcquire("error")
			return false, fmt.Errorf("reclaim expired lease %s: %w", key, err)
		}
		m.logger.Info("Reclaiming expired lease",
			zap.String("key", key),
			zap.String("previous_holder", existing.HolderID),
		)
	}

	ok, err = m.store.Insert(ctx, lease)
	if err != nil {
		metrics.IncrementLockAcquire("error")
		return false, fmt.Errorf("insert lease %s: %w", key, err)
	}
	if !ok {
		metrics.IncrementLockAcquire("contended")
		return false, nil
	}
	metrics.IncrementLockAcquire("acquired")
	return true, nil
}

// Release drops the lease if holderID still owns it. A lease that expired and
// was taken over is left alone.
func (m *Manager) Release(ctx context.Context, key, holderID string) error {
	ok, err := m.store.DeleteIfOwned(ctx, key, holderID)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	if !ok {
		m.logger.Warn("Lease no longer owned at release",
			zap.String("key", key),
			zap.String("holder", holderID),
		)
	}
	return nil
}

// CleanupExpired removes all expired leases and returns how many went.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := m.store.PurgeExpired(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("purge expired leases: %w", err)
	}
	metrics.AddLockPurged(n)
	return n, nil
}

// RunJanitor calls CleanupExpired every interval until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Lease janitor stopped")
			return
		case <-ticker.C:
			n, err := m.CleanupExpired(ctx)
			if err != nil {
				m.logger.Error("Lease cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				m.logger.Info("Removed expired leases", zap.Int64("count", n))
			}
		}
	}
}

func (m *Manager) purge(ctx context.Context, now time.Time) {
	n, err := m.store.PurgeExpired(ctx, now)
	if err != nil {
		m.logger.Warn("Lazy lease purge failed", zap.Error(err))
		return
	}
	metrics.AddLockPurged(n)
}

// NodeID picks the holder id for this process: configured value, then the
// platform instance id, then the hostname, then a random uuid.
func NodeID(configured string) string {
	if configured != "" {
		return configured
	}
	if id := os.Getenv("FLY_APP_INSTANCE_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "node-" + uuid.NewString()
}
