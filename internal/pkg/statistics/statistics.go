package statistics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/BillFox/app/repository"
	"github.com/ManuelReschke/BillFox/internal/pkg/cache"
)

const (
	CacheKeyTenantStats = "statistics:tenant:%d"
	CacheExpiration     = 5 * time.Minute
	RevenueWindow       = 30 * 24 * time.Hour
)

// TenantStats is the billing overview of one tenant.
type TenantStats struct {
	TenantID           uint             `json:"tenant_id"`
	Subscriptions      map[string]int64 `json:"subscriptions"`
	TotalSubscriptions int64            `json:"total_subscriptions"`
	PendingEvents      int64            `json:"pending_events"`
	TotalEvents        int64            `json:"total_events"`
	// Revenue30d is paid revenue in minor units per currency.
	Revenue30d  map[string]int64 `json:"revenue_30d"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// Service serves tenant statistics from Redis, computing them on a miss.
// Without a cache client every call hits the database.
type Service struct {
	repos *repository.Repositories
	ttl   time.Duration
	now   func() time.Time
}

func NewService(repos *repository.Repositories) *Service {
	return &Service{repos: repos, ttl: CacheExpiration, now: time.Now}
}

// Get returns cached statistics unless fresh is set or the cache is cold.
func (s *Service) Get(ctx context.Context, tenantID uint, fresh bool) (*TenantStats, error) {
	key := fmt.Sprintf(CacheKeyTenantStats, tenantID)
	if !fresh {
		if raw, err := cache.Get(ctx, key); err == nil {
			var stats TenantStats
			if err := json.Unmarshal([]byte(raw), &stats); err == nil {
				return &stats, nil
			}
			log.Warnf("[Statistics] Dropping unreadable cache entry %s", key)
		}
	}

	stats, err := s.compute(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(stats)
	if err != nil {
		return nil, err
	}
	if err := cache.Set(ctx, key, raw, s.ttl); err != nil && !errors.Is(err, cache.ErrNoClient) {
		log.Warnf("[Statistics] Error caching stats for tenant %d: %v", tenantID, err)
	}
	return stats, nil
}

func (s *Service) compute(ctx context.Context, tenantID uint) (*TenantStats, error) {
	now := s.now().UTC()
	stats := &TenantStats{TenantID: tenantID, GeneratedAt: now}

	var err error
	if stats.Subscriptions, err = s.repos.Subscription.CountByStatus(ctx, tenantID); err != nil {
		return nil, fmt.Errorf("count subscriptions: %w", err)
	}
	for _, n := range stats.Subscriptions {
		stats.TotalSubscriptions += n
	}
	if stats.PendingEvents, err = s.repos.Event.CountPending(ctx, tenantID); err != nil {
		return nil, fmt.Errorf("count pending events: %w", err)
	}
	if stats.TotalEvents, err = s.repos.Event.CountByTenant(ctx, tenantID); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	if stats.Revenue30d, err = s.repos.Transaction.SumByCurrency(ctx, tenantID, now.Add(-RevenueWindow)); err != nil {
		return nil, fmt.Errorf("sum revenue: %w", err)
	}
	return stats, nil
}
