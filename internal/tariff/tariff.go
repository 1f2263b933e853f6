// Package tariff resolves aranceles (per-service reference tariffs) used as
// calculation bases.
package tariff

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensalud/convenia/internal/domain"
)

// Service looks up tariffs by service code with a cache in front of the
// repository. Tariff tables change rarely, so a short TTL keeps the hot
// path off the database without risking stale payments.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
	ttl   time.Duration
}

// NewService creates a new tariff service.
func NewService(repo domain.Repository, cache domain.Cache, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		repo:  repo,
		cache: cache,
		ttl:   ttl,
	}
}

// GetTariff returns the tariff for a service code.
// This is the TariffGetter function signature expected by the engine.
func (s *Service) GetTariff(ctx context.Context, tenantID, serviceCode string) (decimal.Decimal, error) {
	if tenantID == "" || serviceCode == "" {
		return decimal.Zero, fmt.Errorf("tenantID and serviceCode are required")
	}

	cacheKey := "arancel:" + serviceCode

	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, tenantID, cacheKey); err == nil && raw != nil {
			if amount, err := decimal.NewFromString(string(raw)); err == nil {
				return amount, nil
			}
		}
	}

	if s.repo == nil {
		return decimal.Zero, fmt.Errorf("no data source available")
	}

	amount, err := s.repo.GetArancel(ctx, tenantID, serviceCode)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get tariff for %s: %w", serviceCode, err)
	}

	if s.cache != nil {
		// Best effort: a failed cache write only costs the next lookup.
		_ = s.cache.Set(ctx, tenantID, cacheKey, []byte(amount.String()), s.ttl)
	}

	return amount, nil
}

// SetTariff upserts a tariff and invalidates its cache entry.
func (s *Service) SetTariff(ctx context.Context, tenantID, serviceCode string, amount decimal.Decimal) error {
	if tenantID == "" || serviceCode == "" {
		return fmt.Errorf("tenantID and serviceCode are required")
	}
	if amount.IsNegative() {
		return fmt.Errorf("tariff amount cannot be negative")
	}

	if err := s.repo.SaveArancel(ctx, tenantID, serviceCode, amount); err != nil {
		return fmt.Errorf("failed to save tariff for %s: %w", serviceCode, err)
	}

	if s.cache != nil {
		_ = s.cache.Delete(ctx, tenantID, "arancel:"+serviceCode)
	}

	return nil
}

// GetTariffGetter returns a TariffGetter function for the engine.
func (s *Service) GetTariffGetter() func(ctx context.Context, tenantID, serviceCode string) (decimal.Decimal, error) {
	return s.GetTariff
}
