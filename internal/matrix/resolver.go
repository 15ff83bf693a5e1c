// Package matrix implements the traffic-aware distance/time-matrix
// resolver: a content-addressed cache in front of an external
// Distance Matrix provider, with graceful degradation when the cache is
// unavailable.
package matrix

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nemt-routing/dispatch-optimizer/internal/common/cache"
	"github.com/nemt-routing/dispatch-optimizer/internal/common/logging"
	"github.com/nemt-routing/dispatch-optimizer/internal/domain"
	"github.com/nemt-routing/dispatch-optimizer/internal/geo"
	"github.com/nemt-routing/dispatch-optimizer/pkg/apperr"
)

// MatrixCache is the subset of cache.RedisCache the resolver needs,
// narrowed so tests can substitute an in-memory fake.
type MatrixCache interface {
	MatrixKey(fingerprint string) string
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// Resolver resolves Matrix values, consulting the shared cache before
// falling back to the provider. Cache unavailability is never fatal: a
// read or write failure is logged and the resolver proceeds as if it were
// a miss.
type Resolver struct {
	cache    MatrixCache
	provider Provider
	ttl      time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// Config controls resolver behaviour.
type Config struct {
	TTL time.Duration
	// RatePerSecond bounds outbound calls to the paid provider.
	RatePerSecond float64
	RateBurst     int
}

// NewResolver builds a Resolver. A nil cache disables caching entirely
// (every call hits the provider); a nil logger uses a no-op zap logger.
func NewResolver(c MatrixCache, provider Provider, cfg Config, logger *zap.Logger) *Resolver {
	if cfg.TTL <= 0 {
		cfg.TTL = cache.MatrixExpiration
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		cache:    c,
		provider: provider,
		ttl:      cfg.TTL,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		logger:   logger,
	}
}

// Fingerprint computes the cache key component for coords and departure:
// MD5 over the sorted, 6-decimal-formatted coordinate list concatenated
// with the integer UTC departure hour.
func Fingerprint(coords []domain.Coordinate, departure time.Time) string {
	formatted := make([]string, len(coords))
	for i, c := range coords {
		formatted[i] = geo.FormatCoordinate(c)
	}
	sort.Strings(formatted)

	hourBucket := fmt.Sprintf("%d", departure.UTC().Hour())
	payload := fmt.Sprintf("%s|%s", joinSorted(formatted), hourBucket)

	sum := md5.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func joinSorted(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ";"
		}
		out += s
	}
	return out
}

// Resolve returns the Matrix for coords (origin first) at departure,
// consulting the cache first. On a cache miss it fetches from the
// provider, retrying once after a 1s backoff, and caches the result.
func (r *Resolver) Resolve(ctx context.Context, coords []domain.Coordinate, departure time.Time) (*domain.Matrix, error) {
	fp := Fingerprint(coords, departure)

	if r.cache != nil {
		start := time.Now()
		var cached domain.CachedMatrix
		err := r.cache.Get(ctx, r.cache.MatrixKey(fp), &cached)
		logging.GetLogger().LogCacheOperation("get", fp, err == nil, time.Since(start))
		if err == nil {
			return cached.ToMatrix(), nil
		}
		if err != cache.ErrCacheMiss {
			r.logger.Warn("matrix cache read failed, falling back to provider", zap.Error(err), zap.String("fingerprint", fp))
		}
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, apperr.NewUpstreamUnavailableError("traffic provider rate limiter: " + err.Error())
	}

	m, err := r.fetchWithRetry(ctx, coords, departure)
	if err != nil {
		return nil, apperr.NewUpstreamUnavailableError("traffic provider unavailable").WithInternal(err)
	}
	if m.N != len(coords) {
		return nil, apperr.NewUpstreamUnavailableError(fmt.Sprintf("provider returned %d×%d matrix for %d points", m.N, m.N, len(coords)))
	}

	if r.cache != nil {
		start := time.Now()
		err := r.cache.Set(ctx, r.cache.MatrixKey(fp), domain.FromMatrix(m), r.ttl)
		logging.GetLogger().LogCacheOperation("set", fp, err == nil, time.Since(start))
		if err != nil {
			r.logger.Warn("matrix cache write failed", zap.Error(err), zap.String("fingerprint", fp))
		}
	}

	return m, nil
}

func (r *Resolver) fetchWithRetry(ctx context.Context, coords []domain.Coordinate, departure time.Time) (*domain.Matrix, error) {
	m, err := r.provider.FetchMatrix(ctx, coords, departure)
	if err == nil {
		return m, nil
	}

	select {
	case <-time.After(1 * time.Second):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return r.provider.FetchMatrix(ctx, coords, departure)
}
