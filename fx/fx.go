// Package fx answers currency-pair queries from a persistent TTL cache
// backed by a provider fallback chain.
package fx

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// GetRate resolves pair to an Entry. Identity pairs short-circuit with a
// synthetic rate, force bypasses the cache read, and fresh provider answers
// are written through before returning.
func (s *Service) GetRate(ctx context.Context, pair string, force bool) (*Entry, error) {
	baseCcy, quoteCcy, err := ParsePair(pair)
	if err != nil {
		return nil, err
	}

	if baseCcy == quoteCcy {
		return &Entry{
			Pair:      baseCcy + "_" + quoteCcy,
			Rate:      1.0,
			Source:    SourceIdentity,
			FetchedAt: time.Now().UTC(),
		}, nil
	}

	key := PairKey(baseCcy, quoteCcy)
	if !force {
		entry, err := s.store.Get(ctx, key)
		if err == nil {
			cacheHits.Inc()
			return entry, nil
		}
		if !errors.Is(err, ErrEntryNotFound) {
			return nil, err
		}
		cacheMisses.Inc()
	}

	chain := s.generic
	if baseCcy == "USD" && quoteCcy == "EUR" {
		chain = s.usdEur
	}

	rate, err := chain.GetRate(ctx, baseCcy, quoteCcy)
	if err != nil {
		providerFailures.Inc()
		return nil, fmt.Errorf("%w: %w", ErrAllProvidersFailed, err)
	}

	entry := &Entry{
		Pair:      baseCcy + "_" + quoteCcy,
		Rate:      rate.Rate,
		Source:    rate.Source,
		FetchedAt: rate.FetchedAt,
		TTLSec:    int64(s.ttl / time.Second),
	}

	if err := s.store.Set(ctx, key, entry); err != nil {
		// A failed write-through degrades cache efficiency, not correctness.
		s.log.Warn().Err(err).Str("key", key).Msg("fx cache write failed")
	}
	return entry, nil
}

// Inspect returns the stored cache row for key regardless of freshness,
// with the expired flag evaluated at call time.
func (s *Service) Inspect(ctx context.Context, key string) (*Entry, bool, error) {
	entry, err := s.store.Peek(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return entry, entry.Expired(time.Now().UTC()), nil
}
