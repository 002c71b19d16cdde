package fx

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/h8man13/h8man-finance-sub000/config"
	"github.com/h8man13/h8man-finance-sub000/fx/forexprovider/base"
)

// KeyPrefix namespaces every cache row.
const KeyPrefix = "fx:"

// SourceIdentity marks the synthetic same-currency rate.
const SourceIdentity = "identity"

var (
	// ErrBadPair is returned for missing or malformed pair input.
	ErrBadPair = errors.New("pair must be BASE_QUOTE with three-letter codes")

	// ErrAllProvidersFailed is returned when the whole chain declined.
	ErrAllProvidersFailed = errors.New("all fx providers failed")
)

// Entry is the resolved rate served to callers and persisted in the cache.
type Entry struct {
	Pair      string    `json:"pair"`
	Rate      float64   `json:"rate"`
	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
	TTLSec    int64     `json:"ttl_sec"`
}

// Expired reports whether the entry is older than its TTL at now.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.FetchedAt.Add(time.Duration(e.TTLSec) * time.Second))
}

// Service resolves currency pairs through the cache and provider chain.
type Service struct {
	store   *Store
	usdEur  *base.Handler
	generic *base.Handler
	ttl     time.Duration
	log     zerolog.Logger
}

// NewService wires the cache store and the two provider chain orders. For
// USD_EUR the synthesizing provider is preferred; for arbitrary pairs the
// generic latest-rates provider leads.
func NewService(cfg *config.FX, store *Store, synth, generic base.Provider, logger zerolog.Logger) (*Service, error) {
	usdEurChain, err := base.NewHandler(synth, generic)
	if err != nil {
		return nil, err
	}
	genericChain, err := base.NewHandler(generic, synth)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:   store,
		usdEur:  usdEurChain,
		generic: genericChain,
		ttl:     cfg.TTL,
		log:     logger.With().Str("component", "fx").Logger(),
	}, nil
}

// ParsePair splits and validates a BASE_QUOTE pair, uppercasing both legs.
func ParsePair(raw string) (baseCcy, quoteCcy string, err error) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	parts := strings.Split(raw, "_")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: %q", ErrBadPair, raw)
	}
	for _, p := range parts {
		if len(p) != 3 {
			return "", "", fmt.Errorf("%w: %q", ErrBadPair, raw)
		}
		for _, r := range p {
			if r < 'A' || r > 'Z' {
				return "", "", fmt.Errorf("%w: %q", ErrBadPair, raw)
			}
		}
	}
	return parts[0], parts[1], nil
}

// PairKey returns the cache key for a validated pair.
func PairKey(baseCcy, quoteCcy string) string {
	return KeyPrefix + baseCcy + "_" + quoteCcy
}
