// Package base defines the shared settings and the provider interface for
// foreign exchange rate providers, plus the primary/support fallback chain
// used when more than one provider is configured.
package base

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateUnavailable is returned when a provider answered but carries no
	// usable rate for the requested pair. The chain moves on to the next
	// provider.
	ErrRateUnavailable = errors.New("rate unavailable for pair")

	// ErrNoProviders is returned when a chain has no configured providers.
	ErrNoProviders = errors.New("no foreign exchange providers enabled")
)

// Settings holds the shared configuration applied to every provider.
type Settings struct {
	Name            string
	Enabled         bool
	PrimaryProvider bool
	APIKey          string
	Endpoint        string
	Timeout         time.Duration
	Verbose         bool
}

// Base is embedded by concrete providers to pick up the shared settings.
type Base struct {
	Settings
}

// Setup applies the settings to the embedded base.
func (b *Base) Setup(s Settings) {
	b.Settings = s
}

// Name returns the configured provider name.
func (b *Base) Name() string {
	return b.Settings.Name
}

// Rate is one resolved base to quote conversion.
type Rate struct {
	Base      string
	Quote     string
	Rate      float64
	Source    string
	FetchedAt time.Time
}

// Provider resolves a currency pair to a rate.
type Provider interface {
	Name() string
	GetRate(ctx context.Context, baseCcy, quoteCcy string) (Rate, error)
}

// Handler chains a primary provider with support fallbacks. GetRate asks the
// primary first and walks the support list in order until one answers.
type Handler struct {
	Primary Provider
	Support []Provider
}

// NewHandler builds a chain from providers in the given order.
func NewHandler(providers ...Provider) (*Handler, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	return &Handler{Primary: providers[0], Support: providers[1:]}, nil
}

// GetRate resolves the pair through the chain. All provider failures are
// joined into the returned error when every provider declines.
func (h *Handler) GetRate(ctx context.Context, baseCcy, quoteCcy string) (Rate, error) {
	if h == nil || h.Primary == nil {
		return Rate{}, ErrNoProviders
	}

	rate, err := h.Primary.GetRate(ctx, baseCcy, quoteCcy)
	if err == nil {
		return rate, nil
	}
	chainErr := fmt.Errorf("%s: %w", h.Primary.Name(), err)

	for i := range h.Support {
		rate, err = h.Support[i].GetRate(ctx, baseCcy, quoteCcy)
		if err == nil {
			return rate, nil
		}
		chainErr = fmt.Errorf("%w; %s: %w", chainErr, h.Support[i].Name(), err)
	}
	return Rate{}, chainErr
}
