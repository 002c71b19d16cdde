// Package exchangeratehost resolves arbitrary currency pairs through the
// exchangerate.host latest endpoint. No API key is required which makes it
// the generic fallback of the provider chain.
package exchangeratehost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/h8man13/h8man-finance-sub000/common/request"
	"github.com/h8man13/h8man-finance-sub000/fx/forexprovider/base"
)

const (
	defaultAPIEndpoint = "https://api.exchangerate.host"
	defaultTimeout     = 8 * time.Second

	latestEndpoint = "latest"
)

var errRequestFailed = errors.New("latest rates request failed")

// ExchangeRateHost is the generic latest-rates provider.
type ExchangeRateHost struct {
	base.Base
	requester *request.Requester
	breaker   *gobreaker.CircuitBreaker
}

// LatestRates is the provider response shape.
type LatestRates struct {
	Success bool               `json:"success"`
	Base    string             `json:"base"`
	Date    string             `json:"date"`
	Rates   map[string]float64 `json:"rates"`
}

// New returns a configured exchangerate.host provider.
func New(s base.Settings) *ExchangeRateHost {
	if s.Name == "" {
		s.Name = "ExchangeRateHost"
	}
	if s.Endpoint == "" {
		s.Endpoint = defaultAPIEndpoint
	}
	if s.Timeout <= 0 {
		s.Timeout = defaultTimeout
	}

	e := &ExchangeRateHost{}
	e.Setup(s)
	e.requester = request.New(s.Name,
		&http.Client{Timeout: s.Timeout},
		request.WithBackoff(request.DefaultBackoff()),
	)
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    s.Name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, base.ErrRateUnavailable)
		},
	})
	return e
}

// GetRate implements base.Provider via /latest?base=&symbols=.
func (e *ExchangeRateHost) GetRate(ctx context.Context, baseCcy, quoteCcy string) (base.Rate, error) {
	baseCcy = strings.ToUpper(strings.TrimSpace(baseCcy))
	quoteCcy = strings.ToUpper(strings.TrimSpace(quoteCcy))

	v := url.Values{}
	v.Set("base", baseCcy)
	v.Set("symbols", quoteCcy)
	path := fmt.Sprintf("%s/%s?%s", e.Endpoint, latestEndpoint, v.Encode())

	out, err := e.breaker.Execute(func() (any, error) {
		var resp LatestRates
		err := e.requester.SendPayload(ctx, func() (*request.Item, error) {
			return &request.Item{
				Method:  http.MethodGet,
				Path:    path,
				Result:  &resp,
				Verbose: e.Verbose,
			}, nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errRequestFailed, err)
		}
		return &resp, nil
	})
	if err != nil {
		return base.Rate{}, err
	}

	resp, ok := out.(*LatestRates)
	if !ok {
		return base.Rate{}, base.ErrRateUnavailable
	}
	rate, ok := resp.Rates[quoteCcy]
	if !ok || rate <= 0 {
		return base.Rate{}, base.ErrRateUnavailable
	}

	return base.Rate{
		Base:      baseCcy,
		Quote:     quoteCcy,
		Rate:      rate,
		Source:    e.Name(),
		FetchedAt: time.Now().UTC(),
	}, nil
}
