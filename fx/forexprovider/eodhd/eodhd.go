// Package eodhd resolves currency pairs through the EODHD real-time API by
// synthesizing BASEQUOTE.FOREX tickers. The canonical EURUSD pair is used to
// answer USD_EUR requests with the inverted price.
package eodhd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/sony/gobreaker"

	"github.com/h8man13/h8man-finance-sub000/common/request"
	"github.com/h8man13/h8man-finance-sub000/fx/forexprovider/base"
)

const (
	defaultAPIEndpoint = "https://eodhd.com/api"
	defaultTimeout     = 8 * time.Second

	forexSuffix      = ".FOREX"
	realTimeEndpoint = "real-time"
)

var errUnexpectedStatus = errors.New("unexpected response status")

// priceFields are tried in order; providers vary between close, price and
// last for the current value.
var priceFields = []string{"close", "price", "last"}

// EODHD is the real-time forex provider.
type EODHD struct {
	base.Base
	requester *request.Requester
	breaker   *gobreaker.CircuitBreaker
}

// New returns a configured EODHD provider.
func New(s base.Settings) *EODHD {
	if s.Name == "" {
		s.Name = "EODHD"
	}
	if s.Endpoint == "" {
		s.Endpoint = defaultAPIEndpoint
	}
	if s.Timeout <= 0 {
		s.Timeout = defaultTimeout
	}

	e := &EODHD{}
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
		// A healthy provider answering "no such pair" must not trip the
		// breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, base.ErrRateUnavailable)
		},
	})
	return e
}

// GetRate implements base.Provider. USD_EUR is answered from the canonical
// EURUSD ticker and inverted; every other pair synthesizes BASEQUOTE.FOREX.
func (e *EODHD) GetRate(ctx context.Context, baseCcy, quoteCcy string) (base.Rate, error) {
	baseCcy = strings.ToUpper(strings.TrimSpace(baseCcy))
	quoteCcy = strings.ToUpper(strings.TrimSpace(quoteCcy))

	code := baseCcy + quoteCcy
	invert := false
	if baseCcy == "USD" && quoteCcy == "EUR" {
		code = "EURUSD"
		invert = true
	}

	raw, err := e.fetch(ctx, code+forexSuffix)
	if err != nil {
		return base.Rate{}, err
	}

	price, err := parsePrice(raw)
	if err != nil {
		return base.Rate{}, err
	}
	if invert {
		if price == 0 {
			return base.Rate{}, base.ErrRateUnavailable
		}
		price = 1 / price
	}

	return base.Rate{
		Base:      baseCcy,
		Quote:     quoteCcy,
		Rate:      price,
		Source:    e.Name(),
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (e *EODHD) fetch(ctx context.Context, ticker string) (json.RawMessage, error) {
	v := url.Values{}
	v.Set("api_token", e.APIKey)
	v.Set("fmt", "json")
	path := fmt.Sprintf("%s/%s/%s?%s", e.Endpoint, realTimeEndpoint, ticker, v.Encode())

	out, err := e.breaker.Execute(func() (any, error) {
		var raw json.RawMessage
		var status int
		err := e.requester.SendPayload(ctx, func() (*request.Item, error) {
			return &request.Item{
				Method:         http.MethodGet,
				Path:           path,
				Result:         &raw,
				StatusResponse: &status,
				Verbose:        e.Verbose,
			}, nil
		})
		// Unknown tickers answer 404 with a non-JSON body; classify on the
		// status before surfacing any decode error.
		switch status {
		case http.StatusOK:
			if err != nil {
				return nil, err
			}
			return raw, nil
		case http.StatusNotFound:
			return nil, base.ErrRateUnavailable
		case 0:
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %d", errUnexpectedStatus, status)
		}
	})
	if err != nil {
		return nil, err
	}
	raw, ok := out.(json.RawMessage)
	if !ok {
		return nil, base.ErrRateUnavailable
	}
	return raw, nil
}

// parsePrice pulls the current value out of a real-time payload, tolerating
// the provider's field-name variants. Unknown tickers answer with "NA"
// strings which fail float extraction and map to ErrRateUnavailable.
func parsePrice(raw []byte) (float64, error) {
	for _, field := range priceFields {
		price, err := jsonparser.GetFloat(raw, field)
		if err == nil && price > 0 {
			return price, nil
		}
	}
	return 0, base.ErrRateUnavailable
}
