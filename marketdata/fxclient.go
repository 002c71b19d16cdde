package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/h8man13/h8man-finance-sub000/common/request"
	"github.com/h8man13/h8man-finance-sub000/envelope"
)

var errFXServiceDown = errors.New("fx service unavailable")

// FXClient resolves conversion rates through the fx service. Only the
// USD_EUR pair is needed here; anything richer goes through the fx HTTP
// surface directly.
type FXClient struct {
	endpoint  string
	requester *request.Requester
}

// NewFXClient returns a client for the fx service at endpoint.
func NewFXClient(endpoint string, timeout time.Duration) *FXClient {
	return &FXClient{
		endpoint: endpoint,
		requester: request.New("fx-client",
			&http.Client{Timeout: timeout}),
	}
}

// USDEUR returns the current USD to EUR rate.
func (c *FXClient) USDEUR(ctx context.Context) (float64, error) {
	values := url.Values{}
	values.Set("pair", "USD_EUR")

	var env envelope.Envelope
	var status int
	err := c.requester.SendPayload(ctx, func() (*request.Item, error) {
		return &request.Item{
			Method:         http.MethodGet,
			Path:           c.endpoint + "/fx?" + values.Encode(),
			Result:         &env,
			StatusResponse: &status,
		}, nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errFXServiceDown, err)
	}
	if !env.OK {
		return 0, fmt.Errorf("%w: %s", errFXServiceDown, env.ErrCode())
	}

	var payload struct {
		Rate float64 `json:"rate"`
	}
	if err := env.DecodeData(&payload); err != nil {
		return 0, fmt.Errorf("%w: %w", errFXServiceDown, err)
	}
	if payload.Rate <= 0 {
		return 0, fmt.Errorf("%w: non-positive rate", errFXServiceDown)
	}
	return payload.Rate, nil
}
