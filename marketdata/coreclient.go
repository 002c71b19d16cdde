package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/h8man13/h8man-finance-sub000/common/request"
	"github.com/h8man13/h8man-finance-sub000/envelope"
)

var errCoreServiceDown = errors.New("portfolio core unavailable")

// TelegramUser is the subset of WebApp init data worth keeping.
type TelegramUser struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

// UserUpserter persists an authenticated user.
type UserUpserter interface {
	UpsertUser(ctx context.Context, u TelegramUser) error
}

// CoreClient talks to the portfolio core. The core upserts user context
// carried on any call, so the upsert rides a cheap read.
type CoreClient struct {
	endpoint  string
	requester *request.Requester
}

// NewCoreClient returns a client for the portfolio core at endpoint.
func NewCoreClient(endpoint string, timeout time.Duration) *CoreClient {
	return &CoreClient{
		endpoint: endpoint,
		requester: request.New("portfolio-core-client",
			&http.Client{Timeout: timeout}),
	}
}

// UpsertUser registers u with the portfolio core.
func (c *CoreClient) UpsertUser(ctx context.Context, u TelegramUser) error {
	values := url.Values{}
	values.Set("user_id", strconv.FormatInt(u.ID, 10))
	if u.FirstName != "" {
		values.Set("first_name", u.FirstName)
	}
	if u.LastName != "" {
		values.Set("last_name", u.LastName)
	}
	if u.Username != "" {
		values.Set("username", u.Username)
	}
	if u.LanguageCode != "" {
		values.Set("language_code", u.LanguageCode)
	}

	var env envelope.Envelope
	var status int
	err := c.requester.SendPayload(ctx, func() (*request.Item, error) {
		return &request.Item{
			Method:         http.MethodGet,
			Path:           c.endpoint + "/portfolio?" + values.Encode(),
			Result:         &env,
			StatusResponse: &status,
		}, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", errCoreServiceDown, err)
	}
	if !env.OK {
		return fmt.Errorf("%w: %s", errCoreServiceDown, env.ErrCode())
	}
	return nil
}
