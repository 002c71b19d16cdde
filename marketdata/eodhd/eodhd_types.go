package eodhd

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/h8man13/h8man-finance-sub000/common/request"
)

const (
	defaultAPIEndpoint = "https://eodhd.com/api"
	defaultTimeout     = 8 * time.Second

	realTimeEndpoint = "real-time"
	historyEndpoint  = "eod"

	// cryptoSuffix is appended to X-USD pairs for upstream requests and
	// stripped again from responses.
	cryptoSuffix = ".CC"
)

var (
	// ErrNoQuote is returned when a symbol answered without a usable price.
	ErrNoQuote = errors.New("no quote for symbol")

	// ErrNoHistory is returned when a symbol has no bars in the window.
	ErrNoHistory = errors.New("no history for symbol")

	errUnexpectedStatus = errors.New("unexpected response status")
	errEmptySymbolList  = errors.New("empty symbol list")
)

// Client talks to the EODHD HTTP API.
type Client struct {
	name      string
	apiKey    string
	endpoint  string
	verbose   bool
	requester *request.Requester
	breaker   *gobreaker.CircuitBreaker
}

// Quote is one real-time price answer, field names already coerced from the
// provider's variants.
type Quote struct {
	Symbol        string
	Price         float64
	Open          float64
	PreviousClose float64
	Timestamp     time.Time
	Currency      string
	EOD           bool
	Delayed       bool
}

// Bar is one end-of-day history row.
type Bar struct {
	Date          string  `json:"date"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	AdjustedClose float64 `json:"adjusted_close"`
	Volume        int64   `json:"volume"`
}

// Value returns the series value of the bar, preferring the adjusted close.
func (b *Bar) Value() float64 {
	if b.AdjustedClose != 0 {
		return b.AdjustedClose
	}
	return b.Close
}

// Day parses the bar date in the given location.
func (b *Bar) Day(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", b.Date, loc)
}
