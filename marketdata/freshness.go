package marketdata

import (
	"sync"
	"time"
)

// Freshness labels and notes attached to every outbound quote.
const (
	FreshnessLive          = "Live"
	FreshnessPreviousClose = "Previous close"

	NoteRegularSession = "During regular session"
	NoteEndOfDay       = "End of day price"
	NoteLastTradingDay = "Last trading day"
)

// sessionSpec is the local session start of an exchange.
type sessionSpec struct {
	tz       string
	openHour int
	openMin  int
}

// sessions maps symbol market codes to their session starts. Crypto trades
// around the clock so its session opens at local midnight. Unknown markets
// fall back to US hours.
var sessions = map[string]sessionSpec{
	"US":    {"America/New_York", 9, 30},
	"XETRA": {"Europe/Berlin", 9, 0},
	"DE":    {"Europe/Berlin", 9, 0},
	"F":     {"Europe/Berlin", 9, 0},
	"LSE":   {"Europe/London", 8, 0},
	"L":     {"Europe/London", 8, 0},
	"SIX":   {"Europe/Zurich", 9, 0},
	"SW":    {"Europe/Zurich", 9, 0},
	"PAR":   {"Europe/Paris", 9, 0},
	"PA":    {"Europe/Paris", 9, 0},
	"AMS":   {"Europe/Amsterdam", 9, 0},
	"AS":    {"Europe/Amsterdam", 9, 0},
	"CC":    {"UTC", 0, 0},
}

var (
	locMu   sync.Mutex
	locByTZ = map[string]*time.Location{}
)

func exchangeLocation(tz string) *time.Location {
	locMu.Lock()
	defer locMu.Unlock()
	if loc, ok := locByTZ[tz]; ok {
		return loc
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	locByTZ[tz] = loc
	return loc
}

// classifyFreshness labels a quote. Upstream eod/delayed flags win; otherwise
// a quote stamped today in the exchange's zone counts as live once the local
// wall clock has passed the session start.
func classifyFreshness(market string, quoteTS time.Time, eod, delayed bool, now time.Time) (label, note string) {
	if eod || delayed {
		return FreshnessPreviousClose, NoteEndOfDay
	}

	spec, ok := sessions[market]
	if !ok {
		spec = sessions["US"]
	}
	loc := exchangeLocation(spec.tz)

	localNow := now.In(loc)
	localQuote := quoteTS.In(loc)

	sameDay := !quoteTS.IsZero() &&
		localQuote.Year() == localNow.Year() &&
		localQuote.YearDay() == localNow.YearDay()

	sessionStart := time.Date(localNow.Year(), localNow.Month(), localNow.Day(),
		spec.openHour, spec.openMin, 0, 0, loc)

	if sameDay && !localNow.Before(sessionStart) {
		return FreshnessLive, NoteRegularSession
	}
	return FreshnessPreviousClose, NoteLastTradingDay
}
