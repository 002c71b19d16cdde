package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/h8man13/h8man-finance-sub000/common/crypto"
)

// authMaxAge rejects init data older than a day; Telegram signs auth_date so
// a replayed blob eventually goes stale.
const authMaxAge = 24 * time.Hour

// webAppKeySeed is the fixed HMAC key Telegram derives WebApp secrets from.
const webAppKeySeed = "WebAppData"

// ErrAuthFailed is returned when init data cannot be authenticated.
var ErrAuthFailed = errors.New("telegram auth failed")

// AuthTelegram validates a WebApp init-data blob against the bot token and
// returns the embedded user. upserted reports whether the portfolio core
// accepted the user; a false return with nil error means the verification
// succeeded but the upsert did not.
func (s *Service) AuthTelegram(ctx context.Context, initData string) (*TelegramUser, bool, error) {
	user, err := s.verifyInitData(initData)
	if err != nil {
		return nil, false, err
	}

	if s.users == nil {
		return user, false, nil
	}
	if err := s.users.UpsertUser(ctx, *user); err != nil {
		s.log.Warn().Err(err).Int64("user_id", user.ID).Msg("user upsert failed after auth")
		return user, false, nil
	}
	return user, true, nil
}

func (s *Service) verifyInitData(initData string) (*TelegramUser, error) {
	if strings.TrimSpace(initData) == "" {
		return nil, fmt.Errorf("%w: empty init data", ErrAuthFailed)
	}

	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	providedHash := values.Get("hash")
	if providedHash == "" {
		return nil, fmt.Errorf("%w: missing hash", ErrAuthFailed)
	}
	values.Del("hash")

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}
	checkString := strings.Join(lines, "\n")

	secret, err := crypto.GetHMAC(crypto.HashSHA256, []byte(s.cfg.TelegramToken), []byte(webAppKeySeed))
	if err != nil {
		return nil, err
	}
	expected, err := crypto.GetHMAC(crypto.HashSHA256, []byte(checkString), secret)
	if err != nil {
		return nil, err
	}
	if !crypto.HMACEqual([]byte(crypto.HexEncodeToString(expected)), []byte(providedHash)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrAuthFailed)
	}

	if rawDate := values.Get("auth_date"); rawDate != "" {
		unix, err := strconv.ParseInt(rawDate, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad auth_date", ErrAuthFailed)
		}
		if s.now().Sub(time.Unix(unix, 0)) > authMaxAge {
			return nil, fmt.Errorf("%w: init data expired", ErrAuthFailed)
		}
	}

	rawUser := values.Get("user")
	if rawUser == "" {
		return nil, fmt.Errorf("%w: missing user", ErrAuthFailed)
	}
	var user TelegramUser
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil {
		return nil, fmt.Errorf("%w: bad user payload: %w", ErrAuthFailed, err)
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("%w: user id missing", ErrAuthFailed)
	}
	return &user, nil
}
