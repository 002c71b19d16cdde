// Package telegram is a minimal Bot API client covering what the router
// needs: receiving updates by webhook or long poll and sending text replies.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/h8man13/h8man-finance-sub000/common/request"
)

// DefaultAPIHost is the production Bot API endpoint.
const DefaultAPIHost = "https://api.telegram.org"

// SecretHeader carries the webhook secret Telegram echoes back on every
// delivery.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// maxMessageLength is the Bot API limit for one sendMessage call.
const maxMessageLength = 4096

var (
	// ErrBadUpdate is returned for webhook bodies that do not decode.
	ErrBadUpdate = errors.New("malformed update payload")

	errAPIRefused = errors.New("telegram api refused the call")
)

// User identifies a Telegram account.
type User struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Username     string `json:"username"`
	LanguageCode string `json:"language_code"`
}

// Chat identifies the conversation an update belongs to.
type Chat struct {
	ID int64 `json:"id"`
}

// Message is the message subset the router reads.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
	Caption   string `json:"caption"`
}

// Body returns the message text, falling back to a media caption.
func (m *Message) Body() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// Update is one Bot API update.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// apiResponse is the Bot API reply wrapper.
type apiResponse struct {
	Ok          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// Bot calls the Telegram Bot API for a single token.
type Bot struct {
	apiURL    string
	requester *request.Requester
}

// NewBot returns a client for token against host, normally DefaultAPIHost.
func NewBot(host, token string, timeout time.Duration) *Bot {
	return &Bot{
		apiURL: host + "/bot" + token,
		requester: request.New("telegram",
			&http.Client{Timeout: timeout},
			request.WithRetryPolicy(request.DefaultRetryPolicy)),
	}
}

// Me fetches the bot's own account, which doubles as a connectivity check.
func (b *Bot) Me(ctx context.Context) (*User, error) {
	var me User
	if err := b.call(ctx, http.MethodGet, "getMe", nil, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// Updates long-polls for updates after offset. timeoutSec is the server-side
// hold time; the HTTP client timeout must exceed it.
func (b *Bot) Updates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeoutSec))
	params.Set("allowed_updates", `["message"]`)

	var updates []Update
	if err := b.call(ctx, http.MethodGet, "getUpdates?"+params.Encode(), nil, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// Send delivers one HTML-formatted message to chatID. Oversized texts are
// cut at a rune boundary under the API limit.
func (b *Bot) Send(ctx context.Context, chatID int64, text string) error {
	if len(text) > maxMessageLength {
		cut := maxMessageLength
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	payload := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	return b.call(ctx, http.MethodPost, "sendMessage", payload, nil)
}

// SetWebhook points Telegram at url, registering secret for the
// SecretHeader echo.
func (b *Bot) SetWebhook(ctx context.Context, hookURL, secret string) error {
	payload := map[string]any{
		"url":             hookURL,
		"secret_token":    secret,
		"allowed_updates": []string{"message"},
	}
	return b.call(ctx, http.MethodPost, "setWebhook", payload, nil)
}

// DeleteWebhook switches the bot back to polling delivery.
func (b *Bot) DeleteWebhook(ctx context.Context) error {
	return b.call(ctx, http.MethodPost, "deleteWebhook", nil, nil)
}

func (b *Bot) call(ctx context.Context, method, path string, payload, out any) error {
	var resp apiResponse
	err := b.requester.SendPayload(ctx, func() (*request.Item, error) {
		item := &request.Item{
			Method: method,
			Path:   b.apiURL + "/" + path,
			Result: &resp,
		}
		if payload != nil {
			raw, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}
			item.Headers = map[string]string{"Content-Type": "application/json"}
			item.Body = bytes.NewReader(raw)
		}
		return item, nil
	})
	if err != nil {
		return err
	}
	if !resp.Ok {
		return fmt.Errorf("%w: %s", errAPIRefused, resp.Description)
	}
	if out != nil && len(resp.Result) > 0 {
		return json.Unmarshal(resp.Result, out)
	}
	return nil
}

// ParseUpdate decodes one webhook delivery.
func ParseUpdate(r io.Reader) (*Update, error) {
	var u Update
	if err := json.NewDecoder(r).Decode(&u); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadUpdate, err)
	}
	return &u, nil
}
