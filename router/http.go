package router

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/h8man13/h8man-finance-sub000/common/webserver"
	"github.com/h8man13/h8man-finance-sub000/router/telegram"
)

// Routes returns the router's HTTP surface: the Telegram webhook receiver.
func (s *Service) Routes() []webserver.Route {
	return []webserver.Route{
		{Name: "TelegramWebhook", Method: http.MethodPost, Pattern: "/telegram/webhook", HandlerFunc: s.handleWebhook},
	}
}

// handleWebhook accepts one update per request. Telegram resends anything
// not answered 200, so unparseable payloads are acknowledged and dropped
// rather than bounced back into the retry loop.
func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebhookSecret != "" {
		got := r.Header.Get(telegram.SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.WebhookSecret)) != 1 {
			updatesTotal.WithLabelValues("forbidden").Inc()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	upd, err := telegram.ParseUpdate(r.Body)
	if err != nil {
		s.log.Warn().Err(err).Msg("webhook payload rejected")
		w.WriteHeader(http.StatusOK)
		return
	}

	// Handling can take several upstream round trips, longer than Telegram
	// waits before resending. Acknowledge first, process detached.
	go s.OnUpdate(context.WithoutCancel(r.Context()), upd)

	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // ack reply best effort
	w.Write([]byte(`{"ok":true}`))
}
