package marketdata

import (
	"errors"
	"io"
	"net/http"

	"github.com/h8man13/h8man-finance-sub000/common/webserver"
	"github.com/h8man13/h8man-finance-sub000/envelope"
	"github.com/h8man13/h8man-finance-sub000/symbol"
)

const serviceName = "market_data"

// maxInitDataBytes bounds the /auth/telegram request body.
const maxInitDataBytes = 8 << 10

// Routes returns the service route table.
func (s *Service) Routes() []webserver.Route {
	return []webserver.Route{
		{Name: "Quote", Method: http.MethodGet, Pattern: "/quote", HandlerFunc: s.handleQuote},
		{Name: "Benchmarks", Method: http.MethodGet, Pattern: "/benchmarks", HandlerFunc: s.handleBenchmarks},
		{Name: "Meta", Method: http.MethodGet, Pattern: "/meta", HandlerFunc: s.handleMeta},
		{Name: "AuthTelegram", Method: http.MethodPost, Pattern: "/auth/telegram", HandlerFunc: s.handleAuthTelegram},
	}
}

func (s *Service) handleQuote(w http.ResponseWriter, r *http.Request) {
	symbols := symbol.SplitList(r.URL.Query().Get("symbols"))

	result, err := s.Quotes(r.Context(), symbols)
	if err != nil {
		s.writeEnvelope(w, s.classifyError(err, "quote fetch failed"))
		return
	}
	s.writeEnvelope(w, partialEnvelope(result, result.Failed))
}

func (s *Service) handleBenchmarks(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	symbols := symbol.SplitList(r.URL.Query().Get("symbols"))

	result, err := s.Benchmarks(r.Context(), period, symbols)
	if err != nil {
		s.writeEnvelope(w, s.classifyError(err, "benchmark fetch failed"))
		return
	}
	s.writeEnvelope(w, partialEnvelope(result, result.Failed))
}

func (s *Service) handleMeta(w http.ResponseWriter, r *http.Request) {
	result, err := s.Meta(r.Context(), r.URL.Query().Get("symbol"))
	if err != nil {
		s.writeEnvelope(w, s.classifyError(err, "meta lookup failed"))
		return
	}
	s.writeEnvelope(w, envelope.OK(result))
}

func (s *Service) handleAuthTelegram(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInitDataBytes))
	if err != nil {
		s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput, "unreadable request body", serviceName))
		return
	}

	user, upserted, err := s.AuthTelegram(r.Context(), string(body))
	switch {
	case err == nil && upserted:
		s.writeEnvelope(w, envelope.OK(map[string]any{"user": user}))
	case err == nil:
		s.writeEnvelope(w, envelope.PartialOK(map[string]any{"user": user}, &envelope.ErrorBody{
			Code:      envelope.CodeUpstreamError,
			Message:   "user verified but not persisted",
			Source:    serviceName,
			Retriable: true,
		}))
	case errors.Is(err, ErrAuthFailed):
		s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput, err.Error(), serviceName))
	default:
		s.log.Error().Err(err).Msg("auth verification failed")
		s.writeEnvelope(w, envelope.Err(envelope.CodeInternal, "auth verification failed", serviceName))
	}
}

// classifyError maps operation errors onto envelope codes.
func (s *Service) classifyError(err error, fallback string) envelope.Envelope {
	switch {
	case errors.Is(err, ErrNoSymbols), errors.Is(err, ErrTooManySymbols), errors.Is(err, ErrBadPeriod):
		return envelope.Err(envelope.CodeBadInput, err.Error(), serviceName)
	case errors.Is(err, ErrUpstreamFailed):
		return envelope.Err(envelope.CodeUpstreamError, err.Error(), serviceName)
	default:
		s.log.Error().Err(err).Msg(fallback)
		return envelope.Err(envelope.CodeInternal, fallback, serviceName)
	}
}

// partialEnvelope wraps a result, downgrading to partial success when some
// symbols failed to resolve.
func partialEnvelope(data any, failed []string) envelope.Envelope {
	if len(failed) == 0 {
		return envelope.OK(data)
	}
	return envelope.PartialOK(data, &envelope.ErrorBody{
		Code:      envelope.CodeUpstreamError,
		Message:   "some symbols could not be resolved",
		Source:    serviceName,
		Retriable: true,
		Details:   map[string]any{"symbols_failed": failed},
	})
}

func (s *Service) writeEnvelope(w http.ResponseWriter, env envelope.Envelope) {
	if err := envelope.Write(w, env); err != nil {
		s.log.Error().Err(err).Msg("response write failed")
	}
}
