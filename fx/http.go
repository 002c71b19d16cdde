package fx

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/h8man13/h8man-finance-sub000/common/webserver"
	"github.com/h8man13/h8man-finance-sub000/envelope"
)

const serviceName = "fx"

// Routes returns the service route table.
func (s *Service) Routes() []webserver.Route {
	return []webserver.Route{
		{Name: "GetRate", Method: http.MethodGet, Pattern: "/fx", HandlerFunc: s.handleGetRate},
		{Name: "InspectCache", Method: http.MethodGet, Pattern: "/fx/cache/{key}", HandlerFunc: s.handleInspect},
	}
}

func (s *Service) handleGetRate(w http.ResponseWriter, r *http.Request) {
	pair := r.URL.Query().Get("pair")
	if pair == "" {
		s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput, "pair is required", serviceName))
		return
	}
	force := r.URL.Query().Has("force")

	entry, err := s.GetRate(r.Context(), pair, force)
	switch {
	case err == nil:
		s.writeEnvelope(w, envelope.OK(entry))
	case errors.Is(err, ErrBadPair):
		s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput, err.Error(), serviceName))
	case errors.Is(err, ErrAllProvidersFailed):
		s.writeEnvelope(w, envelope.Err(envelope.CodeUpstreamError, "no provider could resolve the pair", serviceName))
	default:
		s.log.Error().Err(err).Str("pair", pair).Msg("rate lookup failed")
		s.writeEnvelope(w, envelope.Err(envelope.CodeInternal, "rate lookup failed", serviceName))
	}
}

func (s *Service) handleInspect(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	entry, expired, err := s.Inspect(r.Context(), key)
	switch {
	case err == nil:
		s.writeEnvelope(w, envelope.OK(map[string]any{"entry": entry, "expired": expired}))
	case errors.Is(err, ErrEntryNotFound):
		s.writeEnvelope(w, envelope.Err(envelope.CodeNotFound, "no cache entry for key", serviceName))
	default:
		s.log.Error().Err(err).Str("key", key).Msg("cache inspect failed")
		s.writeEnvelope(w, envelope.Err(envelope.CodeInternal, "cache inspect failed", serviceName))
	}
}

func (s *Service) writeEnvelope(w http.ResponseWriter, env envelope.Envelope) {
	if err := envelope.Write(w, env); err != nil {
		s.log.Error().Err(err).Msg("response write failed")
	}
}
