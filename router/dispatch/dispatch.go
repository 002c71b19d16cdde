// Package dispatch forwards validated commands to the backend services and
// returns their envelopes untouched, so error codes and partial flags reach
// the rendering layer exactly as the backend produced them.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"

	"github.com/h8man13/h8man-finance-sub000/common/request"
	"github.com/h8man13/h8man-finance-sub000/envelope"
	"github.com/h8man13/h8man-finance-sub000/router/registry"
)

// Service names a command's dispatch block may refer to.
const (
	ServiceMarketData    = "market_data"
	ServicePortfolioCore = "portfolio_core"
	ServiceFX            = "fx"
)

// User is the chat identity forwarded to the portfolio core, which upserts
// the user on every call.
type User struct {
	ID           int64
	FirstName    string
	LastName     string
	Username     string
	LanguageCode string
}

// FXPromptData marks an fx command that arrived without a currency pair.
// The router answers it locally instead of calling the fx service.
type FXPromptData struct {
	FXPrompt bool `json:"fx_prompt"`
}

// Endpoints holds the base URLs of the backend services.
type Endpoints struct {
	MarketData    string
	PortfolioCore string
	FX            string
}

// Dispatcher sends commands to their backend. GETs are retried with linear
// backoff; POSTs are sent once and rely on op_id idempotency in the core.
type Dispatcher struct {
	endpoints map[string]string
	requester *request.Requester
	newOpID   func() string
	log       zerolog.Logger
}

// New returns a dispatcher for the given service endpoints. retries bounds
// the extra attempts for GET calls.
func New(e Endpoints, timeout time.Duration, retries int, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		endpoints: map[string]string{
			ServiceMarketData:    strings.TrimRight(e.MarketData, "/"),
			ServicePortfolioCore: strings.TrimRight(e.PortfolioCore, "/"),
			ServiceFX:            strings.TrimRight(e.FX, "/"),
		},
		requester: request.New("router-dispatch",
			&http.Client{Timeout: timeout},
			request.WithRetryPolicy(request.ServiceRetryPolicy),
			request.WithMaxRetries(retries)),
		newOpID: func() string { return uuid.Must(uuid.NewV4()).String() },
		log:     logger.With().Str("component", "dispatch").Logger(),
	}
}

// Dispatch sends the command's arguments to its backend and returns the
// backend envelope verbatim. Transport failures become retriable
// UPSTREAM_ERROR envelopes attributed to the target service.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *registry.Command, values map[string]any, user *User) envelope.Envelope {
	if cmd.Dispatch == nil {
		return envelope.Err(envelope.CodeInternal, "command has no backend", "router")
	}
	base, ok := d.endpoints[cmd.Dispatch.Service]
	if !ok || base == "" {
		return envelope.Err(envelope.CodeInternal, "unknown service "+cmd.Dispatch.Service, "router")
	}

	if cmd.Dispatch.Service == ServiceFX && missingPair(cmd, values) {
		return envelope.OK(FXPromptData{FXPrompt: true})
	}

	var (
		env    envelope.Envelope
		status int
		item   *request.Item
		err    error
	)
	switch cmd.Dispatch.Method {
	case http.MethodGet:
		item, err = d.getItem(base, cmd, values, user, &env, &status)
	case http.MethodPost:
		item, err = d.postItem(base, cmd, values, user, &env, &status)
	default:
		return envelope.Err(envelope.CodeInternal, "unsupported method "+cmd.Dispatch.Method, "router")
	}
	if err != nil {
		return envelope.Err(envelope.CodeInternal, err.Error(), "router")
	}

	if err := d.requester.SendPayload(ctx, func() (*request.Item, error) { return item, nil }); err != nil {
		d.log.Warn().Err(err).
			Str("service", cmd.Dispatch.Service).
			Str("path", cmd.Dispatch.Path).
			Msg("backend call failed")
		return envelope.Err(envelope.CodeUpstreamError, "service unavailable, try again", cmd.Dispatch.Service)
	}
	if env.OK || env.Error != nil {
		return env
	}
	// Decoded to an empty envelope: the backend answered with something
	// other than the shared envelope shape.
	d.log.Error().Int("status", status).
		Str("service", cmd.Dispatch.Service).
		Msg("backend returned a non-envelope body")
	return envelope.Err(envelope.CodeUpstreamError, "unexpected backend response", cmd.Dispatch.Service)
}

func (d *Dispatcher) getItem(base string, cmd *registry.Command, values map[string]any, user *User, env *envelope.Envelope, status *int) (*request.Item, error) {
	query := url.Values{}
	if cmd.Dispatch.Service == ServicePortfolioCore && user != nil {
		addUserContext(query, user)
	}
	if cmd.Dispatch.Service == ServiceFX && cmd.Dispatch.Path == "/fx" {
		// The fx service takes a single pair parameter. Euro-dollar always
		// goes out as USD_EUR, the direction the provider chain quotes; the
		// handler flips the answer back when the user asked the other way.
		b, _ := values["base"].(string)
		q, _ := values["quote"].(string)
		query.Set("pair", canonicalPair(strings.ToUpper(b), strings.ToUpper(q)))
	} else {
		for i := range cmd.Args {
			arg := &cmd.Args[i]
			v, ok := values[arg.Name]
			if !ok {
				continue
			}
			name := targetName(cmd, arg.Name)
			switch tv := v.(type) {
			case []string:
				query.Set(name, strings.Join(tv, ","))
			case string:
				query.Set(name, tv)
			default:
				query.Set(name, stringify(tv))
			}
		}
	}
	path := base + cmd.Dispatch.Path
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	return &request.Item{
		Method:         http.MethodGet,
		Path:           path,
		Result:         env,
		StatusResponse: status,
	}, nil
}

func (d *Dispatcher) postItem(base string, cmd *registry.Command, values map[string]any, user *User, env *envelope.Envelope, status *int) (*request.Item, error) {
	body := make(map[string]any, len(cmd.Args)+1)
	for i := range cmd.Args {
		arg := &cmd.Args[i]
		v, ok := values[arg.Name]
		if !ok {
			continue
		}
		body[targetName(cmd, arg.Name)] = wireValue(arg, v)
	}
	if _, ok := body["op_id"]; !ok {
		body["op_id"] = d.newOpID()
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	if cmd.Dispatch.Service == ServicePortfolioCore && user != nil {
		addUserContext(query, user)
	}
	path := base + cmd.Dispatch.Path
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	return &request.Item{
		Method:         http.MethodPost,
		Path:           path,
		Headers:        map[string]string{"Content-Type": "application/json"},
		Body:           bytes.NewReader(raw),
		Result:         env,
		StatusResponse: status,
	}, nil
}

// wireValue converts a normalized string value to the JSON type the schema
// declares, so numbers travel as numbers even though the parser keeps them
// as strings.
func wireValue(arg *registry.Arg, v any) any {
	switch tv := v.(type) {
	case []string:
		return strings.Join(tv, " ")
	case string:
		switch arg.Type {
		case registry.TypeNumber, registry.TypeInteger, registry.TypePercent:
			return json.Number(tv)
		default:
			return tv
		}
	default:
		return v
	}
}

func targetName(cmd *registry.Command, src string) string {
	if len(cmd.Dispatch.ArgsMap) == 0 {
		return src
	}
	if dst, ok := cmd.Dispatch.ArgsMap[src]; ok && dst != "" {
		return dst
	}
	return src
}

func missingPair(cmd *registry.Command, values map[string]any) bool {
	if cmd.Dispatch.Path != "/fx" {
		return false
	}
	_, base := values["base"]
	_, quote := values["quote"]
	return !base || !quote
}

// canonicalPair joins uppercased legs into BASE_QUOTE, rewriting EUR_USD to
// USD_EUR so the lookup hits the pair the providers quote directly.
func canonicalPair(baseCcy, quoteCcy string) string {
	if baseCcy == "EUR" && quoteCcy == "USD" {
		baseCcy, quoteCcy = quoteCcy, baseCcy
	}
	return baseCcy + "_" + quoteCcy
}

func addUserContext(query url.Values, user *User) {
	query.Set("user_id", strconv.FormatInt(user.ID, 10))
	if user.FirstName != "" {
		query.Set("first_name", user.FirstName)
	}
	if user.LastName != "" {
		query.Set("last_name", user.LastName)
	}
	if user.Username != "" {
		query.Set("username", user.Username)
	}
	if user.LanguageCode != "" {
		query.Set("language_code", user.LanguageCode)
	}
}

func stringify(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.Trim(string(raw), `"`)
}
