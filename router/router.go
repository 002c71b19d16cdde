// Package router is the chat front door: it receives Telegram updates,
// resolves them against the command registry, walks the per-chat session
// state machine and forwards complete commands to the backend services.
package router

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/h8man13/h8man-finance-sub000/common/lock"
	"github.com/h8man13/h8man-finance-sub000/config"
	"github.com/h8man13/h8man-finance-sub000/envelope"
	"github.com/h8man13/h8man-finance-sub000/router/dispatch"
	"github.com/h8man13/h8man-finance-sub000/router/parser"
	"github.com/h8man13/h8man-finance-sub000/router/registry"
	"github.com/h8man13/h8man-finance-sub000/router/screens"
	"github.com/h8man13/h8man-finance-sub000/router/session"
	"github.com/h8man13/h8man-finance-sub000/router/telegram"
)

const serviceName = "router"

// Dispatcher forwards a validated command to its backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd *registry.Command, values map[string]any, user *dispatch.User) envelope.Envelope
}

// Outbox queues reply pages for delivery.
type Outbox interface {
	Enqueue(chatID int64, pages []string) bool
}

// Service owns the update pipeline. Chats are independent; work for one
// chat is serialized under a per-chat lock so replies keep message order.
type Service struct {
	cfg      *config.Router
	reg      *registry.Registry
	sessions *session.Store
	seen     *session.UpdateFilter
	disp     Dispatcher
	out      Outbox
	locks    *lock.Keyed[int64]
	owners   map[int64]bool
	log      zerolog.Logger
}

// NewService wires the update pipeline.
func NewService(cfg *config.Router, reg *registry.Registry, sessions *session.Store,
	seen *session.UpdateFilter, disp Dispatcher, out Outbox, logger zerolog.Logger,
) *Service {
	owners := make(map[int64]bool, len(cfg.OwnerIDs))
	for _, id := range cfg.OwnerIDs {
		owners[id] = true
	}
	return &Service{
		cfg:      cfg,
		reg:      reg,
		sessions: sessions,
		seen:     seen,
		disp:     disp,
		out:      out,
		locks:    lock.NewKeyed[int64](),
		owners:   owners,
		log:      logger.With().Str("service", serviceName).Logger(),
	}
}

// OnUpdate processes one Telegram update end to end: duplicate filtering,
// ownership check, session state machine, dispatch and reply enqueue.
func (s *Service) OnUpdate(ctx context.Context, u *telegram.Update) {
	if u == nil || u.Message == nil || strings.TrimSpace(u.Message.Body()) == "" {
		updatesTotal.WithLabelValues("ignored").Inc()
		return
	}
	chatID := u.Message.Chat.ID

	seen, err := s.seen.Seen(ctx, chatID, u.UpdateID)
	if err != nil {
		s.log.Error().Err(err).Int64("chat_id", chatID).Msg("duplicate check failed")
	} else if seen {
		updatesTotal.WithLabelValues("duplicate").Inc()
		return
	}

	if !s.authorized(u.Message.From) {
		updatesTotal.WithLabelValues("unauthorized").Inc()
		s.reply(chatID, screens.NotAuthorized())
		return
	}

	unlock := s.locks.Lock(chatID)
	defer unlock()

	pages := s.handleText(ctx, chatID, chatUser(u.Message.From), strings.TrimSpace(u.Message.Body()))
	updatesTotal.WithLabelValues("handled").Inc()
	s.reply(chatID, pages)
}

func (s *Service) reply(chatID int64, pages []string) {
	if len(pages) == 0 {
		return
	}
	if !s.out.Enqueue(chatID, pages) {
		repliesDropped.Inc()
	}
}

func (s *Service) authorized(from *telegram.User) bool {
	if len(s.owners) == 0 {
		return true
	}
	return from != nil && s.owners[from.ID]
}

func chatUser(from *telegram.User) *dispatch.User {
	if from == nil {
		return nil
	}
	return &dispatch.User{
		ID:           from.ID,
		FirstName:    from.FirstName,
		LastName:     from.LastName,
		Username:     from.Username,
		LanguageCode: from.LanguageCode,
	}
}

// handleText routes one message through the session state machine and
// returns the reply pages.
func (s *Service) handleText(ctx context.Context, chatID int64, from *dispatch.User, text string) []string {
	sess, err := s.sessions.Get(ctx, chatID)
	if err != nil {
		s.log.Error().Err(err).Int64("chat_id", chatID).Msg("session load failed")
		sess = nil
	}

	if strings.HasPrefix(text, "/") {
		return s.handleCommand(ctx, chatID, from, text, sess)
	}
	return s.handleFreeText(ctx, chatID, from, text, sess)
}

func (s *Service) handleCommand(ctx context.Context, chatID int64, from *dispatch.User, text string, sess *session.Session) []string {
	tokens := parser.Tokenize(text)
	cmd := s.reg.Resolve(tokens[0])
	if cmd == nil {
		return screens.Unknown()
	}

	// Local commands answer immediately and drop whatever was pending.
	if cmd.Local() {
		s.clearSession(ctx, chatID)
		switch cmd.Name {
		case "help":
			return screens.Help(s.reg.Commands())
		case "cancel":
			return screens.Canceled()
		default:
			return screens.Unknown()
		}
	}

	if session.ShouldClear(sess, cmd.Name) {
		s.clearSession(ctx, chatID)
	}
	// A fresh command always starts from a clean argument set, even when it
	// interrupts a prompt for another command.
	return s.runCommand(ctx, chatID, from, cmd, tokens[1:], nil, true)
}

func (s *Service) handleFreeText(ctx context.Context, chatID int64, from *dispatch.User, text string, sess *session.Session) []string {
	if sess == nil {
		return screens.Unknown()
	}

	switch sess.State {
	case session.StateConfirming:
		return s.handleConfirmReply(ctx, chatID, from, text, sess)
	case session.StatePrompting:
		cmd := s.reg.Resolve(sess.Cmd)
		if cmd == nil {
			s.clearSession(ctx, chatID)
			return screens.Unknown()
		}
		return s.runCommand(ctx, chatID, from, cmd, parser.Tokenize(text), sess.Got, false)
	case session.StateStickyReady:
		cmd := s.reg.Resolve(sess.Cmd)
		if cmd == nil {
			s.clearSession(ctx, chatID)
			return screens.Unknown()
		}
		// Each sticky round starts a fresh argument set.
		return s.runCommand(ctx, chatID, from, cmd, parser.Tokenize(text), nil, false)
	default:
		return screens.Unknown()
	}
}

// runCommand validates tokens against the command schema, prompting for
// anything missing, staging a confirmation for destructive commands, and
// executing once the argument set is complete.
func (s *Service) runCommand(ctx context.Context, chatID int64, from *dispatch.User, cmd *registry.Command,
	tokens []string, prior map[string]any, oneShot bool,
) []string {
	values, missing, errMsg := parser.Validate(cmd, tokens, prior)
	if errMsg != "" {
		return screens.Invalid(cmd, errMsg)
	}
	if len(missing) > 0 {
		s.putSession(ctx, &session.Session{
			ChatID:  chatID,
			Cmd:     cmd.Name,
			State:   session.StatePrompting,
			Got:     values,
			Missing: missing,
		})
		return s.promptPages(ctx, from, cmd, missing)
	}

	if cmd.Confirm {
		summary := confirmSummary(cmd, values)
		s.putSession(ctx, &session.Session{
			ChatID: chatID,
			Cmd:    cmd.Name,
			State:  session.StateConfirming,
			Got:    values,
			Confirm: &session.Confirm{
				Cmd:     cmd.Name,
				Args:    values,
				Summary: summary,
			},
		})
		return screens.ConfirmPrompt(summary)
	}

	return s.execute(ctx, chatID, from, cmd, values, oneShot)
}

func (s *Service) handleConfirmReply(ctx context.Context, chatID int64, from *dispatch.User, text string, sess *session.Session) []string {
	if sess.Confirm == nil {
		s.clearSession(ctx, chatID)
		return screens.Unknown()
	}
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "y", "yes":
		cmd := s.reg.Resolve(sess.Confirm.Cmd)
		s.clearSession(ctx, chatID)
		if cmd == nil {
			return screens.Unknown()
		}
		return s.execute(ctx, chatID, from, cmd, sess.Confirm.Args, true)
	case "n", "no":
		s.clearSession(ctx, chatID)
		return screens.Canceled()
	default:
		return screens.ConfirmPrompt(sess.Confirm.Summary)
	}
}

func (s *Service) putSession(ctx context.Context, sess *session.Session) {
	if err := s.sessions.Put(ctx, sess); err != nil {
		s.log.Error().Err(err).Int64("chat_id", sess.ChatID).Msg("session write failed")
	}
}

func (s *Service) clearSession(ctx context.Context, chatID int64) {
	if err := s.sessions.Clear(ctx, chatID); err != nil {
		s.log.Error().Err(err).Int64("chat_id", chatID).Msg("session clear failed")
	}
}

// finishSession decides what survives after a dispatch round. Sticky
// commands stay armed for the next bare message; everything else returns
// the chat to idle. A fully successful one-shot /price is the exception
// and clears immediately.
func (s *Service) finishSession(ctx context.Context, chatID int64, cmd *registry.Command, env *envelope.Envelope, oneShot bool) {
	if !s.sessions.IsSticky(cmd.Name) {
		s.clearSession(ctx, chatID)
		return
	}
	if cmd.Name == "price" && oneShot && env.OK && !env.Partial {
		s.clearSession(ctx, chatID)
		return
	}
	s.putSession(ctx, &session.Session{
		ChatID: chatID,
		Cmd:    cmd.Name,
		State:  session.StateStickyReady,
	})
}
