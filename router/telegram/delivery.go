package telegram

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// outbound is one queued reply, possibly spanning several messages.
type outbound struct {
	chatID int64
	pages  []string
}

// Sender decouples reply delivery from update handling. Replies are queued
// and a single worker sends them in order, so webhook handlers never block
// on the Bot API.
type Sender struct {
	bot     *Bot
	queue   chan outbound
	timeout time.Duration
	log     zerolog.Logger
	wg      sync.WaitGroup
	once    sync.Once
}

// NewSender returns a sender with the given queue capacity and per-message
// send timeout.
func NewSender(bot *Bot, queueSize int, timeout time.Duration, logger zerolog.Logger) *Sender {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Sender{
		bot:     bot,
		queue:   make(chan outbound, queueSize),
		timeout: timeout,
		log:     logger.With().Str("component", "sender").Logger(),
	}
}

// Start launches the delivery worker. It drains the queue until Stop.
func (s *Sender) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for out := range s.queue {
			for _, page := range out.pages {
				ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
				err := s.bot.Send(ctx, out.chatID, page)
				cancel()
				if err != nil {
					s.log.Error().Err(err).Int64("chat_id", out.chatID).Msg("send failed")
					break
				}
			}
		}
	}()
}

// Enqueue queues pages for chatID. It never blocks; when the queue is full
// the reply is dropped and false returned.
func (s *Sender) Enqueue(chatID int64, pages []string) bool {
	if len(pages) == 0 {
		return true
	}
	select {
	case s.queue <- outbound{chatID: chatID, pages: pages}:
		return true
	default:
		s.log.Warn().Int64("chat_id", chatID).Msg("outbound queue full, dropping reply")
		return false
	}
}

// Stop closes the queue and waits for in-flight sends to finish.
func (s *Sender) Stop() {
	s.once.Do(func() { close(s.queue) })
	s.wg.Wait()
}

// Poller pulls updates over long polling and hands them to a handler. It is
// the delivery path for local development where no public URL exists.
type Poller struct {
	bot        *Bot
	handler    func(context.Context, *Update)
	timeoutSec int
	log        zerolog.Logger
}

// NewPoller returns a poller delivering to handler with the given
// server-side hold time.
func NewPoller(bot *Bot, timeoutSec int, handler func(context.Context, *Update), logger zerolog.Logger) *Poller {
	if timeoutSec < 1 {
		timeoutSec = 30
	}
	return &Poller{
		bot:        bot,
		handler:    handler,
		timeoutSec: timeoutSec,
		log:        logger.With().Str("component", "poller").Logger(),
	}
}

// Run polls until ctx is canceled. Transient API failures back off briefly
// instead of tightening into a spin loop.
func (p *Poller) Run(ctx context.Context) error {
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, err := p.bot.Updates(ctx, offset, p.timeoutSec)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn().Err(err).Msg("getUpdates failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		}
		for i := range updates {
			u := &updates[i]
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			p.handler(ctx, u)
		}
	}
}
