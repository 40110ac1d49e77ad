// Package notifier pushes notable workflow events to a Telegram chat so the
// operator hears about bookings and breakdowns without watching the screen.
package notifier

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"anembot/internal/config"
	"anembot/internal/eventbus"
	"anembot/internal/member"

	logx "anembot/pkg/logx"
)

// sender is the telebot surface we use; narrowed for tests.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Service consumes the event bus and forwards the notable subset (booking
// made, member turned ineligible, breaker tripped, connection lost or
// restored) to one chat, rate-limited.
type Service struct {
	bot     sender
	chat    tele.ChatID
	bus     eventbus.Bus
	roster  *member.Roster
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg config.NotifierConfig, bus eventbus.Bus, roster *member.Roster, log logx.Logger) (*Service, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: nil,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram notifier: %w", err)
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 1
	}
	return &Service{
		bot:     bot,
		chat:    tele.ChatID(cfg.ChatID),
		bus:     bus,
		roster:  roster,
		limiter: rate.NewLimiter(rate.Limit(perSec), 1),
		log:     log,
	}, nil
}

// Run blocks consuming the bus until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	ch, unsub := s.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if msg := s.render(ev); msg != "" {
				s.send(ctx, msg)
			}
		}
	}
}

// render maps an event to a message, or "" for events we don't forward.
func (s *Service) render(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.TypeMemberUpdate:
		mu, ok := ev.Data.(eventbus.MemberUpdate)
		if !ok {
			return ""
		}
		switch member.Status(mu.Status) {
		case member.StatusBooked:
			return fmt.Sprintf("✅ %s: %s", s.memberName(mu.Index), mu.Detail)
		case member.StatusCompleted:
			return fmt.Sprintf("📄 %s: all certificates downloaded", s.memberName(mu.Index))
		case member.StatusIneligible:
			return fmt.Sprintf("🚫 %s: not eligible for the allocation", s.memberName(mu.Index))
		case member.StatusFailedRepeatedly:
			return fmt.Sprintf("⚠️ %s: %s", s.memberName(mu.Index), mu.Detail)
		}
	case eventbus.TypeConnection:
		cs, ok := ev.Data.(eventbus.ConnectionState)
		if !ok {
			return ""
		}
		if cs.Up {
			return "🔌 connection to the service restored"
		}
		return "🔌 connection to the service lost; monitoring paused"
	}
	return ""
}

func (s *Service) memberName(index int) string {
	if m := s.roster.Get(index); m != nil {
		if name := m.DisplayName(); name != "" {
			return name
		}
		return m.WassitNumber
	}
	return fmt.Sprintf("member #%d", index+1)
}

func (s *Service) send(ctx context.Context, text string) {
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.limiter.Wait(wctx); err != nil {
		return
	}
	if _, err := s.bot.Send(s.chat, text); err != nil && !s.log.IsZero() {
		s.log.Warn("telegram send failed", logx.Err(err))
	}
}
