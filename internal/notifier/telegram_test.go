package notifier

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"anembot/internal/eventbus"
	"anembot/internal/member"

	logx "anembot/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := what.(string); ok {
		f.sent = append(f.sent, s)
	}
	return &tele.Message{}, nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func testService(roster *member.Roster, bus eventbus.Bus) (*Service, *fakeSender) {
	fake := &fakeSender{}
	return &Service{
		bot:     fake,
		chat:    tele.ChatID(1),
		bus:     bus,
		roster:  roster,
		limiter: rate.NewLimiter(rate.Inf, 1),
		log:     logx.Nop(),
	}, fake
}

func TestForwardsNotableEventsOnly(t *testing.T) {
	m := member.New("NIN", "W1", "CCP", "")
	m.NomFr, m.PrenomFr = "DUPONT", "ALI"
	roster := member.NewRoster(m)
	bus := eventbus.New()
	s, fake := testService(roster, bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); s.Run(ctx) }()

	// give the subscriber a moment to attach
	time.Sleep(20 * time.Millisecond)

	bus.Publish(eventbus.Event{Type: eventbus.TypeMemberUpdate, Data: eventbus.MemberUpdate{
		Index: 0, Status: string(member.StatusBooked), Detail: "appointment booked for 2025-12-25",
	}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeMemberUpdate, Data: eventbus.MemberUpdate{
		Index: 0, Status: string(member.StatusNoSlots), Detail: "no appointment slots available",
	}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeConnection, Data: eventbus.ConnectionState{Up: false}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fake.messages()) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	got := fake.messages()
	if len(got) != 2 {
		t.Fatalf("sent = %v, want booked + connection only", got)
	}
	if !strings.Contains(got[0], "ALI DUPONT") || !strings.Contains(got[0], "2025-12-25") {
		t.Fatalf("booked message = %q", got[0])
	}
	if !strings.Contains(got[1], "connection") {
		t.Fatalf("connection message = %q", got[1])
	}
}

func TestRenderFallbackName(t *testing.T) {
	s, _ := testService(member.NewRoster(), eventbus.New())
	msg := s.render(eventbus.Event{Type: eventbus.TypeMemberUpdate, Data: eventbus.MemberUpdate{
		Index: 4, Status: string(member.StatusIneligible),
	}})
	if !strings.Contains(msg, "member #5") {
		t.Fatalf("msg = %q", msg)
	}
}
