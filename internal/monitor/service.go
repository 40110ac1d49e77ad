package monitor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"anembot/internal/anem"
	"anembot/internal/eventbus"
	"anembot/internal/member"
	"anembot/internal/storage"
	"anembot/internal/workflow"

	logx "anembot/pkg/logx"
)

// Service is the monitoring loop: an initial scan over the roster, then
// periodic sweeps from a rotating offset, falling into connection-lost mode
// when consecutive members fail with transport errors. On-demand runs for a
// single member live in runners.go and share the same stage logic.
type Service struct {
	runner *workflow.Runner
	client *anem.Client
	roster *member.Roster
	store  storage.Store
	bus    eventbus.Bus
	log    logx.Logger

	settings atomic.Pointer[Settings]

	mu     sync.Mutex
	offset int
	cronSv *cron.Cron

	sweepCh chan struct{}

	rngMu sync.Mutex
	rng   *rand.Rand

	// sleep is swapped in tests
	sleep func(ctx context.Context, d time.Duration) error
}

func New(runner *workflow.Runner, client *anem.Client, roster *member.Roster, store storage.Store, bus eventbus.Bus, st Settings, log logx.Logger) *Service {
	s := &Service{
		runner:  runner,
		client:  client,
		roster:  roster,
		store:   store,
		bus:     bus,
		log:     log,
		sweepCh: make(chan struct{}, 1),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:   sleepCtx,
	}
	s.settings.Store(&st)
	return s
}

func (s *Service) current() Settings { return *s.settings.Load() }

// ApplySettings swaps the live settings; the loop picks them up at its next
// sleep or call boundary.
func (s *Service) ApplySettings(st Settings) {
	s.settings.Store(&st)
	s.runner.SetCertDir(st.CertificateDir)
	s.rebuildCron(st.ExtraSweeps)
}

// TriggerSweep asks the loop to cut its cycle sleep short and sweep now.
func (s *Service) TriggerSweep() {
	select {
	case s.sweepCh <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	s.rebuildCron(s.current().ExtraSweeps)
	defer s.stopCron()

	s.logLine("monitoring started")
	defer s.logLine("monitoring stopped")

	// initial scan, in collection order
	if lost := s.sweep(ctx, true); ctx.Err() != nil {
		return ctx.Err()
	} else if lost {
		if err := s.connectionLost(ctx); err != nil {
			return err
		}
	}

	for {
		if err := s.cycleSleep(ctx); err != nil {
			return err
		}
		lost := s.sweep(ctx, false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if lost {
			if err := s.connectionLost(ctx); err != nil {
				return err
			}
		}
	}
}

// sweep processes every eligible member once. It returns true when the
// consecutive network-error threshold was hit and the loop should switch to
// connection-lost mode.
func (s *Service) sweep(ctx context.Context, initial bool) bool {
	members := s.roster.Snapshot()
	if len(members) == 0 {
		return false
	}

	start := 0
	if !initial {
		// rotate the starting index so no member starves across
		// interrupted or shrinking sweeps
		s.mu.Lock()
		start = s.offset % len(members)
		s.offset++
		s.mu.Unlock()
	}

	consecutiveNet := 0
	for i := range members {
		if ctx.Err() != nil {
			return false
		}
		m := members[(start+i)%len(members)]
		st := s.current()
		if m.Status.IsTerminal() || m.ConsecutiveFailures >= st.FailureCeiling {
			continue
		}
		if !m.BeginProcessing() {
			continue
		}
		s.publishProcessing(m, true)

		out := s.runner.ProcessMember(ctx, m)
		canceled := ctx.Err() != nil
		if !canceled {
			s.applyCounterRule(m, out.TransportFailure, st.FailureCeiling)
		}

		m.EndProcessing()
		s.publishProcessing(m, false)
		if canceled {
			return false
		}
		s.saveRoster(ctx)

		if out.TransportFailure {
			consecutiveNet++
			if consecutiveNet >= st.NetworkErrorThreshold {
				return true
			}
		} else {
			consecutiveNet = 0
		}

		if i < len(members)-1 {
			if err := s.sleep(ctx, s.jitter(st)); err != nil {
				return false
			}
		}
	}
	return false
}

// applyCounterRule is the one place the consecutive-failure counter moves:
// reset on a clean pass, +1 on a pass with a transport failure, breaker
// trip at the ceiling. The member's processing flag must be held.
func (s *Service) applyCounterRule(m *member.Member, failed bool, ceiling int) {
	if !failed {
		m.ResetFailures()
		return
	}
	if m.RecordFailure() >= ceiling {
		m.SetStatus(member.StatusFailedRepeatedly,
			fmt.Sprintf("excluded after %d consecutive failures", m.ConsecutiveFailures))
		s.emitUpdate(m)
		s.logLine("member excluded after repeated failures: " + memberLabel(m))
	}
}

// connectionLost probes the site until it answers, then resets every
// member's failure counter and hands control back to the periodic cycle.
func (s *Service) connectionLost(ctx context.Context) error {
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeConnection, Data: eventbus.ConnectionState{Up: false}})
	s.logLine("connection to service lost; probing availability")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if f := s.client.CheckAvailability(ctx); f == nil {
			for _, m := range s.roster.Snapshot() {
				m.ResetFailures()
			}
			s.saveRoster(ctx)
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeConnection, Data: eventbus.ConnectionState{Up: true}})
			s.logLine("connection restored; resuming monitoring")
			return nil
		}
		if err := s.sleep(ctx, s.current().SiteCheckInterval); err != nil {
			return ctx.Err()
		}
	}
}

// cycleSleep waits out the cycle interval, publishing a countdown every
// second. An extra-sweep trigger or cancellation cuts it short.
func (s *Service) cycleSleep(ctx context.Context) error {
	deadline := time.Now().Add(s.current().CycleInterval)
	defer s.publishCountdown("")

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		s.publishCountdown(formatCountdown(remaining))

		tick := time.Second
		if remaining < tick {
			tick = remaining
		}
		t := time.NewTimer(tick)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-s.sweepCh:
			t.Stop()
			s.logLine("extra sweep triggered")
			return nil
		case <-t.C:
		}
	}
}

func (s *Service) jitter(st Settings) time.Duration {
	if st.MaxMemberDelay <= st.MinMemberDelay {
		return st.MinMemberDelay
	}
	s.rngMu.Lock()
	d := st.MinMemberDelay + time.Duration(s.rng.Int63n(int64(st.MaxMemberDelay-st.MinMemberDelay)+1))
	s.rngMu.Unlock()
	return d
}

func (s *Service) rebuildCron(specs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cronSv != nil {
		s.cronSv.Stop()
		s.cronSv = nil
	}
	if len(specs) == 0 {
		return
	}
	c := cron.New()
	for _, spec := range specs {
		if _, err := c.AddFunc(spec, s.TriggerSweep); err != nil {
			if !s.log.IsZero() {
				s.log.Warn("invalid extra-sweep expression", logx.String("spec", spec), logx.Err(err))
			}
		}
	}
	c.Start()
	s.cronSv = c
}

func (s *Service) stopCron() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cronSv != nil {
		s.cronSv.Stop()
		s.cronSv = nil
	}
}

func (s *Service) saveRoster(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(ctx, s.roster.Snapshot()); err != nil && !s.log.IsZero() {
		s.log.Error("saving roster failed", logx.Err(err))
	}
}

func (s *Service) emitUpdate(m *member.Member) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeMemberUpdate, Data: eventbus.MemberUpdate{
		Index:  s.roster.IndexOf(m),
		Status: string(m.Status),
		Detail: m.ShortDetail,
		Icon:   m.Status.Icon(),
	}})
}

func (s *Service) publishProcessing(m *member.Member, active bool) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeMemberProcessing, Data: eventbus.MemberProcessing{
		Index:  s.roster.IndexOf(m),
		Active: active,
	}})
}

func (s *Service) publishCountdown(text string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeCountdown, Data: eventbus.Countdown{Text: text}})
}

func (s *Service) logLine(text string) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeLog, Data: eventbus.LogLine{Text: text}})
	}
	if !s.log.IsZero() {
		s.log.Info(text)
	}
}

func memberLabel(m *member.Member) string {
	if name := m.DisplayName(); name != "" {
		return name
	}
	return m.WassitNumber
}

func formatCountdown(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	sec := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("next sweep in %02d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("next sweep in %02d:%02d", m, sec)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
