package monitor

import (
	"context"
	"errors"

	"anembot/internal/member"
)

// ErrBusy means another worker currently holds the member.
var ErrBusy = errors.New("member is already being processed")

// CheckNow runs the full pipeline for one member immediately, independent of
// the scheduler's sweep position. It refuses to start while the member is
// mid-processing and applies the standard failure-counter rule.
func (s *Service) CheckNow(ctx context.Context, m *member.Member) error {
	if m == nil {
		return errors.New("no member selected")
	}
	if !m.BeginProcessing() {
		return ErrBusy
	}
	defer m.EndProcessing()
	s.publishProcessing(m, true)
	defer s.publishProcessing(m, false)

	st := s.current()
	out := s.runner.ProcessMember(ctx, m)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// on-demand runs also collect the commitment certificate for members
	// found to be receiving the allocation
	if m.Status == member.StatusBenefiting && m.PreInscriptionID != "" {
		c := s.runner.CertificatesPass(ctx, m)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out.TransportFailure = out.TransportFailure || c.TransportFailure
	}

	s.applyCounterRule(m, out.TransportFailure, st.FailureCeiling)
	s.saveRoster(ctx)
	return nil
}

// FetchCertificates runs only the certificate stage for one member,
// whatever its current workflow status, as long as the registration id is
// known.
func (s *Service) FetchCertificates(ctx context.Context, m *member.Member) error {
	if m == nil {
		return errors.New("no member selected")
	}
	if m.PreInscriptionID == "" {
		return errors.New("certificate download needs a registration id")
	}
	if !m.BeginProcessing() {
		return ErrBusy
	}
	defer m.EndProcessing()
	s.publishProcessing(m, true)
	defer s.publishProcessing(m, false)

	out := s.runner.CertificatesPass(ctx, m)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.applyCounterRule(m, out.TransportFailure, s.current().FailureCeiling)
	s.saveRoster(ctx)
	return nil
}
