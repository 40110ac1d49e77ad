package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"anembot/internal/anem"
	"anembot/internal/eventbus"
	"anembot/internal/member"

	logx "anembot/pkg/logx"
)

// Outcome summarizes one per-member pass for the scheduler's bookkeeping.
type Outcome struct {
	// TransportFailure is true when at least one remote call this pass
	// failed with a transport/server-class error. Business outcomes
	// (ineligible, no slots) do not set it.
	TransportFailure bool
}

// Runner sequences the workflow stages for one member:
// validate -> info -> booking -> certificates, short-circuiting per stage.
// It owns the I/O; the status decisions live in apply.go.
//
// The caller must hold the member's processing flag for the duration of a
// call; the runner itself only mutates and emits.
type Runner struct {
	client *anem.Client
	bus    eventbus.Bus
	roster *member.Roster
	log    logx.Logger

	certDir atomic.Value // string
}

func NewRunner(client *anem.Client, bus eventbus.Bus, roster *member.Roster, certDir string, log logx.Logger) *Runner {
	r := &Runner{client: client, bus: bus, roster: roster, log: log}
	if certDir == "" {
		certDir = "./certificates"
	}
	r.certDir.Store(certDir)
	return r
}

// SetCertDir applies a settings change; the next certificate stage uses it.
func (r *Runner) SetCertDir(dir string) {
	if dir != "" {
		r.certDir.Store(dir)
	}
}

func (r *Runner) emit(m *member.Member) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeMemberUpdate, Data: eventbus.MemberUpdate{
		Index:  r.roster.IndexOf(m),
		Status: string(m.Status),
		Detail: m.ShortDetail,
		Icon:   m.Status.Icon(),
	}})
}

func (r *Runner) logLine(text string) {
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeLog, Data: eventbus.LogLine{Text: text}})
	}
	if !r.log.IsZero() {
		r.log.Info(text)
	}
}

func (r *Runner) setStatus(m *member.Member, s member.Status, detail string) {
	m.SetStatus(s, detail)
	r.emit(m)
}

// ProcessMember runs one full pass for m. Results are not applied once ctx
// is canceled.
func (r *Runner) ProcessMember(ctx context.Context, m *member.Member) Outcome {
	var out Outcome

	// validate
	if wantsValidation(m.Status) {
		v, f := r.client.ValidateCandidate(ctx, m.WassitNumber, m.NIN)
		if ctx.Err() != nil {
			return out
		}
		if f != nil {
			out.TransportFailure = out.TransportFailure || f.Transport()
			r.setStatus(m, member.StatusValidateFailed, "validation failed: "+f.Message)
			return out
		}
		ApplyValidation(m, v)
		r.emit(m)
		if m.Status.IsTerminal() {
			return out
		}
		// prior-appointment with an unknown name chains straight into the
		// info fetch below
	}

	// registration info
	if !m.HasName() && m.PreInscriptionID != "" && infoEligible(m.Status) {
		info, f := r.client.GetPreInscription(ctx, m.PreInscriptionID)
		if ctx.Err() != nil {
			return out
		}
		if f != nil {
			out.TransportFailure = out.TransportFailure || f.Transport()
			r.setStatus(m, member.StatusInfoFetchFailed, "fetching applicant info failed: "+f.Message)
			return out
		}
		prev := m.Status
		ApplyRegistrationInfo(m, info)
		if prev == member.StatusPriorAppointment || prev == member.StatusBenefiting {
			// the name fetch was a side quest; keep the stronger status
			m.Status = prev
		}
		r.emit(m)
	}

	// booking; a successful booking falls through into the certificate
	// stage of the same pass
	if wantsBooking(m.Status) && !m.HaveAllocation && m.RdvID == "" && m.CanBook() {
		if !r.bookingPass(ctx, m, &out) {
			return out
		}
	}

	// certificates (benefiting members only download via the on-demand
	// certificate runner, never in a scheduler pass)
	if wantsCertificates(m.Status) && m.Status != member.StatusBenefiting && m.PreInscriptionID != "" {
		certOut := r.CertificatesPass(ctx, m)
		out.TransportFailure = out.TransportFailure || certOut.TransportFailure
	}

	return out
}

func infoEligible(s member.Status) bool {
	switch s {
	case member.StatusVerified, member.StatusNeedsPreRegistration,
		member.StatusInfoFetchFailed, member.StatusPriorAppointment:
		return true
	}
	return false
}

// bookingPass queries slots and books the first one. Returns false when the
// pass should stop (failure or terminal outcome).
func (r *Runner) bookingPass(ctx context.Context, m *member.Member, out *Outcome) bool {
	dates, f := r.client.GetAvailableDates(ctx, m.StructureID, m.PreInscriptionID)
	if ctx.Err() != nil {
		return false
	}
	if f != nil {
		out.TransportFailure = out.TransportFailure || f.Transport()
		r.setStatus(m, member.StatusDatesFetchFailed, "fetching available dates failed: "+f.Message)
		return false
	}
	if len(dates.Dates) == 0 {
		r.setStatus(m, member.StatusNoSlots, "no appointment slots available")
		return false
	}

	// always the first returned date
	raw := dates.Dates[0]
	iso, err := ReformatDate(raw)
	if err != nil {
		r.setStatus(m, member.StatusDateFormatError, err.Error())
		r.logLine("date format changed on the remote side: " + err.Error())
		return false
	}

	b, f := r.client.CreateRendezVous(ctx, anem.BookingInput{
		PreInscriptionID: m.PreInscriptionID,
		DemandeurID:      m.DemandeurID,
		CCP:              m.CCP,
		NomCcp:           m.NomFr,
		PrenomCcp:        m.PrenomFr,
		RdvDate:          iso,
	})
	if ctx.Err() != nil {
		return false
	}
	if f != nil {
		out.TransportFailure = out.TransportFailure || f.Transport()
		r.setStatus(m, member.StatusBookingFailed, "booking failed: "+f.Message)
		return false
	}
	if b.Ineligible() {
		r.setStatus(m, member.StatusIneligible, "not eligible for the allocation")
		return false
	}
	// success means code 0 with an assigned booking id; anything else is a
	// refusal, even on HTTP 200
	if b.Code != 0 || b.RendezVousID.String() == "" {
		msg := b.Message
		if msg == "" {
			msg = fmt.Sprintf("service refused the booking (code %d)", b.Code)
		}
		r.setStatus(m, member.StatusBookingFailed, "booking failed: "+msg)
		return false
	}

	m.MarkBooked(b.RendezVousID.String(), iso)
	r.setStatus(m, member.StatusBooked, "appointment booked for "+iso)
	r.logLine("appointment booked for " + m.DisplayName() + " on " + iso)
	return true
}

// CertificatesPass downloads the certificates the member is entitled to.
// A certificate whose recorded file still exists is never re-fetched, so
// re-running the stage is idempotent and free of network calls.
func (r *Runner) CertificatesPass(ctx context.Context, m *member.Member) Outcome {
	var out Outcome
	if m.PreInscriptionID == "" {
		r.setStatus(m, member.StatusCertsFailed, "certificate download needs a registration id")
		return out
	}

	dir := filepath.Join(r.certDir.Load().(string), certFolder(m))

	type job struct {
		report anem.ReportType
		file   string
		path   *string
		wanted bool
	}
	jobs := []job{
		{anem.ReportCommitment, "engagement.pdf", &m.CertCommitmentPath, true},
		{anem.ReportAppointment, "rendezvous.pdf", &m.CertAppointmentPath,
			m.RdvID != "" || m.HasPriorAppointment},
	}

	failed := false
	for _, j := range jobs {
		if !j.wanted {
			continue
		}
		if *j.path != "" && fileExists(*j.path) {
			continue
		}
		if ctx.Err() != nil {
			return out
		}
		pdf, f := r.client.DownloadPDF(ctx, j.report, m.PreInscriptionID)
		if ctx.Err() != nil {
			return out
		}
		if f != nil {
			out.TransportFailure = out.TransportFailure || f.Transport()
			r.setStatus(m, member.StatusCertsFailed, "certificate download failed: "+f.Message)
			failed = true
			continue
		}
		dest := filepath.Join(dir, j.file)
		if err := writeCertificate(dest, pdf); err != nil {
			r.setStatus(m, member.StatusCertsFailed, "saving certificate failed: "+err.Error())
			failed = true
			continue
		}
		*j.path = dest
	}

	if !failed {
		if m.Status != member.StatusBenefiting { // benefiting is sticky
			r.setStatus(m, member.StatusCompleted, "all certificates downloaded")
		}
	}
	return out
}

func certFolder(m *member.Member) string {
	name := m.DisplayName()
	if name == "" {
		name = m.WassitNumber
	}
	if name == "" {
		name = m.NIN
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' ||
			r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func writeCertificate(path string, pdf []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, pdf, 0o644)
}
