package workflow

import (
	"fmt"
	"time"

	"anembot/internal/anem"
	"anembot/internal/member"
)

// Pure payload-to-member mapping. Nothing in this file performs I/O; the
// runner sequences these after each remote call so they stay testable
// without a network.

// ApplyValidation folds a candidate-validation payload into the member and
// returns the resulting status.
func ApplyValidation(m *member.Member, v *anem.ValidationResult) member.Status {
	// remote-assigned identifiers first; later stages need them whatever
	// branch we take
	if id := v.PreInscriptionID.String(); id != "" {
		m.PreInscriptionID = id
	}
	if id := v.DemandeurID.String(); id != "" {
		m.DemandeurID = id
	}
	if id := v.StructureID.String(); id != "" {
		m.StructureID = id
	}
	m.HavePreRegistration = v.HavePreInscription

	switch {
	case v.HaveAllocation:
		m.HaveAllocation = true
		detail := "currently receiving allocation"
		if d := v.DetailsAllocation; d != nil {
			if d.NomFr != "" {
				m.NomFr, m.PrenomFr = d.NomFr, d.PrenomFr
			}
			if d.NomAr != "" {
				m.NomAr, m.PrenomAr = d.NomAr, d.PrenomAr
			}
			m.AllocationDetails = map[string]any{
				"nomFr":     d.NomFr,
				"prenomFr":  d.PrenomFr,
				"nomAr":     d.NomAr,
				"prenomAr":  d.PrenomAr,
				"dateDebut": d.DateDebut,
			}
			if start := d.StartDate(); start != "" {
				detail = fmt.Sprintf("currently receiving allocation since %s", start)
			}
		}
		m.SetStatus(member.StatusBenefiting, detail)

	case !v.ValidInput, v.FailedControl() != nil:
		msg := v.Message
		if c := v.FailedControl(); c != nil && c.Message != "" {
			msg = c.Message
		}
		if msg == "" {
			msg = "identity fields rejected by the service"
		}
		m.SetStatus(member.StatusInvalidInput, msg)

	case v.HaveRendezVous:
		m.ObserveExistingBooking(v.RendezVousID.String())
		m.SetStatus(member.StatusPriorAppointment, "an appointment already exists for this candidate")

	case !v.Eligible:
		m.SetStatus(member.StatusIneligible, "not eligible for the allocation")

	case v.HavePreInscription:
		m.SetStatus(member.StatusVerified, "eligible, pre-registration found")

	default:
		// still eligible for booking: the service may pre-register
		// implicitly when slots are queried
		m.SetStatus(member.StatusNeedsPreRegistration, "eligible, no pre-registration yet")
	}
	return m.Status
}

// ApplyRegistrationInfo records the applicant names from the registration
// record.
func ApplyRegistrationInfo(m *member.Member, info *anem.RegistrationInfo) member.Status {
	m.NomFr = info.NomDemandeurFr
	m.PrenomFr = info.PrenomDemandeurFr
	m.NomAr = info.NomDemandeurAr
	m.PrenomAr = info.PrenomDemandeurAr
	m.SetStatus(member.StatusInfoFetched, "applicant info fetched: "+m.DisplayName())
	return m.Status
}

// ReformatDate converts the service's dd/mm/yyyy slot dates to yyyy-mm-dd.
// A date that does not parse signals a remote contract change.
func ReformatDate(d string) (string, error) {
	t, err := time.Parse("02/01/2006", d)
	if err != nil {
		return "", fmt.Errorf("unexpected date format %q", d)
	}
	return t.Format("2006-01-02"), nil
}

// wantsValidation reports whether this pass starts at the validate stage.
// A breaker-tripped member whose failure counter has been reset (user edit,
// connection recovery) re-enters the workflow here.
func wantsValidation(s member.Status) bool {
	return s == member.StatusNew || s == member.StatusValidateFailed ||
		s == member.StatusFailedRepeatedly
}

// wantsBooking reports whether the member's status allows a booking attempt
// this pass; identifier and allocation gates are checked separately.
func wantsBooking(s member.Status) bool {
	switch s {
	case member.StatusInfoFetched, member.StatusVerified,
		member.StatusNeedsPreRegistration, member.StatusNoSlots,
		member.StatusDatesFetchFailed, member.StatusBookingFailed:
		return true
	}
	return false
}

// wantsCertificates reports whether the member is in a state where the
// certificate stage applies.
func wantsCertificates(s member.Status) bool {
	switch s {
	case member.StatusBooked, member.StatusPriorAppointment,
		member.StatusBenefiting, member.StatusCompleted,
		member.StatusCertsFailed:
		return true
	}
	return false
}
