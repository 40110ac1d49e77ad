package member

import (
	"strings"
	"sync"
)

// RdvDate source values.
const (
	RdvSourceSystem     = "system"     // booked by us
	RdvSourceDiscovered = "discovered" // pre-existing booking observed remotely
)

// Member is one beneficiary record tracked through the workflow.
//
// Fields are mutated only by workflow-stage code while the member's
// processing flag is held (see BeginProcessing); the flag itself is the only
// field with its own lock. Members are always passed by pointer.
type Member struct {
	mu sync.Mutex

	// stable identifiers, supplied by the user
	NIN          string `json:"nin"`
	WassitNumber string `json:"wassit_number"`
	CCP          string `json:"ccp"`
	Phone        string `json:"phone,omitempty"`

	// names supplied by the remote service
	NomFr    string `json:"nom_fr,omitempty"`
	PrenomFr string `json:"prenom_fr,omitempty"`
	NomAr    string `json:"nom_ar,omitempty"`
	PrenomAr string `json:"prenom_ar,omitempty"`

	// remote-assigned identifiers
	PreInscriptionID string `json:"pre_inscription_id,omitempty"`
	DemandeurID      string `json:"demandeur_id,omitempty"`
	StructureID      string `json:"structure_id,omitempty"`
	RdvID            string `json:"rdv_id,omitempty"`

	Status      Status `json:"status"`
	ShortDetail string `json:"short_detail,omitempty"`
	FullDetail  string `json:"full_detail,omitempty"`

	RdvDate   string `json:"rdv_date,omitempty"` // yyyy-mm-dd
	RdvSource string `json:"rdv_source,omitempty"`

	CertCommitmentPath  string `json:"cert_commitment_path,omitempty"`
	CertAppointmentPath string `json:"cert_appointment_path,omitempty"`

	HaveAllocation    bool           `json:"have_allocation"`
	AllocationDetails map[string]any `json:"allocation_details,omitempty"`

	HavePreRegistration bool `json:"have_pre_registration"`
	HasPriorAppointment bool `json:"has_prior_appointment"`

	ConsecutiveFailures int `json:"consecutive_failures"`

	// IsProcessing is presentation-only concurrency indication; it is never
	// persisted as true and is reset on load.
	IsProcessing bool `json:"is_processing"`
}

func New(nin, wassit, ccp, phone string) *Member {
	return &Member{
		NIN:          nin,
		WassitNumber: wassit,
		CCP:          ccp,
		Phone:        phone,
		Status:       StatusNew,
	}
}

// Normalize repairs a record after load: a date without a recorded source is
// a booking we discovered rather than made, processing never survives a
// restart, and unknown status tags fall back to new.
func (m *Member) Normalize() {
	if m.RdvDate != "" && m.RdvSource == "" {
		m.RdvSource = RdvSourceDiscovered
	}
	m.IsProcessing = false
	if !m.Status.Known() {
		m.Status = StatusNew
	}
}

// DisplayName prefers the French name pair, then the Arabic one.
func (m *Member) DisplayName() string {
	if m.NomFr != "" || m.PrenomFr != "" {
		return strings.TrimSpace(m.PrenomFr + " " + m.NomFr)
	}
	if m.NomAr != "" || m.PrenomAr != "" {
		return strings.TrimSpace(m.PrenomAr + " " + m.NomAr)
	}
	return ""
}

// HasName reports whether any remote-supplied name has been fetched yet.
func (m *Member) HasName() bool {
	return m.NomFr != "" || m.NomAr != ""
}

// CanBook reports whether all remote identifiers required for a booking or
// certificate download are present.
func (m *Member) CanBook() bool {
	return m.PreInscriptionID != "" && m.DemandeurID != "" && m.StructureID != ""
}

const maxShortDetail = 70

// SetStatus records a new status with its activity description. The short
// detail is truncated for list display; the full text is kept verbatim.
func (m *Member) SetStatus(s Status, detail string) {
	m.Status = s
	m.FullDetail = detail
	m.ShortDetail = Truncate(detail, maxShortDetail)
}

// MarkBooked records a booking made by us. RdvSource=system is never
// downgraded afterwards.
func (m *Member) MarkBooked(rdvID, date string) {
	m.RdvID = rdvID
	m.RdvDate = date
	m.RdvSource = RdvSourceSystem
}

// ObserveExistingBooking records a booking discovered on the remote side
// without overwriting a system-made one.
func (m *Member) ObserveExistingBooking(rdvID string) {
	if rdvID != "" && m.RdvID == "" {
		m.RdvID = rdvID
	}
	if m.RdvSource != RdvSourceSystem {
		m.RdvSource = RdvSourceDiscovered
	}
	m.HasPriorAppointment = true
}

// RecordFailure increments the consecutive-failure counter and reports the
// new value.
func (m *Member) RecordFailure() int {
	m.ConsecutiveFailures++
	return m.ConsecutiveFailures
}

func (m *Member) ResetFailures() {
	m.ConsecutiveFailures = 0
}

// BeginProcessing claims the member for one worker. It returns false when
// another worker already holds it; the caller must not touch the member then.
func (m *Member) BeginProcessing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.IsProcessing {
		return false
	}
	m.IsProcessing = true
	return true
}

func (m *Member) EndProcessing() {
	m.mu.Lock()
	m.IsProcessing = false
	m.mu.Unlock()
}

// Truncate shortens s to at most n runes, appending an ellipsis when cut.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
