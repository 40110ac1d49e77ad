package member

// Status is the closed set of workflow states a member can be in. It is
// stored as its string form, but all error/terminal decisions go through the
// predicate tables below, never through substring checks on display text.
type Status string

const (
	StatusNew Status = "new"

	// validation outcomes
	StatusBenefiting           Status = "benefiting"
	StatusInvalidInput         Status = "invalid-input"
	StatusPriorAppointment     Status = "prior-appointment"
	StatusVerified             Status = "verified"
	StatusNeedsPreRegistration Status = "needs-preregistration"
	StatusIneligible           Status = "ineligible"
	StatusValidateFailed       Status = "validate-failed"

	// registration-info outcomes
	StatusInfoFetched     Status = "info-fetched"
	StatusInfoFetchFailed Status = "info-fetch-failed"

	// booking outcomes
	StatusNoSlots          Status = "no-slots"
	StatusDatesFetchFailed Status = "dates-fetch-failed"
	StatusDateFormatError  Status = "date-format-error"
	StatusBooked           Status = "booked"
	StatusBookingFailed    Status = "booking-failed"

	// certificate outcomes
	StatusCompleted   Status = "completed"
	StatusCertsFailed Status = "certs-failed"

	// circuit breaker
	StatusFailedRepeatedly Status = "failed-repeatedly"
)

// terminal statuses are never scheduled again without user intervention.
var terminal = map[Status]bool{
	StatusBenefiting:      true,
	StatusInvalidInput:    true,
	StatusIneligible:      true,
	StatusDateFormatError: true,
}

// erroneous statuses get error styling in the presentation layer.
var erroneous = map[Status]bool{
	StatusInvalidInput:     true,
	StatusIneligible:       true,
	StatusValidateFailed:   true,
	StatusInfoFetchFailed:  true,
	StatusDatesFetchFailed: true,
	StatusDateFormatError:  true,
	StatusBookingFailed:    true,
	StatusCertsFailed:      true,
	StatusFailedRepeatedly: true,
}

// done statuses represent a satisfied workflow (success styling).
var done = map[Status]bool{
	StatusBooked:           true,
	StatusCompleted:        true,
	StatusPriorAppointment: true,
	StatusBenefiting:       true,
}

func (s Status) IsTerminal() bool { return terminal[s] }
func (s Status) IsError() bool    { return erroneous[s] }

// Icon returns the presentation hint for this status: "ok", "error" or "pending".
func (s Status) Icon() string {
	switch {
	case erroneous[s]:
		return "error"
	case done[s]:
		return "ok"
	default:
		return "pending"
	}
}

// Known reports whether s is part of the closed status set. Unknown values
// (e.g. from a hand-edited data file) are treated as StatusNew by callers.
func (s Status) Known() bool {
	if s == StatusNew {
		return true
	}
	return terminal[s] || erroneous[s] || done[s] ||
		s == StatusVerified || s == StatusNeedsPreRegistration ||
		s == StatusInfoFetched || s == StatusNoSlots
}
