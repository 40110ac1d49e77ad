package anem

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	logx "anembot/pkg/logx"
)

// FlexID is a remote identifier that the service serializes sometimes as a
// JSON string and sometimes as a number.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) String() string { return string(f) }

// AllocationDetails describes an active allocation reported by validation.
type AllocationDetails struct {
	NomAr     string `json:"nomAr"`
	PrenomAr  string `json:"prenomAr"`
	NomFr     string `json:"nomFr"`
	PrenomFr  string `json:"prenomFr"`
	DateDebut string `json:"dateDebut"` // "2024-01-01T00:00:00"
}

// StartDate returns the date part of DateDebut.
func (d AllocationDetails) StartDate() string {
	if i := strings.IndexByte(d.DateDebut, 'T'); i > 0 {
		return d.DateDebut[:i]
	}
	return d.DateDebut
}

// Control is one server-side input check from the validation response.
type Control struct {
	Name    string `json:"name"`
	Result  bool   `json:"result"`
	Message string `json:"message"`
}

// ValidationResult is the candidate-validation payload.
type ValidationResult struct {
	Eligible           bool               `json:"eligible"`
	ValidInput         bool               `json:"validInput"`
	HaveAllocation     bool               `json:"haveAllocation"`
	DetailsAllocation  *AllocationDetails `json:"detailsAllocation"`
	HavePreInscription bool               `json:"havePreInscription"`
	HaveRendezVous     bool               `json:"haveRendezVous"`

	PreInscriptionID FlexID `json:"preInscriptionId"`
	DemandeurID      FlexID `json:"demandeurId"`
	StructureID      FlexID `json:"structureId"`
	RendezVousID     FlexID `json:"rendezVousId"`

	Controls []Control `json:"controls"`
	Message  string    `json:"message"`
}

// FailedControl returns the first failed input check, if any.
func (v *ValidationResult) FailedControl() *Control {
	for i := range v.Controls {
		if !v.Controls[i].Result {
			return &v.Controls[i]
		}
	}
	return nil
}

// RegistrationInfo is the pre-inscription detail payload.
type RegistrationInfo struct {
	NomDemandeurAr    string `json:"nomDemandeurAr"`
	NomDemandeurFr    string `json:"nomDemandeurFr"`
	PrenomDemandeurAr string `json:"prenomDemandeurAr"`
	PrenomDemandeurFr string `json:"prenomDemandeurFr"`
}

// AvailableDates is the slot-listing payload; dates come as dd/mm/yyyy.
type AvailableDates struct {
	Dates []string `json:"dates"`
}

// BookingResult is the appointment-creation payload. Eligible is a pointer
// so the normalized ineligible shape {"eligible":false} is distinguishable
// from a success payload that simply omits the field.
type BookingResult struct {
	Code         int    `json:"code"`
	Eligible     *bool  `json:"eligible"`
	RendezVousID FlexID `json:"rendezVousId"`
	Message      string `json:"message"`
}

// Ineligible reports the normalized business-ineligibility outcome.
func (b *BookingResult) Ineligible() bool {
	return b.Eligible != nil && !*b.Eligible
}

// ReportType selects which certificate the download endpoint serves.
type ReportType string

const (
	ReportCommitment  ReportType = "HonneurEngagementReport"
	ReportAppointment ReportType = "RdvReport"
)

// BookingInput carries the appointment-creation fields. Name fields are
// uppercased on the wire, as the service requires.
type BookingInput struct {
	PreInscriptionID string
	DemandeurID      string
	CCP              string
	NomCcp           string
	PrenomCcp        string
	RdvDate          string // yyyy-mm-dd
}

// Client is the thin catalogue of remote operations built on the executor.
// It validates required inputs and decodes endpoint payloads; all retry and
// failure-classification behavior lives in the executor.
type Client struct {
	exec *Executor
	log  logx.Logger
}

func NewClient(exec *Executor, log logx.Logger) *Client {
	return &Client{exec: exec, log: log}
}

func missing(field string) *Failure {
	return &Failure{Kind: KindGeneric, Message: "missing required field " + field}
}

// ValidateCandidate checks eligibility and returns the remote state of the
// candidate identified by the wassit number and national id.
func (c *Client) ValidateCandidate(ctx context.Context, wassit, nin string) (*ValidationResult, *Failure) {
	if wassit == "" {
		return nil, missing("wassitNumber")
	}
	if nin == "" {
		return nil, missing("identityDocNumber")
	}
	res := c.exec.Do(ctx, Request{
		Method:   http.MethodGet,
		Endpoint: "validateCandidate/query",
		Query: url.Values{
			"wassitNumber":      {wassit},
			"identityDocNumber": {nin},
		},
	})
	var out ValidationResult
	if f := decodeInto(res, &out); f != nil {
		return nil, f
	}
	return &out, nil
}

// GetPreInscription fetches the registration record (applicant names).
func (c *Client) GetPreInscription(ctx context.Context, preInscriptionID string) (*RegistrationInfo, *Failure) {
	if preInscriptionID == "" {
		return nil, missing("preInscriptionId")
	}
	res := c.exec.Do(ctx, Request{
		Method:   http.MethodGet,
		Endpoint: "PreInscription/GetPreInscription",
		Query:    url.Values{"Id": {preInscriptionID}},
	})
	var out RegistrationInfo
	if f := decodeInto(res, &out); f != nil {
		return nil, f
	}
	return &out, nil
}

// GetAvailableDates lists bookable appointment dates for a structure.
func (c *Client) GetAvailableDates(ctx context.Context, structureID, preInscriptionID string) (*AvailableDates, *Failure) {
	if structureID == "" {
		return nil, missing("structureId")
	}
	if preInscriptionID == "" {
		return nil, missing("preInscriptionId")
	}
	res := c.exec.Do(ctx, Request{
		Method:   http.MethodGet,
		Endpoint: "RendezVous/GetAvailableDates",
		Query: url.Values{
			"StructureId":      {structureID},
			"PreInscriptionId": {preInscriptionID},
		},
	})
	var out AvailableDates
	if f := decodeInto(res, &out); f != nil {
		return nil, f
	}
	return &out, nil
}

// CreateRendezVous books an appointment. Business ineligibility, in any of
// its transport disguises, comes back as a payload with Ineligible()==true,
// never as a failure.
func (c *Client) CreateRendezVous(ctx context.Context, in BookingInput) (*BookingResult, *Failure) {
	switch {
	case in.PreInscriptionID == "":
		return nil, missing("preInscriptionId")
	case in.DemandeurID == "":
		return nil, missing("demandeurId")
	case in.CCP == "":
		return nil, missing("ccp")
	case in.RdvDate == "":
		return nil, missing("rdvdate")
	}
	res := c.exec.Do(ctx, Request{
		Method:   http.MethodPost,
		Endpoint: "RendezVous/Create",
		Body: map[string]any{
			"preInscriptionId": in.PreInscriptionID,
			"ccp":              in.CCP,
			"nomCcp":           strings.ToUpper(in.NomCcp),
			"prenomCcp":        strings.ToUpper(in.PrenomCcp),
			"rdvdate":          in.RdvDate,
			"demandeurId":      in.DemandeurID,
		},
		Header:  http.Header{"G-Recaptcha-Response": {""}},
		Booking: true,
	})
	var out BookingResult
	if f := decodeInto(res, &out); f != nil {
		return nil, f
	}
	return &out, nil
}

// DownloadPDF fetches a certificate and returns the decoded PDF bytes. The
// endpoint serves either {"base64Pdf": "..."} or the bare base64 text.
func (c *Client) DownloadPDF(ctx context.Context, report ReportType, preInscriptionID string) ([]byte, *Failure) {
	if preInscriptionID == "" {
		return nil, missing("preInscriptionId")
	}
	res := c.exec.Do(ctx, Request{
		Method:   http.MethodGet,
		Endpoint: "download/" + string(report),
		Query:    url.Values{"PreInscriptionId": {preInscriptionID}},
		Raw:      true,
	})
	if res.Failure != nil {
		return nil, res.Failure
	}
	pdf, err := decodePDF(res.Body)
	if err != nil {
		return nil, &Failure{Kind: KindDecode, Message: "certificate payload: " + err.Error()}
	}
	return pdf, nil
}

// CheckAvailability probes the site root with a single short attempt.
// A nil return means the service is reachable.
func (c *Client) CheckAvailability(ctx context.Context) *Failure {
	opts := c.exec.Options()
	res := c.exec.Do(ctx, Request{
		Method: http.MethodGet,
		URL:    opts.SiteCheckURL,
		Probe:  true,
	})
	return res.Failure
}

func decodeInto(res Result, v any) *Failure {
	if res.Failure != nil {
		return res.Failure
	}
	if err := json.Unmarshal(res.Body, v); err != nil {
		return &Failure{Kind: KindDecode, Message: "unexpected response shape: " + err.Error()}
	}
	return nil
}

func decodePDF(body []byte) ([]byte, error) {
	raw := strings.TrimSpace(string(body))

	// JSON envelope first, then bare (possibly JSON-quoted) base64 text.
	if strings.HasPrefix(raw, "{") {
		var env struct {
			Base64PDF string `json:"base64Pdf"`
		}
		if err := json.Unmarshal([]byte(raw), &env); err == nil && env.Base64PDF != "" {
			raw = env.Base64PDF
		}
	} else if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal([]byte(raw), &s); err == nil {
			raw = s
		}
	}
	if i := strings.IndexByte(raw, ','); i > 0 && strings.HasPrefix(raw, "data:") {
		raw = raw[i+1:]
	}

	pdf, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		pdf, err = base64.RawStdEncoding.DecodeString(raw)
	}
	return pdf, err
}
