package anem

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	logx "anembot/pkg/logx"
)

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	e, _ := testExecutor(t, srv, 0)
	return NewClient(e, logx.Nop())
}

func TestValidateCandidateQueryAndDecode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/validateCandidate/query" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("wassitNumber") != "W-1" || q.Get("identityDocNumber") != "NIN-1" {
			t.Errorf("query = %v", q)
		}
		w.Write([]byte(`{
			"eligible": true, "validInput": true,
			"havePreInscription": true, "haveRendezVous": false,
			"preInscriptionId": 4242, "demandeurId": "D-1", "structureId": 7,
			"controls": [{"name":"matchIdentity","result":true,"message":""}]
		}`))
	}))
	defer srv.Close()

	v, f := testClient(t, srv).ValidateCandidate(context.Background(), "W-1", "NIN-1")
	if f != nil {
		t.Fatalf("failure: %v", f)
	}
	if !v.Eligible || !v.HavePreInscription {
		t.Fatalf("flags wrong: %+v", v)
	}
	// numeric and string ids both land as strings
	if v.PreInscriptionID.String() != "4242" || v.DemandeurID.String() != "D-1" || v.StructureID.String() != "7" {
		t.Fatalf("ids = %q %q %q", v.PreInscriptionID, v.DemandeurID, v.StructureID)
	}
	if v.FailedControl() != nil {
		t.Fatal("no control failed")
	}
}

func TestValidateCandidateRequiresInputs(t *testing.T) {
	c := testClient(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})))
	if _, f := c.ValidateCandidate(context.Background(), "", "NIN"); f == nil || f.Kind != KindGeneric {
		t.Fatalf("want generic failure, got %v", f)
	}
	if _, f := c.ValidateCandidate(context.Background(), "W", ""); f == nil {
		t.Fatal("want failure for empty nin")
	}
}

func TestCreateRendezVousWireShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/RendezVous/Create" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if _, ok := r.Header["G-Recaptcha-Response"]; !ok {
			t.Error("missing g-recaptcha-response header")
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("body: %v", err)
		}
		if body["nomCcp"] != "DUPONT" || body["prenomCcp"] != "ALI" {
			t.Errorf("names not uppercased: %v", body)
		}
		if body["rdvdate"] != "2025-12-25" || body["preInscriptionId"] != "PI1" || body["demandeurId"] != "D1" {
			t.Errorf("body = %v", body)
		}
		w.Write([]byte(`{"code":0,"rendezVousId":"RDV1"}`))
	}))
	defer srv.Close()

	b, f := testClient(t, srv).CreateRendezVous(context.Background(), BookingInput{
		PreInscriptionID: "PI1",
		DemandeurID:      "D1",
		CCP:              "0012345678",
		NomCcp:           "Dupont",
		PrenomCcp:        "ali",
		RdvDate:          "2025-12-25",
	})
	if f != nil {
		t.Fatalf("failure: %v", f)
	}
	if b.Ineligible() || b.RendezVousID.String() != "RDV1" {
		t.Fatalf("result = %+v", b)
	}
}

func TestGetAvailableDates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/RendezVous/GetAvailableDates" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("StructureId") != "S1" || q.Get("PreInscriptionId") != "PI1" {
			t.Errorf("query = %v", q)
		}
		w.Write([]byte(`{"dates":["25/12/2025","26/12/2025"]}`))
	}))
	defer srv.Close()

	d, f := testClient(t, srv).GetAvailableDates(context.Background(), "S1", "PI1")
	if f != nil {
		t.Fatalf("failure: %v", f)
	}
	if len(d.Dates) != 2 || d.Dates[0] != "25/12/2025" {
		t.Fatalf("dates = %v", d.Dates)
	}
}

func TestDownloadPDFEnvelopes(t *testing.T) {
	pdf := []byte("%PDF-1.4 fake")
	b64 := base64.StdEncoding.EncodeToString(pdf)

	cases := map[string]string{
		"json envelope": `{"base64Pdf":"` + b64 + `"}`,
		"bare base64":   b64,
		"quoted base64": `"` + b64 + `"`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/download/HonneurEngagementReport" {
					t.Errorf("path = %q", r.URL.Path)
				}
				if r.URL.Query().Get("PreInscriptionId") != "PI1" {
					t.Errorf("query = %v", r.URL.Query())
				}
				w.Write([]byte(body))
			}))
			defer srv.Close()

			got, f := testClient(t, srv).DownloadPDF(context.Background(), ReportCommitment, "PI1")
			if f != nil {
				t.Fatalf("failure: %v", f)
			}
			if string(got) != string(pdf) {
				t.Fatalf("pdf = %q", got)
			}
		})
	}
}

func TestAllocationStartDate(t *testing.T) {
	d := AllocationDetails{DateDebut: "2024-01-01T00:00:00"}
	if d.StartDate() != "2024-01-01" {
		t.Fatalf("got %q", d.StartDate())
	}
	d2 := AllocationDetails{DateDebut: "2024-01-01"}
	if d2.StartDate() != "2024-01-01" {
		t.Fatalf("got %q", d2.StartDate())
	}
}

func TestCheckAvailability(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok")) // the site root serves HTML, not JSON
	}))
	defer up.Close()
	if f := testClient(t, up).CheckAvailability(context.Background()); f != nil {
		t.Fatalf("want up, got %v", f)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer down.Close()
	if f := testClient(t, down).CheckAvailability(context.Background()); f == nil || f.Kind != KindUnavailable {
		t.Fatalf("want unavailable, got %v", f)
	}
}
