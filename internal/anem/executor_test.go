package anem

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "anembot/pkg/logx"
)

// testExecutor builds an executor against srv with millisecond backoffs, no
// request pacing, and a sleep stub that records backoff waits.
func testExecutor(t *testing.T, srv *httptest.Server, maxRetries int) (*Executor, *[]time.Duration) {
	t.Helper()
	e := NewExecutor(Options{
		BaseURL:          srv.URL,
		SiteCheckURL:     srv.URL + "/",
		RequestTimeout:   5 * time.Second,
		MaxRetries:       maxRetries,
		BackoffGeneral:   10 * time.Millisecond,
		BackoffRateLimit: 40 * time.Millisecond,
		MaxBackoffDelay:  time.Second,
		RequestsPerSec:   -1,
	}, logx.Nop())

	var sleeps []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return e, &sleeps
}

func TestBackoffLaddersAreIndependent(t *testing.T) {
	// 429, 429, 500, 429, then success. The rate-limit ladder doubles on
	// its own consecutive hits but resets when a general failure
	// interleaves, so the waits are [b0, 2*b0, g0, b0].
	responses := []int{429, 429, 500, 429, 200}
	var n int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := atomic.AddInt32(&n, 1) - 1
		code := responses[int(i)]
		w.WriteHeader(code)
		if code == 200 {
			w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer srv.Close()

	e, sleeps := testExecutor(t, srv, 4)
	res := e.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "x"})
	if !res.OK() {
		t.Fatalf("want success after retries, got %v", res.Failure)
	}

	want := []time.Duration{
		40 * time.Millisecond, // b0
		80 * time.Millisecond, // 2*b0
		10 * time.Millisecond, // g0 (general ladder untouched by the 429s)
		40 * time.Millisecond, // b0 again (reset by the 500)
	}
	if len(*sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *sleeps, want)
	}
	for i := range want {
		if (*sleeps)[i] != want[i] {
			t.Fatalf("sleep[%d] = %v, want %v (all: %v)", i, (*sleeps)[i], want[i], *sleeps)
		}
	}
}

func TestGeneralBackoffDoublesAndCaps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()

	e, sleeps := testExecutor(t, srv, 5)
	e.SetOptions(Options{
		BaseURL:          srv.URL,
		MaxRetries:       5,
		BackoffGeneral:   10 * time.Millisecond,
		BackoffRateLimit: 40 * time.Millisecond,
		MaxBackoffDelay:  25 * time.Millisecond,
		RequestsPerSec:   -1,
	})

	res := e.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "x"})
	if res.OK() || res.Failure.Kind != KindHTTP {
		t.Fatalf("want http failure, got %+v", res)
	}
	want := []time.Duration{10, 20, 25, 25, 25}
	for i, w := range want {
		if (*sleeps)[i] != time.Duration(w)*time.Millisecond {
			t.Fatalf("sleep[%d] = %v, want %dms (all: %v)", i, (*sleeps)[i], w, *sleeps)
		}
	}
}

func TestRateLimitExhaustion(t *testing.T) {
	var n int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&n, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e, _ := testExecutor(t, srv, 2)
	res := e.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "x"})
	if res.OK() || res.Failure.Kind != KindRateLimited {
		t.Fatalf("want ratelimited failure, got %+v", res)
	}
	if got := atomic.LoadInt32(&n); got != 3 {
		t.Fatalf("attempts = %d, want 3 (1 + 2 retries)", got)
	}
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var n int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&n, 1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	e, sleeps := testExecutor(t, srv, 3)
	res := e.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "x"})
	if res.OK() || res.Failure.Kind != KindHTTP || res.Failure.Status != 400 {
		t.Fatalf("want http 400 failure, got %+v", res)
	}
	if atomic.LoadInt32(&n) != 1 || len(*sleeps) != 0 {
		t.Fatalf("4xx must not be retried: attempts=%d sleeps=%v", n, *sleeps)
	}
}

func TestExhaustedMessageUsesFirstToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(502)
	}))
	defer srv.Close()

	e, _ := testExecutor(t, srv, 1)
	res := e.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "x"})
	if res.OK() {
		t.Fatal("want failure")
	}
	msg := res.Failure.Message
	if !strings.Contains(msg, "after retries") {
		t.Fatalf("message = %q, want retry-exhaustion summary", msg)
	}
	// the parenthesized cause is the first token only, no trailing detail
	if strings.Count(msg, ":") != 0 {
		t.Fatalf("message = %q, want no colon-separated detail", msg)
	}
}

func TestBookingIneligibilityDisguises(t *testing.T) {
	cases := []struct {
		name string
		h    http.HandlerFunc
	}{
		{
			"http error with raw marker",
			func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(400)
				w.Write([]byte(`some html page: "Eligible":false blah`))
			},
		},
		{
			"2xx raw text with marker",
			func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`"Eligible" : false`))
			},
		},
		{
			"2xx json",
			func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"Eligible": false, "serviceUp": true}`))
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var n int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&n, 1)
				c.h(w, r)
			}))
			defer srv.Close()

			e, _ := testExecutor(t, srv, 3)
			res := e.Do(context.Background(), Request{Method: http.MethodPost, Endpoint: "RendezVous/Create", Booking: true})
			if !res.OK() {
				t.Fatalf("want normalized success, got %v", res.Failure)
			}
			var out BookingResult
			if err := res.Decode(&out); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !out.Ineligible() {
				t.Fatalf("want Ineligible, got %+v", out)
			}
			if atomic.LoadInt32(&n) != 1 {
				t.Fatalf("business outcome must not be retried: attempts=%d", n)
			}
		})
	}
}

func TestDecodeFailureIsNotRetried(t *testing.T) {
	var n int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&n, 1)
		w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()

	e, _ := testExecutor(t, srv, 3)
	res := e.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "x"})
	if res.OK() || res.Failure.Kind != KindDecode {
		t.Fatalf("want decode failure, got %+v", res)
	}
	if atomic.LoadInt32(&n) != 1 {
		t.Fatalf("decode failure must not be retried: attempts=%d", n)
	}
}

func TestProbeSingleAttempt(t *testing.T) {
	var n int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&n, 1)
		w.WriteHeader(503)
	}))
	defer srv.Close()

	e, sleeps := testExecutor(t, srv, 3)
	res := e.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL, Probe: true})
	if res.OK() || res.Failure.Kind != KindUnavailable {
		t.Fatalf("want unavailable, got %+v", res)
	}
	if atomic.LoadInt32(&n) != 1 || len(*sleeps) != 0 {
		t.Fatalf("probe must be a single attempt: attempts=%d sleeps=%v", n, *sleeps)
	}
}

func TestSessionHeadersApplied(t *testing.T) {
	var gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	e, _ := testExecutor(t, srv, 0)
	if res := e.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "x"}); !res.OK() {
		t.Fatalf("unexpected failure: %v", res.Failure)
	}
	if !strings.HasPrefix(gotUA, "Mozilla/5.0") {
		t.Fatalf("User-Agent = %q", gotUA)
	}
	if !strings.Contains(gotAccept, "application/json") {
		t.Fatalf("Accept = %q", gotAccept)
	}
}

func TestFirstToken(t *testing.T) {
	cases := map[string]string{
		"timeout: context deadline exceeded": "timeout",
		"server error 502 Bad Gateway":       "server error 502 Bad Gateway",
		"  connection failed: dial tcp ...":  "connection failed",
	}
	for in, want := range cases {
		if got := firstToken(in); got != want {
			t.Errorf("firstToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestContainsIneligibleMarker(t *testing.T) {
	if !containsIneligibleMarker([]byte(`x "ELIGIBLE" : FALSE y`)) {
		t.Fatal("case/space-insensitive marker not detected")
	}
	if containsIneligibleMarker([]byte(`{"eligible":true}`)) {
		t.Fatal("false positive")
	}
}
