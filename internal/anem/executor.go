package anem

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logx "anembot/pkg/logx"
)

const (
	// DefaultBaseURL is the production allocation API.
	DefaultBaseURL = "https://ac-controle.anem.dz/AllocationChomage/api"
	// DefaultSiteCheckURL is the availability-probe target, deliberately the
	// site root rather than an API endpoint.
	DefaultSiteCheckURL = "https://ac-controle.anem.dz/"

	probeTimeout = 5 * time.Second

	maxResponseBytes = 32 << 20 // certificate payloads are base64 PDFs
)

// Options tunes the executor. Zero fields take the documented defaults.
type Options struct {
	BaseURL      string
	SiteCheckURL string

	RequestTimeout time.Duration
	MaxRetries     int

	BackoffGeneral   time.Duration
	BackoffRateLimit time.Duration
	MaxBackoffDelay  time.Duration

	RequestsPerSec int
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.SiteCheckURL == "" {
		o.SiteCheckURL = DefaultSiteCheckURL
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.BackoffGeneral <= 0 {
		o.BackoffGeneral = 5 * time.Second
	}
	if o.BackoffRateLimit <= 0 {
		o.BackoffRateLimit = time.Minute
	}
	if o.MaxBackoffDelay <= 0 {
		o.MaxBackoffDelay = 2 * time.Minute
	}
	if o.RequestsPerSec == 0 {
		o.RequestsPerSec = 2
	}
	return o
}

// Request describes one remote call for the executor.
type Request struct {
	Method   string
	Endpoint string // path under the API base, ignored when URL is set
	URL      string // absolute override (probe target)
	Query    url.Values
	Body     any // JSON-marshaled when non-nil
	Header   http.Header

	// Probe requests get exactly one attempt with a short fixed timeout and
	// report any failure as KindUnavailable.
	Probe bool

	// Booking enables ineligibility normalization: an "eligible": false
	// marker in an HTTP-error or non-JSON body becomes a successful
	// ineligible payload instead of a failure.
	Booking bool

	// Raw skips JSON validation of a 2xx body; the certificate endpoint
	// serves bare base64 text.
	Raw bool
}

// Executor issues HTTP requests with retry, dual exponential backoff
// (general vs rate-limit), failure classification and request pacing.
// It is safe for concurrent use; options may be swapped while running.
type Executor struct {
	httpc   *http.Client
	limiter *rate.Limiter
	opts    atomic.Pointer[Options]
	log     logx.Logger

	// sleep is swapped in tests to record backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(opts Options, log logx.Logger) *Executor {
	opts = opts.withDefaults()
	jar, _ := cookiejar.New(nil)
	e := &Executor{
		httpc:   &http.Client{Jar: jar},
		limiter: rate.NewLimiter(limitFor(opts.RequestsPerSec), 1),
		log:     log,
		sleep:   sleepCtx,
	}
	e.opts.Store(&opts)
	return e
}

func limitFor(perSec int) rate.Limit {
	if perSec < 0 {
		return rate.Inf
	}
	return rate.Limit(perSec)
}

// SetOptions applies new settings; in-flight calls keep the snapshot they
// started with, the next call picks these up.
func (e *Executor) SetOptions(opts Options) {
	opts = opts.withDefaults()
	e.opts.Store(&opts)
	e.limiter.SetLimit(limitFor(opts.RequestsPerSec))
}

func (e *Executor) Options() Options { return *e.opts.Load() }

// Do runs one remote call to completion: paced, retried with backoff, and
// classified. It never returns an error through panic or the error return
// idiom; the outcome is always a Result.
func (e *Executor) Do(ctx context.Context, req Request) Result {
	opts := *e.opts.Load()

	attempts := 1 + opts.MaxRetries
	timeout := opts.RequestTimeout
	if req.Probe {
		attempts = 1
		timeout = probeTimeout
	}

	// Backoff ladders are local to this call. Each doubles on a consecutive
	// failure of its own kind and resets when the other kind interrupts.
	genDelay := opts.BackoffGeneral
	rateDelay := opts.BackoffRateLimit

	var last *Failure
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return fail(KindGeneric, 0, "canceled")
		}

		res := e.attempt(ctx, req, timeout)
		if res.OK() {
			return res
		}
		f := res.Failure

		if req.Probe {
			return fail(KindUnavailable, 0, "%s", f.Message)
		}
		if !retryable(f) {
			return res
		}

		last = f
		if attempt == attempts {
			break
		}

		var wait time.Duration
		if f.Kind == KindRateLimited {
			wait = rateDelay
			rateDelay = capDouble(rateDelay, opts.MaxBackoffDelay)
			genDelay = opts.BackoffGeneral
		} else {
			wait = genDelay
			genDelay = capDouble(genDelay, opts.MaxBackoffDelay)
			rateDelay = opts.BackoffRateLimit
		}

		if !e.log.IsZero() {
			e.log.Warn("remote call failed, backing off",
				logx.String("endpoint", req.Endpoint),
				logx.String("kind", string(f.Kind)),
				logx.Int("attempt", attempt),
				logx.Duration("wait", wait))
		}
		if err := e.sleep(ctx, wait); err != nil {
			return fail(KindGeneric, 0, "canceled")
		}
	}

	if last.Kind == KindRateLimited {
		return fail(KindRateLimited, last.Status, "rate limited by service after retries")
	}
	return fail(last.Kind, last.Status, "connection to service failed after retries (%s)", firstToken(last.Message))
}

func retryable(f *Failure) bool {
	switch f.Kind {
	case KindTimeout, KindConnection, KindTLS, KindRateLimited:
		return true
	case KindHTTP:
		return f.Status >= 500
	}
	return false
}

func capDouble(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		d = max
	}
	return d
}

// attempt issues a single HTTP transaction and classifies its outcome.
func (e *Executor) attempt(parent context.Context, req Request, timeout time.Duration) Result {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	target := req.URL
	if target == "" {
		base := strings.TrimRight(e.opts.Load().BaseURL, "/")
		target = base + "/" + strings.TrimLeft(req.Endpoint, "/")
	}
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var bodyReader io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return fail(KindGeneric, 0, "encode request: %v", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, target, bodyReader)
	if err != nil {
		return fail(KindGeneric, 0, "build request: %v", err)
	}
	applySessionHeaders(hreq.Header)
	if req.Body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range req.Header {
		hreq.Header[k] = vs
	}

	resp, err := e.httpc.Do(hreq)
	if err != nil {
		if parent.Err() != nil {
			return fail(KindGeneric, 0, "canceled")
		}
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if parent.Err() != nil {
			return fail(KindGeneric, 0, "canceled")
		}
		return classifyTransport(err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fail(KindRateLimited, resp.StatusCode, "rate limited by service")
	case resp.StatusCode >= 500:
		return fail(KindHTTP, resp.StatusCode, "server error %s", resp.Status)
	case resp.StatusCode >= 400:
		// The booking endpoint hides a business outcome inside HTTP errors.
		if req.Booking && containsIneligibleMarker(body) {
			return Result{Body: ineligibleBody}
		}
		return fail(KindHTTP, resp.StatusCode, "unexpected response %s", resp.Status)
	}

	if req.Probe {
		return Result{Body: []byte(`{}`)}
	}
	if req.Raw {
		return Result{Body: body}
	}
	if json.Valid(body) {
		return Result{Body: body}
	}
	if req.Booking && containsIneligibleMarker(body) {
		return Result{Body: ineligibleBody}
	}
	if !e.log.IsZero() {
		e.log.Warn("non-JSON response body",
			logx.String("endpoint", req.Endpoint),
			logx.String("body", snippet(body)))
	}
	// The HTTP transaction succeeded, so a retry would resend the same
	// side effect for the same garbage; surface immediately instead.
	return fail(KindDecode, 0, "response is not valid JSON")
}

func classifyTransport(err error) Result {
	var (
		certErr  *tls.CertificateVerificationError
		authErr  x509.UnknownAuthorityError
		hostErr  x509.HostnameError
		validErr x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &certErr), errors.As(err, &authErr),
		errors.As(err, &hostErr), errors.As(err, &validErr):
		return fail(KindTLS, 0, "tls verification failed: %v", err)
	}
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return fail(KindTimeout, 0, "request timed out")
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fail(KindConnection, 0, "connection failed: %v", uerr.Err)
	}
	return fail(KindGeneric, 0, "%v", err)
}

// applySessionHeaders sets the browser-like headers the service expects.
func applySessionHeaders(h http.Header) {
	h.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36")
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", "fr-FR,fr;q=0.9,ar;q=0.8,en;q=0.7")
	h.Set("Origin", "https://minha.anem.dz")
	h.Set("Referer", "https://minha.anem.dz/")
}

func snippet(body []byte) string {
	const max = 120
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
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
