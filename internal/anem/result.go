package anem

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind classifies a remote-call failure. Workflow code branches on kinds,
// never on message text.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindConnection  Kind = "connection"
	KindTLS         Kind = "tls"
	KindRateLimited Kind = "ratelimited"
	KindHTTP        Kind = "http"
	KindDecode      Kind = "decode"
	KindGeneric     Kind = "generic"
	KindUnavailable Kind = "unavailable"
)

// Failure is the typed outcome of a remote call that did not produce a
// usable payload.
type Failure struct {
	Kind    Kind
	Status  int // HTTP status for KindHTTP/KindRateLimited, else 0
	Message string
}

func (f *Failure) Error() string {
	if f.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", f.Kind, f.Status, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Transport reports whether the failure is a transport/server-class error,
// the kind that feeds failure counters and connection-lost detection.
// Business outcomes and decode errors are not transport failures.
func (f *Failure) Transport() bool {
	switch f.Kind {
	case KindTimeout, KindConnection, KindTLS, KindRateLimited, KindUnavailable:
		return true
	case KindHTTP:
		return f.Status >= 500
	}
	return false
}

// Result is the outcome of one remote call: a JSON body ready to decode, or
// a typed failure. The executor never returns both.
type Result struct {
	Body    []byte
	Failure *Failure
}

func (r Result) OK() bool { return r.Failure == nil }

// Decode unmarshals the successful body into v.
func (r Result) Decode(v any) error {
	if r.Failure != nil {
		return r.Failure
	}
	return json.Unmarshal(r.Body, v)
}

func fail(kind Kind, status int, format string, args ...any) Result {
	return Result{Failure: &Failure{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...)}}
}

// firstToken trims an error message down to its leading component (before
// the first colon), keeping retry-exhaustion summaries short and stable.
func firstToken(msg string) string {
	msg = strings.TrimSpace(msg)
	if i := strings.IndexByte(msg, ':'); i > 0 {
		msg = msg[:i]
	}
	return strings.TrimSpace(msg)
}

// ineligibleBody is the canonical payload synthesized when the booking
// endpoint signals business ineligibility in one of its non-JSON or
// HTTP-error disguises.
var ineligibleBody = []byte(`{"eligible":false}`)

// containsIneligibleMarker detects the raw-text ineligibility marker,
// ignoring case and whitespace around the separator.
func containsIneligibleMarker(body []byte) bool {
	compact := make([]byte, 0, len(body))
	for _, c := range body {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		compact = append(compact, c)
	}
	return strings.Contains(string(compact), `"eligible":false`)
}
