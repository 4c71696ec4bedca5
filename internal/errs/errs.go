// Package errs defines the error taxonomy shared by the fetch client, the
// shared cache, the deduplicator and the orchestrator.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the machine-readable class of a failure.
type Kind string

const (
	KindTransient        Kind = "transient_upstream"
	KindTimeout          Kind = "upstream_timeout"
	KindNetwork          Kind = "upstream_network"
	KindPermanent        Kind = "permanent_upstream"
	KindInvalidPayload   Kind = "invalid_payload"
	KindValidation       Kind = "validation"
	KindCacheUnavailable Kind = "cache_unavailable"
	KindProducer         Kind = "dedupe_producer"
	KindInternal         Kind = "internal"
)

// Transient reports whether failures of this kind are worth retrying or
// masking with a stale value.
func (k Kind) Transient() bool {
	switch k {
	case KindTransient, KindTimeout, KindNetwork, KindCacheUnavailable:
		return true
	}
	return false
}

// Error is a classified failure.
type Error struct {
	Kind     Kind
	Op       string // e.g. "fetch", "shared.get"
	Status   int    // upstream HTTP status, 0 when not applicable
	Attempts int    // upstream attempts made, 0 when not applicable
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Transient errors are upstream 5xx/429 responses that survived every retry.
func Transient(op string, status, attempts int, msg string) *Error {
	return &Error{Kind: KindTransient, Op: op, Status: status, Attempts: attempts, Msg: msg}
}

// Timeout wraps an upstream call that ran out of time on its final attempt.
func Timeout(op string, attempts int, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Attempts: attempts, Msg: "upstream timed out", Err: err}
}

// Network wraps a low-level transport failure on the final attempt.
func Network(op string, attempts int, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Attempts: attempts, Msg: "upstream unreachable", Err: err}
}

// Permanent is a 4xx (other than 429) response; the request itself is wrong.
func Permanent(op string, status int, msg string) *Error {
	return &Error{Kind: KindPermanent, Op: op, Status: status, Attempts: 1, Msg: msg}
}

// InvalidPayload is a successful response whose body could not be parsed.
func InvalidPayload(op string, err error) *Error {
	return &Error{Kind: KindInvalidPayload, Op: op, Msg: "upstream returned an invalid payload", Err: err}
}

// Validation is a caller error detected before any upstream work.
func Validation(op, msg string) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg}
}

// CacheUnavailable marks a shared cache path that did not answer within its
// budget. It is never surfaced to callers as a failure.
func CacheUnavailable(op, path string, err error) *Error {
	return &Error{Kind: KindCacheUnavailable, Op: op, Msg: path + " unavailable", Err: err}
}

// Producer wraps the failure of a deduplicated computation.
func Producer(key string, err error) *Error {
	return &Error{Kind: KindProducer, Op: "dedupe", Msg: fmt.Sprintf("producer for %q failed", key), Err: err}
}

// KindOf returns the classification of err. Producer wrappers are looked
// through so the cause decides. Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return KindInternal
		}
		if e.Kind != KindProducer {
			return e.Kind
		}
		if e.Err == nil {
			return KindProducer
		}
		err = e.Err
	}
	return KindInternal
}

// IsTransient reports whether err may be retried or masked by a stale value.
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}

// PublicError is the caller-visible shape of a failure.
type PublicError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Public converts err into its caller-visible form. Wrapped causes are only
// included when debug is set.
func Public(err error, debug bool) PublicError {
	p := PublicError{Kind: KindOf(err), Message: "internal error"}
	var e *Error
	for cur := err; errors.As(cur, &e); cur = e.Err {
		if e.Kind != KindProducer {
			p.Message = e.Msg
			break
		}
		if e.Err == nil {
			p.Message = e.Msg
			break
		}
	}
	if debug && err != nil {
		p.Detail = err.Error()
	}
	return p
}
