package errors

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Kind is the retry-orchestrator error taxonomy.
type Kind string

const (
	// KindTransient covers network timeouts, temporary resource exhaustion,
	// upstream 5xx and database busy/deadlock. Retried with backoff.
	KindTransient Kind = "transient"
	// KindPermanent covers validation failures, constraint violations and
	// upstream 4xx (non-429). Never retried.
	KindPermanent Kind = "permanent"
	// KindRateLimited covers HTTP 429 and quota signals. Retried with a
	// minimum floor delay regardless of attempt number.
	KindRateLimited Kind = "rate_limited"
	// KindCancelled covers explicit cancellation and deadline exceedance.
	// Not retried unless explicitly configured.
	KindCancelled Kind = "cancelled"
	// KindLeaseLost means the stage lease could not be extended. Treated as
	// transient; the expired lease is reclaimed lazily.
	KindLeaseLost Kind = "lease_lost"
	// KindUnknown is anything unclassifiable. Retried like transient.
	KindUnknown Kind = "unknown"
)

// Retryable reports whether the retry orchestrator may retry this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindRateLimited, KindLeaseLost, KindUnknown:
		return true
	default:
		return false
	}
}

// kindFromCode derives the taxonomy kind from an error code.
func kindFromCode(code string) Kind {
	switch code {
	case ErrCodeDatabaseUnavailable, ErrCodeDatabaseBusy,
		ErrCodeUpstreamTimeout, ErrCodeUpstreamUnavailable,
		ErrCodeBlobStore:
		return KindTransient
	case ErrCodeUpstreamRateLimited:
		return KindRateLimited
	case ErrCodeCancelled:
		return KindCancelled
	case ErrCodeLeaseLost:
		return KindLeaseLost
	case ErrCodeInternal:
		return KindUnknown
	default:
		return KindPermanent
	}
}

// Classify maps an arbitrary error into the taxonomy.
// PipeErrors keep their own kind; everything else is classified by shape.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var pe *PipeError
	if errors.As(err, &pe) {
		return pe.Kind
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"),
		strings.Contains(msg, "quota"):
		return KindRateLimited
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "temporarily unavailable"),
		strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "deadlock"),
		strings.Contains(msg, "busy"):
		return KindTransient
	case strings.Contains(msg, "constraint"), strings.Contains(msg, "unique"),
		strings.Contains(msg, "foreign key"),
		strings.Contains(msg, "not null"),
		strings.Contains(msg, "invalid"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "forbidden"):
		return KindPermanent
	default:
		return KindUnknown
	}
}

// Wrap converts an arbitrary error into a PipeError with a classified kind.
// The original error is preserved as the cause. PipeErrors pass through.
func Wrap(err error, message string) *PipeError {
	if err == nil {
		return nil
	}

	var pe *PipeError
	if errors.As(err, &pe) {
		return pe
	}

	kind := Classify(err)
	code := codeForKind(kind)
	e := New(code, message, err)
	e.Kind = kind
	return e
}

// codeForKind picks a generic code for errors classified without one.
func codeForKind(kind Kind) string {
	switch kind {
	case KindTransient:
		return ErrCodeUpstreamUnavailable
	case KindRateLimited:
		return ErrCodeUpstreamRateLimited
	case KindCancelled:
		return ErrCodeCancelled
	case KindLeaseLost:
		return ErrCodeLeaseLost
	case KindPermanent:
		return ErrCodeInvalidInput
	default:
		return ErrCodeInternal
	}
}
