package kinesisclient

import (
	"errors"
	"fmt"
)

// Kind distinguishes the error conditions the producer, consumer and
// checkpointer surface distinctly, per the error handling design.
type Kind int

const (
	// KindUnknown is the zero value; never returned by this package.
	KindUnknown Kind = iota
	// KindStreamDoesNotExist means the stream was not found on the service.
	// Fatal to the operation that observed it.
	KindStreamDoesNotExist
	// KindStreamExists is what the service's create-stream call reports for
	// an existing stream; Producer.CreateStream treats it as success and
	// returns nil.
	KindStreamExists
	// KindStreamShardLimit means the account-level shard quota was exceeded.
	KindStreamShardLimit
	// KindExceededPutLimit means a record or batch exceeded the hard
	// byte/count ceiling.
	KindExceededPutLimit
	// KindThrottled is transient and drives backoff.
	KindThrottled
	// KindServiceInternal is transient and drives backoff up to the retry
	// limit.
	KindServiceInternal
	// KindCheckpointContested means another owner holds the shard or the
	// fencing token is stale.
	KindCheckpointContested
	// KindCancelled means the operation was cancelled by closure or
	// deadline.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindStreamDoesNotExist:
		return "StreamDoesNotExist"
	case KindStreamExists:
		return "StreamExists"
	case KindStreamShardLimit:
		return "StreamShardLimit"
	case KindExceededPutLimit:
		return "ExceededPutLimit"
	case KindThrottled:
		return "Throttled"
	case KindServiceInternal:
		return "ServiceInternal"
	case KindCheckpointContested:
		return "CheckpointContested"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is the typed error returned across the producer and consumer
// surfaces; the checkpoint package returns its own sentinel errors
// instead. Callers should use errors.As to recover the Kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, &Error{Kind: KindThrottled}) style matching on
// Kind alone.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newError(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// IsThrottled reports whether err (or something it wraps) is a Throttled
// service error.
func IsThrottled(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindThrottled
}

// IsServiceInternal reports whether err (or something it wraps) is a
// transient internal-service error.
func IsServiceInternal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindServiceInternal
}

// IsRetryable reports whether the propagation policy for fetch/put loops
// says this error should drive backoff rather than surface.
func IsRetryable(err error) bool {
	return IsThrottled(err) || IsServiceInternal(err)
}
