package relay

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorKind is the closed set of failure classes the relay acts on.
type ErrorKind int

const (
	// KindOther is any failure not covered below. It is reported to the
	// group as a visible message.
	KindOther ErrorKind = iota
	// KindAborted means the remote side aborted the interaction.
	KindAborted
	// KindCancelled means the interaction or caller was cancelled.
	KindCancelled
	// KindStaleSession means the stored remote session is no longer valid.
	KindStaleSession
)

func (k ErrorKind) String() string {
	switch k {
	case KindAborted:
		return "aborted"
	case KindCancelled:
		return "cancelled"
	case KindStaleSession:
		return "stale_session"
	default:
		return "other"
	}
}

// Classification is the result of Classify.
type Classification struct {
	Kind   ErrorKind
	Detail string // human-readable detail, may be empty
}

var (
	errStreamEnded        = status.Error(codes.Unavailable, "stream ended before interaction end")
	errUnknownStreamError = status.Error(codes.Unknown, "")
)

// Classify maps an error from the streaming client to an ErrorKind. Errors
// wrapping a gRPC status are matched by code and detailed by the status
// message alone; context cancellation counts as Cancelled.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindOther}
	}
	if errors.Is(err, context.Canceled) {
		return Classification{Kind: KindCancelled, Detail: err.Error()}
	}

	var se interface{ GRPCStatus() *status.Status }
	if !errors.As(err, &se) {
		return Classification{Kind: KindOther, Detail: err.Error()}
	}
	st := se.GRPCStatus()
	c := Classification{Detail: st.Message()}
	switch st.Code() {
	case codes.Aborted:
		c.Kind = KindAborted
	case codes.Canceled:
		c.Kind = KindCancelled
	case codes.FailedPrecondition:
		c.Kind = KindStaleSession
	default:
		c.Kind = KindOther
	}
	return c
}

const oopsPrefix = "Oops! something went wrong"

// VisibleError renders the message posted to a group for a failure.
func VisibleError(detail string) string {
	if detail == "" {
		return oopsPrefix
	}
	return oopsPrefix + ": " + detail
}
