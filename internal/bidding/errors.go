package bidding

import (
	"errors"
	"fmt"
)

// Kind enumerates structured rejection reasons. The engine emits kinds, not
// user-facing prose; the HTTP boundary renders text per locale.
type Kind string

const (
	KindAuctionNotFound             Kind = "AuctionNotFound"
	KindAuctionNotActive            Kind = "AuctionNotActive"
	KindOwnerCannotBid              Kind = "OwnerCannotBid"
	KindBidTooLow                   Kind = "BidTooLow"
	KindHighBidConfirmationRequired Kind = "HighBidConfirmationRequired"
	KindInvalidAmount               Kind = "InvalidAmount"
	KindLockTimeout                 Kind = "LockTimeout"
	KindConflict                    Kind = "Conflict"
)

// Error is a business-rule rejection. BidTooLow and the confirmation kinds
// carry the hints a caller needs to self-correct and retry.
type Error struct {
	Kind           Kind
	RecommendedMin int64
	MinIncrement   int64
}

func (e *Error) Error() string {
	if e.RecommendedMin > 0 {
		return fmt.Sprintf("bid rejected: %s (recommended minimum %d, increment %d)", e.Kind, e.RecommendedMin, e.MinIncrement)
	}
	return fmt.Sprintf("bid rejected: %s", e.Kind)
}

// Retryable reports whether a client should retry without changing input.
// Lock timeouts and commit conflicts are transient; everything else needs a
// corrected request.
func (e *Error) Retryable() bool {
	return e.Kind == KindLockTimeout || e.Kind == KindConflict
}

func reject(kind Kind) *Error {
	return &Error{Kind: kind}
}

func rejectWithHint(kind Kind, recommendedMin, minIncrement int64) *Error {
	return &Error{Kind: kind, RecommendedMin: recommendedMin, MinIncrement: minIncrement}
}

// KindOf extracts the rejection kind from an error chain, or "" when the
// error is not a business rejection.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
