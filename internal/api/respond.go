package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"auction-engine/internal/bidding"
	"auction-engine/internal/lock"
	"auction-engine/internal/store"
)

// errorBody is the wire shape for every failure. The engine emits structured
// kinds; this boundary is where they become user-facing text.
type errorBody struct {
	Error          string `json:"error"`
	Message        string `json:"message"`
	RecommendedMin int64  `json:"recommended_min,omitempty"`
	MinIncrement   int64  `json:"min_increment,omitempty"`
	Retryable      bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, kind, message string) {
	writeJSON(w, code, errorBody{Error: kind, Message: message})
}

// writeBidError maps pipeline rejections to HTTP statuses, carrying the
// self-correction hints through for the pricing kinds.
func writeBidError(w http.ResponseWriter, err error) {
	var rejection *bidding.Error
	if errors.As(err, &rejection) {
		code := http.StatusBadRequest
		message := rejectionMessage(rejection.Kind)
		switch rejection.Kind {
		case bidding.KindAuctionNotFound:
			code = http.StatusNotFound
		case bidding.KindLockTimeout, bidding.KindConflict:
			code = http.StatusConflict
		}
		writeJSON(w, code, errorBody{
			Error:          string(rejection.Kind),
			Message:        message,
			RecommendedMin: rejection.RecommendedMin,
			MinIncrement:   rejection.MinIncrement,
			Retryable:      rejection.Retryable(),
		})
		return
	}
	if errors.Is(err, lock.ErrLockTimeout) {
		writeError(w, http.StatusConflict, string(bidding.KindLockTimeout), "another bid is being processed, retry shortly")
		return
	}
	if errors.Is(err, store.ErrAuctionNotFound) {
		writeError(w, http.StatusNotFound, string(bidding.KindAuctionNotFound), "auction not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "Internal", "internal server error")
}

func rejectionMessage(kind bidding.Kind) string {
	switch kind {
	case bidding.KindAuctionNotFound:
		return "auction not found"
	case bidding.KindAuctionNotActive:
		return "auction is not accepting bids"
	case bidding.KindOwnerCannotBid:
		return "sellers cannot bid on their own auction"
	case bidding.KindBidTooLow:
		return "bid is below the minimum acceptable amount"
	case bidding.KindHighBidConfirmationRequired:
		return "unusually high bid requires confirmation"
	case bidding.KindInvalidAmount:
		return "bid amount must be a positive value within limits"
	case bidding.KindLockTimeout:
		return "another bid is being processed, retry shortly"
	case bidding.KindConflict:
		return "bid conflicted with a concurrent commit, retry"
	default:
		return "bid rejected"
	}
}
