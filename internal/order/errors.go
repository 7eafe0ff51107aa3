package order

import "errors"

// Skips: nothing is placed and no Order is written.
var (
	ErrBelowThreshold   = errors.New("signal confidence below auto-execute threshold")
	ErrMaxOpenPositions = errors.New("strategy holds its maximum open positions")
	ErrPositionOpen     = errors.New("strategy already holds a position on symbol")
	ErrNoFreeBalance    = errors.New("no free balance to sell")
)

// ErrOrderFailed wraps a placement whose Order row ended REJECTED or ERROR.
var ErrOrderFailed = errors.New("order failed")

// IsSkip reports whether err means the signal was skipped without an order.
func IsSkip(err error) bool {
	return errors.Is(err, ErrBelowThreshold) ||
		errors.Is(err, ErrMaxOpenPositions) ||
		errors.Is(err, ErrPositionOpen) ||
		errors.Is(err, ErrNoFreeBalance)
}
