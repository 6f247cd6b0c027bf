package adapter

import "errors"

// Reason strings for the construction, supply, and sweep failures are fixed;
// upstream integrations match on them literally.
var (
	ErrNilFacility         = errors.New("savings-not-zero-address")
	ErrInvalidAmount       = errors.New("must deposit something")
	ErrProtectedAsset      = errors.New("imAsset-transfer-not-allowed")
	ErrInsufficientBalance = errors.New("adapter: insufficient balance")
	ErrZeroAddress         = errors.New("adapter: zero address")
	ErrUnauthorized        = errors.New("adapter: caller not authorised")
	ErrReentrancy          = errors.New("adapter: reentrant call")
	ErrNilState            = errors.New("adapter: state not configured")
	ErrCreditsOverflow     = errors.New("adapter: credit balance overflow")
)
