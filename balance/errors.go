package balance

import "errors"

var (
	ErrInvalidAllocation   = errors.New("invalid target allocation")
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrAssetNotHeld        = errors.New("asset not held")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnsupportedAsset    = errors.New("unsupported asset")
	ErrInvalidCurrency     = errors.New("invalid currency")
)
