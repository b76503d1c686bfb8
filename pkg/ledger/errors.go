package ledger

import "errors"

var (
	// ErrDuplicateUser rejects creating an account whose username is taken.
	ErrDuplicateUser = errors.New("user already exists")
	// ErrUserNotFound is returned when a named account does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrInsufficientFunds rejects a transfer larger than the sender's balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrWalletCapExceeded rejects a top-up that would push the wallet past
	// WalletCap inside the funding window.
	ErrWalletCapExceeded = errors.New("monthly limit of 100 exceeded")

	// ErrInvalidAmount rejects zero or negative amounts.
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrInvalidUsername = errors.New("username must not be empty")

	// ErrStorageUnavailable wraps backend read/write failures.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrStorageCorrupt wraps stored data that cannot be parsed.
	ErrStorageCorrupt = errors.New("storage corrupt")
	// ErrStorageConflict means another writer changed an account between
	// LoadAll and SaveAll. Nothing was written; reload and try again.
	ErrStorageConflict = errors.New("storage conflict")
)
