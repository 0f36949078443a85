package ledger

import "errors"

var (
	// ErrInsufficientBalance rejects a debit the effective balance cannot cover.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrLedgerContention means the retry budget ran out; the caller may try again.
	ErrLedgerContention = errors.New("ledger contention, try again")
	// ErrInvalidTransferTarget covers self-transfers and unknown or closed parties.
	ErrInvalidTransferTarget = errors.New("invalid transfer target")
	ErrUnknownEventKind      = errors.New("unknown event kind")
	// ErrTransferOnly rejects transfer_debit and transfer_credit outside a settlement.
	ErrTransferOnly    = errors.New("event kind is only valid inside a transfer")
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountClosed   = errors.New("account closed")
	ErrAlreadyGranted  = errors.New("initial grant already applied")
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidCursor   = errors.New("invalid cursor")
	errVersionConflict = errors.New("version conflict")
)
