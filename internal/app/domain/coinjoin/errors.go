package coinjoin

import (
	"encoding/json"
	"errors"
)

// Validation errors are raised before any state changes and can be retried
// once the input is corrected.
var (
	ErrCoinJoinDisabled        = errors.New("coinjoin disabled")
	ErrDenominationMismatch    = errors.New("amount does not match pool denomination")
	ErrExpiryInPast            = errors.New("expiry timestamp is not in the future")
	ErrInvalidSlippageBounds   = errors.New("max slippage must be between 0 and 10000 bps")
	ErrInvalidBounds           = errors.New("invalid pool bounds")
	ErrUnsupportedDenomination = errors.New("unsupported denomination")
	ErrInvalidAddress          = errors.New("invalid address")
	ErrDuplicateDepositor      = errors.New("depositor already has a queued deposit in this pool")
	ErrInvalidIndex            = errors.New("deposit index out of range")
)

// Capacity errors mean the caller should wait.
var (
	ErrPoolFull                 = errors.New("pool is full")
	ErrInsufficientParticipants = errors.New("insufficient participants")
)

// Consistency errors point at a caller or integration bug. Settlement aborts
// as a whole when one is raised.
var (
	ErrRecipientCountMismatch = errors.New("recipient count does not match eligible deposits")
	ErrRecipientMismatch      = errors.New("recipient does not match the nominated receiving address")
	ErrDepositExpired         = errors.New("eligible deposit has expired")
	ErrVaultUnderflow         = errors.New("vault balance underflow")
	ErrArithmeticOverflow     = errors.New("arithmetic overflow")
)

// ErrTransferFailed wraps failures reported by the token collaborator.
var ErrTransferFailed = errors.New("token transfer failed")

// Administrative errors.
var (
	ErrAlreadyInitialized = errors.New("config already initialized")
	ErrNotInitialized     = errors.New("config not initialized")
	ErrPoolAlreadyExists  = errors.New("pool already exists")
	ErrPoolNotFound       = errors.New("pool not found")
	ErrUnauthorized       = errors.New("caller is not the owner")
)

// Category groups errors by how a caller should react to them.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryValidation
	CategoryCapacity
	CategoryConsistency
	CategoryCollaborator
	CategoryAdministrative
)

var categories = []struct {
	err      error
	category Category
}{
	{ErrCoinJoinDisabled, CategoryValidation},
	{ErrDenominationMismatch, CategoryValidation},
	{ErrExpiryInPast, CategoryValidation},
	{ErrInvalidSlippageBounds, CategoryValidation},
	{ErrInvalidBounds, CategoryValidation},
	{ErrUnsupportedDenomination, CategoryValidation},
	{ErrInvalidAddress, CategoryValidation},
	{ErrDuplicateDepositor, CategoryValidation},
	{ErrInvalidIndex, CategoryValidation},
	{ErrPoolFull, CategoryCapacity},
	{ErrInsufficientParticipants, CategoryCapacity},
	{ErrRecipientCountMismatch, CategoryConsistency},
	{ErrRecipientMismatch, CategoryConsistency},
	{ErrDepositExpired, CategoryConsistency},
	{ErrVaultUnderflow, CategoryConsistency},
	{ErrArithmeticOverflow, CategoryConsistency},
	{ErrTransferFailed, CategoryCollaborator},
	{ErrAlreadyInitialized, CategoryAdministrative},
	{ErrNotInitialized, CategoryAdministrative},
	{ErrPoolAlreadyExists, CategoryAdministrative},
	{ErrPoolNotFound, CategoryAdministrative},
	{ErrUnauthorized, CategoryAdministrative},
}

// CategoryOf classifies err, looking through wrapping.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	for _, c := range categories {
		if errors.Is(err, c.err) {
			return c.category
		}
	}
	return CategoryUnknown
}

// IsRecoverable reports whether retrying later or with corrected input can
// succeed.
func IsRecoverable(err error) bool {
	switch CategoryOf(err) {
	case CategoryValidation, CategoryCapacity:
		return true
	default:
		return false
	}
}

// String returns the lowercase category name.
func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryCapacity:
		return "capacity"
	case CategoryConsistency:
		return "consistency"
	case CategoryCollaborator:
		return "collaborator"
	case CategoryAdministrative:
		return "administrative"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler.
func (c Category) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}
