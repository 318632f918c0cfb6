package ledger

import (
	"errors"
	"fmt"

	"rampledger/internal/accounts"
	"rampledger/internal/nullifier"
	"rampledger/internal/policy"
	"rampledger/internal/settlement"
)

// Error categories. Every error returned by the ledger wraps exactly one of
// these, except proof rejections which wrap proof.ErrRejected unchanged.
var (
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
	ErrNotFound     = errors.New("not found")
)

var (
	ErrInvalidAmount         = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrInvalidRate           = fmt.Errorf("%w: exchange rate must be positive", ErrValidation)
	ErrInvalidIdentity       = fmt.Errorf("%w: identity commitment required", ErrValidation)
	ErrDuplicateDeposit      = fmt.Errorf("%w: deposit listed twice", ErrValidation)
	ErrWithdrawTooLarge      = fmt.Errorf("%w: amount exceeds withdrawable liquidity", ErrValidation)
	ErrPaymentAmountMismatch = fmt.Errorf("%w: payment amount does not match intent", ErrValidation)
	ErrPaymentOutsideWindow  = fmt.Errorf("%w: payment timestamp outside intent window", ErrValidation)
	ErrPayeeMismatch         = fmt.Errorf("%w: payee is not the deposit identity", ErrValidation)
	ErrPayerMismatch         = fmt.Errorf("%w: payer is not the claimant identity", ErrValidation)

	ErrNotOwner      = fmt.Errorf("%w: caller is not the deposit owner", ErrUnauthorized)
	ErrNotClaimant   = fmt.Errorf("%w: caller is not the intent claimant", ErrUnauthorized)
	ErrNotAuthority  = fmt.Errorf("%w: caller is not the authority", ErrUnauthorized)
	ErrNotRegistered = fmt.Errorf("%w: %w", ErrUnauthorized, accounts.ErrNotRegistered)
	ErrDenylisted    = fmt.Errorf("%w: counterparty is denylisted", ErrUnauthorized)

	ErrInsufficientLiquidity = fmt.Errorf("%w: insufficient liquidity", ErrConflict)
	ErrIntentAlreadyOpen     = fmt.Errorf("%w: claimant already has an open intent", ErrConflict)
	ErrCooldownActive        = fmt.Errorf("%w: on-ramp cooldown active", ErrConflict)
	ErrDepositInactive       = fmt.Errorf("%w: deposit is not active", ErrConflict)
	ErrAlreadyUsed           = fmt.Errorf("%w: %w", ErrConflict, nullifier.ErrAlreadyUsed)
	ErrAlreadyRegistered     = fmt.Errorf("%w: %w", ErrConflict, accounts.ErrAlreadyRegistered)
	ErrOwnsActiveDeposits    = fmt.Errorf("%w: principal owns active deposits", ErrConflict)

	ErrDepositNotFound = fmt.Errorf("%w: deposit", ErrNotFound)
	ErrIntentNotFound  = fmt.Errorf("%w: intent", ErrNotFound)
	ErrAccountNotFound = fmt.Errorf("%w: account", ErrNotFound)
)

// classify attaches a ledger category to errors coming from collaborators.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound):
		return err
	case errors.Is(err, accounts.ErrNotRegistered):
		return ErrNotRegistered
	case errors.Is(err, accounts.ErrIdentityTaken):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, accounts.ErrAlreadyRegistered):
		return ErrAlreadyRegistered
	case errors.Is(err, accounts.ErrOpenIntentConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, accounts.ErrPrincipalMismatch):
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case errors.Is(err, accounts.ErrInvalidIdentity),
		errors.Is(err, settlement.ErrInsufficientBalance),
		errors.Is(err, settlement.ErrInvalidAmount),
		errors.Is(err, policy.ErrInvalidAmount),
		errors.Is(err, policy.ErrBelowMinDeposit),
		errors.Is(err, policy.ErrAboveMaxOnRamp),
		errors.Is(err, policy.ErrFeeRateTooHigh),
		errors.Is(err, policy.ErrInvalidParams):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	default:
		return err
	}
}
