package policy

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// PreciseUnit is the fixed-point scale used for fee rates and exchange rates.
var PreciseUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// MaxFeeRate caps the sustainability fee at 5%.
var MaxFeeRate = new(big.Int).Div(PreciseUnit, big.NewInt(20))

var (
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrBelowMinDeposit = errors.New("deposit below minimum")
	ErrAboveMaxOnRamp  = errors.New("amount above max on-ramp")
	ErrFeeRateTooHigh  = errors.New("fee rate above maximum")
	ErrInvalidParams   = errors.New("invalid params")
)

// Params holds the configurable bounds and fee settings of the ledger.
type Params struct {
	MinDepositAmount       *big.Int
	MaxOnRampAmount        *big.Int
	FeeRate                *big.Int // scaled by PreciseUnit
	FeeRecipient           common.Address
	IntentExpirationPeriod time.Duration
	OnRampCooldownPeriod   time.Duration
	TimestampBuffer        time.Duration
}

// Validate checks that every bound is usable.
func (p Params) Validate() error {
	if p.MinDepositAmount == nil || p.MinDepositAmount.Sign() <= 0 {
		return fmt.Errorf("%w: min deposit must be positive", ErrInvalidParams)
	}
	if p.MaxOnRampAmount == nil || p.MaxOnRampAmount.Sign() <= 0 {
		return fmt.Errorf("%w: max on-ramp must be positive", ErrInvalidParams)
	}
	if p.FeeRate == nil || p.FeeRate.Sign() < 0 {
		return fmt.Errorf("%w: fee rate must be non-negative", ErrInvalidParams)
	}
	if p.FeeRate.Cmp(MaxFeeRate) > 0 {
		return ErrFeeRateTooHigh
	}
	if p.FeeRate.Sign() > 0 && p.FeeRecipient == (common.Address{}) {
		return fmt.Errorf("%w: fee recipient required when fee rate is set", ErrInvalidParams)
	}
	if p.IntentExpirationPeriod <= 0 {
		return fmt.Errorf("%w: intent expiration period must be positive", ErrInvalidParams)
	}
	if p.OnRampCooldownPeriod < 0 || p.TimestampBuffer < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidParams)
	}
	return nil
}

// Clone returns a deep copy so callers can't mutate shared big.Ints.
func (p Params) Clone() Params {
	out := p
	out.MinDepositAmount = cloneInt(p.MinDepositAmount)
	out.MaxOnRampAmount = cloneInt(p.MaxOnRampAmount)
	out.FeeRate = cloneInt(p.FeeRate)
	return out
}

// Fee returns floor(amount * FeeRate / PreciseUnit).
func (p Params) Fee(amount *big.Int) *big.Int {
	if amount == nil || p.FeeRate == nil || p.FeeRate.Sign() == 0 {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(amount, p.FeeRate)
	return fee.Quo(fee, PreciseUnit)
}

// Split returns the fee and the net amount left after deducting it.
func (p Params) Split(amount *big.Int) (fee, net *big.Int) {
	fee = p.Fee(amount)
	net = new(big.Int).Sub(amount, fee)
	return fee, net
}

func (p Params) ValidateDeposit(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if amount.Cmp(p.MinDepositAmount) < 0 {
		return fmt.Errorf("%w: %s < %s", ErrBelowMinDeposit, amount, p.MinDepositAmount)
	}
	return nil
}

func (p Params) ValidateOnRamp(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if amount.Cmp(p.MaxOnRampAmount) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrAboveMaxOnRamp, amount, p.MaxOnRampAmount)
	}
	return nil
}

// FiatAmount converts a token amount to the fiat amount owed at rate, rounding up
// so the depositor is never underpaid.
func FiatAmount(amount, rate *big.Int) *big.Int {
	num := new(big.Int).Mul(amount, rate)
	q, r := new(big.Int).QuoRem(num, PreciseUnit, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// ParseRate converts a decimal string such as "0.0025" into PreciseUnit fixed point.
func ParseRate(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse rate %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("parse rate %q: negative", s)
	}
	return d.Shift(18).Truncate(0).BigInt(), nil
}

// FormatRate renders a PreciseUnit fixed-point value as a decimal string.
func FormatRate(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -18).String()
}

// ParseAmount converts a decimal token amount such as "12.5" into base units
// for a token with the given decimals. Amounts finer than one base unit are
// rejected.
func ParseAmount(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	scaled := d.Shift(decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("parse amount %q: more than %d decimals", s, decimals)
	}
	if scaled.IsNegative() {
		return nil, fmt.Errorf("parse amount %q: negative", s)
	}
	return scaled.BigInt(), nil
}

// FormatAmount renders base units as a decimal token amount.
func FormatAmount(v *big.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
