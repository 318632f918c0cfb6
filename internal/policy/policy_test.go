package policy

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func testParams() Params {
	return Params{
		MinDepositAmount:       big.NewInt(10),
		MaxOnRampAmount:        big.NewInt(1000),
		FeeRate:                new(big.Int).Div(PreciseUnit, big.NewInt(100)), // 1%
		FeeRecipient:           common.HexToAddress("0xfee0000000000000000000000000000000000000"),
		IntentExpirationPeriod: time.Hour,
		OnRampCooldownPeriod:   time.Minute,
		TimestampBuffer:        30 * time.Second,
	}
}

func TestFeeFloors(t *testing.T) {
	p := testParams()

	fee, net := p.Split(big.NewInt(150))
	require.Equal(t, int64(1), fee.Int64())
	require.Equal(t, int64(149), net.Int64())

	fee, net = p.Split(big.NewInt(99))
	require.Equal(t, int64(0), fee.Int64())
	require.Equal(t, int64(99), net.Int64())
}

func TestZeroFeeRate(t *testing.T) {
	p := testParams()
	p.FeeRate = new(big.Int)
	require.Zero(t, p.Fee(big.NewInt(1_000_000)).Sign())
}

func TestValidateBounds(t *testing.T) {
	p := testParams()

	require.ErrorIs(t, p.ValidateDeposit(big.NewInt(9)), ErrBelowMinDeposit)
	require.NoError(t, p.ValidateDeposit(big.NewInt(10)))
	require.ErrorIs(t, p.ValidateDeposit(big.NewInt(0)), ErrInvalidAmount)

	require.NoError(t, p.ValidateOnRamp(big.NewInt(1000)))
	require.ErrorIs(t, p.ValidateOnRamp(big.NewInt(1001)), ErrAboveMaxOnRamp)
	require.ErrorIs(t, p.ValidateOnRamp(big.NewInt(-1)), ErrInvalidAmount)
}

func TestParamsValidate(t *testing.T) {
	p := testParams()
	require.NoError(t, p.Validate())

	p.FeeRate = new(big.Int).Add(MaxFeeRate, big.NewInt(1))
	require.ErrorIs(t, p.Validate(), ErrFeeRateTooHigh)

	p = testParams()
	p.FeeRecipient = common.Address{}
	require.True(t, errors.Is(p.Validate(), ErrInvalidParams))

	p = testParams()
	p.IntentExpirationPeriod = 0
	require.ErrorIs(t, p.Validate(), ErrInvalidParams)
}

func TestCloneIsDeep(t *testing.T) {
	p := testParams()
	c := p.Clone()
	c.MinDepositAmount.SetInt64(999)
	require.Equal(t, int64(10), p.MinDepositAmount.Int64())
}

func TestFiatAmountRoundsUp(t *testing.T) {
	rate, err := ParseRate("1.5")
	require.NoError(t, err)
	require.Equal(t, int64(15), FiatAmount(big.NewInt(10), rate).Int64())
	require.Equal(t, int64(2), FiatAmount(big.NewInt(1), rate).Int64())

	require.Equal(t, int64(40), FiatAmount(big.NewInt(40), PreciseUnit).Int64())
}

func TestParseAndFormatRate(t *testing.T) {
	v, err := ParseRate("0.0025")
	require.NoError(t, err)
	require.Equal(t, "2500000000000000", v.String())
	require.Equal(t, "0.0025", FormatRate(v))

	_, err = ParseRate("-1")
	require.Error(t, err)
	_, err = ParseRate("abc")
	require.Error(t, err)
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("12.5", 6)
	require.NoError(t, err)
	require.Equal(t, "12500000", v.String())
	require.Equal(t, "12.5", FormatAmount(v, 6))

	_, err = ParseAmount("0.0000001", 6)
	require.Error(t, err)
	_, err = ParseAmount("-1", 6)
	require.Error(t, err)
	_, err = ParseAmount("ten", 6)
	require.Error(t, err)
}
