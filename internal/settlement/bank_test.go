package settlement

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	alice  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	escrow = common.HexToAddress("0x00000000000000000000000000000000e5c70000")
)

func TestApplyIsAllOrNothing(t *testing.T) {
	bank := NewMemoryBank()
	require.NoError(t, bank.Mint(alice, big.NewInt(100)))

	err := bank.Apply(
		Transfer{From: alice, To: escrow, Amount: big.NewInt(60)},
		Transfer{From: alice, To: bob, Amount: big.NewInt(60)},
	)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Equal(t, int64(100), bank.Balance(alice).Int64())
	require.Zero(t, bank.Balance(escrow).Sign())

	require.NoError(t, bank.Apply(
		Transfer{From: alice, To: escrow, Amount: big.NewInt(60)},
		Transfer{From: escrow, To: bob, Amount: big.NewInt(25)},
	))
	require.Equal(t, int64(40), bank.Balance(alice).Int64())
	require.Equal(t, int64(35), bank.Balance(escrow).Int64())
	require.Equal(t, int64(25), bank.Balance(bob).Int64())
}

func TestBalanceIsACopy(t *testing.T) {
	bank := NewMemoryBank()
	require.NoError(t, bank.Mint(alice, big.NewInt(5)))
	bank.Balance(alice).SetInt64(1000)
	require.Equal(t, int64(5), bank.Balance(alice).Int64())
}

func TestRejectsInvalidAmounts(t *testing.T) {
	bank := NewMemoryBank()
	require.ErrorIs(t, bank.Mint(alice, big.NewInt(0)), ErrInvalidAmount)
	require.ErrorIs(t, bank.Apply(Transfer{From: alice, To: bob, Amount: big.NewInt(-1)}), ErrInvalidAmount)
	require.NoError(t, bank.Apply(Transfer{From: alice, To: bob, Amount: big.NewInt(0)}))
}
