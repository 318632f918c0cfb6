package settlement

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid transfer amount")
)

// Transfer is one leg of a Bank.Apply batch.
type Transfer struct {
	From   common.Address
	To     common.Address
	Amount *big.Int
}

// Bank moves stablecoin balances between principals.
type Bank interface {
	Balance(addr common.Address) *big.Int
	// Apply executes every transfer or none of them.
	Apply(transfers ...Transfer) error
	Mint(to common.Address, amount *big.Int) error
}

// MemoryBank is an in-process balance book.
type MemoryBank struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
}

func NewMemoryBank() *MemoryBank {
	return &MemoryBank{balances: make(map[common.Address]*big.Int)}
}

func (b *MemoryBank) Balance(addr common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.balances[addr]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (b *MemoryBank) Mint(to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(to, amount)
	return nil
}

func (b *MemoryBank) Apply(transfers ...Transfer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Dry run on a scratch copy of the touched balances first.
	scratch := make(map[common.Address]*big.Int)
	get := func(a common.Address) *big.Int {
		if v, ok := scratch[a]; ok {
			return v
		}
		v := new(big.Int)
		if cur, ok := b.balances[a]; ok {
			v.Set(cur)
		}
		scratch[a] = v
		return v
	}
	for _, t := range transfers {
		if t.Amount == nil || t.Amount.Sign() < 0 {
			return ErrInvalidAmount
		}
		if t.Amount.Sign() == 0 {
			continue
		}
		from := get(t.From)
		if from.Cmp(t.Amount) < 0 {
			return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, t.From.Hex(), from, t.Amount)
		}
		from.Sub(from, t.Amount)
		get(t.To).Add(get(t.To), t.Amount)
	}
	for a, v := range scratch {
		b.balances[a] = v
	}
	return nil
}

func (b *MemoryBank) add(addr common.Address, amount *big.Int) {
	cur, ok := b.balances[addr]
	if !ok {
		cur = new(big.Int)
		b.balances[addr] = cur
	}
	cur.Add(cur, amount)
}
