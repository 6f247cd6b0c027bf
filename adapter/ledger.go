package adapter

import (
	"math/big"

	"github.com/holiman/uint256"

	"yieldsource/crypto"
	"yieldsource/state"
)

var creditsPrefix = []byte("adapter/credits/")

// ledger is the authoritative record of each depositor's credit quantity.
// Accounts are created implicitly on first reference and never deleted. It
// does no conversion and makes no external calls; attribution lives here and
// nowhere else.
type ledger struct {
	state state.Storage
}

func creditsKey(addr crypto.Address) []byte {
	key := make([]byte, 0, len(creditsPrefix)+crypto.AddressLength)
	key = append(key, creditsPrefix...)
	return append(key, addr.Bytes()...)
}

// credits returns the recorded balance, zero when the account was never
// touched.
func (l ledger) credits(addr crypto.Address) (*big.Int, error) {
	if l.state == nil {
		return nil, ErrNilState
	}
	value := new(big.Int)
	ok, err := l.state.KVGet(creditsKey(addr), value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return value, nil
}

func (l ledger) increase(addr crypto.Address, amount *big.Int) error {
	if l.state == nil {
		return ErrNilState
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	current, err := l.credits(addr)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(current, amount)
	if _, overflow := uint256.FromBig(next); overflow {
		return ErrCreditsOverflow
	}
	return l.state.KVPut(creditsKey(addr), next)
}

func (l ledger) decrease(addr crypto.Address, amount *big.Int) error {
	if l.state == nil {
		return ErrNilState
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	current, err := l.credits(addr)
	if err != nil {
		return err
	}
	if current.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	return l.state.KVPut(creditsKey(addr), new(big.Int).Sub(current, amount))
}
