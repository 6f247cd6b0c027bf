package token

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"

	"yieldsource/crypto"
	"yieldsource/state"
)

var (
	ErrZeroAddress           = errors.New("token: zero address")
	ErrInvalidAmount         = errors.New("token: amount must be positive")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrAmountOutOfRange      = errors.New("token: amount exceeds uint256 range")
	ErrNilState              = errors.New("token: state not configured")
)

// MaxAllowance is the unlimited-allowance sentinel. An allowance equal to it
// is never decremented by TransferFrom.
var MaxAllowance = new(uint256.Int).Not(uint256.NewInt(0)).ToBig()

var (
	balPrefix   = []byte("token/bal/")
	allowPrefix = []byte("token/allow/")
)

// Ledger records balances and allowances for every fungible asset in the
// system. Assets are identified by a token address; holders by account
// address. All amounts are non-negative integers bounded by 2^256-1.
type Ledger struct {
	state state.Storage
}

// NewLedger binds the ledger to the shared state manager.
func NewLedger(st state.Storage) *Ledger {
	return &Ledger{state: st}
}

// BalanceOf returns the holder's balance of the given asset, zero when the
// holder has never been credited.
func (l *Ledger) BalanceOf(asset, holder crypto.Address) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, ErrNilState
	}
	return l.load(balanceKey(asset, holder))
}

// Allowance returns what spender may move out of owner's balance of asset.
func (l *Ledger) Allowance(asset, owner, spender crypto.Address) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, ErrNilState
	}
	return l.load(allowanceKey(asset, owner, spender))
}

// Mint credits freshly issued units to the recipient.
func (l *Ledger) Mint(asset, to crypto.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return ErrNilState
	}
	if to.IsZero() {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	balance, err := l.load(balanceKey(asset, to))
	if err != nil {
		return err
	}
	next := new(big.Int).Add(balance, amount)
	if err := checkRange(next); err != nil {
		return err
	}
	return l.state.KVPut(balanceKey(asset, to), next)
}

// Burn destroys units held by the owner.
func (l *Ledger) Burn(asset, from crypto.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return ErrNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	balance, err := l.load(balanceKey(asset, from))
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	return l.state.KVPut(balanceKey(asset, from), new(big.Int).Sub(balance, amount))
}

// Transfer moves units between holders.
func (l *Ledger) Transfer(asset, from, to crypto.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return ErrNilState
	}
	if from.IsZero() || to.IsZero() {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	fromBal, err := l.load(balanceKey(asset, from))
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toBal, err := l.load(balanceKey(asset, to))
	if err != nil {
		return err
	}
	next := new(big.Int).Add(toBal, amount)
	if err := checkRange(next); err != nil {
		return err
	}
	if err := l.state.KVPut(balanceKey(asset, from), new(big.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	return l.state.KVPut(balanceKey(asset, to), next)
}

// TransferFrom moves units out of from's balance on the strength of an
// allowance previously granted to spender. An allowance equal to MaxAllowance
// is treated as unlimited and left untouched.
func (l *Ledger) TransferFrom(asset, spender, from, to crypto.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return ErrNilState
	}
	if spender.IsZero() {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	allowance, err := l.load(allowanceKey(asset, from, spender))
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := l.Transfer(asset, from, to, amount); err != nil {
		return err
	}
	if allowance.Cmp(MaxAllowance) == 0 {
		return nil
	}
	return l.state.KVPut(allowanceKey(asset, from, spender), new(big.Int).Sub(allowance, amount))
}

// Approve sets spender's allowance over owner's balance to exactly amount.
func (l *Ledger) Approve(asset, owner, spender crypto.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return ErrNilState
	}
	if owner.IsZero() || spender.IsZero() {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if err := checkRange(amount); err != nil {
		return err
	}
	return l.state.KVPut(allowanceKey(asset, owner, spender), amount)
}

// IncreaseAllowance raises spender's allowance by delta, failing when the
// result would exceed the uint256 range.
func (l *Ledger) IncreaseAllowance(asset, owner, spender crypto.Address, delta *big.Int) error {
	if l == nil || l.state == nil {
		return ErrNilState
	}
	if owner.IsZero() || spender.IsZero() {
		return ErrZeroAddress
	}
	if delta == nil || delta.Sign() < 0 {
		return ErrInvalidAmount
	}
	allowance, err := l.load(allowanceKey(asset, owner, spender))
	if err != nil {
		return err
	}
	next := new(big.Int).Add(allowance, delta)
	if err := checkRange(next); err != nil {
		return err
	}
	return l.state.KVPut(allowanceKey(asset, owner, spender), next)
}

func (l *Ledger) load(key []byte) (*big.Int, error) {
	value := new(big.Int)
	ok, err := l.state.KVGet(key, value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return value, nil
}

// checkRange rejects values a uint256-denominated token cannot represent.
func checkRange(value *big.Int) error {
	if _, overflow := uint256.FromBig(value); overflow {
		return ErrAmountOutOfRange
	}
	return nil
}

func balanceKey(asset, holder crypto.Address) []byte {
	return compositeKey(balPrefix, asset.Bytes(), holder.Bytes())
}

func allowanceKey(asset, owner, spender crypto.Address) []byte {
	return compositeKey(allowPrefix, asset.Bytes(), owner.Bytes(), spender.Bytes())
}

func compositeKey(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, part := range parts {
		size += len(part) + 1
	}
	key := make([]byte, 0, size)
	key = append(key, prefix...)
	for _, part := range parts {
		key = append(key, part...)
		key = append(key, '/')
	}
	return key
}
