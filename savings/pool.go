package savings

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"yieldsource/crypto"
	"yieldsource/state"
	"yieldsource/token"
)

var (
	ErrNilState            = errors.New("savings: state not configured")
	ErrInvalidAmount       = errors.New("savings: amount must be positive")
	ErrInsufficientCredits = errors.New("savings: insufficient credits")
	ErrReserveShortfall    = errors.New("savings: reserve cannot cover redemption")
	ErrRateNotPositive     = errors.New("savings: exchange rate must be positive")
)

// Scale is the fixed-point denominator of the credits->underlying exchange
// rate.
var Scale = big.NewInt(1_000_000_000_000_000_000)

const secondsPerYear = 31_536_000

var basisPoints = big.NewInt(10_000)

var (
	rateKey      = []byte("savings/rate")
	accruedAtKey = []byte("savings/accrued-at")
)

// Pool is an interest-bearing savings facility. Depositors hand it underlying
// token and receive credit token; the credits->underlying exchange rate grows
// over wall-clock time at the configured APR. The pool has no notion of the
// adapter's individual depositors, only of the accounts that hold its credit
// token.
type Pool struct {
	state      state.Storage
	tokens     *token.Ledger
	reserve    crypto.Address
	underlying crypto.Address
	credit     crypto.Address
	aprBps     uint64
	clock      func() time.Time
}

// PoolConfig carries the immutable wiring of a pool.
type PoolConfig struct {
	Reserve     crypto.Address
	Underlying  crypto.Address
	CreditToken crypto.Address
	APRBps      uint64
	InitialRate *big.Int
}

// NewPool constructs the facility and seeds the exchange rate if the state has
// none recorded yet.
func NewPool(st state.Storage, tokens *token.Ledger, cfg PoolConfig) (*Pool, error) {
	if st == nil || tokens == nil {
		return nil, ErrNilState
	}
	if cfg.Reserve.IsZero() || cfg.Underlying.IsZero() || cfg.CreditToken.IsZero() {
		return nil, errors.New("savings: reserve, underlying, and credit token addresses required")
	}
	p := &Pool{
		state:      st,
		tokens:     tokens,
		reserve:    cfg.Reserve,
		underlying: cfg.Underlying,
		credit:     cfg.CreditToken,
		aprBps:     cfg.APRBps,
		clock:      time.Now,
	}
	stored := new(big.Int)
	ok, err := st.KVGet(rateKey, stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		initial := cfg.InitialRate
		if initial == nil || initial.Sign() == 0 {
			initial = Scale
		}
		if initial.Sign() <= 0 {
			return nil, ErrRateNotPositive
		}
		if err := st.KVPut(rateKey, initial); err != nil {
			return nil, err
		}
		if err := p.storeAccruedAt(p.clock()); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// SetClock overrides the time source (primarily for deterministic testing).
func (p *Pool) SetClock(clock func() time.Time) {
	if p == nil || clock == nil {
		return
	}
	p.clock = clock
}

// Address returns the pool's reserve account, the spender depositors must
// approve before calling DepositUnderlying.
func (p *Pool) Address() crypto.Address { return p.reserve }

// UnderlyingAsset returns the token the pool accepts and pays out.
func (p *Pool) UnderlyingAsset() crypto.Address { return p.underlying }

// CreditAsset returns the pool's credit-bearing token.
func (p *Pool) CreditAsset() crypto.Address { return p.credit }

// ExchangeRate accrues interest up to now and returns the current
// credits->underlying rate scaled by 1e18.
func (p *Pool) ExchangeRate() (*big.Int, error) {
	if p == nil || p.state == nil {
		return nil, ErrNilState
	}
	return p.accrue()
}

// DepositUnderlying pulls amount of underlying from the depositor (via the
// allowance granted to the reserve account) and mints credits at the current
// rate. The minted credit quantity is returned; callers must record it rather
// than estimate their own.
func (p *Pool) DepositUnderlying(from crypto.Address, amount *big.Int) (*big.Int, error) {
	if p == nil || p.state == nil {
		return nil, ErrNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	rate, err := p.accrue()
	if err != nil {
		return nil, err
	}
	if err := p.tokens.TransferFrom(p.underlying, p.reserve, from, p.reserve, amount); err != nil {
		return nil, fmt.Errorf("savings: pull deposit: %w", err)
	}
	minted := new(big.Int).Mul(amount, Scale)
	minted.Quo(minted, rate)
	if minted.Sign() == 0 {
		minted = big.NewInt(1)
	}
	if err := p.tokens.Mint(p.credit, from, minted); err != nil {
		return nil, err
	}
	return minted, nil
}

// RedeemUnderlying burns the credits backing amount of underlying and pays
// the amount out of the reserve to the caller. The burn is rounded up so the
// pool never pays out more than the credits cover. The burned credit quantity
// is returned.
func (p *Pool) RedeemUnderlying(caller crypto.Address, amount *big.Int) (*big.Int, error) {
	if p == nil || p.state == nil {
		return nil, ErrNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	rate, err := p.accrue()
	if err != nil {
		return nil, err
	}
	burned := new(big.Int).Mul(amount, Scale)
	burned.Add(burned, new(big.Int).Sub(rate, big.NewInt(1)))
	burned.Quo(burned, rate)
	if err := p.tokens.Burn(p.credit, caller, burned); err != nil {
		if errors.Is(err, token.ErrInsufficientBalance) {
			return nil, ErrInsufficientCredits
		}
		return nil, err
	}
	if err := p.tokens.Transfer(p.underlying, p.reserve, caller, amount); err != nil {
		if errors.Is(err, token.ErrInsufficientBalance) {
			return nil, ErrReserveShortfall
		}
		return nil, err
	}
	return burned, nil
}

// accrue folds the elapsed time into the stored rate:
// rate' = floor(rate * (1 + aprBps*dt / (10000*secondsPerYear))).
func (p *Pool) accrue() (*big.Int, error) {
	rate := new(big.Int)
	ok, err := p.state.KVGet(rateKey, rate)
	if err != nil {
		return nil, err
	}
	if !ok || rate.Sign() <= 0 {
		return nil, ErrRateNotPositive
	}
	now := p.clock().UTC()
	last, err := p.loadAccruedAt()
	if err != nil {
		return nil, err
	}
	if p.aprBps == 0 || !now.After(last) {
		return rate, nil
	}
	delta := now.Unix() - last.Unix()
	if delta <= 0 {
		return rate, nil
	}

	// rate * (den + aprBps*delta) / den with den = 10000*secondsPerYear.
	den := new(big.Int).Mul(basisPoints, big.NewInt(secondsPerYear))
	num := new(big.Int).Mul(new(big.Int).SetUint64(p.aprBps), big.NewInt(delta))
	num.Add(num, den)
	next := new(big.Int).Mul(rate, num)
	next.Quo(next, den)
	if next.Cmp(rate) < 0 {
		next = rate
	}
	if err := p.state.KVPut(rateKey, next); err != nil {
		return nil, err
	}
	if err := p.storeAccruedAt(now); err != nil {
		return nil, err
	}
	return next, nil
}

func (p *Pool) loadAccruedAt() (time.Time, error) {
	var unix uint64
	ok, err := p.state.KVGet(accruedAtKey, &unix)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Unix(0, 0), nil
	}
	return time.Unix(int64(unix), 0), nil
}

func (p *Pool) storeAccruedAt(at time.Time) error {
	unix := at.UTC().Unix()
	if unix < 0 {
		unix = 0
	}
	return p.state.KVPut(accruedAtKey, uint64(unix))
}
