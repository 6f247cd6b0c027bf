package adapter

import (
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"yieldsource/crypto"
	"yieldsource/savings"
	"yieldsource/state"
	"yieldsource/storage"
	"yieldsource/token"
)

type testEnv struct {
	mgr        *state.Manager
	tokens     *token.Ledger
	pool       *savings.Pool
	engine     *Engine
	underlying crypto.Address
	credit     crypto.Address
	reserve    crypto.Address
	owner      crypto.Address
	events     *recordingEmitter
}

type recordingEmitter struct {
	events []Event
}

func (r *recordingEmitter) Emit(ev Event) {
	r.events = append(r.events, ev)
}

func testAddr(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[crypto.AddressLength-1] = b
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func newTestEnv(t *testing.T, aprBps uint64) *testEnv {
	t.Helper()
	env := &testEnv{
		mgr:        state.NewManager(storage.NewMemDB()),
		underlying: crypto.ModuleAddress("token/underlying"),
		credit:     crypto.ModuleAddress("token/credit"),
		reserve:    crypto.ModuleAddress("savings/reserve"),
		owner:      testAddr(0xAA),
		events:     &recordingEmitter{},
	}
	env.tokens = token.NewLedger(env.mgr)
	pool, err := savings.NewPool(env.mgr, env.tokens, savings.PoolConfig{
		Reserve:     env.reserve,
		Underlying:  env.underlying,
		CreditToken: env.credit,
		APRBps:      aprBps,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	env.pool = pool
	engine, err := NewEngine(Config{
		State:    env.mgr,
		Tokens:   env.tokens,
		Facility: pool,
		Address:  crypto.ModuleAddress("adapter"),
		Owner:    env.owner,
		Emitter:  env.events,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	env.engine = engine
	return env
}

func (env *testEnv) fund(t *testing.T, holder crypto.Address, amount int64) {
	t.Helper()
	if err := env.tokens.Mint(env.underlying, holder, big.NewInt(amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := env.tokens.Approve(env.underlying, holder, env.engine.Address(), new(big.Int).Set(token.MaxAllowance)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := env.mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func (env *testEnv) balance(t *testing.T, asset, holder crypto.Address) *big.Int {
	t.Helper()
	bal, err := env.tokens.BalanceOf(asset, holder)
	if err != nil {
		t.Fatalf("balance of: %v", err)
	}
	return bal
}

func TestSupplyRedeemFlow(t *testing.T) {
	env := newTestEnv(t, 0)
	alice := testAddr(0x01)
	bob := testAddr(0x02)
	env.fund(t, alice, 300)
	env.fund(t, bob, 100)

	credited, err := env.engine.Supply(alice, alice, big.NewInt(300))
	if err != nil {
		t.Fatalf("alice supply: %v", err)
	}
	if credited.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("alice credited %s, want 300", credited)
	}
	if _, err := env.engine.Supply(bob, bob, big.NewInt(100)); err != nil {
		t.Fatalf("bob supply: %v", err)
	}

	actual, err := env.engine.Redeem(alice, big.NewInt(200))
	if err != nil {
		t.Fatalf("alice redeem: %v", err)
	}
	if actual.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("alice received %s, want 200", actual)
	}

	aliceBal, err := env.engine.BalanceOf(alice)
	if err != nil {
		t.Fatalf("alice balance: %v", err)
	}
	if aliceBal.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("alice balance %s, want 100", aliceBal)
	}
	bobBal, err := env.engine.BalanceOf(bob)
	if err != nil {
		t.Fatalf("bob balance: %v", err)
	}
	if bobBal.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("bob balance %s, want 100", bobBal)
	}

	if got := env.balance(t, env.underlying, alice); got.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("alice wallet %s, want 200", got)
	}
	if got := env.balance(t, env.underlying, env.engine.Address()); got.Sign() != 0 {
		t.Fatalf("adapter custody %s, want 0", got)
	}
	if got := env.balance(t, env.underlying, env.reserve); got.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("reserve %s, want 200", got)
	}

	types := make([]string, 0, len(env.events.events))
	for _, ev := range env.events.events {
		types = append(types, ev.Type)
	}
	want := []string{EventTypeSupplied, EventTypeSupplied, EventTypeRedeemed}
	if len(types) != len(want) {
		t.Fatalf("events %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events %v, want %v", types, want)
		}
	}
	last := env.events.events[len(env.events.events)-1]
	if last.Attributes["actual"] != "200" || last.Attributes["credits"] != "200" {
		t.Fatalf("redeem event attributes %v", last.Attributes)
	}
}

func TestCreditConservation(t *testing.T) {
	env := newTestEnv(t, 0)
	alice := testAddr(0x01)
	bob := testAddr(0x02)
	env.fund(t, alice, 500)
	env.fund(t, bob, 500)

	steps := []struct {
		supply bool
		who    crypto.Address
		amount int64
	}{
		{true, alice, 120},
		{true, bob, 75},
		{false, alice, 40},
		{true, alice, 11},
		{false, bob, 75},
		{false, alice, 91},
	}
	for i, step := range steps {
		var err error
		if step.supply {
			_, err = env.engine.Supply(step.who, step.who, big.NewInt(step.amount))
		} else {
			_, err = env.engine.Redeem(step.who, big.NewInt(step.amount))
		}
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		held := env.balance(t, env.credit, env.engine.Address())
		sum := new(big.Int)
		for _, who := range []crypto.Address{alice, bob} {
			credits, err := env.engine.Credits(who)
			if err != nil {
				t.Fatalf("credits: %v", err)
			}
			sum.Add(sum, credits)
		}
		if held.Cmp(sum) != 0 {
			t.Fatalf("step %d: adapter holds %s credits, ledger sums %s", i, held, sum)
		}
	}
}

func TestSupplyRejectsZeroAmount(t *testing.T) {
	env := newTestEnv(t, 0)
	alice := testAddr(0x01)
	env.fund(t, alice, 10)

	for _, amount := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		if _, err := env.engine.Supply(alice, alice, amount); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("supply %v: got %v, want ErrInvalidAmount", amount, err)
		}
	}
	if ErrInvalidAmount.Error() != "must deposit something" {
		t.Fatalf("unexpected reason string %q", ErrInvalidAmount.Error())
	}
}

func TestRedeemWithoutCredits(t *testing.T) {
	env := newTestEnv(t, 0)
	alice := testAddr(0x01)
	bob := testAddr(0x02)

	if _, err := env.engine.Redeem(alice, big.NewInt(10)); !errors.Is(err, savings.ErrInsufficientCredits) {
		t.Fatalf("empty redeem: got %v, want insufficient credits", err)
	}

	// Bob's position must not be redeemable by Alice even though the
	// facility only sees the adapter's pooled credits.
	env.fund(t, bob, 100)
	if _, err := env.engine.Supply(bob, bob, big.NewInt(100)); err != nil {
		t.Fatalf("bob supply: %v", err)
	}
	if _, err := env.engine.Redeem(alice, big.NewInt(50)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("alice redeem: got %v, want ErrInsufficientBalance", err)
	}

	if got := env.balance(t, env.credit, env.engine.Address()); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("adapter credits %s after failed redeem, want 100", got)
	}
	bobBal, err := env.engine.BalanceOf(bob)
	if err != nil {
		t.Fatalf("bob balance: %v", err)
	}
	if bobBal.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("bob balance %s after failed redeem, want 100", bobBal)
	}
}

func TestBalanceGrowsWithRate(t *testing.T) {
	env := newTestEnv(t, 500)
	// Accrual is measured from the pool's construction timestamp, so the
	// test clock starts at now.
	now := time.Now()
	env.pool.SetClock(func() time.Time { return now })

	alice := testAddr(0x01)
	env.fund(t, alice, 1_000_000)
	if _, err := env.engine.Supply(alice, alice, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}

	now = now.Add(365 * 24 * time.Hour)
	grown, err := env.engine.BalanceOf(alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if grown.Cmp(big.NewInt(1_000_000)) <= 0 {
		t.Fatalf("balance %s did not grow", grown)
	}
	if grown.Cmp(big.NewInt(1_060_000)) >= 0 {
		t.Fatalf("balance %s grew past 5%% APR", grown)
	}

	// The reserve only holds the principal; cover the accrued interest so
	// the full position can be paid out.
	if err := env.tokens.Mint(env.underlying, env.reserve, big.NewInt(100_000)); err != nil {
		t.Fatalf("mint reserve: %v", err)
	}
	actual, err := env.engine.Redeem(alice, grown)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if actual.Cmp(grown) != 0 {
		t.Fatalf("redeemed %s, want %s", actual, grown)
	}
	remaining, err := env.engine.Credits(alice)
	if err != nil {
		t.Fatalf("credits: %v", err)
	}
	if remaining.Sign() != 0 {
		t.Fatalf("residual credits %s after full redemption", remaining)
	}
}

func TestSweepNeverReleasesCreditToken(t *testing.T) {
	env := newTestEnv(t, 0)
	alice := testAddr(0x01)
	manager := testAddr(0x03)
	sink := testAddr(0x04)
	env.fund(t, alice, 100)
	if _, err := env.engine.Supply(alice, alice, big.NewInt(100)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := env.engine.SetAssetManager(env.owner, manager); err != nil {
		t.Fatalf("set manager: %v", err)
	}

	for _, caller := range []crypto.Address{env.owner, manager} {
		err := env.engine.Sweep(caller, env.credit, sink, big.NewInt(1))
		if !errors.Is(err, ErrProtectedAsset) {
			t.Fatalf("sweep credit token by %s: got %v, want ErrProtectedAsset", caller, err)
		}
	}
	if ErrProtectedAsset.Error() != "imAsset-transfer-not-allowed" {
		t.Fatalf("unexpected reason string %q", ErrProtectedAsset.Error())
	}
}

func TestSweepStrayToken(t *testing.T) {
	env := newTestEnv(t, 0)
	manager := testAddr(0x03)
	stranger := testAddr(0x05)
	sink := testAddr(0x04)
	stray := crypto.ModuleAddress("token/stray")
	if err := env.tokens.Mint(stray, env.engine.Address(), big.NewInt(40)); err != nil {
		t.Fatalf("mint stray: %v", err)
	}
	if err := env.engine.SetAssetManager(env.owner, manager); err != nil {
		t.Fatalf("set manager: %v", err)
	}

	if err := env.engine.Sweep(stranger, stray, sink, big.NewInt(10)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger sweep: got %v, want ErrUnauthorized", err)
	}
	if err := env.engine.Sweep(manager, stray, sink, big.NewInt(15)); err != nil {
		t.Fatalf("manager sweep: %v", err)
	}
	if err := env.engine.Sweep(env.owner, stray, sink, big.NewInt(25)); err != nil {
		t.Fatalf("owner sweep: %v", err)
	}
	if got := env.balance(t, stray, sink); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("sink received %s, want 40", got)
	}

	if err := env.engine.SetAssetManager(env.owner, crypto.Address{}); err != nil {
		t.Fatalf("revoke manager: %v", err)
	}
	if err := env.engine.Sweep(manager, stray, sink, big.NewInt(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("revoked manager sweep: got %v, want ErrUnauthorized", err)
	}
}

func TestReapproveMax(t *testing.T) {
	env := newTestEnv(t, 0)
	stranger := testAddr(0x05)

	if err := env.engine.ReapproveMax(stranger); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger reapprove: got %v, want ErrUnauthorized", err)
	}
	for i := 0; i < 2; i++ {
		if err := env.engine.ReapproveMax(env.owner); err != nil {
			t.Fatalf("reapprove #%d: %v", i+1, err)
		}
	}
	allowance, err := env.tokens.Allowance(env.underlying, env.engine.Address(), env.pool.Address())
	if err != nil {
		t.Fatalf("allowance: %v", err)
	}
	if allowance.Cmp(token.MaxAllowance) != 0 {
		t.Fatalf("allowance %s, want max", allowance)
	}
}

func TestOwnershipTransfer(t *testing.T) {
	env := newTestEnv(t, 0)
	next := testAddr(0x06)

	if err := env.engine.TransferOwnership(env.owner, crypto.Address{}); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("zero next owner: got %v, want ErrZeroAddress", err)
	}
	if err := env.engine.TransferOwnership(env.owner, next); err != nil {
		t.Fatalf("transfer ownership: %v", err)
	}
	if err := env.engine.ReapproveMax(env.owner); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("old owner reapprove: got %v, want ErrUnauthorized", err)
	}
	if err := env.engine.ReapproveMax(next); err != nil {
		t.Fatalf("new owner reapprove: %v", err)
	}
}

func TestRolesSurviveRestart(t *testing.T) {
	db := storage.NewMemDB()
	mgr := state.NewManager(db)
	tokens := token.NewLedger(mgr)
	owner := testAddr(0xAA)
	pool, err := savings.NewPool(mgr, tokens, savings.PoolConfig{
		Reserve:     crypto.ModuleAddress("savings/reserve"),
		Underlying:  crypto.ModuleAddress("token/underlying"),
		CreditToken: crypto.ModuleAddress("token/credit"),
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	cfg := Config{State: mgr, Tokens: tokens, Facility: pool, Address: crypto.ModuleAddress("adapter"), Owner: owner}
	if _, err := NewEngine(cfg); err != nil {
		t.Fatalf("new engine: %v", err)
	}

	reopened := state.NewManager(db)
	cfg.State = reopened
	cfg.Tokens = token.NewLedger(reopened)
	cfg.Facility, err = savings.NewPool(reopened, cfg.Tokens, savings.PoolConfig{
		Reserve:     crypto.ModuleAddress("savings/reserve"),
		Underlying:  crypto.ModuleAddress("token/underlying"),
		CreditToken: crypto.ModuleAddress("token/credit"),
	})
	if err != nil {
		t.Fatalf("reopen pool: %v", err)
	}
	cfg.Owner = testAddr(0xBB)
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("reopen engine: %v", err)
	}
	got, err := engine.Owner()
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if !got.Equal(owner) {
		t.Fatalf("owner %s after restart, want %s", got, owner)
	}
}

func TestNewEngineRequiresFacility(t *testing.T) {
	mgr := state.NewManager(storage.NewMemDB())
	_, err := NewEngine(Config{
		State:   mgr,
		Tokens:  token.NewLedger(mgr),
		Address: crypto.ModuleAddress("adapter"),
		Owner:   testAddr(0xAA),
	})
	if !errors.Is(err, ErrNilFacility) {
		t.Fatalf("got %v, want ErrNilFacility", err)
	}
	if ErrNilFacility.Error() != "savings-not-zero-address" {
		t.Fatalf("unexpected reason string %q", ErrNilFacility.Error())
	}
}

func TestPositionIsConsistentRead(t *testing.T) {
	env := newTestEnv(t, 500)
	now := time.Now()
	env.pool.SetClock(func() time.Time { return now })

	alice := testAddr(0x01)
	env.fund(t, alice, 1_000)
	if _, err := env.engine.Supply(alice, alice, big.NewInt(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}

	now = now.Add(365 * 24 * time.Hour)
	credits, balance, err := env.engine.Position(alice)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if credits.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("position credits %s, want 1000", credits)
	}
	wantBalance, err := env.engine.BalanceOf(alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(wantBalance) != 0 {
		t.Fatalf("position balance %s, BalanceOf %s", balance, wantBalance)
	}
}

// blockingFacility parks the first deposit until released so a test can hold
// one operation in flight while another caller arrives.
type blockingFacility struct {
	*savings.Pool
	entered chan struct{}
	release chan struct{}
	first   sync.Once
}

func (f *blockingFacility) DepositUnderlying(from crypto.Address, amount *big.Int) (*big.Int, error) {
	f.first.Do(func() {
		close(f.entered)
		<-f.release
	})
	return f.Pool.DepositUnderlying(from, amount)
}

func TestConcurrentSuppliesSerialize(t *testing.T) {
	mgr := state.NewManager(storage.NewMemDB())
	tokens := token.NewLedger(mgr)
	pool, err := savings.NewPool(mgr, tokens, savings.PoolConfig{
		Reserve:     crypto.ModuleAddress("savings/reserve"),
		Underlying:  crypto.ModuleAddress("token/underlying"),
		CreditToken: crypto.ModuleAddress("token/credit"),
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	facility := &blockingFacility{
		Pool:    pool,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	engine, err := NewEngine(Config{
		State:    mgr,
		Tokens:   tokens,
		Facility: facility,
		Address:  crypto.ModuleAddress("adapter"),
		Owner:    testAddr(0xAA),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	alice := testAddr(0x01)
	bob := testAddr(0x02)
	for _, holder := range []crypto.Address{alice, bob} {
		if err := tokens.Mint(facility.UnderlyingAsset(), holder, big.NewInt(100)); err != nil {
			t.Fatalf("mint: %v", err)
		}
		if err := tokens.Approve(facility.UnderlyingAsset(), holder, engine.Address(), new(big.Int).Set(token.MaxAllowance)); err != nil {
			t.Fatalf("approve: %v", err)
		}
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := engine.Supply(alice, alice, big.NewInt(100))
		firstDone <- err
	}()
	<-facility.entered

	secondDone := make(chan error, 1)
	go func() {
		_, err := engine.Supply(bob, bob, big.NewInt(50))
		secondDone <- err
	}()

	// The second caller must queue behind the in-flight operation, not fail.
	select {
	case err := <-secondDone:
		t.Fatalf("second supply returned %v while the first was in flight", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(facility.release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first supply: %v", err)
	}
	if err := <-secondDone; err != nil {
		t.Fatalf("second supply: %v", err)
	}

	for _, position := range []struct {
		holder crypto.Address
		want   int64
	}{{alice, 100}, {bob, 50}} {
		credits, err := engine.Credits(position.holder)
		if err != nil {
			t.Fatalf("credits: %v", err)
		}
		if credits.Cmp(big.NewInt(position.want)) != 0 {
			t.Fatalf("credits %s, want %d", credits, position.want)
		}
	}
}

// reentrantFacility calls back into the engine mid-deposit, the way a hostile
// token hook would.
type reentrantFacility struct {
	engine     *Engine
	caller     crypto.Address
	underlying crypto.Address
	credit     crypto.Address
	reserve    crypto.Address
	observed   error
}

func (f *reentrantFacility) ExchangeRate() (*big.Int, error) {
	return new(big.Int).Set(savings.Scale), nil
}

func (f *reentrantFacility) Address() crypto.Address         { return f.reserve }
func (f *reentrantFacility) UnderlyingAsset() crypto.Address { return f.underlying }
func (f *reentrantFacility) CreditAsset() crypto.Address     { return f.credit }

func (f *reentrantFacility) DepositUnderlying(from crypto.Address, amount *big.Int) (*big.Int, error) {
	_, err := f.engine.Supply(f.caller, f.caller, big.NewInt(1))
	f.observed = err
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(amount), nil
}

func (f *reentrantFacility) RedeemUnderlying(caller crypto.Address, amount *big.Int) (*big.Int, error) {
	_, err := f.engine.Redeem(f.caller, big.NewInt(1))
	f.observed = err
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(amount), nil
}

func TestReentrantCallsRejected(t *testing.T) {
	mgr := state.NewManager(storage.NewMemDB())
	tokens := token.NewLedger(mgr)
	alice := testAddr(0x01)
	facility := &reentrantFacility{
		caller:     alice,
		underlying: crypto.ModuleAddress("token/underlying"),
		credit:     crypto.ModuleAddress("token/credit"),
		reserve:    crypto.ModuleAddress("savings/reserve"),
	}
	engine, err := NewEngine(Config{
		State:    mgr,
		Tokens:   tokens,
		Facility: facility,
		Address:  crypto.ModuleAddress("adapter"),
		Owner:    testAddr(0xAA),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	facility.engine = engine

	if err := tokens.Mint(facility.underlying, alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := tokens.Approve(facility.underlying, alice, engine.Address(), new(big.Int).Set(token.MaxAllowance)); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if _, err := engine.Supply(alice, alice, big.NewInt(10)); !errors.Is(err, ErrReentrancy) {
		t.Fatalf("supply: got %v, want ErrReentrancy", err)
	}
	if !errors.Is(facility.observed, ErrReentrancy) {
		t.Fatalf("inner call observed %v, want ErrReentrancy", facility.observed)
	}
	if got, err := tokens.BalanceOf(facility.underlying, alice); err != nil || got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("alice wallet %s (%v) after rejected supply, want 100", got, err)
	}
}
