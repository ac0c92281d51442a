package reserve

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/minrhee/orderbook-reserve/pkg/book"
	"github.com/minrhee/orderbook-reserve/pkg/ledger"
)

var (
	baseAsset  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	quoteAsset = common.HexToAddress("0x0000000000000000000000000000000000000002")
	alice      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob        = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func amt(n uint64) *uint256.Int { return uint256.NewInt(n) }

// newTestReserve builds a memory-only reserve: 10% stake, 2% burn, minimum
// order value 100.
func newTestReserve(t *testing.T) *Reserve {
	t.Helper()
	stake, err := ledger.NewBpsPolicy(1000, 200)
	if err != nil {
		t.Fatalf("NewBpsPolicy: %v", err)
	}
	r, err := New(Config{
		BaseAsset:         baseAsset,
		QuoteAsset:        quoteAsset,
		MaxOrdersPerMaker: 4,
		MaxOrdersPerTrade: 3,
	}, stake, ledger.NewStaticOrderPolicy(amt(100)), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

// fund gives a maker ample funds in both assets and stake.
func fund(t *testing.T, r *Reserve, maker common.Address) {
	t.Helper()
	if err := r.DepositFunds(maker, baseAsset, amt(1_000_000)); err != nil {
		t.Fatalf("DepositFunds base: %v", err)
	}
	if err := r.DepositFunds(maker, quoteAsset, amt(1_000_000)); err != nil {
		t.Fatalf("DepositFunds quote: %v", err)
	}
	if err := r.DepositStake(maker, amt(1_000_000)); err != nil {
		t.Fatalf("DepositStake: %v", err)
	}
}

func addOrder(t *testing.T, r *Reserve, maker common.Address, side book.Side, src, dst uint64) uint64 {
	t.Helper()
	id, err := r.Add(maker, side, amt(src), amt(dst), 0)
	if err != nil {
		t.Fatalf("Add(%d/%d): %v", src, dst, err)
	}
	return id
}

func wantIDs(t *testing.T, got []uint64, want ...uint64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids = %v, want %v", got, want)
		}
	}
}

func TestAddSortsBestRateFirst(t *testing.T) {
	r := newTestReserve(t)
	fund(t, r, alice)

	a := addOrder(t, r, alice, book.Buy, 1_000, 2_000) // 2.0
	b := addOrder(t, r, alice, book.Buy, 1_000, 500)   // 0.5
	c := addOrder(t, r, alice, book.Buy, 1_000, 1_000) // 1.0

	wantIDs(t, r.OrderIDs(book.Buy), a, c, b)
	if len(r.OrderIDs(book.Sell)) != 0 {
		t.Errorf("sell side should be empty")
	}
}

func TestAddLocksFundsAndStake(t *testing.T) {
	r := newTestReserve(t)
	fund(t, r, alice)

	addOrder(t, r, alice, book.Buy, 10_000, 5_000)
	// Buy orders pay quote: 10_000 quote locked, value 10_000, stake 1_000.
	if got := r.FreeFunds(alice, quoteAsset); !got.Eq(amt(990_000)) {
		t.Errorf("quote FreeFunds = %s, want 990000", got.Dec())
	}
	if got := r.FreeFunds(alice, baseAsset); !got.Eq(amt(1_000_000)) {
		t.Errorf("base FreeFunds = %s, want 1000000", got.Dec())
	}
	if got := r.RequiredStake(alice); !got.Eq(amt(1_000)) {
		t.Errorf("RequiredStake = %s, want 1000", got.Dec())
	}

	// Sell orders pay base and their value is the quote leg.
	addOrder(t, r, alice, book.Sell, 4_000, 6_000)
	if got := r.FreeFunds(alice, baseAsset); !got.Eq(amt(996_000)) {
		t.Errorf("base FreeFunds = %s, want 996000", got.Dec())
	}
	if got := r.LockedValue(alice); !got.Eq(amt(16_000)) {
		t.Errorf("LockedValue = %s, want 16000", got.Dec())
	}
}

func TestAddRejectsUnderfundedMaker(t *testing.T) {
	r := newTestReserve(t)
	if err := r.DepositStake(alice, amt(1_000_000)); err != nil {
		t.Fatalf("DepositStake: %v", err)
	}

	_, err := r.Add(alice, book.Buy, amt(1_000), amt(1_000), 0)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("no funds: err = %v, want ErrInsufficientFunds", err)
	}
	if len(r.OrderIDs(book.Buy)) != 0 {
		t.Errorf("failed add left an order in the book")
	}
}

func TestAddRejectsUnstakedMaker(t *testing.T) {
	r := newTestReserve(t)
	if err := r.DepositFunds(alice, quoteAsset, amt(1_000_000)); err != nil {
		t.Fatalf("DepositFunds: %v", err)
	}

	_, err := r.Add(alice, book.Buy, amt(1_000), amt(1_000), 0)
	if !errors.Is(err, ledger.ErrInsufficientStake) {
		t.Fatalf("no stake: err = %v, want ErrInsufficientStake", err)
	}
	if got := r.FreeFunds(alice, quoteAsset); !got.Eq(amt(1_000_000)) {
		t.Errorf("failed add touched funds: %s", got.Dec())
	}
}

func TestAddRejectsTinyOrder(t *testing.T) {
	r := newTestReserve(t)
	fund(t, r, alice)

	// Value (quote leg) below the 100 minimum.
	if _, err := r.Add(alice, book.Buy, amt(99), amt(1_000), 0); !errors.Is(err, ErrOrderTooSmall) {
		t.Errorf("small buy: err = %v, want ErrOrderTooSmall", err)
	}
	if _, err := r.Add(alice, book.Sell, amt(1_000), amt(99), 0); !errors.Is(err, ErrOrderTooSmall) {
		t.Errorf("small sell: err = %v, want ErrOrderTooSmall", err)
	}
	// The base leg of a buy is not the value.
	if _, err := r.Add(alice, book.Buy, amt(100), amt(1), 0); err != nil {
		t.Errorf("buy with tiny base leg: %v", err)
	}
}

func TestAddEnforcesMakerOrderCap(t *testing.T) {
	r := newTestReserve(t)
	fund(t, r, alice)
	fund(t, r, bob)

	for i := 0; i < 4; i++ {
		addOrder(t, r, alice, book.Buy, 1_000, 1_000)
	}
	if _, err := r.Add(alice, book.Buy, amt(1_000), amt(1_000), 0); !errors.Is(err, ErrMakerOrderLimit) {
		t.Fatalf("cap: err = %v, want ErrMakerOrderLimit", err)
	}
	// The cap is per maker, and cancels free a slot.
	addOrder(t, r, bob, book.Buy, 1_000, 1_000)
	if err := r.Remove(r.MakerOrders(alice, book.Buy)[0]); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	addOrder(t, r, alice, book.Buy, 1_000, 1_000)
}

func TestAddRejectsBadHintWithoutSideEffects(t *testing.T) {
	r := newTestReserve(t)
	fund(t, r, alice)

	a := addOrder(t, r, alice, book.Buy, 1_000, 3_000) // 3.0
	b := addOrder(t, r, alice, book.Buy, 1_000, 1_000)
	before := r.FreeFunds(alice, quoteAsset)

	// 2.0 belongs before b.
	_, err := r.Add(alice, book.Buy, amt(1_000), amt(2_000), b)
	if !errors.Is(err, book.ErrInvalidHint) {
		t.Fatalf("late hint: err = %v, want ErrInvalidHint", err)
	}
	if got := r.FreeFunds(alice, quoteAsset); !got.Eq(before) {
		t.Errorf("rejected add moved funds: %s -> %s", before.Dec(), got.Dec())
	}
	wantIDs(t, r.OrderIDs(book.Buy), a, b)
}

func TestAddAfterValidatesExplicitPosition(t *testing.T) {
	r := newTestReserve(t)
	fund(t, r, alice)

	a := addOrder(t, r, alice, book.Buy, 1_000, 3_000) // 3.0
	b := addOrder(t, r, alice, book.Buy, 1_000, 1_000) // 1.0

	// 2.0 after a is exact; after b it beats its predecessor.
	id, err := r.AddAfter(alice, book.Buy, amt(1_000), amt(2_000), a)
	if err != nil {
		t.Fatalf("AddAfter: %v", err)
	}
	wantIDs(t, r.OrderIDs(book.Buy), a, id, b)

	if _, err := r.AddAfter(alice, book.Buy, amt(1_000), amt(2_500), b); !errors.Is(err, book.ErrInvalidPosition) {
		t.Errorf("bad explicit position: err = %v, want ErrInvalidPosition", err)
	}
	// Head sentinel works as an explicit front position.
	front, err := r.AddAfter(alice, book.Buy, amt(1_000), amt(4_000), r.HeadID(book.Buy))
	if err != nil {
		t.Fatalf("AddAfter head: %v", err)
	}
	wantIDs(t, r.OrderIDs(book.Buy), front, a, id, b)
}

func TestRemoveReleasesEverything(t *testing.T) {
	r := newTestReserve(t)
	fund(t, r, alice)

	id := addOrder(t, r, alice, book.Buy, 10_000, 5_000)
	if err := r.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := r.FreeFunds(alice, quoteAsset); !got.Eq(amt(1_000_000)) {
		t.Errorf("quote FreeFunds = %s, want full balance back", got.Dec())
	}
	if got := r.LockedValue(alice); !got.IsZero() {
		t.Errorf("LockedValue = %s, want 0", got.Dec())
	}

	// The record survives for audit, unlinked, and cannot be removed twice.
	o, _, ok := r.GetOrder(id)
	if !ok {
		t.Fatalf("removed order not queryable")
	}
	if o.Linked() {
		t.Errorf("removed order still linked")
	}
	if err := r.Remove(id); !errors.Is(err, book.ErrNotFound) {
		t.Errorf("double remove: err = %v, want ErrNotFound", err)
	}
}

func TestUpdateInPlaceWhenPositionHolds(t *testing.T) {
	r := newTestReserve(t)
	fund(t, r, alice)

	a := addOrder(t, r, alice, book.Buy, 1_000, 3_000) // 3.0
	b := addOrder(t, r, alice, book.Buy, 1_000, 2_000) // 2.0
	c := addOrder(t, r, alice, book.Buy, 1_000, 1_000) // 1.0

	// 2.5 keeps b between a and c.
	if err := r.Update(b, amt(1_000), amt(2_500)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	wantIDs(t, r.OrderIDs(book.Buy), a, b, c)
	o, _, _ := r.GetOrder(b)
	if !o.DstAmount.Eq(amt(2_500)) {
		t.Errorf("DstAmount = %s, want 2500", o.DstAmount.Dec())
	}
}

func TestUpdateRepositionsUnderSameID(t *testing.T) {
	r := newTestReserve(t)
	fund(t, r, alice)

	a := addOrder(t, r, alice, book.Buy, 1_000, 3_000) // 3.0
	b := addOrder(t, r, alice, book.Buy, 1_000, 2_000) // 2.0
	c := addOrder(t, r, alice, book.Buy, 1_000, 1_000) // 1.0

	// Worsen b below c: it moves to the back.
	if err := r.Update(b, amt(1_000), amt(500)); err != nil {
		t.Fatalf("Update worse: %v", err)
	}
	wantIDs(t, r.OrderIDs(book.Buy), a, c, b)

	// Improve b above a: front scan fallback kicks in.
	if err := r.Update(b, amt(1_000), amt(4_000)); err != nil {
		t.Fatalf("Update better: %v", err)
	}
	wantIDs(t, r.OrderIDs(book.Buy), b, a, c)
}

func TestUpdateAdjustsLedgerDelta(t *testing.T) {
	r := newTestReserve(t)
	fund(t, r, alice)

	id := addOrder(t, r, alice, book.Buy, 10_000, 5_000)
	if err := r.Update(id, amt(4_000), amt(5_000)); err != nil {
		t.Fatalf("Update shrink: %v", err)
	}
	if got := r.FreeFunds(alice, quoteAsset); !got.Eq(amt(996_000)) {
		t.Errorf("quote FreeFunds = %s, want 996000", got.Dec())
	}
	if got := r.LockedValue(alice); !got.Eq(amt(4_000)) {
		t.Errorf("LockedValue = %s, want 4000", got.Dec())
	}
}

func TestFailedUpdateRestoresPosition(t *testing.T) {
	r := newTestReserve(t)
	fund(t, r, alice)

	a := addOrder(t, r, alice, book.Buy, 1_000, 3_000)
	b := addOrder(t, r, alice, book.Buy, 1_000, 2_000)
	c := addOrder(t, r, alice, book.Buy, 1_000, 1_000)

	// New legs would need more quote than alice has free.
	err := r.Update(b, amt(2_000_000), amt(100_000))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("underfunded update: err = %v, want ErrInsufficientFunds", err)
	}
	wantIDs(t, r.OrderIDs(book.Buy), a, b, c)
	o, _, _ := r.GetOrder(b)
	if !o.SrcAmount.Eq(amt(1_000)) || !o.DstAmount.Eq(amt(2_000)) {
		t.Errorf("failed update changed legs to %s/%s", o.SrcAmount.Dec(), o.DstAmount.Dec())
	}
}

func TestUpdateWithHint(t *testing.T) {
	r := newTestReserve(t)
	fund(t, r, alice)

	a := addOrder(t, r, alice, book.Buy, 1_000, 4_000)
	b := addOrder(t, r, alice, book.Buy, 1_000, 3_000)
	c := addOrder(t, r, alice, book.Buy, 1_000, 1_000)

	// Move c to 3.5 with a correct hint at a.
	if err := r.UpdateWithHint(c, amt(1_000), amt(3_500), a); err != nil {
		t.Fatalf("UpdateWithHint: %v", err)
	}
	wantIDs(t, r.OrderIDs(book.Buy), a, c, b)

	// A hint past the slot fails and the order stays put.
	if err := r.UpdateWithHint(c, amt(1_000), amt(5_000), b); !errors.Is(err, book.ErrInvalidHint) {
		t.Fatalf("late hint: err = %v, want ErrInvalidHint", err)
	}
	wantIDs(t, r.OrderIDs(book.Buy), a, c, b)
}

func TestAddBatchImplicitHints(t *testing.T) {
	r := newTestReserve(t)
	fund(t, r, alice)

	// Best-to-worst with zero hints: each entry chains off the previous.
	ids, err := r.AddBatch(alice,
		[]book.Side{book.Buy, book.Buy, book.Buy},
		[]*uint256.Int{amt(1_000), amt(1_000), amt(1_000)},
		[]*uint256.Int{amt(3_000), amt(2_000), amt(1_000)},
		[]uint64{0, 0, 0})
	if err != nil {
		t.Fatalf("AddBatch: %v", err)
	}
	wantIDs(t, r.OrderIDs(book.Buy), ids...)
}

func TestAddBatchArityMismatch(t *testing.T) {
	r := newTestReserve(t)
	fund(t, r, alice)

	_, err := r.AddBatch(alice,
		[]book.Side{book.Buy, book.Buy},
		[]*uint256.Int{amt(1_000)},
		[]*uint256.Int{amt(1_000)},
		[]uint64{0})
	if !errors.Is(err, ErrArityMismatch) {
		t.Fatalf("arity: err = %v, want ErrArityMismatch", err)
	}
	if len(r.OrderIDs(book.Buy)) != 0 {
		t.Errorf("mismatched batch inserted orders")
	}
}

func TestAddBatchRollsBackOnFailure(t *testing.T) {
	r := newTestReserve(t)
	if err := r.DepositStake(alice, amt(1_000_000)); err != nil {
		t.Fatalf("DepositStake: %v", err)
	}
	if err := r.DepositFunds(alice, quoteAsset, amt(1_500)); err != nil {
		t.Fatalf("DepositFunds: %v", err)
	}

	// Second entry exceeds the 1500 quote balance after the first locks 1000.
	_, err := r.AddBatch(alice,
		[]book.Side{book.Buy, book.Buy},
		[]*uint256.Int{amt(1_000), amt(1_000)},
		[]*uint256.Int{amt(1_000), amt(1_000)},
		[]uint64{0, 0})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("batch: err = %v, want ErrInsufficientFunds", err)
	}
	if len(r.OrderIDs(book.Buy)) != 0 {
		t.Errorf("failed batch left orders: %v", r.OrderIDs(book.Buy))
	}
	if got := r.FreeFunds(alice, quoteAsset); !got.Eq(amt(1_500)) {
		t.Errorf("FreeFunds = %s, want 1500 restored", got.Dec())
	}
	if got := r.LockedValue(alice); !got.IsZero() {
		t.Errorf("LockedValue = %s, want 0", got.Dec())
	}
}

func TestUpdateBatchRollsBackOnFailure(t *testing.T) {
	r := newTestReserve(t)
	fund(t, r, alice)

	a := addOrder(t, r, alice, book.Buy, 1_000, 3_000)
	b := addOrder(t, r, alice, book.Buy, 1_000, 2_000)

	// First entry applies, second hits the funds check; both must revert.
	err := r.UpdateBatch(
		[]uint64{a, b},
		[]*uint256.Int{amt(2_000), amt(2_000_000)},
		[]*uint256.Int{amt(6_000), amt(4_000_000)},
		[]uint64{0, 0})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("batch: err = %v, want ErrInsufficientFunds", err)
	}
	oa, _, _ := r.GetOrder(a)
	if !oa.SrcAmount.Eq(amt(1_000)) || !oa.DstAmount.Eq(amt(3_000)) {
		t.Errorf("order %d legs = %s/%s, want 1000/3000 restored", a, oa.SrcAmount.Dec(), oa.DstAmount.Dec())
	}
	if got := r.FreeFunds(alice, quoteAsset); !got.Eq(amt(998_000)) {
		t.Errorf("FreeFunds = %s, want 998000", got.Dec())
	}
}

func TestUpdateBatchRejectsDeadID(t *testing.T) {
	r := newTestReserve(t)
	fund(t, r, alice)

	a := addOrder(t, r, alice, book.Buy, 1_000, 1_000)
	if err := r.Remove(a); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	err := r.UpdateBatch([]uint64{a}, []*uint256.Int{amt(1_000)}, []*uint256.Int{amt(2_000)}, []uint64{0})
	if !errors.Is(err, book.ErrNotFound) {
		t.Fatalf("dead id: err = %v, want ErrNotFound", err)
	}
}

func TestMakerOrdersAndHints(t *testing.T) {
	r := newTestReserve(t)
	fund(t, r, alice)
	fund(t, r, bob)

	a1 := addOrder(t, r, alice, book.Buy, 1_000, 3_000)
	b1 := addOrder(t, r, bob, book.Buy, 1_000, 2_000)
	a2 := addOrder(t, r, alice, book.Buy, 1_000, 1_000)

	wantIDs(t, r.MakerOrders(alice, book.Buy), a1, a2)
	wantIDs(t, r.MakerOrders(bob, book.Buy), b1)

	// A precomputed hint feeds straight into Add.
	prev, err := r.FindPrevOrderID(book.Buy, amt(1_000), amt(1_500), 0)
	if err != nil {
		t.Fatalf("FindPrevOrderID: %v", err)
	}
	if prev != b1 {
		t.Errorf("prev = %d, want %d", prev, b1)
	}
	id, err := r.Add(alice, book.Buy, amt(1_000), amt(1_500), prev)
	if err != nil {
		t.Fatalf("Add with precomputed hint: %v", err)
	}
	wantIDs(t, r.OrderIDs(book.Buy), a1, b1, id, a2)
}

func TestAllocateIDsReservesDisjointRanges(t *testing.T) {
	r := newTestReserve(t)
	fund(t, r, alice)

	first, err := r.AllocateIDs(10)
	if err != nil {
		t.Fatalf("AllocateIDs: %v", err)
	}
	// The next order must land past the reserved range.
	id := addOrder(t, r, alice, book.Buy, 1_000, 1_000)
	if id < first+10 {
		t.Errorf("order id %d collides with reserved range [%d, %d)", id, first, first+10)
	}
}

func TestConfigValidation(t *testing.T) {
	stake, _ := ledger.NewBpsPolicy(1000, 200)
	policy := ledger.NewStaticOrderPolicy(amt(100))

	if _, err := New(Config{BaseAsset: baseAsset, QuoteAsset: baseAsset, MaxOrdersPerMaker: 1, MaxOrdersPerTrade: 1}, stake, policy, nil, nil); err == nil {
		t.Errorf("same base and quote accepted")
	}
	if _, err := New(Config{BaseAsset: baseAsset, QuoteAsset: quoteAsset, MaxOrdersPerMaker: 0, MaxOrdersPerTrade: 1}, stake, policy, nil, nil); err == nil {
		t.Errorf("zero maker cap accepted")
	}
	if _, err := New(Config{BaseAsset: baseAsset, QuoteAsset: quoteAsset, MaxOrdersPerMaker: 1, MaxOrdersPerTrade: 0}, stake, policy, nil, nil); err == nil {
		t.Errorf("zero trade cap accepted")
	}
}

func TestOrderLegCapAndZeroLegs(t *testing.T) {
	r := newTestReserve(t)
	fund(t, r, alice)

	over := new(uint256.Int).Add(book.MaxAmount, amt(1))
	if _, err := r.Add(alice, book.Buy, over, amt(1_000), 0); err == nil {
		t.Errorf("leg above the 128-bit cap accepted")
	}
	if _, err := r.Add(alice, book.Buy, amt(0), amt(1_000), 0); err == nil {
		t.Errorf("zero src accepted")
	}
	if _, err := r.Add(alice, book.Buy, amt(1_000), nil, 0); err == nil {
		t.Errorf("nil dst accepted")
	}
}
