package storage

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/minrhee/orderbook-reserve/pkg/book"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	weth  = common.HexToAddress("0x00000000000000000000000000000000000000c2")
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOrdersRoundTripInIDOrder(t *testing.T) {
	s := openTestStore(t)

	// Stage out of id order; the iterator must hand them back sorted.
	batch := s.NewBatch()
	for _, id := range []uint64{30, 5, 1000000007, 12} {
		o := &book.Order{
			ID:        id,
			Maker:     alice,
			SrcAmount: uint256.NewInt(id * 2),
			DstAmount: uint256.NewInt(id * 3),
			PrevID:    1,
			NextID:    2,
		}
		if err := batch.PutOrder(book.Sell, o); err != nil {
			t.Fatalf("PutOrder(%d): %v", id, err)
		}
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	batch.Close()

	records, err := s.LoadOrders()
	if err != nil {
		t.Fatalf("LoadOrders: %v", err)
	}
	want := []uint64{5, 12, 30, 1000000007}
	if len(records) != len(want) {
		t.Fatalf("got %d records, want %d", len(records), len(want))
	}
	for i, rec := range records {
		if rec.Order.ID != want[i] {
			t.Errorf("record %d id = %d, want %d", i, rec.Order.ID, want[i])
		}
		if rec.Side != book.Sell {
			t.Errorf("record %d side = %v, want sell", i, rec.Side)
		}
		if !rec.Order.SrcAmount.Eq(uint256.NewInt(want[i] * 2)) {
			t.Errorf("record %d src = %s", i, rec.Order.SrcAmount.Dec())
		}
	}
}

func TestOverwriteKeepsLatestRecord(t *testing.T) {
	s := openTestStore(t)

	o := &book.Order{ID: 7, Maker: alice, SrcAmount: uint256.NewInt(100), DstAmount: uint256.NewInt(200), PrevID: 1, NextID: 2}
	batch := s.NewBatch()
	if err := batch.PutOrder(book.Buy, o); err != nil {
		t.Fatalf("PutOrder: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	batch.Close()

	// Removal persists the same id with zeroed links.
	o.PrevID, o.NextID = 0, 0
	batch = s.NewBatch()
	if err := batch.PutOrder(book.Buy, o); err != nil {
		t.Fatalf("PutOrder removed: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	batch.Close()

	records, err := s.LoadOrders()
	if err != nil {
		t.Fatalf("LoadOrders: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].Order.Linked() {
		t.Errorf("reloaded record still linked")
	}
}

func TestLedgerRowsRoundTrip(t *testing.T) {
	s := openTestStore(t)

	batch := s.NewBatch()
	if err := batch.PutFunds(alice, usdc, uint256.NewInt(12_345)); err != nil {
		t.Fatalf("PutFunds: %v", err)
	}
	if err := batch.PutFunds(alice, weth, uint256.NewInt(99)); err != nil {
		t.Fatalf("PutFunds: %v", err)
	}
	if err := batch.PutStake(alice, uint256.NewInt(500), uint256.NewInt(120)); err != nil {
		t.Fatalf("PutStake: %v", err)
	}
	if err := batch.PutNextID(42); err != nil {
		t.Fatalf("PutNextID: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	batch.Close()

	funds := make(map[common.Address]string)
	if err := s.LoadFunds(func(maker, asset common.Address, amount *uint256.Int) {
		if maker != alice {
			t.Errorf("unexpected maker %s", maker.Hex())
		}
		funds[asset] = amount.Dec()
	}); err != nil {
		t.Fatalf("LoadFunds: %v", err)
	}
	if funds[usdc] != "12345" || funds[weth] != "99" {
		t.Errorf("funds = %v", funds)
	}

	var gotTotal, gotLocked string
	if err := s.LoadStake(func(maker common.Address, total, locked *uint256.Int) {
		gotTotal, gotLocked = total.Dec(), locked.Dec()
	}); err != nil {
		t.Fatalf("LoadStake: %v", err)
	}
	if gotTotal != "500" || gotLocked != "120" {
		t.Errorf("stake = %s/%s, want 500/120", gotTotal, gotLocked)
	}

	id, err := s.LoadNextID()
	if err != nil {
		t.Fatalf("LoadNextID: %v", err)
	}
	if id != 42 {
		t.Errorf("LoadNextID = %d, want 42", id)
	}
}

func TestFreshStoreIsEmpty(t *testing.T) {
	s := openTestStore(t)

	id, err := s.LoadNextID()
	if err != nil {
		t.Fatalf("LoadNextID: %v", err)
	}
	if id != 0 {
		t.Errorf("LoadNextID = %d, want 0", id)
	}
	records, err := s.LoadOrders()
	if err != nil {
		t.Fatalf("LoadOrders: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("fresh store holds %d records", len(records))
	}
}
