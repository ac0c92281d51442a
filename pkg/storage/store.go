package storage

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/minrhee/orderbook-reserve/pkg/book"
)

// Store persists order records and ledger rows in Pebble. Every mutating
// reserve operation commits its touched records in a single batch, so a
// crash either keeps the whole operation or none of it.
type Store struct {
	db *pebble.DB
}

// OrderRecord is the persisted form of an order plus the side it belongs to.
// Removed orders are persisted too (links zeroed) so old ids stay queryable
// across restarts.
type OrderRecord struct {
	Side  book.Side   `json:"side"`
	Order *book.Order `json:"order"`
}

type stakeState struct {
	Total  *uint256.Int `json:"total"`
	Locked *uint256.Int `json:"locked"`
}

// Open opens (or creates) a Pebble database at path.
func Open(path string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                 pebble.NewCache(64 << 20),
		MemTableSize:          32 << 20,
		L0CompactionThreshold: 2,
		L0StopWritesThreshold: 12,
		MaxOpenFiles:          1000,
		BytesPerSync:          512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// LoadNextID returns the persisted id allocator watermark, or 0 when the
// store is fresh.
func (s *Store) LoadNextID() (uint64, error) {
	data, closer, err := s.db.Get([]byte(keyNextID))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get next id: %w", err)
	}
	defer closer.Close()
	id, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed next id %q: %w", data, err)
	}
	return id, nil
}

// LoadOrders returns every persisted order record in id order.
func (s *Store) LoadOrders() ([]OrderRecord, error) {
	prefix := []byte(prefixOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate orders: %w", err)
	}
	defer iter.Close()

	var records []OrderRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec OrderRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("malformed order record at %q: %w", iter.Key(), err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// LoadFunds calls fn for every persisted funds balance.
func (s *Store) LoadFunds(fn func(maker, asset common.Address, amount *uint256.Int)) error {
	prefix := []byte(prefixFunds)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to iterate funds: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		maker, asset, err := parseFundsKey(iter.Key())
		if err != nil {
			return err
		}
		amount := new(uint256.Int)
		if err := amount.UnmarshalJSON(iter.Value()); err != nil {
			return fmt.Errorf("malformed balance at %q: %w", iter.Key(), err)
		}
		fn(maker, asset, amount)
	}
	return nil
}

// LoadStake calls fn for every persisted stake row.
func (s *Store) LoadStake(fn func(maker common.Address, total, locked *uint256.Int)) error {
	prefix := []byte(prefixStake)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to iterate stake rows: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		maker, err := parseStakeKey(iter.Key())
		if err != nil {
			return err
		}
		var st stakeState
		if err := json.Unmarshal(iter.Value(), &st); err != nil {
			return fmt.Errorf("malformed stake row at %q: %w", iter.Key(), err)
		}
		fn(maker, st.Total, st.Locked)
	}
	return nil
}

// Batch accumulates writes for one reserve operation and commits them
// atomically.
type Batch struct {
	batch *pebble.Batch
}

func (s *Store) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

// PutOrder stages an order record.
func (b *Batch) PutOrder(side book.Side, o *book.Order) error {
	data, err := json.Marshal(OrderRecord{Side: side, Order: o})
	if err != nil {
		return fmt.Errorf("failed to marshal order %d: %w", o.ID, err)
	}
	return b.batch.Set(orderKey(o.ID), data, nil)
}

// PutFunds stages a funds balance.
func (b *Batch) PutFunds(maker, asset common.Address, amount *uint256.Int) error {
	data, err := amount.MarshalJSON()
	if err != nil {
		return err
	}
	return b.batch.Set(fundsKey(maker, asset), data, nil)
}

// PutStake stages a stake row.
func (b *Batch) PutStake(maker common.Address, total, locked *uint256.Int) error {
	data, err := json.Marshal(stakeState{Total: total, Locked: locked})
	if err != nil {
		return err
	}
	return b.batch.Set(stakeKey(maker), data, nil)
}

// PutNextID stages the id allocator watermark.
func (b *Batch) PutNextID(id uint64) error {
	return b.batch.Set([]byte(keyNextID), []byte(strconv.FormatUint(id, 10)), nil)
}

// Commit writes the batch atomically.
func (b *Batch) Commit() error {
	return b.batch.Commit(pebble.Sync)
}

// Close discards the batch without committing.
func (b *Batch) Close() error {
	return b.batch.Close()
}
