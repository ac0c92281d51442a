package reserve

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/minrhee/orderbook-reserve/pkg/book"
	"github.com/minrhee/orderbook-reserve/pkg/ledger"
	"github.com/minrhee/orderbook-reserve/pkg/storage"
	"github.com/minrhee/orderbook-reserve/pkg/util"
)

// Config carries the pair and the iteration bounds of one reserve.
type Config struct {
	BaseAsset  common.Address
	QuoteAsset common.Address

	// MaxOrdersPerMaker caps live orders per maker so a single maker cannot
	// blow up list scan costs.
	MaxOrdersPerMaker int
	// MaxOrdersPerTrade bounds how many resting orders one take may cross.
	MaxOrdersPerTrade int
}

func (c Config) validate() error {
	if c.BaseAsset == c.QuoteAsset {
		return fmt.Errorf("base and quote asset must differ")
	}
	if c.MaxOrdersPerMaker <= 0 {
		return fmt.Errorf("max orders per maker must be positive")
	}
	if c.MaxOrdersPerTrade <= 0 {
		return fmt.Errorf("max orders per trade must be positive")
	}
	return nil
}

// Trade describes one consumed slice of a resting order.
type Trade struct {
	Side      book.Side
	OrderID   uint64
	Maker     common.Address
	Src       *uint256.Int // maker source leg consumed (taker receives)
	Dst       *uint256.Int // maker destination leg credited (taker pays)
	Partial   bool
	Timestamp int64 // unix milliseconds
}

// Reserve is one order book reserve for a base/quote pair: two sorted order
// lists over a shared arena, the maker ledger, the policies, and Pebble
// persistence. Every mutating operation runs under one mutex, so the reserve
// is a serialized state machine: the list splice plus the ledger update of an
// operation are observed as a single step.
type Reserve struct {
	mu  sync.Mutex
	cfg Config
	log *zap.SugaredLogger

	clock       util.Clock
	arena       *book.Arena
	buys        *book.List
	sells       *book.List
	ledger      *ledger.Ledger
	orderPolicy ledger.OrderPolicy

	sideOf      map[uint64]book.Side
	makerOrders map[common.Address]int

	store *storage.Store

	// OnTrade, when set, is invoked after a take commits, once per consumed
	// slice. Called outside the reserve lock.
	OnTrade func(Trade)
}

// New builds a reserve. store may be nil for a memory-only instance; when a
// store is given, persisted orders and ledger rows are reloaded and the
// lists rebuilt (id-order reinsertion keeps FIFO tie-breaks stable).
func New(cfg Config, stake ledger.StakePolicy, orderPolicy ledger.OrderPolicy, store *storage.Store, logger *zap.SugaredLogger) (*Reserve, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("reserve config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	arena := book.NewArena()
	r := &Reserve{
		cfg:         cfg,
		log:         logger,
		clock:       util.RealClock{},
		arena:       arena,
		buys:        book.NewList(arena),
		sells:       book.NewList(arena),
		ledger:      ledger.New(stake),
		orderPolicy: orderPolicy,
		sideOf:      make(map[uint64]book.Side),
		makerOrders: make(map[common.Address]int),
		store:       store,
	}
	if store != nil {
		if err := r.load(); err != nil {
			return nil, fmt.Errorf("reserve recovery: %w", err)
		}
	}
	return r, nil
}

// SetClock replaces the trade timestamp source. Intended for tests.
func (r *Reserve) SetClock(c util.Clock) {
	r.mu.Lock()
	r.clock = c
	r.mu.Unlock()
}

func (r *Reserve) Config() Config { return r.cfg }

func (r *Reserve) listFor(side book.Side) *book.List {
	if side == book.Buy {
		return r.buys
	}
	return r.sells
}

// srcAsset is what the maker pays into an order: quote for buys, base for
// sells. dstAsset is the counter leg credited on a fill.
func (r *Reserve) srcAsset(side book.Side) common.Address {
	if side == book.Buy {
		return r.cfg.QuoteAsset
	}
	return r.cfg.BaseAsset
}

func (r *Reserve) dstAsset(side book.Side) common.Address {
	if side == book.Buy {
		return r.cfg.BaseAsset
	}
	return r.cfg.QuoteAsset
}

// orderValue is the quote-leg amount of an order; stake requirements and the
// minimum order size are denominated in it.
func (r *Reserve) orderValue(side book.Side, src, dst *uint256.Int) *uint256.Int {
	if side == book.Buy {
		return src
	}
	return dst
}

func (r *Reserve) validateOrder(side book.Side, src, dst *uint256.Int) error {
	if src == nil || src.IsZero() || dst == nil || dst.IsZero() {
		return fmt.Errorf("order legs must be positive")
	}
	if src.Gt(book.MaxAmount) || dst.Gt(book.MaxAmount) {
		return fmt.Errorf("order leg exceeds 128-bit amount cap")
	}
	// Always against the policy's current value, never a cached one.
	if r.orderValue(side, src, dst).Lt(r.orderPolicy.MinOrderValue()) {
		return fmt.Errorf("%w: value %s < min %s",
			ErrOrderTooSmall, r.orderValue(side, src, dst).Dec(), r.orderPolicy.MinOrderValue().Dec())
	}
	return nil
}

// Add inserts a new order for maker. hintPrevID is an optional predecessor
// hint (0 scans from the front); a hint past the correct slot is rejected
// with book.ErrInvalidHint. Returns the new order id.
func (r *Reserve) Add(maker common.Address, side book.Side, src, dst *uint256.Int, hintPrevID uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(maker, side, src, dst, hintPrevID, false)
}

// AddAfter inserts a new order at an exact predecessor asserted by the
// caller. The position is validated against both neighbors, never trusted.
func (r *Reserve) AddAfter(maker common.Address, side book.Side, src, dst *uint256.Int, prevID uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(maker, side, src, dst, prevID, true)
}

func (r *Reserve) addLocked(maker common.Address, side book.Side, src, dst *uint256.Int, prevID uint64, explicit bool) (uint64, error) {
	if err := r.validateOrder(side, src, dst); err != nil {
		return 0, err
	}
	if r.makerOrders[maker] >= r.cfg.MaxOrdersPerMaker {
		return 0, fmt.Errorf("%w: maker %s already has %d live orders",
			ErrMakerOrderLimit, maker.Hex(), r.makerOrders[maker])
	}

	list := r.listFor(side)
	pos := prevID
	if explicit {
		if err := list.ValidateInsertAfter(prevID, src, dst); err != nil {
			return 0, err
		}
	} else {
		p, err := list.FindPosition(src, dst, prevID)
		if err != nil {
			return 0, err
		}
		pos = p
	}

	// All list-side checks passed; the ledger lock is the last fallible step.
	value := r.orderValue(side, src, dst)
	if err := r.ledger.LockForOrder(maker, r.srcAsset(side), src, value); err != nil {
		return 0, err
	}

	id, err := r.arena.AllocateIDs(1)
	if err != nil {
		r.ledger.ReleaseFromOrder(maker, r.srcAsset(side), src, value)
		return 0, err
	}
	o := &book.Order{
		ID:        id,
		Maker:     maker,
		SrcAmount: new(uint256.Int).Set(src),
		DstAmount: new(uint256.Int).Set(dst),
	}
	list.InsertAfter(pos, o)
	r.sideOf[id] = side
	r.makerOrders[maker]++

	m := newMutation()
	m.touchOrder(side, id)
	m.touchMaker(maker, r.srcAsset(side))
	if err := r.commit(m); err != nil {
		return id, err
	}
	r.log.Debugw("order_added",
		"id", id, "side", side.String(), "maker", maker.Hex(),
		"src", src.Dec(), "dst", dst.Dec())
	return id, nil
}

// Remove cancels a live order: neighbors are spliced together, the record's
// links are zeroed (the id can never be respliced), and the unfilled source
// leg plus the locked value go back to the maker.
func (r *Reserve) Remove(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Reserve) removeLocked(id uint64) error {
	side, ok := r.sideOf[id]
	if !ok {
		return fmt.Errorf("%w: id %d", book.ErrNotFound, id)
	}
	o, err := r.listFor(side).Remove(id)
	if err != nil {
		return err
	}
	value := r.orderValue(side, o.SrcAmount, o.DstAmount)
	r.ledger.ReleaseFromOrder(o.Maker, r.srcAsset(side), o.SrcAmount, value)
	delete(r.sideOf, id)
	r.decMakerOrders(o.Maker)

	m := newMutation()
	m.touchOrder(side, id)
	m.touchMaker(o.Maker, r.srcAsset(side))
	if err := r.commit(m); err != nil {
		return err
	}
	r.log.Debugw("order_removed", "id", id, "side", side.String(), "maker", o.Maker.Hex())
	return nil
}

func (r *Reserve) decMakerOrders(maker common.Address) {
	if n := r.makerOrders[maker]; n <= 1 {
		delete(r.makerOrders, maker)
	} else {
		r.makerOrders[maker] = n - 1
	}
}

// Update changes an order's legs in place, preserving its id. Without a
// hint the walk restarts from the order's old position (most updates are
// small perturbations), falling back to a front scan when the new rate
// belongs earlier.
func (r *Reserve) Update(id uint64, newSrc, newDst *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateLocked(id, newSrc, newDst, 0, false)
}

// UpdateWithHint is Update with a caller-supplied predecessor hint, subject
// to the same validation as Add hints.
func (r *Reserve) UpdateWithHint(id uint64, newSrc, newDst *uint256.Int, hintPrevID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateLocked(id, newSrc, newDst, hintPrevID, true)
}

func (r *Reserve) updateLocked(id uint64, newSrc, newDst *uint256.Int, hint uint64, hinted bool) error {
	side, ok := r.sideOf[id]
	if !ok {
		return fmt.Errorf("%w: id %d", book.ErrNotFound, id)
	}
	if err := r.validateOrder(side, newSrc, newDst); err != nil {
		return err
	}
	list := r.listFor(side)
	o, _ := r.arena.Get(id)
	oldSrc := new(uint256.Int).Set(o.SrcAmount)
	oldDst := new(uint256.Int).Set(o.DstAmount)
	oldValue := r.orderValue(side, oldSrc, oldDst)
	newValue := r.orderValue(side, newSrc, newDst)
	asset := r.srcAsset(side)

	if list.PositionUnchanged(o, newSrc, newDst) {
		// Cheap path: same neighbors, mutate in place.
		if err := r.ledger.UpdateOrder(o.Maker, asset, oldSrc, oldValue, newSrc, newValue); err != nil {
			return err
		}
		o.SrcAmount.Set(newSrc)
		o.DstAmount.Set(newDst)
	} else {
		// Relink path: unsplice, re-walk, re-splice under the same id. The
		// unsplice is restored verbatim if any later step fails.
		oldPrev := o.PrevID
		if _, err := list.Remove(id); err != nil {
			return err
		}
		start := hint
		if !hinted {
			start = oldPrev
		}
		pos, err := list.FindPosition(newSrc, newDst, start)
		if err != nil && !hinted && errors.Is(err, book.ErrInvalidHint) {
			// The new rate belongs before the old slot; scan from the front.
			pos, err = list.FindPosition(newSrc, newDst, 0)
		}
		if err != nil {
			list.InsertAfter(oldPrev, o)
			return err
		}
		if err := r.ledger.UpdateOrder(o.Maker, asset, oldSrc, oldValue, newSrc, newValue); err != nil {
			list.InsertAfter(oldPrev, o)
			return err
		}
		o.SrcAmount.Set(newSrc)
		o.DstAmount.Set(newDst)
		list.InsertAfter(pos, o)
	}

	m := newMutation()
	m.touchOrder(side, id)
	m.touchMaker(o.Maker, asset)
	if err := r.commit(m); err != nil {
		return err
	}
	r.log.Debugw("order_updated",
		"id", id, "side", side.String(), "src", newSrc.Dec(), "dst", newDst.Dec())
	return nil
}

// AllocateIDs reserves count consecutive order ids for the caller. Each call
// returns a disjoint range; reserved ids are simply burned if never used.
func (r *Reserve) AllocateIDs(count uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	first, err := r.arena.AllocateIDs(count)
	if err != nil {
		return 0, err
	}
	if err := r.commit(newMutation()); err != nil {
		return first, err
	}
	return first, nil
}

// AddBatch applies several adds for one maker in a single pass. Slices must
// be equal length (ErrArityMismatch otherwise, before any entry runs). A
// zero hint defaults to the previously inserted order on the same side, so
// a batch submitted best-to-worst never rescans. One failing entry rolls
// the whole batch back.
func (r *Reserve) AddBatch(maker common.Address, sides []book.Side, srcs, dsts []*uint256.Int, hints []uint64) ([]uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(sides) != len(srcs) || len(srcs) != len(dsts) || len(dsts) != len(hints) {
		return nil, fmt.Errorf("%w: sides=%d srcs=%d dsts=%d hints=%d",
			ErrArityMismatch, len(sides), len(srcs), len(dsts), len(hints))
	}

	ids := make([]uint64, 0, len(sides))
	lastOnSide := make(map[book.Side]uint64)
	for i := range sides {
		hint := hints[i]
		if hint == 0 {
			if last, ok := lastOnSide[sides[i]]; ok {
				hint = last
			}
		}
		id, err := r.addLocked(maker, sides[i], srcs[i], dsts[i], hint, false)
		if err != nil {
			for j := len(ids) - 1; j >= 0; j-- {
				if rbErr := r.removeLocked(ids[j]); rbErr != nil {
					r.log.Errorw("add_batch_rollback_failed", "id", ids[j], "err", rbErr)
				}
			}
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
		ids = append(ids, id)
		lastOnSide[sides[i]] = id
	}
	return ids, nil
}

// UpdateBatch applies several updates in a single pass with the same arity
// and all-or-nothing rules as AddBatch. Callers submitting entries in list
// order can pass the previous entry's id as the hint for the next.
func (r *Reserve) UpdateBatch(ids []uint64, srcs, dsts []*uint256.Int, hints []uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(ids) != len(srcs) || len(srcs) != len(dsts) || len(dsts) != len(hints) {
		return fmt.Errorf("%w: ids=%d srcs=%d dsts=%d hints=%d",
			ErrArityMismatch, len(ids), len(srcs), len(dsts), len(hints))
	}

	applied := make([]priorLegs, 0, len(ids))
	for i := range ids {
		o, ok := r.arena.Get(ids[i])
		if !ok || !o.Linked() {
			r.rollbackUpdates(applied)
			return fmt.Errorf("batch entry %d: %w: id %d", i, book.ErrNotFound, ids[i])
		}
		old := priorLegs{id: ids[i], src: new(uint256.Int).Set(o.SrcAmount), dst: new(uint256.Int).Set(o.DstAmount)}
		if err := r.updateLocked(ids[i], srcs[i], dsts[i], hints[i], hints[i] != 0); err != nil {
			r.rollbackUpdates(applied)
			return fmt.Errorf("batch entry %d: %w", i, err)
		}
		applied = append(applied, old)
	}
	return nil
}

// priorLegs snapshots an order's legs before a batch entry touches it, so a
// failed batch can be unwound in reverse.
type priorLegs struct {
	id       uint64
	src, dst *uint256.Int
}

func (r *Reserve) rollbackUpdates(applied []priorLegs) {
	for j := len(applied) - 1; j >= 0; j-- {
		if err := r.updateLocked(applied[j].id, applied[j].src, applied[j].dst, 0, false); err != nil {
			r.log.Errorw("update_batch_rollback_failed", "id", applied[j].id, "err", err)
		}
	}
}

// GetOrder returns a copy of the record for id (live or removed) and its
// side. Removed orders keep their maker and amounts for audit.
func (r *Reserve) GetOrder(id uint64) (*book.Order, book.Side, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.arena.Get(id)
	if !ok {
		return nil, 0, false
	}
	side, live := r.sideOf[id]
	if !live {
		// Removed record: side is not tracked anymore, report by asset legs
		// being meaningless; callers check Linked().
		side = 0
	}
	cp := *o
	cp.SrcAmount = new(uint256.Int).Set(o.SrcAmount)
	cp.DstAmount = new(uint256.Int).Set(o.DstAmount)
	return &cp, side, true
}

// OrderIDs returns the live ids on a side, best first.
func (r *Reserve) OrderIDs(side book.Side) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listFor(side).IDs()
}

// MakerOrders returns the maker's live ids on a side, in list order.
func (r *Reserve) MakerOrders(maker common.Address, side book.Side) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uint64
	list := r.listFor(side)
	for o := list.First(); o != nil; o = list.Next(o) {
		if o.Maker == maker {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

// FindPrevOrderID mirrors the internal insertion search so callers can
// precompute a good hint before a mutating call.
func (r *Reserve) FindPrevOrderID(side book.Side, src, dst *uint256.Int, startID uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listFor(side).FindPosition(src, dst, startID)
}

// HeadID returns the head sentinel id of a side, usable as an explicit
// front-of-list position.
func (r *Reserve) HeadID(side book.Side) uint64 {
	return r.listFor(side).HeadID()
}

// DepositFunds credits free funds and persists the row.
func (r *Reserve) DepositFunds(maker, asset common.Address, amount *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ledger.DepositFunds(maker, asset, amount); err != nil {
		return err
	}
	m := newMutation()
	m.touchMaker(maker, asset)
	return r.commit(m)
}

// WithdrawFunds debits free funds and persists the row.
func (r *Reserve) WithdrawFunds(maker, asset common.Address, amount *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ledger.WithdrawFunds(maker, asset, amount); err != nil {
		return err
	}
	m := newMutation()
	m.touchMaker(maker, asset)
	return r.commit(m)
}

// DepositStake credits the maker's stake deposit and persists the row.
func (r *Reserve) DepositStake(maker common.Address, amount *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ledger.DepositStake(maker, amount); err != nil {
		return err
	}
	m := newMutation()
	m.touchMaker(maker, common.Address{})
	return r.commit(m)
}

// WithdrawStake debits free stake and persists the row.
func (r *Reserve) WithdrawStake(maker common.Address, amount *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ledger.WithdrawStake(maker, amount); err != nil {
		return err
	}
	m := newMutation()
	m.touchMaker(maker, common.Address{})
	return r.commit(m)
}

// FreeFunds, FreeStake, StakeTotal, RequiredStake and LockedValue expose the
// maker ledger for queries.
func (r *Reserve) FreeFunds(maker, asset common.Address) *uint256.Int {
	return r.ledger.FreeFunds(maker, asset)
}
func (r *Reserve) FreeStake(maker common.Address) *uint256.Int  { return r.ledger.FreeStake(maker) }
func (r *Reserve) StakeTotal(maker common.Address) *uint256.Int { return r.ledger.StakeTotal(maker) }
func (r *Reserve) RequiredStake(maker common.Address) *uint256.Int {
	return r.ledger.RequiredStake(maker)
}
func (r *Reserve) LockedValue(maker common.Address) *uint256.Int {
	return r.ledger.LockedValue(maker)
}

// load rebuilds in-memory state from the store: allocator watermark, ledger
// rows, then orders in id order. Live records are respliced through the
// normal insertion walk; removed records are installed for audit only.
func (r *Reserve) load() error {
	nextID, err := r.store.LoadNextID()
	if err != nil {
		return err
	}
	r.arena.SetNextID(nextID)

	if err := r.store.LoadFunds(func(maker, asset common.Address, amount *uint256.Int) {
		r.ledger.RestoreFunds(maker, asset, amount)
	}); err != nil {
		return err
	}
	if err := r.store.LoadStake(func(maker common.Address, total, locked *uint256.Int) {
		r.ledger.RestoreStake(maker, total, locked)
	}); err != nil {
		return err
	}

	records, err := r.store.LoadOrders()
	if err != nil {
		return err
	}
	for _, rec := range records {
		o := rec.Order
		live := o.Linked()
		o.PrevID = 0
		o.NextID = 0
		r.arena.Put(o)
		if !live {
			continue
		}
		list := r.listFor(rec.Side)
		pos, err := list.FindPosition(o.SrcAmount, o.DstAmount, 0)
		if err != nil {
			return fmt.Errorf("resplice order %d: %w", o.ID, err)
		}
		list.InsertAfter(pos, o)
		r.sideOf[o.ID] = rec.Side
		r.makerOrders[o.Maker]++
	}
	r.log.Infow("reserve_recovered",
		"orders", len(records), "buys", r.buys.Len(), "sells", r.sells.Len())
	return nil
}

// mutation records which rows an operation touched so commit can write them
// in one batch.
type mutation struct {
	orders map[uint64]book.Side
	makers map[common.Address]map[common.Address]struct{} // maker -> touched fund assets
}

func newMutation() *mutation {
	return &mutation{
		orders: make(map[uint64]book.Side),
		makers: make(map[common.Address]map[common.Address]struct{}),
	}
}

func (m *mutation) touchOrder(side book.Side, id uint64) {
	m.orders[id] = side
}

// touchMaker marks a maker's stake row, and one fund balance when asset is
// not the zero address.
func (m *mutation) touchMaker(maker common.Address, asset common.Address) {
	assets, ok := m.makers[maker]
	if !ok {
		assets = make(map[common.Address]struct{})
		m.makers[maker] = assets
	}
	if asset != (common.Address{}) {
		assets[asset] = struct{}{}
	}
}

// commit flushes a mutation to the store in a single atomic batch. With no
// store configured it is a no-op. The in-memory state is already applied;
// a commit error is reported to the caller but not unwound.
func (r *Reserve) commit(m *mutation) error {
	if r.store == nil {
		return nil
	}
	batch := r.store.NewBatch()
	defer batch.Close()

	for id, side := range m.orders {
		o, ok := r.arena.Get(id)
		if !ok {
			continue
		}
		if err := batch.PutOrder(side, o); err != nil {
			return err
		}
	}
	for maker, assets := range m.makers {
		if err := batch.PutStake(maker, r.ledger.StakeTotal(maker), r.ledger.LockedValue(maker)); err != nil {
			return err
		}
		for asset := range assets {
			if err := batch.PutFunds(maker, asset, r.ledger.FreeFunds(maker, asset)); err != nil {
				return err
			}
		}
	}
	if err := batch.PutNextID(r.arena.NextID()); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		r.log.Errorw("persist_failed", "err", err)
		return fmt.Errorf("persist: %w", err)
	}
	return nil
}
