// Package book implements a single market's limit order book. A Book is not
// safe for concurrent use; it is owned by exactly one market worker.
package book

import (
	"MemePerp/internal/event"
	"MemePerp/internal/order"
	"math/big"
	"sort"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
)

const btreeDegree = 16

// level is a FIFO of resting order ids at one price.
type level struct {
	price  *big.Int
	orders []uuid.UUID
}

// Decision is what a match handler tells the book after seeing a candidate match.
type Decision int

const (
	// Fill means the handler applied the fill to both orders.
	Fill Decision = iota
	// CancelMaker removes the maker without filling it.
	CancelMaker
	// Stop ends the matching pass for this taker.
	Stop
)

// Handler receives the events of a matching pass.
type Handler interface {
	OnMatch(maker *order.Order, price, size *big.Int) Decision
	OnExpired(maker *order.Order)
	OnSelfMatch(maker *order.Order)
}

// DepthLevel is one aggregated price level.
type DepthLevel struct {
	Price  *big.Int
	Size   *big.Int
	Orders int
}

type Book struct {
	token  event.Address
	bids   *btree.BTreeG[*level]
	asks   *btree.BTreeG[*level]
	orders map[uuid.UUID]*order.Order
}

func New(token event.Address) *Book {
	return &Book{
		token: token,
		// bids: highest price first
		bids: btree.NewG(btreeDegree, func(a, b *level) bool { return a.price.Cmp(b.price) > 0 }),
		// asks: lowest price first
		asks:   btree.NewG(btreeDegree, func(a, b *level) bool { return a.price.Cmp(b.price) < 0 }),
		orders: make(map[uuid.UUID]*order.Order),
	}
}

func (b *Book) Token() event.Address { return b.token }

func (b *Book) side(isLong bool) *btree.BTreeG[*level] {
	if isLong {
		return b.bids
	}
	return b.asks
}

// Add rests a LIMIT order at its price behind everything already there.
func (b *Book) Add(o *order.Order) {
	tree := b.side(o.IsLong)
	probe := &level{price: o.Price}
	lvl, ok := tree.Get(probe)
	if !ok {
		lvl = &level{price: new(big.Int).Set(o.Price)}
		tree.ReplaceOrInsert(lvl)
	}
	lvl.orders = append(lvl.orders, o.ID)
	b.orders[o.ID] = o
}

// Restore rests an order that was taken out of the book, at the place its
// arrival Sequence gives it in the level, ahead of later arrivals.
func (b *Book) Restore(o *order.Order) {
	tree := b.side(o.IsLong)
	lvl, ok := tree.Get(&level{price: o.Price})
	if !ok {
		b.Add(o)
		return
	}
	i := sort.Search(len(lvl.orders), func(i int) bool {
		return b.orders[lvl.orders[i]].Sequence > o.Sequence
	})
	lvl.orders = append(lvl.orders, uuid.Nil)
	copy(lvl.orders[i+1:], lvl.orders[i:])
	lvl.orders[i] = o.ID
	b.orders[o.ID] = o
}

// Get returns a resting order.
func (b *Book) Get(id uuid.UUID) (*order.Order, bool) {
	o, ok := b.orders[id]
	return o, ok
}

// Remove takes a resting order out of the book and returns it.
func (b *Book) Remove(id uuid.UUID) (*order.Order, bool) {
	o, ok := b.orders[id]
	if !ok {
		return nil, false
	}
	delete(b.orders, id)

	tree := b.side(o.IsLong)
	lvl, ok := tree.Get(&level{price: o.Price})
	if !ok {
		return o, true
	}
	for i, oid := range lvl.orders {
		if oid == id {
			lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
			break
		}
	}
	if len(lvl.orders) == 0 {
		tree.Delete(lvl)
	}
	return o, true
}

func (b *Book) Len() int { return len(b.orders) }

// BestBid returns the highest resting bid price, or nil.
func (b *Book) BestBid() *big.Int { return best(b.bids) }

// BestAsk returns the lowest resting ask price, or nil.
func (b *Book) BestAsk() *big.Int { return best(b.asks) }

func best(tree *btree.BTreeG[*level]) *big.Int {
	lvl, ok := tree.Min()
	if !ok {
		return nil
	}
	return new(big.Int).Set(lvl.price)
}

// BestOpposing returns the best price a taker on the given side would hit.
func (b *Book) BestOpposing(isLong bool) *big.Int {
	return best(b.side(!isLong))
}

func crosses(taker *order.Order, makerPrice *big.Int) bool {
	if taker.Type == order.TypeMarket {
		return true
	}
	if taker.IsLong {
		return makerPrice.Cmp(taker.Price) <= 0
	}
	return makerPrice.Cmp(taker.Price) >= 0
}

// Match runs one matching pass for taker against the opposing side. The
// book removes makers that are filled, expired, self-matched or cancelled by
// h; h is responsible for applying fills to both orders.
func (b *Book) Match(taker *order.Order, now time.Time, h Handler) {
	opp := b.side(!taker.IsLong)

	for taker.Remaining().Sign() > 0 {
		lvl, ok := opp.Min()
		if !ok || !crosses(taker, lvl.price) {
			return
		}
		maker := b.orders[lvl.orders[0]]

		if maker.IsExpired(now) {
			b.Remove(maker.ID)
			h.OnExpired(maker)
			continue
		}
		if maker.Trader == taker.Trader {
			b.Remove(maker.ID)
			h.OnSelfMatch(maker)
			continue
		}

		size := taker.Remaining()
		if mr := maker.Remaining(); mr.Cmp(size) < 0 {
			size = mr
		}
		price := new(big.Int).Set(lvl.price)

		switch h.OnMatch(maker, price, size) {
		case Fill:
			if maker.Remaining().Sign() == 0 {
				b.Remove(maker.ID)
			}
		case CancelMaker:
			b.Remove(maker.ID)
		case Stop:
			return
		}
	}
}

// Depth aggregates up to n levels per side. n <= 0 means all levels.
func (b *Book) Depth(n int) (bids, asks []DepthLevel) {
	return b.depth(b.bids, n), b.depth(b.asks, n)
}

func (b *Book) depth(tree *btree.BTreeG[*level], n int) []DepthLevel {
	out := make([]DepthLevel, 0)
	tree.Ascend(func(lvl *level) bool {
		if n > 0 && len(out) >= n {
			return false
		}
		size := new(big.Int)
		for _, id := range lvl.orders {
			size.Add(size, b.orders[id].Remaining())
		}
		out = append(out, DepthLevel{Price: new(big.Int).Set(lvl.price), Size: size, Orders: len(lvl.orders)})
		return true
	})
	return out
}

// Orders returns resting orders in priority order, bids first.
func (b *Book) Orders() []*order.Order {
	out := make([]*order.Order, 0, len(b.orders))
	collect := func(lvl *level) bool {
		for _, id := range lvl.orders {
			out = append(out, b.orders[id])
		}
		return true
	}
	b.bids.Ascend(collect)
	b.asks.Ascend(collect)
	return out
}
