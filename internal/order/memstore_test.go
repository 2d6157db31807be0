package order_test

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/uuid"

	"github.com/vasiliy-maslov/storefront/internal/order"
)

// memStore is an in-memory Repository. Transactions run one at a time, which gives
// the same guarantee as the row lock, and writes become visible only on commit.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	orders map[uuid.UUID]*order.Order

	// failInsertItems, when set, is returned by every InsertItems call.
	failInsertItems error
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[uuid.UUID]*order.Order)}
}

func (s *memStore) seed(o order.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.Email == "" {
		o.Email = o.Customer.Email
	}
	s.orders[o.ID] = cloneOrder(&o)
}

func (s *memStore) snapshot(id uuid.UUID) (*order.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, false
	}
	return cloneOrder(o), true
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *memStore) InTx(_ context.Context, fn func(tx order.Tx) error) (err error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{store: s, staged: make(map[uuid.UUID]*order.Order)}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, o := range tx.staged {
		s.orders[id] = o
	}
	return nil
}

func (s *memStore) GetOrder(_ context.Context, id uuid.UUID) (*order.Order, error) {
	o, ok := s.snapshot(id)
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return o, nil
}

func (s *memStore) ListOrdersByEmail(_ context.Context, email string) ([]order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []order.Order
	for _, o := range s.orders {
		if strings.EqualFold(o.Email, email) || strings.EqualFold(o.Customer.Email, email) {
			out = append(out, *cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type memTx struct {
	store  *memStore
	staged map[uuid.UUID]*order.Order
}

// load returns the staged copy of an order, copying it from the store on first access.
func (tx *memTx) load(id uuid.UUID) (*order.Order, error) {
	if o, ok := tx.staged[id]; ok {
		return o, nil
	}
	o, ok := tx.store.snapshot(id)
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	tx.staged[id] = o
	return o, nil
}

func (tx *memTx) InsertOrder(_ context.Context, header *order.Order) error {
	if _, ok := tx.store.snapshot(header.ID); ok {
		return order.ErrConstraintViolation
	}
	o := cloneOrder(header)
	o.Items = nil
	tx.staged[o.ID] = o
	return nil
}

func (tx *memTx) InsertItems(_ context.Context, orderID uuid.UUID, items []order.Item) error {
	if tx.store.failInsertItems != nil {
		return tx.store.failInsertItems
	}
	o, err := tx.load(orderID)
	if err != nil {
		return order.ErrConstraintViolation
	}
	o.Items = append(o.Items, items...)
	return nil
}

func (tx *memTx) GetOrder(_ context.Context, id uuid.UUID) (*order.Order, error) {
	o, err := tx.load(id)
	if err != nil {
		return nil, err
	}
	return cloneOrder(o), nil
}

func (tx *memTx) LockOrder(_ context.Context, id uuid.UUID) (order.State, error) {
	o, err := tx.load(id)
	if err != nil {
		return order.State{}, err
	}
	st := order.State{
		ID:         o.ID,
		Status:     o.Status,
		Payment:    o.Payment,
		CreatedAt:  o.CreatedAt,
		Currency:   o.Currency,
		GrandTotal: o.Totals.Grand,
	}
	if o.Refund != nil {
		st.Refund = cloneRefund(o.Refund)
	}
	return st, nil
}

func (tx *memTx) UpdateStatus(_ context.Context, id uuid.UUID, status order.Status) error {
	o, err := tx.load(id)
	if err != nil {
		return err
	}
	o.Status = status
	return nil
}

func (tx *memTx) UpdatePayment(_ context.Context, id uuid.UUID, payment order.Payment) error {
	o, err := tx.load(id)
	if err != nil {
		return err
	}
	o.Payment = payment
	return nil
}

func (tx *memTx) UpdateRefund(_ context.Context, id uuid.UUID, refund *order.Refund) error {
	o, err := tx.load(id)
	if err != nil {
		return err
	}
	o.Refund = cloneRefund(refund)
	return nil
}

func cloneOrder(o *order.Order) *order.Order {
	c := *o
	c.Items = append([]order.Item(nil), o.Items...)
	c.Refund = cloneRefund(o.Refund)
	if o.UserID != nil {
		id := *o.UserID
		c.UserID = &id
	}
	return &c
}

func cloneRefund(r *order.Refund) *order.Refund {
	if r == nil {
		return nil
	}
	c := *r
	if r.Approved != nil {
		v := *r.Approved
		c.Approved = &v
	}
	if r.Amount != nil {
		v := *r.Amount
		c.Amount = &v
	}
	if r.ProcessedAt != nil {
		v := *r.ProcessedAt
		c.ProcessedAt = &v
	}
	return &c
}
