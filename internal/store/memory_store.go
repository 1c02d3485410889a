package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fjod/go_checkout/internal/cart"
	"github.com/fjod/go_checkout/internal/domain"
	"github.com/fjod/go_checkout/internal/repository"
	"github.com/google/uuid"
)

const (
	// ProcessedRetention is how long published outbox events are kept
	ProcessedRetention = 10 * time.Minute

	// CleanupInterval is how often the background cleanup runs
	CleanupInterval = 30 * time.Second
)

type storedCart struct {
	snapshot cart.Snapshot
	revision int64
}

type storedEvent struct {
	event       domain.OutboxEvent
	processedAt *time.Time
}

// MemoryStore implements every repository interface in process.
// One mutex serializes all writes, which gives CreateOrder the same
// transaction id uniqueness the database enforces.
type MemoryStore struct {
	mu            sync.RWMutex
	carts         map[string]*storedCart
	orders        map[uuid.UUID]*domain.Order
	byTransaction map[string]uuid.UUID
	byNumber      map[string]uuid.UUID
	sessions      map[string]*domain.CheckoutSession
	stock         map[domain.StockKey]*domain.StockLevel
	flags         []domain.ReconciliationFlag
	outbox        []*storedEvent
	nextEventID   int64

	stopCleanup chan struct{}
	wg          sync.WaitGroup
}

var (
	_ repository.CartRepository           = (*MemoryStore)(nil)
	_ repository.OrderRepository          = (*MemoryStore)(nil)
	_ repository.SessionRepository        = (*MemoryStore)(nil)
	_ repository.StockRepository          = (*MemoryStore)(nil)
	_ repository.ReconciliationRepository = (*MemoryStore)(nil)
	_ repository.OutboxRepository         = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		carts:         make(map[string]*storedCart),
		orders:        make(map[uuid.UUID]*domain.Order),
		byTransaction: make(map[string]uuid.UUID),
		byNumber:      make(map[string]uuid.UUID),
		sessions:      make(map[string]*domain.CheckoutSession),
		stock:         make(map[domain.StockKey]*domain.StockLevel),
		stopCleanup:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.cleanupLoop()

	return s
}

// Close stops the background cleanup.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	s.wg.Wait()
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.purgeProcessedEvents(time.Now().Add(-ProcessedRetention))
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) purgeProcessedEvents(before time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.outbox[:0]
	for _, e := range s.outbox {
		if e.processedAt == nil || e.processedAt.After(before) {
			kept = append(kept, e)
		}
	}
	s.outbox = kept
}

func (s *MemoryStore) Load(_ context.Context, cartID string) (cart.Snapshot, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.carts[cartID]
	if !ok {
		return cart.Snapshot{}, 0, nil
	}
	return copySnapshot(stored.snapshot), stored.revision, nil
}

func (s *MemoryStore) Save(_ context.Context, cartID string, snapshot cart.Snapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.carts[cartID]
	if !ok {
		stored = &storedCart{}
		s.carts[cartID] = stored
	}
	stored.snapshot = copySnapshot(snapshot)
	stored.revision++
	return stored.revision, nil
}

func (s *MemoryStore) ClearIfRevision(_ context.Context, cartID string, revision int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.carts[cartID]
	if !ok || stored.revision != revision {
		return false, nil
	}
	stored.snapshot = cart.Snapshot{}
	stored.revision++
	return true, nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, order *domain.Order) (*repository.CreateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.byTransaction[order.TransactionID]; exists {
		return &repository.CreateResult{Order: copyOrder(s.orders[id]), Created: false}, nil
	}
	if _, exists := s.byNumber[order.Number]; exists {
		return nil, repository.ErrDuplicateOrder
	}

	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now
	payload, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order event: %w", err)
	}

	stored := copyOrder(order)
	s.orders[stored.ID] = stored
	s.byTransaction[stored.TransactionID] = stored.ID
	s.byNumber[stored.Number] = stored.ID

	var shortfalls []domain.Shortfall
	for _, d := range order.Decrements() {
		level, ok := s.stock[d.StockKey]
		if !ok || !level.TrackInventory {
			continue
		}
		if level.Quantity < d.Quantity {
			shortfalls = append(shortfalls, domain.Shortfall{StockKey: d.StockKey, Requested: d.Quantity, Available: level.Quantity})
		}
		level.Quantity = max(level.Quantity-d.Quantity, 0)
	}

	s.appendEvent(stored.Number, domain.EventOrderCreated, payload)
	return &repository.CreateResult{Order: copyOrder(stored), Created: true, Shortfalls: shortfalls}, nil
}

func (s *MemoryStore) GetOrderByNumber(_ context.Context, number string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byNumber[number]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return copyOrder(s.orders[id]), nil
}

func (s *MemoryStore) GetOrderByTransactionID(_ context.Context, transactionID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byTransaction[transactionID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return copyOrder(s.orders[id]), nil
}

func (s *MemoryStore) ListOrdersByUserID(_ context.Context, userID string) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := []*domain.Order{}
	for _, o := range s.orders {
		if o.UserID == userID {
			orders = append(orders, copyOrder(o))
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

func (s *MemoryStore) UpdatePaymentStatus(_ context.Context, orderID uuid.UUID, from, to domain.PaymentStatus, fulfillment domain.FulfillmentStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return false, repository.ErrOrderNotFound
	}
	if order.PaymentStatus != from {
		return false, nil
	}

	order.PaymentStatus = to
	if fulfillment != "" {
		order.FulfillmentStatus = fulfillment
	}
	order.UpdatedAt = time.Now().UTC()

	payload, err := json.Marshal(map[string]string{
		"order_number":   order.Number,
		"transaction_id": order.TransactionID,
		"from":           string(from),
		"to":             string(to),
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal status event: %w", err)
	}
	s.appendEvent(order.Number, domain.EventOrderPaymentStatusChanged, payload)
	return true, nil
}

func (s *MemoryStore) MarkCartCleared(_ context.Context, orderID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	if order.CartClearedAt == nil {
		now := time.Now().UTC()
		order.CartClearedAt = &now
		order.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) SaveCheckoutSession(_ context.Context, session *domain.CheckoutSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return repository.ErrDuplicateSession
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	stored := *session
	stored.Items = append([]domain.OrderItem(nil), session.Items...)
	s.sessions[session.ID] = &stored
	return nil
}

func (s *MemoryStore) GetCheckoutSession(_ context.Context, id string) (*domain.CheckoutSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	out := *session
	out.Items = append([]domain.OrderItem(nil), session.Items...)
	return &out, nil
}

func (s *MemoryStore) StockLevels(_ context.Context, keys []domain.StockKey) (map[domain.StockKey]domain.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	levels := make(map[domain.StockKey]domain.StockLevel, len(keys))
	for _, key := range keys {
		if level, ok := s.stock[key]; ok {
			levels[key] = *level
		}
	}
	return levels, nil
}

func (s *MemoryStore) SetStock(_ context.Context, level domain.StockLevel) error {
	if level.Quantity < 0 {
		return fmt.Errorf("stock for %s must not be negative", level.ProductID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l := level
	s.stock[level.StockKey] = &l
	return nil
}

func (s *MemoryStore) FlagForReconciliation(_ context.Context, flag domain.ReconciliationFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if flag.CreatedAt.IsZero() {
		flag.CreatedAt = time.Now().UTC()
	}
	s.flags = append(s.flags, flag)
	return nil
}

// ReconciliationFlags lists flags for a reference, oldest first.
func (s *MemoryStore) ReconciliationFlags(_ context.Context, reference string) ([]domain.ReconciliationFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var flags []domain.ReconciliationFlag
	for _, f := range s.flags {
		if f.Reference == reference {
			flags = append(flags, f)
		}
	}
	return flags, nil
}

func (s *MemoryStore) GetUnprocessedEvents(_ context.Context, limit int) ([]*domain.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*domain.OutboxEvent
	for _, e := range s.outbox {
		if len(events) >= limit {
			break
		}
		if e.processedAt == nil {
			ev := e.event
			events = append(events, &ev)
		}
	}
	return events, nil
}

func (s *MemoryStore) MarkEventAsProcessed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.outbox {
		if e.event.ID == id {
			now := time.Now().UTC()
			e.processedAt = &now
			return nil
		}
	}
	return fmt.Errorf("outbox event %d not found", id)
}

// appendEvent must be called with mu held.
func (s *MemoryStore) appendEvent(aggregateID, eventType string, payload []byte) {
	s.nextEventID++
	s.outbox = append(s.outbox, &storedEvent{event: domain.OutboxEvent{
		ID:          s.nextEventID,
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}})
}

func copySnapshot(s cart.Snapshot) cart.Snapshot {
	return cart.Snapshot{
		Items:    append([]cart.Item(nil), s.Items...),
		Coupons:  append([]cart.Coupon(nil), s.Coupons...),
		Shipping: s.Shipping,
	}
}

func copyOrder(o *domain.Order) *domain.Order {
	out := *o
	out.Items = append([]domain.OrderItem(nil), o.Items...)
	if o.CartClearedAt != nil {
		t := *o.CartClearedAt
		out.CartClearedAt = &t
	}
	return &out
}
