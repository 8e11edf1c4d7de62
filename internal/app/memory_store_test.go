package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/groupcart/groupbuy-service/internal/domain"
	"github.com/groupcart/groupbuy-service/internal/store"
)

// memoryStore is an in-memory Repository with the same version-conditioned
// write semantics as the Postgres implementation. It backs the concurrency
// tests in this package.
type memoryStore struct {
	mu       sync.Mutex
	groups   map[uuid.UUID]*domain.Group
	orders   map[uuid.UUID]*domain.Order
	payments map[uuid.UUID]*domain.Payment

	// appendDelay widens the read-to-write race window in concurrency tests.
	appendDelay time.Duration
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		groups:   make(map[uuid.UUID]*domain.Group),
		orders:   make(map[uuid.UUID]*domain.Order),
		payments: make(map[uuid.UUID]*domain.Payment),
	}
}

func copyGroup(g *domain.Group) *domain.Group {
	cp := *g
	cp.Participants = append([]domain.Participant(nil), g.Participants...)
	return &cp
}

func copyOrder(o *domain.Order) *domain.Order {
	cp := *o
	cp.Items = append([]domain.OrderItem(nil), o.Items...)
	return &cp
}

func copyPayment(p *domain.Payment) *domain.Payment {
	cp := *p
	return &cp
}

func (m *memoryStore) CreateGroup(ctx context.Context, group *domain.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	group.Version = 1
	m.groups[group.ID] = copyGroup(group)
	return nil
}

func (m *memoryStore) GetGroup(ctx context.Context, groupID uuid.UUID) (*domain.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, store.ErrGroupNotFound
	}
	return copyGroup(g), nil
}

func (m *memoryStore) ListGroups(ctx context.Context, opts domain.GroupListOptions) ([]domain.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Group
	for _, g := range m.groups {
		if opts.Status != "" && g.Status != opts.Status {
			continue
		}
		out = append(out, *copyGroup(g))
	}
	return out, nil
}

func (m *memoryStore) AppendParticipant(ctx context.Context, groupID uuid.UUID, write store.GroupWrite, expectedVersion int64) error {
	if m.appendDelay > 0 {
		time.Sleep(m.appendDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return store.ErrGroupNotFound
	}
	if g.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	if g.HasParticipant(write.Participant.UserID) {
		return store.ErrAlreadyJoined
	}
	g.Participants = append(g.Participants, write.Participant)
	g.CurrentParticipants++
	g.Status = write.Status
	g.CompletedAt = write.CompletedAt
	g.Version++
	return nil
}

func (m *memoryStore) MarkGroupExpired(ctx context.Context, groupID uuid.UUID, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return store.ErrGroupNotFound
	}
	if g.Version != expectedVersion || g.Status != domain.GroupStatusOpen {
		return store.ErrVersionConflict
	}
	g.Status = domain.GroupStatusExpired
	g.Version++
	return nil
}

func (m *memoryStore) ListExpiredOpenGroups(ctx context.Context, now time.Time, limit int) ([]domain.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Group
	for _, g := range m.groups {
		if g.Status == domain.GroupStatusOpen && now.After(g.ExpiresAt) {
			out = append(out, *copyGroup(g))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memoryStore) CreateOrderIfAbsent(ctx context.Context, order *domain.Order) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.GroupID != nil && order.GroupID != nil && *o.GroupID == *order.GroupID && o.UserID == order.UserID {
			return false, nil
		}
	}
	m.orders[order.ID] = copyOrder(order)
	return true, nil
}

func (m *memoryStore) CreateOrder(ctx context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = copyOrder(order)
	return nil
}

func (m *memoryStore) GetOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (m *memoryStore) ListOrdersByGroup(ctx context.Context, groupID uuid.UUID) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		if o.GroupID != nil && *o.GroupID == groupID {
			out = append(out, *copyOrder(o))
		}
	}
	return out, nil
}

func (m *memoryStore) CreatePendingPayment(ctx context.Context, payment *domain.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[payment.OrderID]; !ok {
		return store.ErrOrderNotFound
	}
	for _, p := range m.payments {
		if p.OrderID == payment.OrderID && !domain.IsTerminalPaymentStatus(p.Status) {
			return store.ErrPaymentExists
		}
	}
	payment.Status = domain.PaymentStatusPending
	payment.Version = 1
	m.payments[payment.ID] = copyPayment(payment)
	return nil
}

func (m *memoryStore) AttachGatewayPaymentID(ctx context.Context, paymentID uuid.UUID, gatewayPaymentID string, rawResponse []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return store.ErrPaymentNotFound
	}
	if p.GatewayPaymentID != nil {
		return store.ErrGatewayIDAlreadySet
	}
	p.GatewayPaymentID = &gatewayPaymentID
	p.GatewayRawResponse = rawResponse
	return nil
}

func (m *memoryStore) GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	return copyPayment(p), nil
}

func (m *memoryStore) GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.GatewayPaymentID != nil && *p.GatewayPaymentID == gatewayPaymentID {
			return copyPayment(p), nil
		}
	}
	return nil, store.ErrPaymentNotFound
}

func (m *memoryStore) TransitionPayment(ctx context.Context, paymentID uuid.UUID, transition store.PaymentTransition, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return store.ErrPaymentNotFound
	}
	if p.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	p.Status = transition.ToStatus
	if transition.CompletedAt != nil {
		p.CompletedAt = transition.CompletedAt
	}
	if transition.TransactionFee != nil {
		p.TransactionFee = transition.TransactionFee
	}
	if transition.RefundID != nil {
		p.RefundID = transition.RefundID
	}
	if transition.RawResponse != nil {
		p.GatewayRawResponse = transition.RawResponse
	}
	p.Version++
	if transition.OrderStatus != "" {
		if o, ok := m.orders[p.OrderID]; ok {
			o.Status = transition.OrderStatus
			o.PaymentID = &p.ID
		}
	}
	return nil
}

// recordingPublisher captures every published event for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	Exchange   string
	RoutingKey string
	Body       interface{}
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Exchange: exchange, RoutingKey: routingKey, Body: body})
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) byRoutingKey(key string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.RoutingKey == key {
			out = append(out, e)
		}
	}
	return out
}
