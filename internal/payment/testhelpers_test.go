package payment_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-adyen/internal/adyen"
	"github.com/noah-isme/toko-adyen/internal/events"
	"github.com/noah-isme/toko-adyen/internal/payment"
	"github.com/noah-isme/toko-adyen/internal/queue"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func gatewayOptions() adyen.Options {
	return adyen.Options{adyen.OptionMerchantAccount: "TokoECOM"}
}

func newFactory() *adyen.PayloadFactory {
	return adyen.NewPayloadFactory(adyen.DefaultVersionResolver("test"), adyen.OrderNormalizer{}, adyen.NewESDCollector())
}

func sampleOrder() adyen.Order {
	return adyen.Order{
		ID:            "5a0c3c1e-0000-4000-8000-000000000001",
		Number:        "000000042",
		Total:         12500,
		ItemsSubtotal: 10000,
		ShippingTotal: 2500,
		CurrencyCode:  "EUR",
		LocaleCode:    "en_US",
		BillingAddress: &adyen.Address{
			FirstName:   "Ana",
			LastName:    "Putri",
			Street:      "Jalan Merdeka 12",
			PostalCode:  "10110",
			City:        "Jakarta",
			CountryCode: "ID",
		},
		Customer: &adyen.Customer{ID: "cust-1", Email: "ana@example.com", UserID: "user-1"},
	}
}

// memRepo is an in-memory Repository.
type memRepo struct {
	mu          sync.Mutex
	orders      map[string]adyen.Order
	payments    map[string]adyen.Payment
	paymentSeq  []string
	refunds     map[string]payment.Refund
	shoppers    map[string]adyen.ShopperReference
	transitions []payment.Transition
	nextID      int
	// failTransitions makes the next n SaveTransition calls fail.
	failTransitions int
}

func newMemRepo() *memRepo {
	return &memRepo{
		orders:   map[string]adyen.Order{},
		payments: map[string]adyen.Payment{},
		refunds:  map[string]payment.Refund{},
		shoppers: map[string]adyen.ShopperReference{},
	}
}

func (m *memRepo) addPayment(order adyen.Order, p adyen.Payment) adyen.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.Number] = order
	o := order
	p.Order = &o
	if p.Details == nil {
		p.Details = adyen.Document{}
	}
	m.payments[p.ID] = p
	m.paymentSeq = append(m.paymentSeq, p.ID)
	return p
}

func (m *memRepo) payment(id string) adyen.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payments[id]
}

func (m *memRepo) refund(id string) payment.Refund {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refunds[id]
}

func (m *memRepo) OrderByNumber(_ context.Context, number string) (adyen.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[number]
	if !ok {
		return adyen.Order{}, payment.ErrNotFound
	}
	return o, nil
}

func (m *memRepo) PaymentByID(_ context.Context, id string) (adyen.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return adyen.Payment{}, payment.ErrNotFound
	}
	p.Details = p.Details.Clone()
	return p, nil
}

func (m *memRepo) PaymentByOrderNumber(ctx context.Context, number string) (adyen.Payment, error) {
	m.mu.Lock()
	var found string
	for _, id := range m.paymentSeq {
		if p := m.payments[id]; p.Order != nil && p.Order.Number == number {
			found = id
		}
	}
	m.mu.Unlock()
	if found == "" {
		return adyen.Payment{}, payment.ErrNotFound
	}
	return m.PaymentByID(ctx, found)
}

func (m *memRepo) PaymentByPSPReference(ctx context.Context, psp string) (adyen.Payment, error) {
	m.mu.Lock()
	var found string
	for id, p := range m.payments {
		if p.PSPReference() == psp {
			found = id
		}
	}
	m.mu.Unlock()
	if found == "" {
		return adyen.Payment{}, payment.ErrNotFound
	}
	return m.PaymentByID(ctx, found)
}

func (m *memRepo) SaveTransition(_ context.Context, t payment.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTransitions > 0 {
		m.failTransitions--
		return errors.New("db unavailable")
	}
	p, ok := m.payments[t.PaymentID]
	if !ok {
		return payment.ErrNotFound
	}
	if p.State != t.From {
		return payment.ErrStaleState
	}
	p.State = t.To
	p.Details = t.Details
	m.payments[t.PaymentID] = p
	m.transitions = append(m.transitions, t)
	return nil
}

func (m *memRepo) CreateRefund(_ context.Context, r payment.Refund) (payment.Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = fmt.Sprintf("refund-%d", m.nextID)
	r.CreatedAt = time.Now()
	m.refunds[r.ID] = r
	return r, nil
}

func (m *memRepo) RefundByID(_ context.Context, id string) (payment.Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.refunds[id]
	if !ok {
		return payment.Refund{}, payment.ErrNotFound
	}
	return r, nil
}

func (m *memRepo) RefundByPSPReference(_ context.Context, psp string) (payment.Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.refunds {
		if r.PSPReference != "" && r.PSPReference == psp {
			return r, nil
		}
	}
	return payment.Refund{}, payment.ErrNotFound
}

func (m *memRepo) UpdateRefund(_ context.Context, r payment.Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refunds[r.ID]; !ok {
		return payment.ErrNotFound
	}
	m.refunds[r.ID] = r
	return nil
}

func (m *memRepo) CompletedRefundTotal(_ context.Context, paymentID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, r := range m.refunds {
		if r.PaymentID == paymentID && r.State == payment.RefundCompleted {
			total += r.Amount
		}
	}
	return total, nil
}

func (m *memRepo) ReservedRefundTotal(_ context.Context, paymentID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, r := range m.refunds {
		if r.PaymentID == paymentID && r.State != payment.RefundFailed {
			total += r.Amount
		}
	}
	return total, nil
}

func (m *memRepo) ShopperReference(_ context.Context, customerID string) (adyen.ShopperReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.shoppers[customerID]
	if !ok {
		return adyen.ShopperReference{}, payment.ErrNotFound
	}
	return ref, nil
}

func (m *memRepo) ShopperReferenceByUser(_ context.Context, userID string) (adyen.ShopperReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.Customer != nil && o.Customer.UserID == userID {
			if ref, ok := m.shoppers[o.Customer.ID]; ok {
				return ref, nil
			}
		}
	}
	return adyen.ShopperReference{}, payment.ErrNotFound
}

func (m *memRepo) CreateShopperReference(_ context.Context, customerID, identifier string) (adyen.ShopperReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref, ok := m.shoppers[customerID]; ok {
		return ref, nil
	}
	ref := adyen.ShopperReference{Identifier: identifier}
	m.shoppers[customerID] = ref
	return ref, nil
}

// fakeGateway records requests and replies with canned responses.
type fakeGateway struct {
	mu       sync.Mutex
	requests []adyen.Request
	document adyen.Document
	payment  adyen.PaymentResponse
	modify   adyen.ModificationResponse
	link     adyen.PaymentLinkResponse
	err      error
}

func (g *fakeGateway) record(req adyen.Request) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	return g.err
}

func (g *fakeGateway) calls() []adyen.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]adyen.Request(nil), g.requests...)
}

func (g *fakeGateway) Send(_ context.Context, req adyen.Request) (adyen.Document, error) {
	return g.document, g.record(req)
}

func (g *fakeGateway) Pay(_ context.Context, req adyen.Request) (adyen.PaymentResponse, error) {
	return g.payment, g.record(req)
}

func (g *fakeGateway) Modify(_ context.Context, req adyen.Request) (adyen.ModificationResponse, error) {
	return g.modify, g.record(req)
}

func (g *fakeGateway) PaymentLink(_ context.Context, req adyen.Request) (adyen.PaymentLinkResponse, error) {
	return g.link, g.record(req)
}

// recordingEmitter keeps emitted topics.
type recordingEmitter struct {
	mu     sync.Mutex
	topics []string
}

func (e *recordingEmitter) Emit(_ context.Context, topic, aggregateID string, _ any) (events.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.topics = append(e.topics, topic)
	return events.Event{Topic: topic, AggregateID: aggregateID}, nil
}

func (e *recordingEmitter) emitted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.topics...)
}

// memQueue collects enqueued tasks.
type memQueue struct {
	mu    sync.Mutex
	tasks []queue.Task
	err   error
}

func (q *memQueue) Enqueue(_ context.Context, t queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *memQueue) all() []queue.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Task(nil), q.tasks...)
}
