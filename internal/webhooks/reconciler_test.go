package webhooks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/bookshop-backend/internal/inventory"
	"github.com/angelmondragon/bookshop-backend/internal/payments"
	"github.com/angelmondragon/bookshop-backend/internal/reservations"
	"github.com/angelmondragon/bookshop-backend/pkg/db/dbtest"
	"github.com/angelmondragon/bookshop-backend/pkg/db/models"
	"github.com/angelmondragon/bookshop-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bookshop-backend/pkg/errors"
)

type notification struct {
	event   enums.NotificationEvent
	orderID uuid.UUID
	fields  map[string]any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) Notify(ctx context.Context, event enums.NotificationEvent, orderID uuid.UUID, fields map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{event: event, orderID: orderID, fields: fields})
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (m *recordingMetrics) IncOutcome(provider, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = map[string]int{}
	}
	m.outcomes[provider+"/"+outcome]++
}

type fixture struct {
	db         *gorm.DB
	orders     reservations.Repository
	reconciler *Reconciler
	notifier   *recordingNotifier
	metrics    *recordingMetrics
	now        time.Time
}

func newFixture(t *testing.T, secrets map[enums.PaymentMethod]string) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	f := &fixture{
		db:       db,
		orders:   reservations.NewRepository(db),
		notifier: &recordingNotifier{},
		metrics:  &recordingMetrics{},
		now:      time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC),
	}
	rec, err := NewReconciler(ReconcilerParams{
		Events:         NewEventRepository(db),
		Orders:         f.orders,
		Statuses:       payments.NewMatchers(nil),
		Notifier:       f.notifier,
		Metrics:        f.metrics,
		Secrets:        secrets,
		CardPayoutDays: 32,
	})
	require.NoError(t, err)
	rec.now = func() time.Time { return f.now }
	f.reconciler = rec
	return f
}

// seedWaitingOrder reserves qty units of a fresh book and creates a WAITING
// order carrying key, the same way checkout does. An empty key leaves the
// order as it is between charge creation and AttachCharge.
func (f *fixture) seedWaitingOrder(t *testing.T, method enums.PaymentMethod, key string, stock, qty int) (*models.Order, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	book := models.Book{ID: uuid.New(), SellerID: uuid.New(), Title: "Grande Sertão", PriceCents: 50, Stock: stock}
	require.NoError(t, f.db.Create(&book).Error)

	order := &models.Order{
		SellerID:      book.SellerID,
		CustomerEmail: "reader@example.com",
		PaymentMethod: method,
		SubtotalCents: 100,
		TotalCents:    100,
		Items:         []models.OrderItem{{BookID: book.ID, Quantity: qty, UnitPriceCents: 50}},
	}
	ledger := inventory.NewLedger()
	err := f.db.Transaction(func(tx *gorm.DB) error {
		if err := ledger.ReserveAll(ctx, tx, []inventory.Line{{BookID: book.ID, Quantity: qty}}); err != nil {
			return err
		}
		return f.orders.WithTx(tx).Create(ctx, order, 15*time.Minute, f.now)
	})
	require.NoError(t, err)
	if key != "" {
		applied, err := f.orders.AttachCharge(ctx, order.ID, reservations.Charge{Method: method, CorrelationKey: key})
		require.NoError(t, err)
		require.True(t, applied)
	}
	return order, book.ID
}

func (f *fixture) auditRows(t *testing.T) []models.WebhookEvent {
	t.Helper()
	var rows []models.WebhookEvent
	require.NoError(t, f.db.Order("received_at ASC").Find(&rows).Error)
	return rows
}

func (f *fixture) stock(t *testing.T, bookID uuid.UUID) int {
	t.Helper()
	var book models.Book
	require.NoError(t, f.db.First(&book, "id = ?", bookID).Error)
	return book.Stock
}

func TestPaidWebhookAppliesOnceAndDuplicateIsAudited(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order, bookID := f.seedWaitingOrder(t, enums.PaymentMethodCard, "pay_O", 10, 2)
	assert.Equal(t, 8, f.stock(t, bookID))

	body := []byte(`{"charge_id":"pay_O","status":"paid"}`)
	first, err := f.reconciler.Handle(ctx, Delivery{Provider: enums.PaymentMethodCard, Body: body})
	require.NoError(t, err)
	assert.Equal(t, "status=paid; applied=true", first.Message())

	loaded, err := f.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPaid, loaded.Status)
	require.NotNil(t, loaded.PaidAt)
	assert.True(t, loaded.PaidAt.Equal(f.now))
	assert.Nil(t, loaded.ReserveExpiresAt)

	f.now = f.now.Add(5 * time.Minute)
	second, err := f.reconciler.Handle(ctx, Delivery{Provider: enums.PaymentMethodCard, Body: body})
	require.NoError(t, err)
	assert.Equal(t, "status=paid; applied=false", second.Message())

	again, err := f.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, again.PaidAt.Equal(loaded.PaidAt.UTC()), "paid_at must not move on replay")
	assert.Equal(t, 8, f.stock(t, bookID))

	rows := f.auditRows(t)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, "paid", row.Status)
		require.NotNil(t, row.OrderID)
		assert.Equal(t, order.ID, *row.OrderID)
		assert.Equal(t, string(body), row.RawBody)
	}

	require.Len(t, f.notifier.sent, 1)
	sent := f.notifier.sent[0]
	assert.Equal(t, enums.NotificationOrderPaid, sent.event)
	assert.Equal(t, "payout scheduled in 32 days", sent.fields["message"])
	assert.Equal(t, 32, sent.fields["payoutInDays"])
	assert.Equal(t, 1, f.metrics.outcomes["card/applied"])
	assert.Equal(t, 1, f.metrics.outcomes["card/duplicate"])
}

func TestConcurrentReplaysApplyExactlyOnce(t *testing.T) {
	f := newFixture(t, nil)
	order, _ := f.seedWaitingOrder(t, enums.PaymentMethodPix, "tx-replay", 5, 1)
	body := []byte(`{"pix":[{"txid":"tx-replay","status":"CONCLUIDA"}]}`)

	const deliveries = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.reconciler.Handle(context.Background(), Delivery{Provider: enums.PaymentMethodPix, Body: body})
			assert.NoError(t, err)
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Len(t, f.auditRows(t), deliveries)
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, order.ID, f.notifier.sent[0].orderID)
	_, hasMessage := f.notifier.sent[0].fields["message"]
	assert.False(t, hasMessage, "pix payments carry no payout delay message")
}

func TestIgnoredOutcomesAreAuditedAndAcknowledged(t *testing.T) {
	f := newFixture(t, nil)
	f.seedWaitingOrder(t, enums.PaymentMethodPix, "tx-known", 5, 1)

	tests := []struct {
		body    string
		message string
		status  string
	}{
		{`{not json`, "ignored: invalid json", StatusInvalidJSON},
		{`{"status":"CONCLUIDA"}`, "ignored: no charge_id", "CONCLUIDA"},
		{`{"txid":"tx-known"}`, "ignored: no status", ""},
		{`{"txid":"tx-unknown","status":"CONCLUIDA"}`, "ignored: order not found", "CONCLUIDA"},
		{`{"txid":"tx-known","status":"ATIVA"}`, "status=ATIVA; applied=false", "ATIVA"},
	}
	for _, tt := range tests {
		f.now = f.now.Add(time.Second)
		res, err := f.reconciler.Handle(context.Background(), Delivery{Provider: enums.PaymentMethodPix, Body: []byte(tt.body)})
		require.NoError(t, err, tt.body)
		assert.Equal(t, tt.message, res.Message(), tt.body)
	}

	rows := f.auditRows(t)
	require.Len(t, rows, len(tests))
	for i, tt := range tests {
		assert.Equal(t, tt.status, rows[i].Status, tt.body)
		assert.Equal(t, enums.PaymentMethodPix, rows[i].Provider)
	}
	assert.Empty(t, f.notifier.sent)
}

func TestInvalidSignatureIsAuditedAndIgnored(t *testing.T) {
	f := newFixture(t, map[enums.PaymentMethod]string{enums.PaymentMethodCard: "shh"})
	order, _ := f.seedWaitingOrder(t, enums.PaymentMethodCard, "pay_sig", 5, 1)
	body := []byte(`{"data":{"object":{"payment":{"id":"pay_sig","status":"COMPLETED"}}}}`)

	res, err := f.reconciler.Handle(context.Background(), Delivery{Provider: enums.PaymentMethodCard, Body: body, Signature: "forged"})
	require.NoError(t, err)
	assert.Equal(t, "ignored: invalid signature", res.Message())

	loaded, err := f.orders.FindByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusWaiting, loaded.Status)

	f.now = f.now.Add(time.Second)
	res, err = f.reconciler.Handle(context.Background(), Delivery{Provider: enums.PaymentMethodCard, Body: body, Signature: Sign(body, "shh")})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	rows := f.auditRows(t)
	require.Len(t, rows, 2)
	assert.Equal(t, StatusInvalidSignature, rows[0].Status)
	assert.Equal(t, "COMPLETED", rows[1].Status)
}

func TestPaidWebhookCannotResurrectExpiredOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order, _ := f.seedWaitingOrder(t, enums.PaymentMethodPix, "tx-late", 5, 1)
	expired, err := f.orders.MarkExpired(ctx, order.ID, f.now)
	require.NoError(t, err)
	require.True(t, expired)

	res, err := f.reconciler.Handle(ctx, Delivery{Provider: enums.PaymentMethodPix, Body: []byte(`{"txid":"tx-late","status":"CONCLUIDA"}`)})
	require.NoError(t, err)
	assert.False(t, res.Applied)

	loaded, err := f.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusExpired, loaded.Status)
	assert.Nil(t, loaded.PaidAt)
	assert.Empty(t, f.notifier.sent)
}

func squareCompleted(paymentID string, orderID uuid.UUID) []byte {
	return []byte(fmt.Sprintf(`{"type":"payment.updated","data":{"id":%[1]q,"object":{"payment":{"id":%[1]q,"status":"COMPLETED","reference_id":%[2]q}}}}`, paymentID, orderID.String()))
}

func TestCardWebhookBeforeAttachChargeSettlesByReference(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order, bookID := f.seedWaitingOrder(t, enums.PaymentMethodCard, "", 4, 1)

	res, err := f.reconciler.Handle(ctx, Delivery{Provider: enums.PaymentMethodCard, Body: squareCompleted("sq_early", order.ID)})
	require.NoError(t, err)
	assert.Equal(t, "status=COMPLETED; applied=true", res.Message())
	assert.Equal(t, order.ID, res.OrderID)

	loaded, err := f.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPaid, loaded.Status)
	assert.Equal(t, "sq_early", loaded.CorrelationKey())
	assert.Nil(t, loaded.ReserveExpiresAt)
	assert.Equal(t, 3, f.stock(t, bookID))

	applied, err := f.orders.AttachCharge(ctx, order.ID, reservations.Charge{Method: enums.PaymentMethodCard, CorrelationKey: "sq_early"})
	require.NoError(t, err)
	assert.False(t, applied, "a settled order takes no further transition")

	replay, err := f.reconciler.Handle(ctx, Delivery{Provider: enums.PaymentMethodCard, Body: squareCompleted("sq_early", order.ID)})
	require.NoError(t, err)
	assert.Equal(t, "status=COMPLETED; applied=false", replay.Message())

	rows := f.auditRows(t)
	require.Len(t, rows, 2)
	require.NotNil(t, rows[0].OrderID)
	assert.Equal(t, order.ID, *rows[0].OrderID)
	require.Len(t, f.notifier.sent, 1)
}

func TestReferenceIgnoredWhenOrderHasAnotherKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order, _ := f.seedWaitingOrder(t, enums.PaymentMethodCard, "sq_real", 4, 1)

	res, err := f.reconciler.Handle(ctx, Delivery{Provider: enums.PaymentMethodCard, Body: squareCompleted("sq_forged", order.ID)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrderNotFound, res.Outcome)

	loaded, err := f.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusWaiting, loaded.Status)
}

type failingEvents struct{}

func (failingEvents) Append(context.Context, *models.WebhookEvent) error {
	return pkgerrors.Wrap(pkgerrors.CodeDependency, errors.New("disk full"), "persist webhook event")
}

type stubOrders struct {
	findErr error
}

func (s stubOrders) FindByCorrelationKey(context.Context, string) (*models.Order, error) {
	return nil, s.findErr
}

func (s stubOrders) FindByID(context.Context, uuid.UUID) (*models.Order, error) {
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
}

func (s stubOrders) MarkPaidIfNeededByChargeID(context.Context, string, time.Time) (bool, error) {
	return false, nil
}

func (s stubOrders) MarkPaidByReference(context.Context, uuid.UUID, reservations.Charge, time.Time) (bool, error) {
	return false, nil
}

func TestStoreFailuresAreReturned(t *testing.T) {
	rec, err := NewReconciler(ReconcilerParams{Events: failingEvents{}, Orders: stubOrders{}, Statuses: payments.NewMatchers(nil)})
	require.NoError(t, err)
	_, err = rec.Handle(context.Background(), Delivery{Provider: enums.PaymentMethodPix, Body: []byte(`not json`)})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))

	db := dbtest.Open(t)
	rec, err = NewReconciler(ReconcilerParams{
		Events:   NewEventRepository(db),
		Orders:   stubOrders{findErr: pkgerrors.New(pkgerrors.CodeDependency, "connection reset")},
		Statuses: payments.NewMatchers(nil),
	})
	require.NoError(t, err)
	_, err = rec.Handle(context.Background(), Delivery{Provider: enums.PaymentMethodPix, Body: []byte(`{"txid":"x","status":"PAID"}`)})
	require.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&models.WebhookEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count, "audit row is written even when the lookup fails")
}

func TestNewReconcilerValidatesDependencies(t *testing.T) {
	_, err := NewReconciler(ReconcilerParams{})
	require.Error(t, err)
	_, err = NewReconciler(ReconcilerParams{Events: failingEvents{}})
	require.Error(t, err)
	_, err = NewReconciler(ReconcilerParams{Events: failingEvents{}, Orders: stubOrders{}})
	require.Error(t, err)
}

func ExampleResult_Message() {
	fmt.Println(Result{Outcome: OutcomeProcessed, Status: "CONCLUIDA", Applied: true}.Message())
	fmt.Println(Result{Outcome: OutcomeOrderNotFound}.Message())
	// Output:
	// status=CONCLUIDA; applied=true
	// ignored: order not found
}
