package checkout

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/bookshop-backend/internal/inventory"
	"github.com/angelmondragon/bookshop-backend/internal/payments"
	"github.com/angelmondragon/bookshop-backend/internal/reservations"
	"github.com/angelmondragon/bookshop-backend/pkg/db"
	"github.com/angelmondragon/bookshop-backend/pkg/db/dbtest"
	"github.com/angelmondragon/bookshop-backend/pkg/db/models"
	"github.com/angelmondragon/bookshop-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bookshop-backend/pkg/errors"
)

type fakeGateway struct {
	err      error
	requests []payments.ChargeRequest
	disabled map[enums.PaymentMethod]bool
	// settled runs after the charge is created and before it is returned.
	settled func(req payments.ChargeRequest, key string)
}

func (g *fakeGateway) Supports(method enums.PaymentMethod) bool {
	return !g.disabled[method]
}

func (g *fakeGateway) CreateCharge(ctx context.Context, req payments.ChargeRequest) (*payments.Charge, error) {
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	if req.Method == enums.PaymentMethodPix {
		return &payments.Charge{Key: "tx-" + req.OrderID.String()[:8], QRCode: "000201pix"}, nil
	}
	key := "pay-" + req.OrderID.String()[:8]
	if g.settled != nil {
		g.settled(req, key)
	}
	return &payments.Charge{Key: key}, nil
}

type env struct {
	db      *gorm.DB
	orders  reservations.Repository
	gateway *fakeGateway
	svc     *service
	now     time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn := dbtest.Open(t)
	e := &env{
		db:      conn,
		orders:  reservations.NewRepository(conn),
		gateway: &fakeGateway{},
		now:     time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	svc, err := NewService(Params{
		Tx:              db.NewFromGorm(conn),
		Ledger:          inventory.NewLedger(),
		Orders:          e.orders,
		Gateway:         e.gateway,
		ReservationTTL:  15 * time.Minute,
		MaxInstallments: 12,
	})
	require.NoError(t, err)
	e.svc = svc.(*service)
	e.svc.now = func() time.Time { return e.now }
	return e
}

func (e *env) seedBook(t *testing.T, sellerID uuid.UUID, price int64, stock int) uuid.UUID {
	t.Helper()
	book := models.Book{ID: uuid.New(), SellerID: sellerID, Title: "Vidas Secas", PriceCents: price, Stock: stock}
	require.NoError(t, e.db.Create(&book).Error)
	return book.ID
}

func (e *env) stock(t *testing.T, id uuid.UUID) int {
	t.Helper()
	var book models.Book
	require.NoError(t, e.db.First(&book, "id = ?", id).Error)
	return book.Stock
}

func (e *env) orderCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&models.Order{}).Count(&n).Error)
	return n
}

func TestExecutePixReservesStockAndAttachesCharge(t *testing.T) {
	e := newEnv(t)
	seller := uuid.New()
	bookA := e.seedBook(t, seller, 50, 10)

	res, err := e.svc.Execute(context.Background(), Input{
		Method:        enums.PaymentMethodPix,
		CustomerEmail: "reader@example.com",
		Items:         []ItemInput{{BookID: bookA, Quantity: 2}},
		Installments:  6,
	})
	require.NoError(t, err)

	assert.Equal(t, 8, e.stock(t, bookA))
	assert.Equal(t, enums.OrderStatusWaiting, res.Status)
	assert.Equal(t, int64(100), res.TotalCents)
	assert.Equal(t, 1, res.Installments, "pix is always a single installment")
	assert.Equal(t, "000201pix", res.QRCode)
	assert.True(t, res.ReserveExpiresAt.Equal(e.now.Add(15*time.Minute)))

	order, err := e.orders.FindByCorrelationKey(context.Background(), res.CorrelationKey)
	require.NoError(t, err)
	assert.Equal(t, res.OrderID, order.ID)
	assert.Equal(t, seller, order.SellerID)
	require.NotNil(t, order.TxID)
	assert.Nil(t, order.ChargeID)

	require.Len(t, e.gateway.requests, 1)
	assert.Equal(t, 15*time.Minute, e.gateway.requests[0].ExpiresIn)
	assert.Equal(t, int64(100), e.gateway.requests[0].AmountCents)
}

func TestExecuteCardKeepsInstallments(t *testing.T) {
	e := newEnv(t)
	book := e.seedBook(t, uuid.New(), 3000, 3)

	res, err := e.svc.Execute(context.Background(), Input{
		Method:        enums.PaymentMethodCard,
		CustomerEmail: "reader@example.com",
		Items:         []ItemInput{{BookID: book, Quantity: 1}, {BookID: book, Quantity: 1}},
		Installments:  3,
		CardSourceID:  "cnon:card-nonce-ok",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Installments)
	assert.Equal(t, int64(6000), res.TotalCents)
	assert.Equal(t, 1, e.stock(t, book))

	order, err := e.orders.FindByID(context.Background(), res.OrderID)
	require.NoError(t, err)
	require.NotNil(t, order.ChargeID)
	assert.Equal(t, res.CorrelationKey, *order.ChargeID)
	assert.Equal(t, "cnon:card-nonce-ok", e.gateway.requests[0].SourceID)
}

func TestExecuteInsufficientStockRollsBack(t *testing.T) {
	e := newEnv(t)
	seller := uuid.New()
	plenty := e.seedBook(t, seller, 10, 10)
	scarce := e.seedBook(t, seller, 10, 1)

	_, err := e.svc.Execute(context.Background(), Input{
		Method:        enums.PaymentMethodPix,
		CustomerEmail: "reader@example.com",
		Items:         []ItemInput{{BookID: plenty, Quantity: 3}, {BookID: scarce, Quantity: 2}},
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict))

	assert.Equal(t, 10, e.stock(t, plenty))
	assert.Equal(t, 1, e.stock(t, scarce))
	assert.Equal(t, int64(0), e.orderCount(t))
	assert.Empty(t, e.gateway.requests, "no charge without a reservation")
}

func TestExecuteGatewayFailureCancelsAndReleases(t *testing.T) {
	e := newEnv(t)
	book := e.seedBook(t, uuid.New(), 100, 4)
	e.gateway.err = &payments.GatewayError{
		Provider:   "pix",
		Kind:       payments.KindForStatus(http.StatusTooManyRequests),
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: 10 * time.Second,
		Err:        errors.New("slow down"),
	}

	_, err := e.svc.Execute(context.Background(), Input{
		Method:        enums.PaymentMethodPix,
		CustomerEmail: "reader@example.com",
		Items:         []ItemInput{{BookID: book, Quantity: 2}},
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeRateLimit))
	gwErr, ok := payments.AsGatewayError(err)
	require.True(t, ok)
	assert.True(t, gwErr.Retryable())

	assert.Equal(t, 4, e.stock(t, book))
	var order models.Order
	require.NoError(t, e.db.First(&order).Error)
	assert.Equal(t, enums.OrderStatusCanceled, order.Status)
	assert.NotNil(t, order.CanceledAt)
	assert.Nil(t, order.ReserveExpiresAt)
}

func TestExecuteValidation(t *testing.T) {
	e := newEnv(t)
	sellerA, sellerB := uuid.New(), uuid.New()
	bookA := e.seedBook(t, sellerA, 10, 5)
	bookB := e.seedBook(t, sellerB, 10, 5)
	e.gateway.disabled = map[enums.PaymentMethod]bool{}

	tests := []struct {
		name  string
		input Input
		code  pkgerrors.Code
	}{
		{"unknown method", Input{Method: "boleto", CustomerEmail: "a@b.c", Items: []ItemInput{{BookID: bookA, Quantity: 1}}}, pkgerrors.CodeValidation},
		{"no email", Input{Method: enums.PaymentMethodPix, Items: []ItemInput{{BookID: bookA, Quantity: 1}}}, pkgerrors.CodeValidation},
		{"no items", Input{Method: enums.PaymentMethodPix, CustomerEmail: "a@b.c"}, pkgerrors.CodeValidation},
		{"zero quantity", Input{Method: enums.PaymentMethodPix, CustomerEmail: "a@b.c", Items: []ItemInput{{BookID: bookA}}}, pkgerrors.CodeValidation},
		{"card without source", Input{Method: enums.PaymentMethodCard, CustomerEmail: "a@b.c", Items: []ItemInput{{BookID: bookA, Quantity: 1}}}, pkgerrors.CodeValidation},
		{"too many installments", Input{Method: enums.PaymentMethodCard, CustomerEmail: "a@b.c", CardSourceID: "cnon", Installments: 13, Items: []ItemInput{{BookID: bookA, Quantity: 1}}}, pkgerrors.CodeValidation},
		{"mixed sellers", Input{Method: enums.PaymentMethodPix, CustomerEmail: "a@b.c", Items: []ItemInput{{BookID: bookA, Quantity: 1}, {BookID: bookB, Quantity: 1}}}, pkgerrors.CodeValidation},
		{"unknown book", Input{Method: enums.PaymentMethodPix, CustomerEmail: "a@b.c", Items: []ItemInput{{BookID: uuid.New(), Quantity: 1}}}, pkgerrors.CodeNotFound},
	}
	for _, tt := range tests {
		_, err := e.svc.Execute(context.Background(), tt.input)
		require.Error(t, err, tt.name)
		assert.True(t, pkgerrors.IsCode(err, tt.code), "%s: got %v", tt.name, err)
	}
	assert.Equal(t, 5, e.stock(t, bookA))
	assert.Equal(t, int64(0), e.orderCount(t))

	e.gateway.disabled[enums.PaymentMethodCard] = true
	_, err := e.svc.Execute(context.Background(), Input{Method: enums.PaymentMethodCard, CustomerEmail: "a@b.c", CardSourceID: "cnon", Items: []ItemInput{{BookID: bookA, Quantity: 1}}})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(Params{})
	require.Error(t, err)
	_, err = NewService(Params{Tx: db.NewFromGorm(dbtest.Open(t)), Ledger: inventory.NewLedger(), Orders: reservations.NewRepository(nil), Gateway: &fakeGateway{}})
	require.Error(t, err, "ttl is required")
}

func TestExecuteCardAlreadySettledByWebhook(t *testing.T) {
	e := newEnv(t)
	book := e.seedBook(t, uuid.New(), 3000, 3)
	e.gateway.settled = func(req payments.ChargeRequest, key string) {
		applied, err := e.orders.MarkPaidByReference(context.Background(), req.OrderID,
			reservations.Charge{Method: enums.PaymentMethodCard, CorrelationKey: key}, e.now)
		require.NoError(t, err)
		require.True(t, applied)
	}

	res, err := e.svc.Execute(context.Background(), Input{
		Method:        enums.PaymentMethodCard,
		CustomerEmail: "reader@example.com",
		Items:         []ItemInput{{BookID: book, Quantity: 1}},
		CardSourceID:  "cnon:card-nonce-ok",
	})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPaid, res.Status)
	assert.Equal(t, 2, e.stock(t, book))

	order, err := e.orders.FindByID(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPaid, order.Status)
	assert.Equal(t, res.CorrelationKey, order.CorrelationKey())
}

func TestExecuteRejectsOrderClosedBeforeAttach(t *testing.T) {
	e := newEnv(t)
	book := e.seedBook(t, uuid.New(), 3000, 3)
	e.gateway.settled = func(req payments.ChargeRequest, _ string) {
		applied, err := e.orders.MarkCanceled(context.Background(), req.OrderID, e.now)
		require.NoError(t, err)
		require.True(t, applied)
	}

	_, err := e.svc.Execute(context.Background(), Input{
		Method:        enums.PaymentMethodCard,
		CustomerEmail: "reader@example.com",
		Items:         []ItemInput{{BookID: book, Quantity: 1}},
		CardSourceID:  "cnon:card-nonce-ok",
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
}
